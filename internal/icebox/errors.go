package icebox

import (
	"errors"
	"fmt"
)

var (
	ErrNoSuchService  = errors.New("no such service")
	ErrAlreadyStarted = errors.New("service already started")
	ErrAlreadyStopped = errors.New("service already stopped")
	ErrModuleNotFound = errors.New("module not found")
	ErrTypeNotFound   = errors.New("type not found")
)

// ConfigurationError reports missing or malformed configuration. It is fatal
// to Run.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ServiceLoadError reports a service which could not be resolved,
// instantiated or started while Run loads the services.
type ServiceLoadError struct {
	Service string
	Reason  string
	Err     error
}

func (e *ServiceLoadError) Error() string {
	msg := fmt.Sprintf("loading service %s: %s", e.Service, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceLoadError) Unwrap() error {
	return e.Err
}
