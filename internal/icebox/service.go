package icebox

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/CZERTAINLY/icebox/internal/properties"
)

// Service is a hosted service. Start must not block for the lifetime of the
// service, long running work belongs in its own goroutine. The ctx passed to
// Start is only valid until Start returns.
type Service interface {
	Start(ctx context.Context, name string, c Communicator, args []string) error
	Stop(ctx context.Context) error
}

// Communicator is what the manager and its services need from a
// communication context. *comm.Communicator implements it.
type Communicator interface {
	Properties() *properties.Properties
	Logger() *slog.Logger
	AddAdminFacet(name string, facet http.Handler) error
	RemoveAdminFacet(name string) (http.Handler, error)
	FindAllAdminFacets() (map[string]http.Handler, error)
	Activate(ctx context.Context) error
	Shutdown() error
	WaitForShutdown(ctx context.Context) error
	Destroy() error
}

// InitFunc creates a communicator from a property set and an argument vector
// and returns the arguments it did not consume.
type InitFunc func(props *properties.Properties, args []string) (Communicator, []string, error)

// Observer is told about services being started and stopped. Notifications
// are delivered asynchronously, an observer returning an error is removed.
type Observer interface {
	// ID identifies the observer, an observer with an already known ID is
	// not added again.
	ID() string
	ServicesStarted(ctx context.Context, services []string) error
	ServicesStopped(ctx context.Context, services []string) error
}
