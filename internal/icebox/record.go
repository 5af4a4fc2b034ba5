package icebox

import "encoding/json"

type Status int

const (
	Stopped Status = iota
	Starting
	Started
	Stopping
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ServiceInfo is a snapshot of a hosted service
type ServiceInfo struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
}

// serviceRecord is guarded by the manager lock
type serviceRecord struct {
	name    string
	status  Status
	args    []string
	service Service
	// comm is either private or the shared communicator, see owned
	comm  Communicator
	owned bool
}
