// Package icebox hosts a set of named services inside one process.
//
// A ServiceManager reads service definitions of the form
//
//	<Prefix>.Service.<name> = <module>:<type> [args...]
//
// from the properties of its communicator, instantiates each service through
// a Registry of constructors and starts them in load order. Services run
// against a private communicator, or a communicator shared by every service
// with <Prefix>.UseSharedCommunicator.<name> set. Once running, services can be
// stopped and started again by name, observers are told about every change
// and on shutdown all services are stopped in reverse start order.
package icebox
