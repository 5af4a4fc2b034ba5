package icebox

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Constructor creates a service with no arguments.
type Constructor func() (Service, error)

// CommunicatorConstructor creates a service which needs the communicator of the
// service manager, e.g. to shut the whole process down.
type CommunicatorConstructor func(Communicator) (Service, error)

// factory holds exactly one of the two constructor variants
type factory struct {
	plain    Constructor
	withComm CommunicatorConstructor
}

func (f factory) create(c Communicator) (Service, error) {
	if f.withComm != nil {
		return f.withComm(c)
	}
	return f.plain()
}

// Registry maps the <module>:<type> entry points of service definitions to
// constructors.
type Registry struct {
	mx      sync.RWMutex
	modules map[string]map[string]factory
}

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]map[string]factory),
	}
}

// Register registers a constructor for module:typeName
func (r *Registry) Register(module, typeName string, ctor Constructor) error {
	if ctor == nil {
		return errors.New("constructor cannot be nil")
	}
	return r.add(module, typeName, factory{plain: ctor})
}

// RegisterWithCommunicator registers a constructor receiving the communicator
// of the service manager for module:typeName
func (r *Registry) RegisterWithCommunicator(module, typeName string, ctor CommunicatorConstructor) error {
	if ctor == nil {
		return errors.New("constructor cannot be nil")
	}
	return r.add(module, typeName, factory{withComm: ctor})
}

func (r *Registry) add(module, typeName string, f factory) error {
	if module == "" || typeName == "" {
		return fmt.Errorf("module and type cannot be empty: %q:%q", module, typeName)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	types, ok := r.modules[module]
	if !ok {
		types = make(map[string]factory)
		r.modules[module] = types
	}
	if _, exists := types[typeName]; exists {
		return fmt.Errorf("service type %s:%s already registered", module, typeName)
	}
	types[typeName] = f
	return nil
}

func (r *Registry) lookup(module, typeName string) (factory, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	types, ok := r.modules[module]
	if !ok {
		return factory{}, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	f, ok := types[typeName]
	if !ok {
		return factory{}, fmt.Errorf("%w: %s in module %s", ErrTypeNotFound, typeName, module)
	}
	return f, nil
}

// Types returns all registered entry points in sorted order
func (r *Registry) Types() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	var ret []string
	for module, types := range r.modules {
		for typ := range types {
			ret = append(ret, module+":"+typ)
		}
	}
	slices.Sort(ret)
	return ret
}
