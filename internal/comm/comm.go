// Package comm provides the communication context the service manager and the
// hosted services run against: a property set, a registry of administrative
// facets served over HTTP, and a shutdown/destroy lifecycle.
package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/CZERTAINLY/icebox/internal/properties"

	"github.com/google/uuid"
)

var (
	ErrDisposed      = errors.New("communicator destroyed")
	ErrFacetExists   = errors.New("admin facet already registered")
	ErrFacetNotFound = errors.New("admin facet not found")
)

const (
	ProcessFacet    = "Process"
	PropertiesFacet = "Properties"

	adminEnabledKey   = "Ice.Admin.Enabled"
	adminEndpointsKey = "Ice.Admin.Endpoints"
	adminFacetsKey    = "Ice.Admin.Facets"

	serverShutdownTimeout = 5 * time.Second
)

type Communicator struct {
	id    string
	props *properties.Properties

	mx           sync.Mutex
	facets       map[string]http.Handler
	filter       map[string]struct{}
	adminEnabled bool
	destroyed    bool
	server       *http.Server
	listener     net.Listener
	served       chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// Initialize creates a communicator from a clone of props (may be nil) with the
// configuration files and reserved options found in args applied. The args not
// consumed are returned.
func Initialize(props *properties.Properties, args []string) (*Communicator, []string, error) {
	p, rest, err := properties.Create(args, props)
	if err != nil {
		return nil, nil, fmt.Errorf("creating communicator properties: %w", err)
	}
	return New(p), rest, nil
}

// New creates a communicator using props as is.
func New(props *properties.Properties) *Communicator {
	c := &Communicator{
		id:       uuid.NewString(),
		props:    props,
		facets:   make(map[string]http.Handler),
		shutdown: make(chan struct{}),
	}

	if props.Get(adminEnabledKey) != "" {
		c.adminEnabled = props.GetAsBool(adminEnabledKey)
	} else {
		c.adminEnabled = props.Get(adminEndpointsKey) != ""
	}
	if list := props.GetAsList(adminFacetsKey); len(list) > 0 {
		c.filter = make(map[string]struct{}, len(list))
		for _, name := range list {
			c.filter[name] = struct{}{}
		}
	}

	if c.adminEnabled {
		c.facets[ProcessFacet] = processFacet{c: c}
		c.facets[PropertiesFacet] = propertiesFacet{props: props}
	}
	return c
}

func (c *Communicator) ID() string {
	return c.id
}

func (c *Communicator) Properties() *properties.Properties {
	return c.props
}

// Logger returns the default logger tagged with Ice.ProgramName when it is set.
func (c *Communicator) Logger() *slog.Logger {
	if name := c.props.Get(properties.ProgramNameKey); name != "" {
		return slog.Default().With("program", name)
	}
	return slog.Default()
}

// AdminEnabled reports whether the builtin facets were created and the admin
// endpoint, if configured, is served.
func (c *Communicator) AdminEnabled() bool {
	return c.adminEnabled
}

// AddAdminFacet registers facet under name. Facets are stored even when
// Ice.Admin.Facets does not list them, they are just not served.
func (c *Communicator) AddAdminFacet(name string, facet http.Handler) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.destroyed {
		return ErrDisposed
	}
	if _, ok := c.facets[name]; ok {
		return fmt.Errorf("%w: %s", ErrFacetExists, name)
	}
	c.facets[name] = facet
	return nil
}

func (c *Communicator) RemoveAdminFacet(name string) (http.Handler, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.destroyed {
		return nil, ErrDisposed
	}
	facet, ok := c.facets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFacetNotFound, name)
	}
	delete(c.facets, name)
	return facet, nil
}

func (c *Communicator) FindAdminFacet(name string) (http.Handler, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.destroyed {
		return nil, ErrDisposed
	}
	facet, ok := c.facets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFacetNotFound, name)
	}
	return facet, nil
}

// FindAllAdminFacets returns a copy of all registered facets.
func (c *Communicator) FindAllAdminFacets() (map[string]http.Handler, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.destroyed {
		return nil, ErrDisposed
	}
	return maps.Clone(c.facets), nil
}

// exposed returns a facet which passes the Ice.Admin.Facets filter
func (c *Communicator) exposed(name string) (http.Handler, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.destroyed || !c.adminEnabled {
		return nil, false
	}
	if c.filter != nil {
		if _, ok := c.filter[name]; !ok {
			return nil, false
		}
	}
	facet, ok := c.facets[name]
	return facet, ok
}

// Activate starts serving the admin endpoint when admin is enabled and
// Ice.Admin.Endpoints is set. Calling it again is a no-op.
func (c *Communicator) Activate(ctx context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.destroyed {
		return ErrDisposed
	}
	endpoint := c.props.Get(adminEndpointsKey)
	if !c.adminEnabled || endpoint == "" || c.server != nil {
		return nil
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", endpoint, err)
	}
	c.listener = l
	c.server = &http.Server{
		Handler:           c.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.served = make(chan struct{})
	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin endpoint stopped", "endpoint", endpoint, "error", err)
		}
	}(c.server, c.served)
	slog.DebugContext(ctx, "admin endpoint activated", "address", l.Addr().String())
	return nil
}

// AdminAddr returns the address the admin endpoint listens on or an empty
// string if it is not active.
func (c *Communicator) AdminAddr() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Shutdown requests the communicator to shut down. It never blocks and can be
// called many times.
func (c *Communicator) Shutdown() error {
	c.mx.Lock()
	destroyed := c.destroyed
	c.mx.Unlock()
	if destroyed {
		return ErrDisposed
	}
	c.shutdownOnce.Do(func() { close(c.shutdown) })
	return nil
}

// Done is closed once Shutdown or Destroy was called.
func (c *Communicator) Done() <-chan struct{} {
	return c.shutdown
}

// WaitForShutdown blocks until Shutdown was called or ctx is done.
func (c *Communicator) WaitForShutdown(ctx context.Context) error {
	c.mx.Lock()
	destroyed := c.destroyed
	c.mx.Unlock()
	if destroyed {
		return ErrDisposed
	}
	select {
	case <-c.shutdown:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy shuts the communicator down, closes the admin endpoint and drops all
// facets. Destroying a destroyed communicator does nothing.
func (c *Communicator) Destroy() error {
	c.mx.Lock()
	if c.destroyed {
		c.mx.Unlock()
		return nil
	}
	c.destroyed = true
	srv, served := c.server, c.served
	c.server, c.listener, c.served = nil, nil, nil
	clear(c.facets)
	c.mx.Unlock()

	c.shutdownOnce.Do(func() { close(c.shutdown) })

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-served
	if err != nil {
		return fmt.Errorf("closing admin endpoint: %w", err)
	}
	return nil
}
