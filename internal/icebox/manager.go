package icebox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/icebox/internal/comm"
	"github.com/CZERTAINLY/icebox/internal/log"
	"github.com/CZERTAINLY/icebox/internal/properties"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPrefix = "IceBox"

	defaultObserverTimeout = 10 * time.Second
	sharedCommunicatorName = "SharedCommunicator"
)

type Option func(*ServiceManager)

// WithPrefix replaces IceBox in all the property names the manager reads
func WithPrefix(prefix string) Option {
	return func(m *ServiceManager) {
		m.prefix = prefix
	}
}

// WithInitFunc sets how service and shared communicators are created
func WithInitFunc(fn InitFunc) Option {
	return func(m *ServiceManager) {
		m.init = fn
	}
}

// WithRegisterer registers the manager metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *ServiceManager) {
		m.reg = reg
	}
}

// WithOutput sets where the services ready line is printed, os.Stdout by default
func WithOutput(w io.Writer) Option {
	return func(m *ServiceManager) {
		m.out = w
	}
}

// ServiceManager loads, starts and stops the services defined in the properties
// of its communicator. Services keep their load order; on shutdown they are
// stopped in the reverse order.
type ServiceManager struct {
	comm     Communicator
	registry *Registry
	args     []string
	prefix   string
	init     InitFunc
	out      io.Writer
	reg      prometheus.Registerer
	logger   *slog.Logger
	metrics  *metrics

	observers *observerRegistry
	ran       atomic.Bool
	ready     chan struct{}
	adminOnce sync.Once
	adminMux  *http.ServeMux

	mx        sync.Mutex
	cond      *sync.Cond
	pending   int
	announced bool
	services  []*serviceRecord
	shared    Communicator
}

// NewServiceManager creates a manager running against c. Server arguments of
// the form --<service>.* in args are forwarded to the named service.
func NewServiceManager(c Communicator, registry *Registry, args []string, opts ...Option) *ServiceManager {
	m := &ServiceManager{
		comm:     c,
		registry: registry,
		args:     slices.Clone(args),
		prefix:   DefaultPrefix,
		init:     initialize,
		out:      os.Stdout,
		logger:   c.Logger(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cond = sync.NewCond(&m.mx)
	m.metrics = newMetrics(m.reg)

	props := c.Properties()
	timeout := props.GetAsDuration(m.prefix+".ObserverTimeout", defaultObserverTimeout)
	if timeout <= 0 {
		m.logger.Warn("observer timeout must be positive: using default",
			"key", m.prefix+".ObserverTimeout", "timeout", defaultObserverTimeout.String())
		timeout = defaultObserverTimeout
	}
	m.observers = newObserverRegistry(
		m.logger,
		m.metrics,
		timeout,
		props.GetAsIntWithDefault(m.prefix+".Trace.ServiceObserver", 0) > 0,
	)
	return m
}

func initialize(props *properties.Properties, args []string) (Communicator, []string, error) {
	c, rest, err := comm.Initialize(props, args)
	if err != nil {
		return nil, nil, err
	}
	return c, rest, nil
}

// FacetName is the admin facet the manager registers itself as
func (m *ServiceManager) FacetName() string {
	return m.prefix + ".ServiceManager"
}

// Ready is closed once all services are started and the communicator is
// activated. It is never closed if Run fails before.
func (m *ServiceManager) Ready() <-chan struct{} {
	return m.ready
}

// Services returns the hosted services in load order
func (m *ServiceManager) Services() []ServiceInfo {
	m.mx.Lock()
	defer m.mx.Unlock()
	ret := make([]ServiceInfo, 0, len(m.services))
	for _, rec := range m.services {
		ret = append(ret, ServiceInfo{Name: rec.name, Status: rec.status})
	}
	return ret
}

func (m *ServiceManager) find(name string) *serviceRecord {
	for _, rec := range m.services {
		if rec.name == name {
			return rec
		}
	}
	return nil
}

// StartService starts a stopped service. A failing Start is logged and the
// service stays stopped.
func (m *ServiceManager) StartService(ctx context.Context, name string) error {
	m.mx.Lock()
	rec := m.find(name)
	if rec == nil {
		m.mx.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchService, name)
	}
	if rec.status != Stopped {
		m.mx.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, name)
	}
	rec.status = Starting
	m.pending++
	svc, c, args := rec.service, rec.comm, slices.Clone(rec.args)
	m.mx.Unlock()

	ctx = log.ContextAttrs(ctx, slog.String("service", name))
	err := safeCall(func() error { return svc.Start(ctx, name, c, args) })

	m.mx.Lock()
	if err != nil {
		rec.status = Stopped
	} else {
		rec.status = Started
	}
	m.pending--
	m.cond.Broadcast()
	m.mx.Unlock()

	if err != nil {
		m.logger.ErrorContext(ctx, "service failed to start", "error", err)
		return nil
	}
	m.metrics.started(name)
	m.observers.notify(eventStarted, []string{name})
	return nil
}

// StopService stops a started service. A failing Stop is logged and the
// service is considered still running.
func (m *ServiceManager) StopService(ctx context.Context, name string) error {
	m.mx.Lock()
	rec := m.find(name)
	if rec == nil {
		m.mx.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchService, name)
	}
	if rec.status != Started {
		m.mx.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStopped, name)
	}
	rec.status = Stopping
	m.pending++
	svc := rec.service
	m.mx.Unlock()

	ctx = log.ContextAttrs(ctx, slog.String("service", name))
	err := safeCall(func() error { return svc.Stop(ctx) })

	m.mx.Lock()
	if err != nil {
		rec.status = Started
	} else {
		rec.status = Stopped
	}
	m.pending--
	m.cond.Broadcast()
	m.mx.Unlock()

	if err != nil {
		m.logger.ErrorContext(ctx, "service failed to stop", "error", err)
		return nil
	}
	m.metrics.stopped(name)
	m.observers.notify(eventStopped, []string{name})
	return nil
}

// AddObserver registers o and tells it about the services already started.
// An observer added while Run is loading services is told about all of them
// once loading is done. Adding an observer with a known ID does nothing.
func (m *ServiceManager) AddObserver(ctx context.Context, o Observer) {
	m.mx.Lock()
	reg := m.observers.add(o)
	var active []string
	if reg != nil && m.announced {
		for _, rec := range m.services {
			if rec.status == Started {
				active = append(active, rec.name)
			}
		}
	}
	m.mx.Unlock()

	if reg != nil && len(active) > 0 {
		m.logger.DebugContext(ctx, "notifying new observer", "observer", o.ID(), "services", active)
		m.observers.fire(reg, eventStarted, active)
	}
}

// Shutdown asks the communicator to shut down, Run then stops all services.
func (m *ServiceManager) Shutdown() error {
	return m.comm.Shutdown()
}

// Run loads and starts the services, waits until the communicator is shut down
// or ctx is done and stops all services again. It returns configuration and
// load errors; failures of single services after startup are only logged.
func (m *ServiceManager) Run(ctx context.Context) error {
	if !m.ran.CompareAndSwap(false, true) {
		return errors.New("service manager already ran")
	}
	defer m.teardown(context.WithoutCancel(ctx))

	props := m.comm.Properties()
	defs, order, err := m.loadOrder(props)
	if err != nil {
		return err
	}

	projector := NewPropertyProjector(props, props.GetAsBool(m.prefix+".InheritProperties"))
	if err := m.createSharedCommunicator(ctx, projector, defs, order); err != nil {
		return err
	}

	for _, name := range order {
		m.mx.Lock()
		err := m.load(ctx, projector, name, defs[name])
		m.mx.Unlock()
		if err != nil {
			return err
		}
	}

	// observers added from now on get the started services from AddObserver
	m.mx.Lock()
	m.announced = true
	var started []string
	for _, rec := range m.services {
		if rec.status == Started {
			started = append(started, rec.name)
		}
	}
	regs := m.observers.snapshot()
	m.mx.Unlock()
	for _, reg := range regs {
		m.observers.fire(reg, eventStarted, started)
	}

	if err := m.comm.AddAdminFacet(m.FacetName(), m); err != nil {
		return fmt.Errorf("registering admin facet %s: %w", m.FacetName(), err)
	}
	if err := m.comm.Activate(ctx); err != nil {
		return fmt.Errorf("activating communicator: %w", err)
	}

	if bundle := props.Get(m.prefix + ".PrintServicesReady"); bundle != "" {
		fmt.Fprintf(m.out, "%s ready\n", bundle)
	}
	close(m.ready)
	m.logger.InfoContext(ctx, "services ready", "services", order)

	err = m.comm.WaitForShutdown(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		m.logger.InfoContext(ctx, "context done: shutting down", "cause", context.Cause(ctx))
		_ = m.comm.Shutdown()
	case errors.Is(err, comm.ErrDisposed):
	default:
		return fmt.Errorf("waiting for shutdown: %w", err)
	}
	return nil
}

// loadOrder returns the service definitions and the order to load them in:
// the services listed in <Prefix>.LoadOrder first, the rest sorted by name.
func (m *ServiceManager) loadOrder(props *properties.Properties) (map[string]string, []string, error) {
	servicePrefix := m.prefix + ".Service."
	defs := make(map[string]string)
	for key, def := range props.GetForPrefix(servicePrefix) {
		name := strings.TrimPrefix(key, servicePrefix)
		if name == "" {
			continue
		}
		defs[name] = def
	}
	if len(defs) == 0 {
		return nil, nil, &ConfigurationError{Reason: "no services defined with " + servicePrefix + "<name>"}
	}

	order := make([]string, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, name := range props.GetAsList(m.prefix + ".LoadOrder") {
		if _, ok := defs[name]; !ok {
			return nil, nil, &ConfigurationError{
				Reason: fmt.Sprintf("service %s listed in %s.LoadOrder is not defined", name, m.prefix),
			}
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		order = append(order, name)
	}
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		if _, ok := seen[name]; !ok {
			order = append(order, name)
		}
	}
	return defs, order, nil
}

func (m *ServiceManager) usesShared(name string) bool {
	return m.comm.Properties().GetAsBool(m.prefix + ".UseSharedCommunicator." + name)
}

// createSharedCommunicator builds one communicator for all services with
// <Prefix>.UseSharedCommunicator.<name> set. Its properties are the union of
// the properties of those services.
func (m *ServiceManager) createSharedCommunicator(ctx context.Context, projector *PropertyProjector, defs map[string]string, order []string) error {
	var users []string
	for _, name := range order {
		if m.usesShared(name) {
			users = append(users, name)
		}
	}
	if len(users) == 0 {
		return nil
	}

	shared := projector.Derive(sharedCommunicatorName)
	for _, name := range users {
		_, args, err := PartitionArgs(name, defs[name], m.args)
		if err != nil {
			return err
		}
		svcProps, rest, err := properties.Create(args, shared)
		if err != nil {
			return &ServiceLoadError{Service: name, Reason: "creating properties", Err: err}
		}
		// keys the service cleared are cleared for everyone
		for _, key := range shared.Keys() {
			if svcProps.Get(key) == "" {
				shared.Set(key, "")
			}
		}
		for key, value := range svcProps.GetForPrefix("") {
			shared.Set(key, value)
		}
		shared.ParseCommandLineOptions(name, rest)
	}

	facetPrefix := m.prefix + "." + sharedCommunicatorName + "."
	export := projector.ConfigureAdmin(shared, facetPrefix)
	c, _, err := m.init(shared, nil)
	if err != nil {
		return &ServiceLoadError{Service: sharedCommunicatorName, Reason: "creating shared communicator", Err: err}
	}

	m.mx.Lock()
	m.shared = c
	m.mx.Unlock()
	if export {
		m.exportFacets(ctx, c, facetPrefix)
	}
	m.logger.DebugContext(ctx, "created shared communicator", "services", users)
	return nil
}

// load resolves, instantiates and starts one service. Called with m.mx held.
func (m *ServiceManager) load(ctx context.Context, projector *PropertyProjector, name, definition string) error {
	ctx = log.ContextAttrs(ctx, slog.String("service", name))

	entry, args, err := PartitionArgs(name, definition, m.args)
	if err != nil {
		return err
	}
	module, typeName, err := splitEntryPoint(entry)
	if err != nil {
		return &ConfigurationError{Reason: "invalid entry point for service " + name, Err: err}
	}
	f, err := m.registry.lookup(module, typeName)
	if err != nil {
		return &ServiceLoadError{Service: name, Reason: "resolving " + entry, Err: err}
	}

	rec := &serviceRecord{name: name}
	facetPrefix := m.prefix + ".Service." + name + "."
	if m.shared != nil && m.usesShared(name) {
		// options were applied to the shared communicator
		scratch := properties.New()
		args = scratch.ParseIceCommandLineOptions(args)
		args = scratch.ParseCommandLineOptions(name, args)
		rec.comm = m.shared
	} else {
		props := projector.Derive(name)
		if len(args) > 0 {
			props, args, err = properties.Create(args, props)
			if err != nil {
				return &ServiceLoadError{Service: name, Reason: "creating properties", Err: err}
			}
			args = props.ParseCommandLineOptions(name, args)
		}
		export := projector.ConfigureAdmin(props, facetPrefix)
		c, _, err := m.init(props, nil)
		if err != nil {
			return &ServiceLoadError{Service: name, Reason: "creating communicator", Err: err}
		}
		rec.comm = c
		rec.owned = true
		if export {
			m.exportFacets(ctx, c, facetPrefix)
		}
	}
	rec.args = args

	var svc Service
	err = safeCall(func() error {
		var err error
		svc, err = f.create(m.comm)
		if err == nil && svc == nil {
			err = errors.New("constructor returned no service")
		}
		return err
	})
	if err != nil {
		m.release(ctx, rec)
		return &ServiceLoadError{Service: name, Reason: "instantiating " + entry, Err: err}
	}
	rec.service = svc

	if err := safeCall(func() error { return svc.Start(ctx, name, rec.comm, slices.Clone(args)) }); err != nil {
		m.release(ctx, rec)
		return &ServiceLoadError{Service: name, Reason: "start failed", Err: err}
	}

	rec.status = Started
	m.services = append(m.services, rec)
	m.metrics.started(name)
	m.logger.DebugContext(ctx, "service started", "entry_point", entry, "args", args, "shared", !rec.owned)
	return nil
}

// splitEntryPoint splits module:type on the first colon not escaped with a
// backslash.
func splitEntryPoint(entry string) (string, string, error) {
	for i := 0; i < len(entry); i++ {
		switch entry[i] {
		case '\\':
			i++
		case ':':
			module := strings.ReplaceAll(entry[:i], `\:`, ":")
			typeName := entry[i+1:]
			if module == "" || typeName == "" {
				return "", "", fmt.Errorf("expected <module>:<type>, got %q", entry)
			}
			return module, typeName, nil
		}
	}
	return "", "", fmt.Errorf("missing ':' separator in %q", entry)
}

// exportFacets adds all facets of c but Process to the main communicator
// under prefix.
func (m *ServiceManager) exportFacets(ctx context.Context, c Communicator, prefix string) {
	facets, err := c.FindAllAdminFacets()
	if err != nil {
		m.logger.WarnContext(ctx, "listing admin facets", "error", err)
		return
	}
	for name, facet := range facets {
		if name == comm.ProcessFacet {
			continue
		}
		if err := m.comm.AddAdminFacet(prefix+name, facet); err != nil {
			m.logger.WarnContext(ctx, "exporting admin facet", "facet", prefix+name, "error", err)
		}
	}
}

func (m *ServiceManager) removeFacets(ctx context.Context, prefix string) {
	facets, err := m.comm.FindAllAdminFacets()
	if err != nil {
		if !errors.Is(err, comm.ErrDisposed) {
			m.logger.WarnContext(ctx, "listing admin facets", "error", err)
		}
		return
	}
	for name := range facets {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := m.comm.RemoveAdminFacet(name); err != nil && !errors.Is(err, comm.ErrDisposed) {
			m.logger.WarnContext(ctx, "removing admin facet", "facet", name, "error", err)
		}
	}
}

// release removes the exported facets of a record and destroys its private
// communicator.
func (m *ServiceManager) release(ctx context.Context, rec *serviceRecord) {
	if !rec.owned || rec.comm == nil {
		return
	}
	m.removeFacets(ctx, m.prefix+".Service."+rec.name+".")
	m.destroyCommunicator(ctx, rec.comm)
}

// destroyCommunicator shuts c down and destroys it. A service may have
// destroyed its communicator on its own, so ErrDisposed is ignored.
func (m *ServiceManager) destroyCommunicator(ctx context.Context, c Communicator) {
	if err := c.Shutdown(); err != nil && !errors.Is(err, comm.ErrDisposed) {
		m.logger.WarnContext(ctx, "shutting down communicator", "error", err)
	}
	if err := c.WaitForShutdown(ctx); err != nil && !errors.Is(err, comm.ErrDisposed) {
		m.logger.WarnContext(ctx, "waiting for communicator shutdown", "error", err)
	}
	if err := c.Destroy(); err != nil && !errors.Is(err, comm.ErrDisposed) {
		m.logger.WarnContext(ctx, "destroying communicator", "error", err)
	}
}

// teardown stops all started services in reverse load order, destroys their
// communicators and notifies the observers.
func (m *ServiceManager) teardown(ctx context.Context) {
	m.mx.Lock()
	for m.pending > 0 {
		m.cond.Wait()
	}

	slices.Reverse(m.services)
	var stopped []string
	for _, rec := range m.services {
		if rec.status == Started {
			sctx := log.ContextAttrs(ctx, slog.String("service", rec.name))
			if err := safeCall(func() error { return rec.service.Stop(sctx) }); err != nil {
				m.logger.ErrorContext(sctx, "service failed to stop", "error", err)
			} else {
				rec.status = Stopped
				stopped = append(stopped, rec.name)
				m.metrics.stopped(rec.name)
			}
		}
		m.release(ctx, rec)
	}

	if m.shared != nil {
		m.removeFacets(ctx, m.prefix+"."+sharedCommunicatorName+".")
		m.destroyCommunicator(ctx, m.shared)
		m.shared = nil
	}
	m.services = nil
	m.mx.Unlock()

	if _, err := m.comm.RemoveAdminFacet(m.FacetName()); err != nil && !errors.Is(err, comm.ErrDisposed) && !errors.Is(err, comm.ErrFacetNotFound) {
		m.logger.DebugContext(ctx, "removing admin facet", "error", err)
	}

	m.observers.notify(eventStopped, stopped)
	m.observers.close()
	m.logger.DebugContext(ctx, "services stopped", "services", stopped)
}

// safeCall turns a panic of a service or observer into an error
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
