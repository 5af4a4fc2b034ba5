package icebox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/icebox/internal/comm"

	"vawter.tech/stopper"
)

type event int

const (
	eventStarted event = iota
	eventStopped
)

func (e event) String() string {
	if e == eventStarted {
		return "started"
	}
	return "stopped"
}

// registration tells apart an observer removed and added again
type registration struct {
	observer Observer
}

// observerRegistry delivers notifications in their own goroutines. An
// observer whose notification fails is removed.
type observerRegistry struct {
	mx        sync.Mutex
	observers map[string]*registration

	sctx    *stopper.Context
	base    context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	grace   time.Duration

	trace   bool
	logger  *slog.Logger
	metrics *metrics
}

func newObserverRegistry(logger *slog.Logger, m *metrics, timeout time.Duration, trace bool) *observerRegistry {
	base, cancel := context.WithCancel(context.Background())
	return &observerRegistry{
		observers: make(map[string]*registration),
		sctx:      stopper.WithContext(base),
		base:      base,
		cancel:    cancel,
		timeout:   timeout,
		grace:     timeout,
		trace:     trace,
		logger:    logger,
		metrics:   m,
	}
}

// add returns nil when o is nil or an observer with the same ID is known
func (r *observerRegistry) add(o Observer) *registration {
	if o == nil {
		return nil
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	id := o.ID()
	if _, ok := r.observers[id]; ok {
		return nil
	}
	reg := &registration{observer: o}
	r.observers[id] = reg
	r.metrics.observers.Set(float64(len(r.observers)))
	if r.trace {
		r.logger.Debug("added service observer", "observer", id)
	}
	return reg
}

func (r *observerRegistry) remove(reg *registration, cause error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	id := reg.observer.ID()
	if cur, ok := r.observers[id]; !ok || cur != reg {
		return
	}
	delete(r.observers, id)
	r.metrics.observers.Set(float64(len(r.observers)))
	r.metrics.failures.Inc()
	if r.trace && !benign(cause) {
		r.logger.Debug("removed service observer", "observer", id, "error", cause)
	}
}

func (r *observerRegistry) notify(e event, services []string) {
	if len(services) == 0 {
		return
	}
	for _, reg := range r.snapshot() {
		r.fire(reg, e, services)
	}
}

// snapshot returns the current registrations
func (r *observerRegistry) snapshot() []*registration {
	r.mx.Lock()
	defer r.mx.Unlock()
	regs := make([]*registration, 0, len(r.observers))
	for _, reg := range r.observers {
		regs = append(regs, reg)
	}
	return regs
}

// fire never blocks, the notification is dropped once the registry is closed
func (r *observerRegistry) fire(reg *registration, e event, services []string) {
	if len(services) == 0 {
		return
	}
	services = append([]string(nil), services...)
	r.sctx.Go(func(_ *stopper.Context) error {
		ctx, cancel := context.WithTimeout(r.base, r.timeout)
		defer cancel()
		err := safeCall(func() error {
			if e == eventStarted {
				return reg.observer.ServicesStarted(ctx, services)
			}
			return reg.observer.ServicesStopped(ctx, services)
		})
		if err != nil {
			r.remove(reg, fmt.Errorf("notifying services %s: %w", e, err))
		}
		return nil
	})
}

// close waits for the notifications in flight, those still running after the
// grace period are cancelled.
func (r *observerRegistry) close() {
	r.sctx.Stop(r.grace)
	timer := time.AfterFunc(r.grace, r.cancel)
	defer timer.Stop()
	if err := r.sctx.Wait(); err != nil {
		r.logger.Debug("waiting for observer notifications", "error", err)
	}
	r.cancel()
}

func (r *observerRegistry) count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.observers)
}

// benign errors are expected when the process is going down
func benign(err error) bool {
	return errors.Is(err, comm.ErrDisposed) ||
		errors.Is(err, context.Canceled)
}
