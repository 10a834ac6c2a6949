// Package admission bounds concurrent and queued provider calls and breaks
// the circuit to backends that keep failing.
package admission

import (
	"context"
	"sync"
	"time"

	"polyvox/pkg/model"
)

// Config bounds the controller. Zero values fall back to defaults.
type Config struct {
	MaxGlobal      int           // concurrent calls across all backends
	MaxPerBackend  int           // concurrent calls per backend
	MaxQueueDepth  int           // callers allowed to wait per backend
	AcquireTimeout time.Duration // how long Acquire may block
}

func (c Config) withDefaults() Config {
	if c.MaxGlobal <= 0 {
		c.MaxGlobal = 8
	}
	if c.MaxPerBackend <= 0 {
		c.MaxPerBackend = 2
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 16
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	return c
}

// Controller is a per-process admission gate. Slots are buffered channels;
// the queue-depth counter has its own mutex so a burst of waiters is
// rejected immediately instead of piling up.
type Controller struct {
	cfg    Config
	global chan struct{}

	mu       sync.Mutex
	backends map[string]chan struct{}
	queued   map[string]int
}

// NewController creates a controller with the given bounds.
func NewController(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:      cfg,
		global:   make(chan struct{}, cfg.MaxGlobal),
		backends: make(map[string]chan struct{}),
		queued:   make(map[string]int),
	}
}

func (c *Controller) backendSlots(backend string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots, ok := c.backends[backend]
	if !ok {
		slots = make(chan struct{}, c.cfg.MaxPerBackend)
		c.backends[backend] = slots
	}
	return slots
}

// Acquire blocks until both a global and a per-backend slot are free, the
// configured timeout elapses (TimeoutError), or ctx is done. If the
// backend's wait queue is already at capacity it fails immediately with
// QueueFullError. Every successful Acquire must be paired with Release.
func (c *Controller) Acquire(ctx context.Context, backend string) error {
	c.mu.Lock()
	if c.queued[backend] >= c.cfg.MaxQueueDepth {
		c.mu.Unlock()
		return &model.QueueFullError{Backend: backend}
	}
	c.queued[backend]++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.queued[backend]--
		c.mu.Unlock()
	}()

	deadline := time.NewTimer(c.cfg.AcquireTimeout)
	defer deadline.Stop()

	select {
	case c.global <- struct{}{}:
	case <-deadline.C:
		return &model.TimeoutError{Backend: backend, Waited: c.cfg.AcquireTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case c.backendSlots(backend) <- struct{}{}:
		return nil
	case <-deadline.C:
		<-c.global
		return &model.TimeoutError{Backend: backend, Waited: c.cfg.AcquireTimeout}
	case <-ctx.Done():
		<-c.global
		return ctx.Err()
	}
}

// Release frees the slots taken by a successful Acquire. It must run on
// every exit path, including failed provider calls.
func (c *Controller) Release(backend string) {
	select {
	case <-c.backendSlots(backend):
	default:
	}
	select {
	case <-c.global:
	default:
	}
}

// InFlight returns the number of occupied global slots, for introspection.
func (c *Controller) InFlight() int {
	return len(c.global)
}
