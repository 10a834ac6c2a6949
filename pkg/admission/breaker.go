package admission

import (
	"sync"
	"time"

	"polyvox/pkg/model"
)

// CircuitState is the per-backend breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerConfig tunes the failure threshold and recovery window.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // how long OPEN rejects before probing
	HalfOpenProbes   int           // calls admitted while HALF_OPEN
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// circuit holds one backend's state behind its own mutex so interleaved
// calls to different backends never contend.
type circuit struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breaker is one circuit state machine per backend.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreaker creates a breaker with the given thresholds.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

func (b *Breaker) circuitFor(backend string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[backend]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[backend] = c
	}
	return c
}

// Allow gates a call before it is issued. CLOSED admits everything. OPEN
// fails fast with CircuitOpenError until the recovery timeout has elapsed
// since the last failure, then transitions to HALF_OPEN and admits a small
// number of probe calls.
func (b *Breaker) Allow(backend string) error {
	c := b.circuitFor(backend)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.now().Sub(c.lastFailure) < b.cfg.RecoveryTimeout {
			return &model.CircuitOpenError{Backend: backend}
		}
		c.state = CircuitHalfOpen
		c.probes = 0
		fallthrough
	default: // HALF_OPEN
		if c.probes >= b.cfg.HalfOpenProbes {
			return &model.CircuitOpenError{Backend: backend}
		}
		c.probes++
		return nil
	}
}

// IsAvailable reports whether a call to the backend would currently be
// admitted, without consuming a half-open probe.
func (b *Breaker) IsAvailable(backend string) bool {
	c := b.circuitFor(backend)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return b.now().Sub(c.lastFailure) >= b.cfg.RecoveryTimeout
	default:
		return c.probes < b.cfg.HalfOpenProbes
	}
}

// ReturnProbe gives back a half-open probe slot when the admitted call
// ended without recording success or failure, such as a quota rejection or
// an admission timeout. Without this a HALF_OPEN circuit whose probes all
// exit through a no-record path would reject every future call.
func (b *Breaker) ReturnProbe(backend string) {
	c := b.circuitFor(backend)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitHalfOpen && c.probes > 0 {
		c.probes--
	}
}

// RecordSuccess resets the circuit. One successful probe closes a
// half-open circuit.
func (b *Breaker) RecordSuccess(backend string) {
	c := b.circuitFor(backend)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.failures = 0
	c.probes = 0
}

// RecordFailure counts a consecutive failure. Reaching the threshold opens
// the circuit; a failed half-open probe reopens it immediately.
func (b *Breaker) RecordFailure(backend string) {
	c := b.circuitFor(backend)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = b.now()
	if c.state == CircuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.probes = 0
	}
}

// State returns the backend's current circuit state.
func (b *Breaker) State(backend string) CircuitState {
	c := b.circuitFor(backend)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
