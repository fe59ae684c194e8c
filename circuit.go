package tradewind

import (
	"log/slog"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// Name identifies the protected upstream in logs and stats.
	Name string

	// FailureThreshold is the number of consecutive transient failures
	// before opening (default 5).
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before admitting
	// a probe request (default 30s).
	RecoveryTimeout time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name, from, to string)

	// Logger records state transitions at WARN level. Nil disables logging.
	Logger *slog.Logger

	// Clock overrides the time source for tests.
	Clock func() time.Time
}

// CircuitBreaker protects one upstream with the three-state breaker pattern.
// Callers record only transient failures; a permanent error means the
// upstream is healthy and answering, so it must not trip the breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, now: now, state: CircuitClosed}
}

// IsOpen reports whether requests must be rejected. While open, the first
// call after the recovery timeout flips the breaker to half-open and returns
// false, admitting a single probe.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return false
	}
	if cb.now().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.transitionTo(CircuitHalfOpen)
		return false
	}
	return true
}

// RecordSuccess resets the failure count. In half-open it closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.failures = 0
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure counts one transient failure. In closed it opens the circuit
// once the threshold is reached; in half-open the probe failed, so the
// circuit reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.failures = cb.cfg.FailureThreshold
		cb.openedAt = cb.now()
		cb.transitionTo(CircuitOpen)
	}
}

// transitionTo changes state and fires callbacks. Callers hold cb.mu.
func (cb *CircuitBreaker) transitionTo(newState string) {
	oldState := cb.state
	cb.state = newState
	cb.cfg.Logger.Warn("circuit state change",
		"circuit", cb.cfg.Name,
		"from", oldState,
		"to", newState,
		"failures", cb.failures)
	if cb.cfg.OnStateChange != nil {
		// Async so a slow observer cannot block callers.
		go cb.cfg.OnStateChange(cb.cfg.Name, oldState, newState)
	}
}

// State returns the current state without admitting probes.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats reports a snapshot of the breaker for health endpoints.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitStats{
		Name:     cb.cfg.Name,
		State:    cb.state,
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.openedAt = time.Time{}
}

// CircuitStats is a point-in-time view of a CircuitBreaker.
type CircuitStats struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at"`
}
