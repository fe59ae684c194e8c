package tradewind

import (
	"testing"
	"time"
)

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "explore",
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		Clock:            clock.Now,
	})
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Fatal("breaker open below threshold")
	}
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker closed at threshold")
	}
	if got := cb.State(); got != CircuitOpen {
		t.Errorf("State = %q, want %q", got, CircuitOpen)
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Error("breaker open after counter reset")
	}
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if !cb.IsOpen() {
		t.Fatal("breaker not open after threshold failures")
	}

	// Before the recovery timeout the circuit stays open.
	clock.Advance(29 * time.Second)
	if !cb.IsOpen() {
		t.Fatal("breaker admitted request before recovery timeout")
	}

	// At the timeout, one probe is admitted and the state is half-open.
	clock.Advance(time.Second)
	if cb.IsOpen() {
		t.Fatal("breaker still open after recovery timeout")
	}
	if got := cb.State(); got != CircuitHalfOpen {
		t.Fatalf("State = %q, want %q", got, CircuitHalfOpen)
	}

	cb.RecordSuccess()
	if got := cb.State(); got != CircuitClosed {
		t.Errorf("State after probe success = %q, want %q", got, CircuitClosed)
	}
}

func TestCircuitBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	if cb.IsOpen() {
		t.Fatal("probe not admitted")
	}

	cb.RecordFailure()
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("State after probe failure = %q, want %q", got, CircuitOpen)
	}
	// The reopened window starts fresh from the probe failure.
	clock.Advance(29 * time.Second)
	if !cb.IsOpen() {
		t.Error("breaker admitted request before second recovery timeout")
	}
	clock.Advance(time.Second)
	if cb.IsOpen() {
		t.Error("breaker still open after second recovery timeout")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	if cb.IsOpen() {
		t.Error("breaker open after Reset")
	}
	if got := cb.Stats().Failures; got != 0 {
		t.Errorf("Failures after Reset = %d, want 0", got)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	changes := make(chan string, 8)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "countrypages",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		Clock:            clock.Now,
		OnStateChange: func(name, from, to string) {
			changes <- from + ">" + to
		},
	})

	cb.RecordFailure()
	select {
	case got := <-changes:
		if got != "closed>open" {
			t.Errorf("transition = %q, want %q", got, "closed>open")
		}
	case <-time.After(time.Second):
		t.Fatal("no state change callback")
	}
}
