package tradewind

import (
	"sync"
	"time"
)

// BudgetTracker is a sliding-window rate limiter for upstream API calls.
// It maintains one global window and an optional window per session; a
// consume succeeds only when both have room. Callers consume after a
// successful upstream call, so a failing upstream cannot drain the budget.
type BudgetTracker struct {
	mu            sync.Mutex
	maxCalls      int
	perSessionMax int
	window        time.Duration
	global        []time.Time
	perSession    map[string][]time.Time
	now           func() time.Time
}

// BudgetOption configures a BudgetTracker.
type BudgetOption func(*BudgetTracker)

// BudgetClock injects the time source. Tests use this to advance the window
// deterministically.
func BudgetClock(now func() time.Time) BudgetOption {
	return func(b *BudgetTracker) { b.now = now }
}

// BudgetPerSession caps calls per session within the same window. n <= 0
// disables the session dimension, leaving only the global cap.
func BudgetPerSession(n int) BudgetOption {
	return func(b *BudgetTracker) { b.perSessionMax = n }
}

// NewBudgetTracker allows at most maxCalls successful calls per sliding
// window. maxCalls <= 0 means the budget is always exhausted.
func NewBudgetTracker(maxCalls int, window time.Duration, opts ...BudgetOption) *BudgetTracker {
	b := &BudgetTracker{
		maxCalls:   maxCalls,
		window:     window,
		perSession: map[string][]time.Time{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IsAvailable reports whether a call could be consumed right now. It does not
// record anything. sessionID may be empty, in which case only the global
// window is checked.
func (b *BudgetTracker) IsAvailable(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	if len(b.global) >= b.maxCalls {
		return false
	}
	if b.sessionFull(sessionID) {
		return false
	}
	return true
}

// Consume atomically checks and records one call. It returns false without
// recording when either window is full. Call only after the upstream call
// succeeded.
func (b *BudgetTracker) Consume(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.prune(now)
	if len(b.global) >= b.maxCalls {
		return false
	}
	if b.sessionFull(sessionID) {
		return false
	}
	b.global = append(b.global, now)
	if sessionID != "" {
		b.perSession[sessionID] = append(b.perSession[sessionID], now)
	}
	return true
}

// Remaining returns how many calls are left in the window: the minimum of
// the global remainder and, when a session cap is set and sessionID is
// non-empty, the session remainder. Never negative.
func (b *BudgetTracker) Remaining(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	rem := b.maxCalls - len(b.global)
	if sessionID != "" && b.perSessionMax > 0 {
		if sessRem := b.perSessionMax - len(b.perSession[sessionID]); sessRem < rem {
			rem = sessRem
		}
	}
	if rem < 0 {
		rem = 0
	}
	return rem
}

// sessionFull reports whether the session window is at its cap. A zero cap
// or empty sessionID means the session dimension is unbounded. Callers hold
// b.mu.
func (b *BudgetTracker) sessionFull(sessionID string) bool {
	return sessionID != "" && b.perSessionMax > 0 && len(b.perSession[sessionID]) >= b.perSessionMax
}

// prune drops timestamps older than the window from every scope and removes
// emptied session entries. Callers hold b.mu.
func (b *BudgetTracker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	b.global = pruneTimes(b.global, cutoff)
	for id, w := range b.perSession {
		w = pruneTimes(w, cutoff)
		if len(w) == 0 {
			delete(b.perSession, id)
		} else {
			b.perSession[id] = w
		}
	}
}

// pruneTimes removes entries older than cutoff from a sorted time slice.
func pruneTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}
