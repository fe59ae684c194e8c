package tradewind

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrLLM reports a failure inside an LLM provider that is not a plain
// HTTP transport error (marshal failures, malformed responses, refusals).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx HTTP response from any upstream.
// RetryAfter carries the parsed Retry-After header when the upstream sent one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrUpstream classifies a remote API failure. Kind routes the error
// downstream: transient failures are retried and recorded on the circuit
// breaker, permanent failures are surfaced to the agent as tool messages.
type ErrUpstream struct {
	Kind    FailureKind
	API     string // "explore", "countryPages", "database"
	Message string
	Err     error
}

// FailureKind is the error taxonomy for upstream calls.
type FailureKind int

const (
	// FailureTransient covers network errors, timeouts, 429 and 5xx
	// responses. Retried with backoff; counts against the circuit breaker.
	FailureTransient FailureKind = iota
	// FailurePermanent covers other 4xx responses, GraphQL errors, and
	// malformed responses. Never retried; the upstream is healthy.
	FailurePermanent
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("%s: %s failure: %s", e.API, e.Kind, e.Message)
}

func (e *ErrUpstream) Unwrap() error { return e.Err }

// Sentinel errors. Callers branch on these with errors.Is.
var (
	// ErrBudgetExhausted signals the sliding-window API budget has no room.
	// In AUTO mode this triggers a mode downgrade rather than a user error.
	ErrBudgetExhausted = errors.New("api budget exhausted")

	// ErrCircuitOpen signals the circuit breaker rejected the call before
	// any request was issued.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNotPopulated signals a synchronous catalog lookup before any load
	// completed. This is a programming error: the caller is responsible for
	// an earlier async step that guarantees population.
	ErrNotPopulated = errors.New("catalog not populated")

	// ErrUnknownIndex signals a catalog lookup against an index name that
	// was never registered. Programming error.
	ErrUnknownIndex = errors.New("unknown catalog index")

	// ErrUnknownQueryType signals a builder dispatch on a query type outside
	// the closed enumeration. Programming error.
	ErrUnknownQueryType = errors.New("unknown query type")

	// ErrNoCheckpoint signals a thread with no persisted state.
	ErrNoCheckpoint = errors.New("no checkpoint for thread")
)

// IsTransientErr reports whether err should be retried and recorded on the
// circuit breaker: an ErrUpstream of transient kind, or an ErrHTTP with
// status 429 or 5xx.
func IsTransientErr(err error) bool {
	var up *ErrUpstream
	if errors.As(err, &up) {
		return up.Kind == FailureTransient
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	return false
}

// IsProgrammingErr reports whether err indicates a bug rather than an
// upstream or user condition. The HTTP layer maps these to 500.
func IsProgrammingErr(err error) bool {
	return errors.Is(err, ErrNotPopulated) ||
		errors.Is(err, ErrUnknownIndex) ||
		errors.Is(err, ErrUnknownQueryType)
}

// ParseRetryAfter parses an HTTP Retry-After header value in delay-seconds
// form. Returns 0 for empty or unparseable values (including HTTP-date form,
// which the upstreams here do not send).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
