// Package atlas talks to the remote visualization GraphQL APIs (the explore
// endpoint and the countryPages endpoint). The client layers the resilience
// stack onto plain HTTP POST: circuit breaker fail-fast, budget check before
// the call, bounded retry with exponential backoff on transient failures,
// and consume-on-success accounting.
package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tradewind "github.com/tradewindhq/tradewind"
)

// Client executes GraphQL queries against one remote endpoint.
type Client struct {
	name        string
	baseURL     string
	apiKey      string
	client      *http.Client
	budget      *tradewind.BudgetTracker
	circuit     *tradewind.CircuitBreaker
	maxRetries  int
	backoffBase time.Duration
	logger      *slog.Logger
	tracer      tradewind.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client (default: 30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithAPIKey sets a bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithBudget wires the shared sliding-window budget. Nil disables budgeting.
func WithBudget(b *tradewind.BudgetTracker) Option {
	return func(c *Client) { c.budget = b }
}

// WithCircuit wires the endpoint's circuit breaker. Nil disables the breaker.
func WithCircuit(cb *tradewind.CircuitBreaker) Option {
	return func(c *Client) { c.circuit = cb }
}

// WithMaxRetries bounds retries of transient failures; total attempts are
// maxRetries+1 (default 2 retries).
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackoffBase sets the base delay doubled on each retry (default 500ms).
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) { c.backoffBase = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTracer sets the tracer; every Execute becomes a span.
func WithTracer(t tradewind.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New creates a client for one GraphQL endpoint. name identifies the
// endpoint in errors, logs, and spans ("explore" or "countryPages").
func New(name, baseURL string, opts ...Option) *Client {
	c := &Client{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 30 * time.Second},
		maxRetries:  2,
		backoffBase: 500 * time.Millisecond,
		logger:      slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Name returns the endpoint name.
func (c *Client) Name() string { return c.name }

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// Execute posts a GraphQL document and returns the raw data object.
//
// Calling sequence: fail fast when the circuit is open; fail fast when the
// budget has no room; then up to maxRetries+1 attempts. Transport errors,
// timeouts, 429 and 5xx responses are transient: they are recorded on the
// circuit and retried after backoffBase doubled per attempt. Other non-2xx
// statuses, GraphQL-level errors, and empty responses are permanent. The
// budget is consumed only after a successful response.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any, sessionID string) (json.RawMessage, error) {
	if c.tracer != nil {
		var span tradewind.Span
		ctx, span = c.tracer.Start(ctx, "atlas.execute", tradewind.StringAttr("endpoint", c.name))
		defer span.End()
	}

	if c.circuit != nil && c.circuit.IsOpen() {
		return nil, fmt.Errorf("%s: %w", c.name, tradewind.ErrCircuitOpen)
	}
	if c.budget != nil && !c.budget.IsAvailable(sessionID) {
		return nil, fmt.Errorf("%s: %w", c.name, tradewind.ErrBudgetExhausted)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase * (1 << (attempt - 1))
			c.logger.Warn("retrying graphql call",
				"endpoint", c.name, "attempt", attempt+1, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		data, err := c.post(ctx, query, variables)
		if err == nil {
			if c.circuit != nil {
				c.circuit.RecordSuccess()
			}
			if c.budget != nil {
				c.budget.Consume(sessionID)
			}
			return data, nil
		}
		if !tradewind.IsTransientErr(err) {
			return nil, err
		}
		if c.circuit != nil {
			c.circuit.RecordFailure()
		}
		lastErr = err
	}
	return nil, lastErr
}

// post performs one HTTP attempt and classifies the outcome.
func (c *Client) post(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, c.permanent("marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, c.permanent("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.transient("transport", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		httpErr := &tradewind.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: tradewind.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, c.transient(fmt.Sprintf("http %d", resp.StatusCode), httpErr)
		}
		return nil, c.permanent(fmt.Sprintf("http %d", resp.StatusCode), httpErr)
	}

	var parsed graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, c.permanent("decode response", err)
	}

	if len(parsed.Data) > 0 && !bytes.Equal(parsed.Data, []byte("null")) {
		if len(parsed.Errors) > 0 {
			c.logger.Warn("graphql partial errors",
				"endpoint", c.name, "errors", joinMessages(parsed.Errors))
		}
		return parsed.Data, nil
	}
	if len(parsed.Errors) > 0 {
		return nil, &tradewind.ErrUpstream{
			Kind: tradewind.FailurePermanent, API: c.name,
			Message: joinMessages(parsed.Errors),
		}
	}
	return nil, &tradewind.ErrUpstream{
		Kind: tradewind.FailurePermanent, API: c.name,
		Message: "empty response",
	}
}

func (c *Client) transient(msg string, err error) error {
	return &tradewind.ErrUpstream{Kind: tradewind.FailureTransient, API: c.name, Message: msg, Err: err}
}

func (c *Client) permanent(msg string, err error) error {
	return &tradewind.ErrUpstream{Kind: tradewind.FailurePermanent, API: c.name, Message: msg, Err: err}
}

func joinMessages(errs []graphqlError) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}
