package tradewind

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns the complete response. When
	// req.Tools is non-empty the response may contain tool calls; when
	// req.ResponseSchema is set the content is a JSON document.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams deltas into ch, then returns the final accumulated
	// response. Implementations close ch before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- TextDelta) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}

// nopLogger discards all records. Used as the default when no logger is set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Model wraps a Provider with the two call shapes the pipelines need:
// free-text invocation and schema-constrained structured output.
type Model struct {
	provider    Provider
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// ModelLogger sets the structured logger for model calls.
func ModelLogger(l *slog.Logger) ModelOption {
	return func(m *Model) { m.logger = l }
}

// ModelMaxAttempts sets the attempt bound for transient provider errors and
// malformed structured output (default 3).
func ModelMaxAttempts(n int) ModelOption {
	return func(m *Model) { m.maxAttempts = n }
}

// ModelBaseDelay sets the initial backoff delay (default 500ms). Each
// subsequent delay doubles.
func ModelBaseDelay(d time.Duration) ModelOption {
	return func(m *Model) { m.baseDelay = d }
}

// NewModel wraps provider for pipeline use.
func NewModel(provider Provider, opts ...ModelOption) *Model {
	m := &Model{
		provider:    provider,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Provider returns the wrapped provider.
func (m *Model) Provider() Provider { return m.provider }

// Invoke sends system and user prompts and returns the assistant text.
// Transient provider errors are retried with exponential backoff.
func (m *Model) Invoke(ctx context.Context, system, prompt string) (string, error) {
	req := ChatRequest{Messages: []ChatMessage{SystemMessage(system), UserMessage(prompt)}}
	resp, err := retryCall(ctx, m.maxAttempts, m.baseDelay, m.provider.Name(), m.logger, func() (ChatResponse, error) {
		return m.provider.Chat(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Complete sends a prepared request (messages, tools) and returns the full
// response. Used by the agent node, which manages its own message log.
func (m *Model) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return retryCall(ctx, m.maxAttempts, m.baseDelay, m.provider.Name(), m.logger, func() (ChatResponse, error) {
		return m.provider.Chat(ctx, req)
	})
}

// CompleteStream sends a prepared request and streams deltas into ch.
// ch is closed before returning.
func (m *Model) CompleteStream(ctx context.Context, req ChatRequest, ch chan<- TextDelta) (ChatResponse, error) {
	return m.provider.ChatStream(ctx, req, ch)
}

// InvokeStructured asks the model for output conforming to the JSON schema
// reflected from T, validates the raw JSON against that schema, and
// unmarshals into T. Malformed output is rejected and retried within the
// model's attempt bound; transient provider errors retry the same way.
func InvokeStructured[T any](ctx context.Context, m *Model, name, system, prompt string) (T, error) {
	var zero T
	schema, err := schemaFor[T](name)
	if err != nil {
		return zero, err
	}
	req := ChatRequest{
		Messages:       []ChatMessage{SystemMessage(system), UserMessage(prompt)},
		ResponseSchema: schema,
	}

	var last error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(retryBackoff(m.baseDelay, attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := m.provider.Chat(ctx, req)
		if err != nil {
			if !IsTransientErr(err) {
				return zero, err
			}
			last = err
			m.logger.Warn("structured call transient error", "schema", name, "attempt", attempt+1, "error", err)
			continue
		}

		out, err := decodeStructured[T](name, schema, resp.Content)
		if err != nil {
			last = err
			m.logger.Warn("structured output rejected", "schema", name, "attempt", attempt+1, "error", err)
			continue
		}
		return out, nil
	}
	return zero, fmt.Errorf("structured call %q: attempts exhausted: %w", name, last)
}

// decodeStructured validates raw model output against the schema and
// unmarshals it. Tolerates code fences around the JSON document.
func decodeStructured[T any](name string, schema *ResponseSchema, content string) (T, error) {
	var zero T
	raw := StripCodeFences(content)

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return zero, &ErrLLM{Provider: "structured", Message: fmt.Sprintf("%s: not valid JSON: %v", name, err)}
	}
	compiled, err := compiledSchema(name, schema.Schema)
	if err != nil {
		return zero, err
	}
	if err := compiled.Validate(decoded); err != nil {
		return zero, &ErrLLM{Provider: "structured", Message: fmt.Sprintf("%s: schema violation: %v", name, err)}
	}

	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, &ErrLLM{Provider: "structured", Message: fmt.Sprintf("%s: decode: %v", name, err)}
	}
	return out, nil
}

// schemaCache holds reflected schemas keyed by schema name. Reflection is
// deterministic per type, so the first reflection wins.
var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*ResponseSchema{}
	schemaComp  = map[string]*schemavalidate.Schema{}
)

// schemaFor reflects a JSON schema from T using struct tags. Definitions are
// inlined and required fields come from jsonschema tags, matching what the
// OpenAI-compatible structured output mode expects.
func schemaFor[T any](name string) (*ResponseSchema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}

	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	reflected := reflector.Reflect(new(T))
	data, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("reflect schema %q: %w", name, err)
	}
	// $schema and $id confuse some providers; strip them.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("reflect schema %q: %w", name, err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	delete(m, "version")
	data, err = json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("reflect schema %q: %w", name, err)
	}

	s := &ResponseSchema{Name: name, Schema: data}
	schemaCache[name] = s
	return s, nil
}

// compiledSchema compiles (and caches) the validator for a named schema.
func compiledSchema(name string, schema json.RawMessage) (*schemavalidate.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if c, ok := schemaComp[name]; ok {
		return c, nil
	}
	compiled, err := schemavalidate.CompileString(name+".json", string(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	schemaComp[name] = compiled
	return compiled, nil
}

// StripCodeFences removes a surrounding markdown code fence (``` or
// ```lang) from model output, if present.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the language tag on the opening fence line.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		first := strings.TrimSpace(s[:i])
		if first != "" && !strings.ContainsAny(first, " \t") && len(first) <= 12 {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// truncateStr shortens s to max runes, appending an ellipsis when truncated.
func truncateStr(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
