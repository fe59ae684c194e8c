// Package server exposes the chat runner over HTTP: a JSON chat endpoint,
// an SSE streaming variant, thread management, and operational introspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	tradewind "github.com/tradewindhq/tradewind"
)

// ChatRunner is the slice of the runner the server needs. *tradewind.Runner
// satisfies it.
type ChatRunner interface {
	Ask(ctx context.Context, in tradewind.ChatInput) (*tradewind.Answer, error)
	AskStream(ctx context.Context, in tradewind.ChatInput, emit tradewind.EmitFunc) (*tradewind.Answer, error)
}

// Server wires the runner and stores into an http.Handler.
type Server struct {
	runner        ChatRunner
	checkpoints   tradewind.CheckpointStore
	conversations tradewind.ConversationStore
	stats         func() []tradewind.CatalogStats
	logger        *slog.Logger
	timeout       time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTimeout sets the hard per-request timeout (default 120s).
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithCatalogStats registers the snapshot function behind GET /catalogs.
func WithCatalogStats(fn func() []tradewind.CatalogStats) Option {
	return func(s *Server) { s.stats = fn }
}

// New creates a Server. The runner handles chat turns; the stores back the
// thread endpoints directly.
func New(runner ChatRunner, checkpoints tradewind.CheckpointStore, conversations tradewind.ConversationStore, opts ...Option) *Server {
	s := &Server{
		runner:        runner,
		checkpoints:   checkpoints,
		conversations: conversations,
		timeout:       120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// nopLogger discards all records.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/catalogs", s.handleCatalogs)

	r.Route("/threads", func(r chi.Router) {
		r.Post("/", s.handleCreateThread)
		r.Get("/", s.handleListThreads)
		r.Delete("/{id}", s.handleDeleteThread)
		r.Get("/{id}/messages", s.handleThreadMessages)
	})

	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)

	return r
}

// logRequests logs one line per request with the chi request id.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// statusForErr maps a runner error to an HTTP status. Tool-level failures
// never reach here; they surface as tool messages inside the answer.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, tradewind.ErrNoCheckpoint):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case tradewind.IsProgrammingErr(err):
		return http.StatusInternalServerError
	case errors.Is(err, tradewind.ErrCircuitOpen), tradewind.IsTransientErr(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
