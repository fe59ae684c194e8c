package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// sseWriter writes server-sent events with per-event flushing and client
// disconnect detection. Headers go out lazily on the first Send, so a
// request that fails before any event can still get a JSON error status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
	logger  *slog.Logger
	started bool
}

// newSSEWriter returns a writer, or nil (after responding 500) when the
// ResponseWriter cannot flush.
func newSSEWriter(w http.ResponseWriter, r *http.Request, logger *slog.Logger) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil
	}
	return &sseWriter{w: w, flusher: flusher, ctx: r.Context(), logger: logger}
}

// Send writes one SSE frame. Returns false once the client is gone.
func (s *sseWriter) Send(event string, data []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.Header().Set("X-Accel-Buffering", "no")
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Warn("sse write failed", "event", event, "error", err)
		return false
	}
	s.flusher.Flush()
	return true
}
