package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	tradewind "github.com/tradewindhq/tradewind"
)

const maxRequestBody = 1 << 20 // 1MB

// sessionHeader carries the opaque session id that groups threads for
// listing and scopes the remote API budget.
const sessionHeader = "X-Session-Id"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalogs(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, []tradewind.CatalogStats{})
		return
	}
	out := s.stats()
	if out == nil {
		out = []tradewind.CatalogStats{}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Threads ---

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	threadID := tradewind.NewID()
	now := tradewind.NowUnix()
	err := s.conversations.Create(r.Context(), tradewind.Conversation{
		ThreadID:  threadID,
		SessionID: r.Header.Get(sessionHeader),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		s.logger.Error("create thread failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"thread_id": threadID})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, sessionHeader+" header is required")
		return
	}
	list, err := s.conversations.GetBySession(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("list threads failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	if list == nil {
		list = []tradewind.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	if err := s.checkpoints.Delete(r.Context(), threadID); err != nil {
		s.logger.Error("delete checkpoint failed", "thread", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}
	if err := s.conversations.Delete(r.Context(), threadID); err != nil {
		s.logger.Error("delete conversation failed", "thread", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// threadMessage is one user-visible conversation entry. Tool plumbing
// (system prompts, tool calls, tool results) is not surfaced.
type threadMessage struct {
	Role    string `json:"role"` // "human" or "ai"
	Content string `json:"content"`
}

type threadMessagesResponse struct {
	Messages      []threadMessage         `json:"messages"`
	Overrides     map[string]string       `json:"overrides,omitempty"`
	TurnSummaries []tradewind.TurnSummary `json:"turn_summaries,omitempty"`
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	st, ok, err := s.checkpoints.GetLatest(r.Context(), threadID)
	if err != nil {
		s.logger.Error("load checkpoint failed", "thread", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown thread")
		return
	}

	resp := threadMessagesResponse{
		Messages:      []threadMessage{},
		TurnSummaries: st.TurnSummaries,
	}
	for _, m := range st.Messages {
		switch {
		case m.Role == tradewind.RoleUser:
			resp.Messages = append(resp.Messages, threadMessage{Role: "human", Content: m.Content})
		case m.Role == tradewind.RoleAssistant && m.Content != "" && len(m.ToolCalls) == 0:
			resp.Messages = append(resp.Messages, threadMessage{Role: "ai", Content: m.Content})
		}
	}

	overrides := map[string]string{}
	if st.OverrideSchema != "" {
		overrides["schema"] = st.OverrideSchema
	}
	if st.OverrideDirection != "" {
		overrides["direction"] = st.OverrideDirection
	}
	if st.OverrideMode != "" {
		overrides["mode"] = st.OverrideMode
	}
	if st.OverrideAgentMode != "" {
		overrides["agent_mode"] = st.OverrideAgentMode
	}
	if len(overrides) > 0 {
		resp.Overrides = overrides
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Chat ---

// decodeChatInput parses and validates the request body. A non-nil problem
// string is the 422 response body.
func decodeChatInput(r *http.Request) (tradewind.ChatInput, string) {
	var in tradewind.ChatInput
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return in, "failed to read request body"
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return in, "invalid JSON: " + err.Error()
	}
	in.SessionID = r.Header.Get(sessionHeader)

	if strings.TrimSpace(in.Question) == "" {
		return in, "question is required"
	}
	if in.OverrideAgentMode != "" && !tradewind.ValidAgentMode(in.OverrideAgentMode) {
		return in, "invalid agent mode: " + in.OverrideAgentMode
	}
	if in.OverrideSchema != "" && !tradewind.ValidSchema(in.OverrideSchema) {
		return in, "invalid schema: " + in.OverrideSchema
	}
	if in.OverrideDirection != "" && !tradewind.ValidDirection(in.OverrideDirection) {
		return in, "invalid direction: " + in.OverrideDirection
	}
	if in.OverrideMode != "" && !tradewind.ValidTradeMode(in.OverrideMode) {
		return in, "invalid mode: " + in.OverrideMode
	}
	return in, ""
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	in, problem := decodeChatInput(r)
	if problem != "" {
		writeError(w, http.StatusUnprocessableEntity, problem)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	answer, err := s.runner.Ask(ctx, in)
	if err != nil {
		s.logger.Error("chat turn failed", "thread", in.ThreadID, "error", err)
		writeError(w, statusForErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	in, problem := decodeChatInput(r)
	if problem != "" {
		writeError(w, http.StatusUnprocessableEntity, problem)
		return
	}

	sse := newSSEWriter(w, r, s.logger)
	if sse == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	_, err := s.runner.AskStream(ctx, in, func(ev tradewind.Event) {
		data, merr := ev.MarshalData()
		if merr != nil {
			s.logger.Error("event marshal failed", "type", ev.Type, "error", merr)
			return
		}
		sse.Send(string(ev.Type), data)
	})
	if err != nil {
		// The stream may already be underway; the error status is only
		// usable when nothing has been written yet.
		if !sse.started {
			writeError(w, statusForErr(err), err.Error())
			return
		}
		s.logger.Error("stream turn failed", "thread", in.ThreadID, "error", err)
	}
}
