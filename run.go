package tradewind

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Runner owns one assembled agent graph plus the persistence around it. It
// is safe for concurrent use across threads; concurrent requests against the
// same thread are a client error.
type Runner struct {
	agent         *Agent
	graph         *Graph
	checkpoints   CheckpointStore
	conversations ConversationStore
	logger        *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	logger   *slog.Logger
	tracer   Tracer
	maxSteps int
}

// RunnerLogger sets the structured logger, shared with the graph.
func RunnerLogger(l *slog.Logger) RunnerOption {
	return func(c *runnerConfig) { c.logger = l }
}

// RunnerTracer sets the tracer; each node execution becomes a span.
func RunnerTracer(t Tracer) RunnerOption {
	return func(c *runnerConfig) { c.tracer = t }
}

// RunnerMaxSteps overrides the graph's runaway guard.
func RunnerMaxSteps(n int) RunnerOption {
	return func(c *runnerConfig) { c.maxSteps = n }
}

// NewRunner assembles the agent graph from the agent and the three
// pipelines and binds the persistence stores.
func NewRunner(
	agent *Agent,
	sqlp *SQLPipeline,
	gqlp *GraphQLPipeline,
	docsp *DocsPipeline,
	checkpoints CheckpointStore,
	conversations ConversationStore,
	opts ...RunnerOption,
) *Runner {
	cfg := runnerConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}

	gopts := []GraphOption{GraphLogger(cfg.logger)}
	if cfg.tracer != nil {
		gopts = append(gopts, GraphTracer(cfg.tracer))
	}
	if cfg.maxSteps > 0 {
		gopts = append(gopts, GraphMaxSteps(cfg.maxSteps))
	}

	g := NewGraph(NodeAgent, gopts...)
	g.AddNode(NodeAgent, agent.Node)
	g.AddRouter(NodeAgent, agent.Route)
	g.AddNode(NodeMaxQueriesExceeded, agent.MaxQueriesNode)
	g.AddEdge(NodeMaxQueriesExceeded, NodeAgent)
	sqlp.Register(g)
	gqlp.Register(g)
	docsp.Register(g)

	return &Runner{
		agent:         agent,
		graph:         g,
		checkpoints:   checkpoints,
		conversations: conversations,
		logger:        cfg.logger,
	}
}

// Ask answers one question without streaming.
func (r *Runner) Ask(ctx context.Context, in ChatInput) (*Answer, error) {
	return r.AskStream(ctx, in, nopEmit)
}

// AskStream answers one question, emitting events as the graph executes.
// The thread_id event is always emitted first and done always last,
// regardless of how the run ends.
func (r *Runner) AskStream(ctx context.Context, in ChatInput, emit EmitFunc) (*Answer, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return nil, fmt.Errorf("runner: empty question")
	}
	if in.OverrideAgentMode != "" && !ValidAgentMode(in.OverrideAgentMode) {
		return nil, fmt.Errorf("runner: invalid agent mode %q", in.OverrideAgentMode)
	}
	if in.OverrideSchema != "" && !ValidSchema(in.OverrideSchema) {
		return nil, fmt.Errorf("runner: invalid schema %q", in.OverrideSchema)
	}
	if in.OverrideDirection != "" && !ValidDirection(in.OverrideDirection) {
		return nil, fmt.Errorf("runner: invalid direction %q", in.OverrideDirection)
	}
	if in.OverrideMode != "" && !ValidTradeMode(in.OverrideMode) {
		return nil, fmt.Errorf("runner: invalid mode %q", in.OverrideMode)
	}
	if emit == nil {
		emit = nopEmit
	}

	s, threadID, created, err := r.loadOrCreate(ctx, in, question)
	if err != nil {
		return nil, err
	}
	emit(Event{Type: EventThreadID, Source: "system", Payload: threadID})

	now := NowUnix()
	if created {
		err = r.conversations.Create(ctx, Conversation{
			ThreadID:  threadID,
			SessionID: in.SessionID,
			Title:     titleFromQuestion(question),
			CreatedAt: now,
			UpdatedAt: now,
		})
	} else {
		err = r.conversations.Touch(ctx, threadID, titleFromQuestion(question), now)
	}
	if err != nil {
		r.logger.Warn("conversation registry write failed", "thread", threadID, "error", err)
	}

	checkpoint := func(cctx context.Context, cs *State) error {
		return r.checkpoints.Put(cctx, threadID, cs)
	}

	runErr := r.graph.Run(ctx, s, emit, checkpoint)

	answer := r.buildAnswer(s, threadID)
	if runErr == nil {
		s.AddTurnSummary(TurnSummary{
			Turn:      len(s.TurnSummaries) + 1,
			Question:  question,
			Tools:     s.TurnTools,
			Queries:   s.TurnQueries,
			Entities:  dedupeStrings(append(append([]string{}, s.TurnProducts...), s.TurnEntities...)),
			Links:     s.TurnLinks,
			CreatedAt: NowUnix(),
		})
	}
	if err := r.checkpoints.Put(ctx, threadID, s); err != nil {
		r.logger.Warn("final checkpoint write failed", "thread", threadID, "error", err)
	}

	emit(Event{Type: EventDone, Source: "system", Payload: DoneEvent{
		TotalQueries: s.QueriesExecuted,
		TotalTimeMS:  answer.TotalExecutionMS,
	}})

	if runErr != nil {
		return nil, fmt.Errorf("runner: %w", runErr)
	}
	r.logger.Info("turn complete",
		"thread", threadID, "queries", s.QueriesExecuted, "tools", s.TurnTools)
	return answer, nil
}

// loadOrCreate resumes an existing thread from its checkpoint or starts a
// fresh state. A supplied thread id with no checkpoint is the caller naming
// a thread that does not exist.
func (r *Runner) loadOrCreate(ctx context.Context, in ChatInput, question string) (*State, string, bool, error) {
	if in.ThreadID == "" {
		s := NewState(question, in)
		s.SessionID = in.SessionID
		return s, NewID(), true, nil
	}

	s, ok, err := r.checkpoints.GetLatest(ctx, in.ThreadID)
	if err != nil {
		return nil, "", false, fmt.Errorf("runner: load checkpoint: %w", err)
	}
	if !ok {
		return nil, "", false, fmt.Errorf("runner: thread %s: %w", in.ThreadID, ErrNoCheckpoint)
	}

	s.AddMessages(UserMessage(question))
	s.ResetTurn()
	s.SessionID = in.SessionID
	applyOverrides(s, in)
	return s, in.ThreadID, false, nil
}

// applyOverrides updates the conversation-lifetime overrides with any the
// request supplies. Absent fields leave the stored values alone.
func applyOverrides(s *State, in ChatInput) {
	if in.OverrideSchema != "" {
		s.OverrideSchema = in.OverrideSchema
	}
	if in.OverrideDirection != "" {
		s.OverrideDirection = in.OverrideDirection
	}
	if in.OverrideMode != "" {
		s.OverrideMode = in.OverrideMode
	}
	if in.OverrideAgentMode != "" {
		s.OverrideAgentMode = in.OverrideAgentMode
	}
}

// buildAnswer assembles the non-streaming answer from the turn aggregates.
func (r *Runner) buildAnswer(s *State, threadID string) *Answer {
	var totalRows int
	var totalMS int64
	for _, q := range s.TurnQueries {
		totalRows += q.RowCount
		totalMS += q.ExecutionTimeMS
	}
	content := ""
	if last, ok := s.LastAssistant(); ok {
		content = last.Content
	}
	return &Answer{
		Answer:           content,
		ThreadID:         threadID,
		Queries:          s.TurnQueries,
		ResolvedProducts: dedupeStrings(s.TurnProducts),
		SchemasUsed:      dedupeStrings(s.TurnSchemas),
		Links:            s.TurnLinks,
		TotalRows:        totalRows,
		TotalExecutionMS: totalMS,
	}
}

// titleFromQuestion derives a conversation title: the question truncated to
// 80 runes on a rune boundary.
func titleFromQuestion(q string) string {
	const maxRunes = 80
	if utf8.RuneCountInString(q) <= maxRunes {
		return q
	}
	runes := []rune(q)
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
