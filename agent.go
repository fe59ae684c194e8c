package tradewind

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Agent modes. The mode controls which tools the model sees and which
// extension is appended to the system prompt.
const (
	// ModeSQLOnly binds the SQL and docs tools.
	ModeSQLOnly = "SQL_ONLY"
	// ModeGraphQLSQL binds all three tools.
	ModeGraphQLSQL = "GRAPHQL_SQL"
	// ModeGraphQLOnly binds the GraphQL and docs tools.
	ModeGraphQLOnly = "GRAPHQL_ONLY"
	// ModeAuto resolves to GRAPHQL_SQL when the API budget has room and
	// SQL_ONLY otherwise. The resolution is one-shot per turn; a mid-turn
	// budget refill does not promote the effective mode.
	ModeAuto = "AUTO"
)

// Tool names the agent may call.
const (
	// ToolQuery answers with a SQL query against the trade database.
	ToolQuery = "query_tool"
	// ToolAtlasGraphQL answers with a GraphQL query against the atlas APIs.
	ToolAtlasGraphQL = "atlas_graphql"
	// ToolDocs answers methodology questions from the documentation corpus.
	// Does not count against the per-turn query budget.
	ToolDocs = "docs_tool"
)

// ValidAgentMode reports whether mode names a known agent mode.
func ValidAgentMode(mode string) bool {
	switch mode {
	case ModeSQLOnly, ModeGraphQLSQL, ModeGraphQLOnly, ModeAuto:
		return true
	}
	return false
}

// toolArgs is the argument schema shared by all three tools.
type toolArgs struct {
	Question string `json:"question" jsonschema:"required"`
	Context  string `json:"context"`
}

// Agent is the decision node of the graph: it invokes the model bound to
// the mode's tools and appends the produced assistant message to state.
type Agent struct {
	model   *Model
	budget  *BudgetTracker
	mode    string
	maxUses int
	topK    int
	nudge   bool
	logger  *slog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// AgentMode sets the construction-time default mode (default AUTO). A
// per-request override in state takes precedence.
func AgentMode(mode string) AgentOption {
	return func(a *Agent) { a.mode = mode }
}

// AgentMaxUses sets the per-turn tool budget (default 5).
func AgentMaxUses(n int) AgentOption {
	return func(a *Agent) { a.maxUses = n }
}

// AgentTopK sets the per-query row cap advertised in the prompt (default 15).
func AgentTopK(n int) AgentOption {
	return func(a *Agent) { a.topK = n }
}

// AgentNudge enables the one-shot anti-hallucination nudge.
func AgentNudge(enabled bool) AgentOption {
	return func(a *Agent) { a.nudge = enabled }
}

// AgentBudget wires the API budget consulted by AUTO mode resolution.
func AgentBudget(b *BudgetTracker) AgentOption {
	return func(a *Agent) { a.budget = b }
}

// AgentLogger sets the structured logger.
func AgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates the agent decision node around model.
func NewAgent(model *Model, opts ...AgentOption) *Agent {
	a := &Agent{
		model:   model,
		mode:    ModeAuto,
		maxUses: 5,
		topK:    15,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MaxUses returns the per-turn tool budget.
func (a *Agent) MaxUses() int { return a.maxUses }

// TopK returns the per-query row cap.
func (a *Agent) TopK() int { return a.topK }

// EffectiveMode resolves the mode for the current turn: per-request override
// first, then the construction-time default; AUTO consults the budget once
// and the result sticks for the rest of the turn.
func (a *Agent) EffectiveMode(s *State) string {
	if s.EffectiveMode != "" {
		return s.EffectiveMode
	}
	mode := a.mode
	if s.OverrideAgentMode != "" {
		mode = s.OverrideAgentMode
	}
	if mode == ModeAuto {
		if a.budget != nil && a.budget.IsAvailable(s.SessionID) {
			mode = ModeGraphQLSQL
		} else {
			mode = ModeSQLOnly
			a.logger.Info("api budget exhausted, downgrading to SQL_ONLY", "session", s.SessionID)
		}
	}
	s.EffectiveMode = mode
	return mode
}

// Node is the graph node function: build the prompt, invoke the model with
// the mode's tools, stream answer tokens, and append the assistant message.
func (a *Agent) Node(ctx context.Context, s *State, emit EmitFunc) error {
	mode := a.EffectiveMode(s)
	tools, err := a.toolsFor(mode)
	if err != nil {
		return err
	}

	req := ChatRequest{
		Messages: append([]ChatMessage{SystemMessage(a.systemPrompt(mode, s))}, s.Messages...),
		Tools:    tools,
	}

	ch := make(chan TextDelta, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range ch {
			if d.Content != "" {
				emit(Event{Type: EventAgentTalk, Source: NodeAgent, Payload: d.Content})
			}
		}
	}()
	resp, err := a.model.CompleteStream(ctx, req, ch)
	<-done
	if err != nil {
		return fmt.Errorf("agent: model call: %w", err)
	}

	msg := AssistantMessage(resp.Content)
	msg.ToolCalls = resp.ToolCalls
	s.AddMessages(msg)

	for _, tc := range resp.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal(tc.Args, &args); err != nil {
			args = map[string]any{"raw": string(tc.Args)}
		}
		emit(Event{Type: EventToolCall, Source: NodeAgent, Payload: map[string]any{
			"tool": tc.Name,
			"args": args,
		}})
		a.logger.Info("tool call", "tool", tc.Name, "queries_executed", s.QueriesExecuted)
	}
	return nil
}

// Route inspects the last assistant message and picks the next node.
// Docs calls bypass the query budget; over-budget data calls terminate at
// max_queries_exceeded; unknown tool names end the run without fabricating
// a tool message.
func (a *Agent) Route(s *State) string {
	last := s.LastMessage()
	if last.Role != RoleAssistant || len(last.ToolCalls) == 0 {
		if a.shouldNudge(s) {
			s.AddMessages(UserMessage(nudgeMessage))
			s.NudgeIssued = true
			return NodeAgent
		}
		return End
	}
	switch t := last.ToolCalls[0].Name; {
	case t == ToolDocs:
		return NodeExtractDocsQuestion
	case s.QueriesExecuted >= a.maxUses:
		return NodeMaxQueriesExceeded
	case t == ToolQuery:
		return NodeExtractToolQuestion
	case t == ToolAtlasGraphQL:
		return NodeExtractGraphQLQuestion
	default:
		a.logger.Warn("unknown tool name", "tool", t)
		return End
	}
}

// shouldNudge reports whether to inject the one-shot message telling the
// agent to use a tool before answering. Fires at most once per turn and only
// when no tool message has been produced for the current question.
func (a *Agent) shouldNudge(s *State) bool {
	if !a.nudge || s.NudgeIssued {
		return false
	}
	return !toolMessageThisTurn(s)
}

// toolMessageThisTurn reports whether any tool message was appended since
// the current turn's user question.
func toolMessageThisTurn(s *State) bool {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		switch s.Messages[i].Role {
		case RoleTool:
			return true
		case RoleUser:
			return false
		}
	}
	return false
}

// nudgeMessage is injected when the agent tries to answer a data question
// without having called any tool.
const nudgeMessage = "Before answering, use one of your tools to ground the answer in actual data. " +
	"If the question is not about trade data at all, or is harmful or inappropriate, " +
	"answer directly (or decline) without calling a tool."

// MaxQueriesNode is the terminal node for over-budget turns: every pending
// tool call receives a closing tool message, and the agent must produce a
// final answer from what it already has.
func (a *Agent) MaxQueriesNode(ctx context.Context, s *State, emit EmitFunc) error {
	last := s.LastMessage()
	if last.Role != RoleAssistant {
		return nil
	}
	content := fmt.Sprintf(
		"Query limit reached: at most %d queries per question. Answer with the information gathered so far.",
		a.maxUses)
	for _, tc := range last.ToolCalls {
		msg := ToolResultMessage(tc.ID, tc.Name, content)
		s.AddMessages(msg)
		emit(Event{Type: EventToolOutput, Source: NodeMaxQueriesExceeded, Payload: content})
	}
	a.logger.Info("query budget exceeded", "max_uses", a.maxUses)
	return nil
}

// toolsFor returns the tool definitions bound for a mode.
func (a *Agent) toolsFor(mode string) ([]ToolDefinition, error) {
	params, err := schemaFor[toolArgs]("tool_args")
	if err != nil {
		return nil, err
	}
	sqlTool := ToolDefinition{
		Name: ToolQuery,
		Description: "Run a read-only SQL query against the trade database. " +
			"Use for rankings, aggregates, or anything needing exact rows. " +
			"Pass the data question; add clarifying constraints in context.",
		Parameters: params.Schema,
	}
	gqlTool := ToolDefinition{
		Name: ToolAtlasGraphQL,
		Description: "Query the atlas visualization APIs for treemaps, time series, " +
			"country profiles, rankings, and growth projections. " +
			"Pass the data question; add clarifying constraints in context.",
		Parameters: params.Schema,
	}
	docsTool := ToolDefinition{
		Name: ToolDocs,
		Description: "Look up methodology documentation: data sources, metric definitions " +
			"(ECI, PCI, RCA, distance), classification systems, and data coverage.",
		Parameters: params.Schema,
	}

	switch mode {
	case ModeSQLOnly:
		return []ToolDefinition{sqlTool, docsTool}, nil
	case ModeGraphQLSQL:
		return []ToolDefinition{gqlTool, sqlTool, docsTool}, nil
	case ModeGraphQLOnly:
		return []ToolDefinition{gqlTool, docsTool}, nil
	default:
		return nil, fmt.Errorf("agent: unresolved mode %q", mode)
	}
}

// systemPrompt builds the deterministic system prompt for a mode, the
// per-turn budget, the row cap, and any active override constraints.
func (a *Agent) systemPrompt(mode string, s *State) string {
	var b strings.Builder
	b.WriteString("You are a trade data analyst for an international trade database. ")
	b.WriteString("Answer questions about exports, imports, economic complexity, and growth ")
	b.WriteString("using your tools, then explain the result in plain language.\n\n")

	fmt.Fprintf(&b, "You may call %s and %s at most %d times per question. ",
		ToolQuery, ToolAtlasGraphQL, a.maxUses)
	fmt.Fprintf(&b, "Each SQL query returns at most %d rows. ", a.topK)
	b.WriteString("Documentation lookups are free.\n")

	switch mode {
	case ModeSQLOnly:
		b.WriteString("\nUse query_tool for all data questions. The GraphQL API is unavailable right now.\n")
	case ModeGraphQLSQL:
		b.WriteString("\nPrefer atlas_graphql for visual questions (treemaps, time series, country profiles, ")
		b.WriteString("rankings, growth projections) and query_tool for precise tabular questions.\n")
	case ModeGraphQLOnly:
		b.WriteString("\nUse atlas_graphql for all data questions. Direct SQL is unavailable right now.\n")
	}

	var constraints []string
	if s.OverrideSchema != "" {
		constraints = append(constraints, fmt.Sprintf("use the %s classification only", s.OverrideSchema))
	}
	if s.OverrideDirection != "" {
		constraints = append(constraints, fmt.Sprintf("consider %s only", s.OverrideDirection))
	}
	if s.OverrideMode != "" {
		constraints = append(constraints, fmt.Sprintf("consider trade in %s only", s.OverrideMode))
	}
	if len(constraints) > 0 {
		fmt.Fprintf(&b, "\nActive constraints for this conversation: %s.\n", strings.Join(constraints, "; "))
	}
	return b.String()
}
