package tradewind

import "encoding/json"

// State is the single dictionary that flows through every graph node.
// Messages and TurnSummaries are append-only; pipeline field groups are
// reset at tool-call entry so nothing bleeds between invocations.
type State struct {
	Messages        []ChatMessage `json:"messages"`
	QueriesExecuted int           `json:"queries_executed"`
	LastError       string        `json:"last_error,omitempty"`

	// SQL pipeline fields, reset per tool invocation.
	SQLQuestion      string             `json:"sql_question,omitempty"`
	SQLContext       string             `json:"sql_context,omitempty"`
	Extraction       *ProductExtraction `json:"extraction,omitempty"`
	ResolvedProducts []ResolvedProduct  `json:"resolved_products,omitempty"`
	TableDDL         string             `json:"table_ddl,omitempty"`
	SQLTables        []string           `json:"sql_tables,omitempty"`
	GeneratedSQL     string             `json:"generated_sql,omitempty"`
	SQLResult        *QueryRecord       `json:"sql_result,omitempty"`

	// GraphQL pipeline fields, reset per tool invocation.
	GraphQLQuestion  string               `json:"graphql_question,omitempty"`
	GraphQLContext   string               `json:"graphql_context,omitempty"`
	Classification   *QueryClassification `json:"classification,omitempty"`
	Entities         *EntityExtraction    `json:"entities,omitempty"`
	ResolvedParams   map[string]any       `json:"resolved_params,omitempty"`
	ResolutionNotes  []string             `json:"resolution_notes,omitempty"`
	GraphQLQuery     string               `json:"graphql_query,omitempty"`
	GraphQLVariables map[string]any       `json:"graphql_variables,omitempty"`
	APITarget        string               `json:"api_target,omitempty"`
	GraphQLResponse  json.RawMessage      `json:"graphql_response,omitempty"`
	GraphQLTimeMS    int64                `json:"graphql_execution_time_ms,omitempty"`
	AtlasLinks       []Link               `json:"atlas_links,omitempty"`

	// Docs pipeline fields, reset per tool invocation.
	DocsQuestion string `json:"docs_question,omitempty"`
	DocsAnswer   string `json:"docs_answer,omitempty"`

	// User-supplied overrides, conversation lifetime.
	OverrideSchema    string `json:"override_schema,omitempty"`
	OverrideDirection string `json:"override_direction,omitempty"`
	OverrideMode      string `json:"override_mode,omitempty"`
	OverrideAgentMode string `json:"override_agent_mode,omitempty"`

	TurnSummaries []TurnSummary `json:"turn_summaries,omitempty"`

	// SessionID scopes the API budget; refreshed on every request.
	SessionID string `json:"session_id,omitempty"`

	// EffectiveMode is the mode resolved for the current turn. AUTO
	// resolution happens once per turn; the result sticks here.
	EffectiveMode string `json:"effective_mode,omitempty"`

	// NudgeIssued records that the one-shot tool nudge fired this turn.
	NudgeIssued bool `json:"nudge_issued,omitempty"`

	// Per-turn aggregates, appended by the format nodes and consumed by the
	// runner when it builds the turn summary and the non-streaming answer.
	TurnQueries  []QueryRecord `json:"turn_queries,omitempty"`
	TurnSchemas  []string      `json:"turn_schemas,omitempty"`
	TurnProducts []string      `json:"turn_products,omitempty"`
	TurnEntities []string      `json:"turn_entities,omitempty"`
	TurnLinks    []Link        `json:"turn_links,omitempty"`
	TurnTools    []string      `json:"turn_tools,omitempty"`
}

// ProductExtraction is the structured output of the product extraction step.
type ProductExtraction struct {
	ClassificationSchemas []string           `json:"classificationSchemas"`
	Products              []ExtractedProduct `json:"products"`
	RequiresLookup        bool               `json:"requiresLookup"`
}

// ExtractedProduct is one product mention with the model's schema and code
// guesses.
type ExtractedProduct struct {
	Name   string   `json:"name" jsonschema:"required"`
	Schema string   `json:"schema"`
	Codes  []string `json:"codes"`
}

// ResolvedProduct is a product mention after code lookup.
type ResolvedProduct struct {
	Name   string   `json:"name"`
	Schema string   `json:"schema"`
	Codes  []string `json:"codes"`
}

// QueryClassification is the structured output of the GraphQL classify step.
type QueryClassification struct {
	Reasoning       string `json:"reasoning"`
	QueryType       string `json:"queryType" jsonschema:"required"`
	APITarget       string `json:"apiTarget"`
	RejectionReason string `json:"rejectionReason"`
}

// EntityExtraction is the structured output of the GraphQL entity step.
// Every field is optional; zero values mean "not mentioned".
type EntityExtraction struct {
	Country       string `json:"country,omitempty"`
	Partner       string `json:"partner,omitempty"`
	Product       string `json:"product,omitempty"`
	Year          int    `json:"year,omitempty"`
	YearStart     int    `json:"yearStart,omitempty"`
	YearEnd       int    `json:"yearEnd,omitempty"`
	Group         string `json:"group,omitempty"`
	ProductLevel  int    `json:"productLevel,omitempty"`
	ProductClass  string `json:"productClass,omitempty"`
	LookbackYears int    `json:"lookbackYears,omitempty"`
	ServicesClass string `json:"servicesClass,omitempty"`
}

// NewState returns a State carrying the opening user message and overrides.
func NewState(question string, in ChatInput) *State {
	return &State{
		Messages:          []ChatMessage{UserMessage(question)},
		OverrideSchema:    in.OverrideSchema,
		OverrideDirection: in.OverrideDirection,
		OverrideMode:      in.OverrideMode,
		OverrideAgentMode: in.OverrideAgentMode,
	}
}

// AddMessages appends to the conversation log. Append-only; callers never
// rewrite history.
func (s *State) AddMessages(msgs ...ChatMessage) {
	s.Messages = append(s.Messages, msgs...)
}

// AddTurnSummary appends one per-turn summary.
func (s *State) AddTurnSummary(ts TurnSummary) {
	s.TurnSummaries = append(s.TurnSummaries, ts)
}

// LastMessage returns the most recent message, or a zero message when the
// log is empty.
func (s *State) LastMessage() ChatMessage {
	if len(s.Messages) == 0 {
		return ChatMessage{}
	}
	return s.Messages[len(s.Messages)-1]
}

// LastAssistant returns the most recent assistant message and whether one
// exists.
func (s *State) LastAssistant() (ChatMessage, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return ChatMessage{}, false
}

// ResetTurn clears per-turn counters and aggregates at the start of a new
// user turn.
func (s *State) ResetTurn() {
	s.QueriesExecuted = 0
	s.LastError = ""
	s.EffectiveMode = ""
	s.NudgeIssued = false
	s.TurnQueries = nil
	s.TurnSchemas = nil
	s.TurnProducts = nil
	s.TurnEntities = nil
	s.TurnLinks = nil
	s.TurnTools = nil
}

// ResetSQL clears the SQL pipeline field group at tool-call entry.
func (s *State) ResetSQL() {
	s.SQLQuestion = ""
	s.SQLContext = ""
	s.Extraction = nil
	s.ResolvedProducts = nil
	s.TableDDL = ""
	s.SQLTables = nil
	s.GeneratedSQL = ""
	s.SQLResult = nil
	s.LastError = ""
}

// ResetGraphQL clears every graphql_* field to its default at tool-call
// entry, preventing cross-turn bleed.
func (s *State) ResetGraphQL() {
	s.GraphQLQuestion = ""
	s.GraphQLContext = ""
	s.Classification = nil
	s.Entities = nil
	s.ResolvedParams = nil
	s.ResolutionNotes = nil
	s.GraphQLQuery = ""
	s.GraphQLVariables = nil
	s.APITarget = ""
	s.GraphQLResponse = nil
	s.GraphQLTimeMS = 0
	s.AtlasLinks = nil
	s.LastError = ""
}

// ResetDocs clears the docs pipeline field group at tool-call entry.
func (s *State) ResetDocs() {
	s.DocsQuestion = ""
	s.DocsAnswer = ""
	s.LastError = ""
}
