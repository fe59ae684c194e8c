package tradewind

import "encoding/json"

// --- LLM protocol types ---

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry in the conversation log. Role is one of
// "system", "user", "assistant", "tool". Assistant messages may carry tool
// calls; tool messages carry the matching ToolCallID.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	// Tools, when non-empty, is offered to the model for function calling.
	Tools []ToolDefinition `json:"tools,omitempty"`
	// ResponseSchema, when set, forces structured JSON output.
	ResponseSchema *ResponseSchema `json:"response_schema,omitempty"`
}

// ChatResponse is the provider-agnostic completion result.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage holds token counts for a single provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage across calls.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolDefinition describes a callable capability offered to the model.
// Parameters is a JSON Schema document.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ResponseSchema forces the provider into structured JSON output mode.
// Schema is a JSON Schema document; Name labels it for providers that
// require a schema name.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// TextDelta is an incremental streaming chunk from a provider.
// Exactly one field group is populated per delta.
type TextDelta struct {
	// Content is a piece of assistant text.
	Content string
	// ToolCallDelta reports that tool-call arguments are streaming; the
	// accumulated calls arrive in the final ChatResponse.
	ToolCallDelta bool
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

// ToolResultMessage builds the tool message answering the call with the
// given id. Name is the tool that produced the content.
func ToolResultMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// --- Catalog entry types ---

// Country is one row of the country catalog. CountryID is the canonical
// numeric id shared with the remote atlas APIs.
type Country struct {
	CountryID   int    `json:"country_id"`
	ISO3        string `json:"iso3_code"`
	ISO2        string `json:"iso2_code,omitempty"`
	NameEn      string `json:"name_en"`
	NameShortEn string `json:"name_short_en"`
	// Frontier marks countries whose country-page surface lacks the growth
	// opportunities and product table subpages.
	Frontier bool `json:"frontier,omitempty"`
}

// Product is one row of a goods classification catalog (HS92, HS12, SITC).
type Product struct {
	ProductID      int    `json:"product_id"`
	Code           string `json:"code"`
	NameEn         string `json:"name_en"`
	NameShortEn    string `json:"name_short_en"`
	Level          int    `json:"product_level"`
	Classification string `json:"classification"`
}

// Service is one row of the services classification catalog.
type Service struct {
	ProductID   int    `json:"product_id"`
	Code        string `json:"code"`
	NameEn      string `json:"name_en"`
	NameShortEn string `json:"name_short_en"`
	Level       int    `json:"product_level"`
}

// --- Conversation registry ---

// Conversation is one chat thread. SessionID groups threads for listing;
// threads created without a session id exist but are not listed.
type Conversation struct {
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id,omitempty"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// --- Chat surface types ---

// ChatInput is one question addressed to a thread, with optional overrides.
type ChatInput struct {
	Question  string `json:"question"`
	ThreadID  string `json:"thread_id,omitempty"`
	SessionID string `json:"-"`

	OverrideSchema    string `json:"override_schema,omitempty"`
	OverrideDirection string `json:"override_direction,omitempty"`
	OverrideMode      string `json:"override_mode,omitempty"`
	OverrideAgentMode string `json:"override_agent_mode,omitempty"`
}

// QueryRecord is one executed SQL query with its result shape, reported in
// answers and accumulated into turn summaries.
type QueryRecord struct {
	SQL             string   `json:"sql"`
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"row_count"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	Tables          []string `json:"tables"`
}

// Link is a presentation page the answer can point at.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Answer is the aggregate result of one non-streaming chat turn.
type Answer struct {
	Answer           string        `json:"answer"`
	ThreadID         string        `json:"thread_id"`
	Queries          []QueryRecord `json:"queries,omitempty"`
	ResolvedProducts []string      `json:"resolved_products,omitempty"`
	SchemasUsed      []string      `json:"schemas_used"`
	Links            []Link        `json:"links,omitempty"`
	TotalRows        int           `json:"total_rows,omitempty"`
	TotalExecutionMS int64         `json:"total_execution_time_ms,omitempty"`
}

// TurnSummary is the structured record of one completed turn.
type TurnSummary struct {
	Turn      int           `json:"turn"`
	Question  string        `json:"question"`
	Tools     []string      `json:"tools,omitempty"`
	Queries   []QueryRecord `json:"queries,omitempty"`
	Entities  []string      `json:"entities,omitempty"`
	Links     []Link        `json:"links,omitempty"`
	CreatedAt int64         `json:"created_at"`
}
