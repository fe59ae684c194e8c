package tradewind

import "encoding/json"

// EventType identifies the kind of streaming event.
type EventType string

const (
	// EventThreadID is the first event of every stream and carries the
	// thread id the client should reuse for follow-ups.
	EventThreadID EventType = "thread_id"
	// EventAgentTalk carries a token chunk of the final answer.
	EventAgentTalk EventType = "agent_talk"
	// EventToolCall signals the agent decided to call a tool.
	EventToolCall EventType = "tool_call"
	// EventToolOutput carries the raw tool message content.
	EventToolOutput EventType = "tool_output"
	// EventNodeStart signals a pipeline node began executing.
	EventNodeStart EventType = "node_start"
	// EventPipelineState carries a presentation-friendly snapshot of the
	// state a just-completed pipeline node produced.
	EventPipelineState EventType = "pipeline_state"
	// EventDone is the last event of every stream, with aggregate stats.
	EventDone EventType = "done"
)

// Event is one typed streaming event. Source names the emitter (the agent,
// a pipeline node, or the system); Payload marshals to the SSE data field.
type Event struct {
	Type    EventType
	Source  string
	Payload any
}

// eventEnvelope wraps payloads for the chat-shaped event types.
type eventEnvelope struct {
	Source      string `json:"source"`
	Content     any    `json:"content"`
	MessageType string `json:"messageType"`
}

// MarshalData renders the SSE data document for the event. node_start,
// pipeline_state, and done payloads are surfaced verbatim; the chat-shaped
// types (thread_id, agent_talk, tool_call, tool_output) are wrapped in a
// {source, content, messageType} envelope.
func (e Event) MarshalData() ([]byte, error) {
	switch e.Type {
	case EventNodeStart, EventPipelineState, EventDone:
		return json.Marshal(e.Payload)
	default:
		return json.Marshal(eventEnvelope{
			Source:      e.Source,
			Content:     e.Payload,
			MessageType: string(e.Type),
		})
	}
}

// EmitFunc receives events during graph execution. The no-op emitter is
// used on the non-streaming path.
type EmitFunc func(Event)

func nopEmit(Event) {}

// NodeStartEvent is the verbatim node_start payload.
type NodeStartEvent struct {
	Node string `json:"node"`
}

// DoneEvent is the verbatim done payload.
type DoneEvent struct {
	TotalQueries int   `json:"total_queries"`
	TotalTimeMS  int64 `json:"total_time_ms"`
}

// stateProjections maps pipeline node names to presentation snapshots. A
// node with no entry emits no pipeline_state event.
var stateProjections = map[string]func(*State) any{
	NodeExtractToolQuestion: func(s *State) any {
		return map[string]any{"stage": "extract_question", "question": s.SQLQuestion}
	},
	NodeExtractProducts: func(s *State) any {
		return map[string]any{
			"stage":          "extract_products",
			"schemas":        s.schemasInPlay(),
			"products":       s.extractedNames(),
			"requiresLookup": s.Extraction != nil && s.Extraction.RequiresLookup,
		}
	},
	NodeLookupCodes: func(s *State) any {
		return map[string]any{"stage": "lookup_codes", "resolvedProducts": s.ResolvedProducts}
	},
	NodeGetTableInfo: func(s *State) any {
		return map[string]any{"stage": "get_table_info", "schemas": s.schemasInPlay()}
	},
	NodeGenerateSQL: func(s *State) any {
		return map[string]any{"stage": "generate_sql", "sql": s.GeneratedSQL}
	},
	NodeValidateSQL: func(s *State) any {
		return map[string]any{"stage": "validate_sql", "valid": s.LastError == "", "error": s.LastError}
	},
	NodeExecuteSQL: func(s *State) any {
		out := map[string]any{
			"stage":           "execute_sql",
			"sql":             s.GeneratedSQL,
			"columns":         []string{},
			"rows":            [][]any{},
			"rowCount":        0,
			"executionTimeMs": int64(0),
			"tables":          []string{},
		}
		if r := s.SQLResult; r != nil {
			out["columns"] = r.Columns
			out["rows"] = r.Rows
			out["rowCount"] = r.RowCount
			out["executionTimeMs"] = r.ExecutionTimeMS
			out["tables"] = r.Tables
		}
		return out
	},
	NodeFormatResults: func(s *State) any {
		return map[string]any{"stage": "format_results", "queryIndex": s.QueriesExecuted}
	},
	NodeExtractGraphQLQuestion: func(s *State) any {
		return map[string]any{"stage": "extract_question", "question": s.GraphQLQuestion}
	},
	NodeClassifyQuery: func(s *State) any {
		out := map[string]any{"stage": "classify_query"}
		if c := s.Classification; c != nil {
			out["queryType"] = c.QueryType
			out["apiTarget"] = c.APITarget
			out["reasoning"] = c.Reasoning
		}
		return out
	},
	NodeExtractEntities: func(s *State) any {
		return map[string]any{"stage": "extract_entities", "entities": s.Entities}
	},
	NodeResolveIDs: func(s *State) any {
		return map[string]any{
			"stage":           "resolve_ids",
			"params":          s.ResolvedParams,
			"resolutionNotes": s.ResolutionNotes,
		}
	},
	NodeBuildAndExecuteGraphQL: func(s *State) any {
		return map[string]any{
			"stage":           "execute_graphql",
			"apiTarget":       s.APITarget,
			"query":           s.GraphQLQuery,
			"executionTimeMs": s.GraphQLTimeMS,
			"error":           s.LastError,
		}
	},
	NodeFormatGraphQLResults: func(s *State) any {
		return map[string]any{
			"stage":      "format_graphql_results",
			"atlasLinks": s.AtlasLinks,
			"queryIndex": s.QueriesExecuted,
		}
	},
	NodeExtractDocsQuestion: func(s *State) any {
		return map[string]any{"stage": "extract_question", "question": s.DocsQuestion}
	},
	NodeAnswerFromDocs: func(s *State) any {
		return map[string]any{"stage": "answer_from_docs", "answered": s.DocsAnswer != ""}
	},
}

// ProjectState returns the pipeline_state snapshot for a node, or ok=false
// when the node has no projection.
func ProjectState(node string, s *State) (any, bool) {
	fn, ok := stateProjections[node]
	if !ok {
		return nil, false
	}
	return fn(s), true
}

func (s *State) schemasInPlay() []string {
	if s.Extraction == nil {
		return nil
	}
	return s.Extraction.ClassificationSchemas
}

func (s *State) extractedNames() []string {
	if s.Extraction == nil {
		return nil
	}
	names := make([]string, 0, len(s.Extraction.Products))
	for _, p := range s.Extraction.Products {
		names = append(names, p.Name)
	}
	return names
}
