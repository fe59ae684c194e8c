package tradewind

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Classification schemas understood by the trade database. Goods schemas
// hold product trade; services schemas hold service trade.
const (
	SchemaHS92 = "hs92"
	SchemaHS12 = "hs12"
	SchemaSITC = "sitc"

	SchemaServicesUnilateral = "services_unilateral"
	SchemaServicesBilateral  = "services_bilateral"
)

// Trade modes for the override_mode flag.
const (
	TradeModeGoods    = "goods"
	TradeModeServices = "services"
)

// Trade directions for the override_direction flag.
const (
	DirectionExports = "exports"
	DirectionImports = "imports"
)

// GroupAggregateMarker appears in the names of group-level aggregate data
// tables (continent and trade-bloc rollups). Those tables are excluded from
// the DDL handed to the model: group questions route through the country
// table joins instead.
const GroupAggregateMarker = "_group"

// GoodsSchemas lists the goods classification schemas in preference order.
func GoodsSchemas() []string {
	return []string{SchemaHS92, SchemaHS12, SchemaSITC}
}

// ServicesSchemas lists the services classification schemas.
func ServicesSchemas() []string {
	return []string{SchemaServicesUnilateral, SchemaServicesBilateral}
}

// IsServicesSchema reports whether a schema holds services trade.
func IsServicesSchema(schema string) bool {
	return strings.HasPrefix(schema, "services_")
}

// ValidSchema reports whether schema names a known classification schema.
func ValidSchema(schema string) bool {
	switch schema {
	case SchemaHS92, SchemaHS12, SchemaSITC, SchemaServicesUnilateral, SchemaServicesBilateral:
		return true
	}
	return false
}

// ValidTradeMode reports whether mode names a known trade mode.
func ValidTradeMode(mode string) bool {
	return mode == TradeModeGoods || mode == TradeModeServices
}

// ValidDirection reports whether dir names a known trade direction.
func ValidDirection(dir string) bool {
	return dir == DirectionExports || dir == DirectionImports
}

// firstToolCall returns the first tool call of the most recent assistant
// message along with the full call list. The pipelines process the first
// call; the terminal format nodes answer the rest with stub messages.
func firstToolCall(s *State) (ToolCall, []ToolCall, bool) {
	last, ok := s.LastAssistant()
	if !ok || len(last.ToolCalls) == 0 {
		return ToolCall{}, nil, false
	}
	return last.ToolCalls[0], last.ToolCalls, true
}

// parseToolArgs decodes the shared {question, context} argument object.
// Malformed arguments degrade to using the raw payload as the question so
// the pipeline can still respond rather than crash the turn.
func parseToolArgs(tc ToolCall) (question, context string) {
	var args toolArgs
	if err := json.Unmarshal(tc.Args, &args); err != nil || args.Question == "" {
		return strings.TrimSpace(string(tc.Args)), ""
	}
	return args.Question, args.Context
}

// stubToolContent answers parallel tool calls beyond the first.
const stubToolContent = "Only one query per tool call is processed. Re-issue this question as a separate call if still needed."

// emitToolMessages appends one tool message per pending call: the first gets
// content, the rest get the stub. Keeps the message-balance invariant: every
// assistant tool-call id is answered before the next assistant message.
func emitToolMessages(s *State, emit EmitFunc, source, toolName, content string, calls []ToolCall) {
	for i, tc := range calls {
		msg := content
		if i > 0 {
			msg = stubToolContent
		}
		s.AddMessages(ToolResultMessage(tc.ID, toolName, msg))
		emit(Event{Type: EventToolOutput, Source: source, Payload: msg})
	}
}

// recordTurnTool appends a tool name to the per-turn tool list, once.
func (s *State) recordTurnTool(name string) {
	for _, t := range s.TurnTools {
		if t == name {
			return
		}
	}
	s.TurnTools = append(s.TurnTools, name)
}

// canonicalSetKey builds an order- and case-insensitive cache key from a set
// of strings: normalize, sort, join. Used wherever a set of schemas or codes
// keys a cache.
func canonicalSetKey(parts []string) string {
	norm := make([]string, 0, len(parts))
	seen := map[string]bool{}
	for _, p := range parts {
		k := strings.ToLower(strings.TrimSpace(p))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		norm = append(norm, k)
	}
	sort.Strings(norm)
	return strings.Join(norm, ",")
}

// compactJSON marshals v for tool-message payloads.
func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
