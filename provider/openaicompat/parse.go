package openaicompat

import (
	"encoding/json"

	tradewind "github.com/tradewindhq/tradewind"
)

// ParseResponse converts an OpenAI-format ChatResponse to a tradewind
// ChatResponse. It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (tradewind.ChatResponse, error) {
	var out tradewind.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = tradewind.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to tradewind ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON degrades
// to an empty object rather than poisoning the conversation log.
func ParseToolCalls(tcs []ToolCallRequest) []tradewind.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]tradewind.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, tradewind.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
