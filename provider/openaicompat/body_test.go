package openaicompat

import (
	"encoding/json"
	"testing"

	tradewind "github.com/tradewindhq/tradewind"
)

func TestBuildBody_SystemMessages(t *testing.T) {
	messages := []tradewind.ChatMessage{
		{Role: "system", Content: "You are a trade data analyst."},
		{Role: "user", Content: "Hello"},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if req.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("expected role 'system', got %q", req.Messages[0].Role)
	}
	if req.Messages[0].Content != "You are a trade data analyst." {
		t.Errorf("unexpected system content: %v", req.Messages[0].Content)
	}
	if req.Messages[1].Role != "user" {
		t.Errorf("expected role 'user', got %q", req.Messages[1].Role)
	}
}

func TestBuildBody_UserAndAssistant(t *testing.T) {
	messages := []tradewind.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "What does Chile export?"},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "user" {
		t.Errorf("expected role 'user', got %q", req.Messages[0].Role)
	}
	if req.Messages[1].Role != "assistant" {
		t.Errorf("expected role 'assistant', got %q", req.Messages[1].Role)
	}
	if req.Messages[1].Content != "Hello!" {
		t.Errorf("unexpected assistant content: %v", req.Messages[1].Content)
	}
}

func TestBuildBody_AssistantToolCalls(t *testing.T) {
	messages := []tradewind.ChatMessage{
		{Role: "user", Content: "Top copper exporters?"},
		{
			Role: "assistant",
			ToolCalls: []tradewind.ToolCall{
				{ID: "call_1", Name: "query_tool", Args: json.RawMessage(`{"question":"top copper exporters"}`)},
			},
		},
		{Role: "tool", Content: `{"rows":[]}`, ToolCallID: "call_1", Name: "query_tool"},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}

	assistant := req.Messages[1]
	if assistant.Role != "assistant" {
		t.Errorf("expected role 'assistant', got %q", assistant.Role)
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(assistant.ToolCalls))
	}
	tc := assistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" {
		t.Errorf("tool call = %+v, want id call_1 type function", tc)
	}
	if tc.Function.Name != "query_tool" {
		t.Errorf("expected function 'query_tool', got %q", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"question":"top copper exporters"}` {
		t.Errorf("unexpected arguments: %s", tc.Function.Arguments)
	}

	toolMsg := req.Messages[2]
	if toolMsg.Role != "tool" {
		t.Errorf("expected role 'tool', got %q", toolMsg.Role)
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("expected tool_call_id 'call_1', got %q", toolMsg.ToolCallID)
	}
}

func TestBuildBody_Tools(t *testing.T) {
	tools := []tradewind.ToolDefinition{
		{
			Name:        "query_tool",
			Description: "Run a SQL query",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"question":{"type":"string"}}}`),
		},
		{Name: "docs_tool", Description: "Look up docs"},
	}

	req := BuildBody([]tradewind.ChatMessage{{Role: "user", Content: "hi"}}, tools, "gpt-4o", nil)

	if len(req.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(req.Tools))
	}
	if req.Tools[0].Type != "function" {
		t.Errorf("expected type 'function', got %q", req.Tools[0].Type)
	}
	if req.Tools[0].Function.Name != "query_tool" {
		t.Errorf("expected name 'query_tool', got %q", req.Tools[0].Function.Name)
	}
	// Empty parameters degrade to an empty object, not null.
	if string(req.Tools[1].Function.Parameters) != `{}` {
		t.Errorf("expected empty-object parameters, got %s", req.Tools[1].Function.Parameters)
	}
}

func TestBuildBody_ResponseSchema(t *testing.T) {
	schema := &tradewind.ResponseSchema{
		Name:   "entity_extraction",
		Schema: json.RawMessage(`{"type":"object","properties":{"country":{"type":"string"}}}`),
	}

	req := BuildBody([]tradewind.ChatMessage{{Role: "user", Content: "hi"}}, nil, "gpt-4o", schema)

	if req.ResponseFormat == nil {
		t.Fatal("expected response_format to be set")
	}
	if req.ResponseFormat.Type != "json_schema" {
		t.Errorf("expected type 'json_schema', got %q", req.ResponseFormat.Type)
	}
	if req.ResponseFormat.JSONSchema.Name != "entity_extraction" {
		t.Errorf("expected schema name 'entity_extraction', got %q", req.ResponseFormat.JSONSchema.Name)
	}
	if !req.ResponseFormat.JSONSchema.Strict {
		t.Error("expected strict schema mode")
	}
}

func TestBuildBody_Options(t *testing.T) {
	req := BuildBody(
		[]tradewind.ChatMessage{{Role: "user", Content: "hi"}},
		nil, "gpt-4o", nil,
		WithTemperature(0.2), WithMaxTokens(512), WithSeed(7),
	)

	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", req.Temperature)
	}
	if req.MaxTokens != 512 {
		t.Errorf("max_tokens = %d, want 512", req.MaxTokens)
	}
	if req.Seed == nil || *req.Seed != 7 {
		t.Errorf("seed = %v, want 7", req.Seed)
	}
}
