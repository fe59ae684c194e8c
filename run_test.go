package tradewind

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// newTestRunner assembles a runner over one shared stub model, in-memory
// stores, and scripted backends.
func newTestRunner(t *testing.T, stub *stubProvider, db TradeDB) (*Runner, *MemoryCheckpointStore, *MemoryConversationStore) {
	t.Helper()
	model := NewModel(stub, ModelBaseDelay(time.Millisecond))
	agent := NewAgent(model, AgentMode(ModeSQLOnly))
	sqlp := NewSQLPipeline(model, db)
	countries, products, services := testCatalogs(t)
	gqlp, err := NewGraphQLPipeline(model, countries, products, services,
		&fakeExecutor{name: "explore"}, &fakeExecutor{name: "countryPages"})
	if err != nil {
		t.Fatal(err)
	}
	docsp := NewDocsPipeline(model, testLibrary(t))
	checkpoints := NewMemoryCheckpointStore()
	conversations := NewMemoryConversationStore()
	r := NewRunner(agent, sqlp, gqlp, docsp, checkpoints, conversations)
	return r, checkpoints, conversations
}

func TestAskStreamPlainAnswer(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{
		deltas: []string{"Peru mostly ", "exports copper."},
		resp:   ChatResponse{Content: "Peru mostly exports copper."},
	}}}
	r, checkpoints, conversations := newTestRunner(t, stub, &fakeTradeDB{})

	var events []Event
	answer, err := r.AskStream(context.Background(),
		ChatInput{Question: "what does Peru export?", SessionID: "s1"},
		func(ev Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}

	if len(events) < 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Type != EventThreadID {
		t.Errorf("first event = %s, want thread_id", events[0].Type)
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("last event = %s, want done", events[len(events)-1].Type)
	}

	if answer.Answer != "Peru mostly exports copper." {
		t.Errorf("answer = %q", answer.Answer)
	}
	if answer.ThreadID == "" {
		t.Fatal("no thread id assigned")
	}

	c, ok, err := conversations.Get(context.Background(), answer.ThreadID)
	if err != nil || !ok {
		t.Fatalf("conversation not registered: ok=%v err=%v", ok, err)
	}
	if c.Title != "what does Peru export?" || c.SessionID != "s1" {
		t.Errorf("conversation = %+v", c)
	}

	s, ok, err := checkpoints.GetLatest(context.Background(), answer.ThreadID)
	if err != nil || !ok {
		t.Fatalf("checkpoint missing: ok=%v err=%v", ok, err)
	}
	if len(s.TurnSummaries) != 1 || s.TurnSummaries[0].Turn != 1 {
		t.Errorf("turn summaries = %+v", s.TurnSummaries)
	}
}

func TestAskStreamSQLTurn(t *testing.T) {
	db := &fakeTradeDB{
		byCodes: []Product{{ProductID: 726, Code: "0901", NameEn: "Coffee", Classification: "HS92"}},
		tableInfo: TableInfo{
			DDL: "CREATE TABLE hs92.country_product_year_4 (...)",
			Tables: []string{
				"hs92.country_product_year_4",
				"classification.location_country",
				"classification.product_hs92",
			},
		},
		cols: []string{"product", "export_value"},
		rows: [][]any{{"Coffee", 9100000000.0}},
	}
	generated := `SELECT p.name_short_en AS product, cpy.export_value
FROM hs92.country_product_year_4 cpy
JOIN classification.product_hs92 p ON p.product_id = cpy.product_id
WHERE p.code = '0901'
ORDER BY cpy.export_value DESC
LIMIT 5`
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{{
			ID: "1", Name: ToolQuery,
			Args: json.RawMessage(`{"question":"Peru coffee exports in 2020"}`),
		}}}},
		{resp: ChatResponse{Content: `{"classificationSchemas":["hs92"],"products":[{"name":"coffee","schema":"hs92","codes":["0901"]}],"requiresLookup":false}`}},
		{resp: ChatResponse{Content: generated}},
		{resp: ChatResponse{Content: "Peru exported $9.1B of coffee in 2020."}},
	}}
	r, _, _ := newTestRunner(t, stub, db)

	var toolCalls, toolOutputs int
	answer, err := r.AskStream(context.Background(),
		ChatInput{Question: "Peru coffee exports in 2020"},
		func(ev Event) {
			switch ev.Type {
			case EventToolCall:
				toolCalls++
			case EventToolOutput:
				toolOutputs++
			}
		})
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}

	if answer.Answer != "Peru exported $9.1B of coffee in 2020." {
		t.Errorf("answer = %q", answer.Answer)
	}
	if len(answer.Queries) != 1 || answer.TotalRows != 1 {
		t.Errorf("queries = %+v, total rows %d", answer.Queries, answer.TotalRows)
	}
	if len(answer.ResolvedProducts) != 1 || answer.ResolvedProducts[0] != "coffee" {
		t.Errorf("resolved products = %v", answer.ResolvedProducts)
	}
	if len(answer.SchemasUsed) != 1 || answer.SchemasUsed[0] != SchemaHS92 {
		t.Errorf("schemas = %v", answer.SchemasUsed)
	}
	if toolCalls != 1 || toolOutputs != 1 {
		t.Errorf("tool_call=%d tool_output=%d, want 1 each", toolCalls, toolOutputs)
	}
	if db.execCalls != 1 {
		t.Errorf("ExecuteReadOnly calls = %d", db.execCalls)
	}
}

func TestAskStreamResume(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "First answer."}},
		{resp: ChatResponse{Content: "Second answer."}},
	}}
	r, checkpoints, conversations := newTestRunner(t, stub, &fakeTradeDB{})
	ctx := context.Background()

	first, err := r.Ask(ctx, ChatInput{Question: "what does Peru export?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	second, err := r.Ask(ctx, ChatInput{
		Question:       "and in sitc terms?",
		ThreadID:       first.ThreadID,
		SessionID:      "s1",
		OverrideSchema: SchemaSITC,
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.ThreadID != first.ThreadID {
		t.Errorf("thread changed: %s -> %s", first.ThreadID, second.ThreadID)
	}
	if second.Answer != "Second answer." {
		t.Errorf("answer = %q", second.Answer)
	}

	s, ok, err := checkpoints.GetLatest(ctx, first.ThreadID)
	if err != nil || !ok {
		t.Fatalf("checkpoint: ok=%v err=%v", ok, err)
	}
	if len(s.TurnSummaries) != 2 || s.TurnSummaries[1].Turn != 2 {
		t.Errorf("turn summaries = %+v", s.TurnSummaries)
	}
	// The override from the resume request sticks on the stored state.
	if s.OverrideSchema != SchemaSITC {
		t.Errorf("override schema = %q", s.OverrideSchema)
	}

	// Touch must keep the original title.
	c, _, _ := conversations.Get(ctx, first.ThreadID)
	if c.Title != "what does Peru export?" {
		t.Errorf("title = %q", c.Title)
	}
}

func TestAskStreamUnknownThread(t *testing.T) {
	r, _, _ := newTestRunner(t, &stubProvider{}, &fakeTradeDB{})
	_, err := r.Ask(context.Background(), ChatInput{Question: "q", ThreadID: "no-such-thread"})
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("err = %v, want ErrNoCheckpoint", err)
	}
}

func TestAskStreamValidatesInput(t *testing.T) {
	r, _, _ := newTestRunner(t, &stubProvider{}, &fakeTradeDB{})
	ctx := context.Background()

	if _, err := r.Ask(ctx, ChatInput{Question: "   "}); err == nil {
		t.Error("empty question accepted")
	}
	if _, err := r.Ask(ctx, ChatInput{Question: "q", OverrideAgentMode: "TURBO"}); err == nil {
		t.Error("invalid agent mode accepted")
	}
	if _, err := r.Ask(ctx, ChatInput{Question: "q", OverrideSchema: "hs9000"}); err == nil {
		t.Error("invalid schema accepted")
	}
	if _, err := r.Ask(ctx, ChatInput{Question: "q", OverrideDirection: "both"}); err == nil {
		t.Error("invalid direction accepted")
	}
	if _, err := r.Ask(ctx, ChatInput{Question: "q", OverrideMode: "everything"}); err == nil {
		t.Error("invalid mode accepted")
	}
}

func TestAskStreamEmitsDoneOnFailure(t *testing.T) {
	boom := errors.New("model exploded")
	stub := &stubProvider{results: []stubResult{{err: boom}}}
	r, _, _ := newTestRunner(t, stub, &fakeTradeDB{})

	var events []Event
	_, err := r.AskStream(context.Background(), ChatInput{Question: "q"},
		func(ev Event) { events = append(events, ev) })
	if err == nil {
		t.Fatal("want error when the agent model fails")
	}
	if len(events) < 2 || events[0].Type != EventThreadID {
		t.Fatalf("events = %+v", events)
	}
	if events[len(events)-1].Type != EventDone {
		t.Error("done must be emitted even on failure")
	}
}

func TestTitleFromQuestion(t *testing.T) {
	if got := titleFromQuestion("short question"); got != "short question" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("ä", 100)
	got := titleFromQuestion(long)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("no ellipsis: %q", got)
	}
	if n := len([]rune(got)); n != 80 {
		t.Errorf("rune length = %d, want 80", n)
	}
}

func TestDedupeStrings(t *testing.T) {
	got := dedupeStrings([]string{"coffee", "", "copper", "coffee"})
	if len(got) != 2 || got[0] != "coffee" || got[1] != "copper" {
		t.Errorf("got %v", got)
	}
}
