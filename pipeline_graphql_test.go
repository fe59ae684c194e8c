package tradewind

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeExecutor scripts one GraphQL endpoint.
type fakeExecutor struct {
	name     string
	data     json.RawMessage
	err      error
	calls    int
	lastVars map[string]any
}

func (f *fakeExecutor) Execute(_ context.Context, query string, variables map[string]any, sessionID string) (json.RawMessage, error) {
	f.calls++
	f.lastVars = variables
	return f.data, f.err
}

func (f *fakeExecutor) Name() string { return f.name }

func testCatalogs(t *testing.T) (*Catalog[Country], *Catalog[Product], *Catalog[Service]) {
	t.Helper()
	countries := NewCatalog[Country]("countries", 0)
	countries.AddIndex("iso3", func(c Country) (string, bool) { return c.ISO3, c.ISO3 != "" }, nil)
	countries.AddIndex("id", func(c Country) (string, bool) { return strconv.Itoa(c.CountryID), c.CountryID != 0 }, nil)
	countries.AddSearchField("name", func(c Country) string { return c.NameEn + " " + c.NameShortEn })
	countries.Populate([]Country{
		{CountryID: 173, ISO3: "PER", NameEn: "Peru", NameShortEn: "Peru"},
		{CountryID: 231, ISO3: "USA", NameEn: "United States of America", NameShortEn: "United States"},
	})

	products := NewCatalog[Product]("products", 0)
	products.AddIndex("code", func(p Product) (string, bool) { return p.Code, p.Code != "" }, nil)
	products.AddIndex("id", func(p Product) (string, bool) { return strconv.Itoa(p.ProductID), p.ProductID != 0 }, nil)
	products.AddSearchField("name", func(p Product) string { return p.NameEn + " " + p.NameShortEn })
	products.Populate([]Product{
		{ProductID: 726, Code: "0901", NameEn: "Coffee", NameShortEn: "Coffee", Classification: "HS92"},
	})

	services := NewCatalog[Service]("services", 0)
	services.AddIndex("code", func(s Service) (string, bool) { return s.Code, s.Code != "" }, nil)
	services.AddIndex("id", func(s Service) (string, bool) { return strconv.Itoa(s.ProductID), s.ProductID != 0 }, nil)
	services.AddSearchField("name", func(s Service) string { return s.NameEn + " " + s.NameShortEn })
	services.Populate([]Service{
		{ProductID: 9001, Code: "ict", NameEn: "ICT services", NameShortEn: "ICT"},
	})
	return countries, products, services
}

func newGraphQLPipeline(t *testing.T, stub *stubProvider, explore, countryPages GraphQLExecutor) *GraphQLPipeline {
	t.Helper()
	countries, products, services := testCatalogs(t)
	model := NewModel(stub, ModelBaseDelay(time.Millisecond))
	p, err := NewGraphQLPipeline(model, countries, products, services, explore, countryPages)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGraphQLExtractQuestionResetsState(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{name: "explore"}, &fakeExecutor{name: "countryPages"})
	s := stateWithToolCall(ToolAtlasGraphQL, `{"question":"what does Peru export?"}`)
	// Leftovers from a previous invocation.
	s.GraphQLQuery = "query { stale }"
	s.Classification = &QueryClassification{QueryType: QueryCountrySummary}
	s.AtlasLinks = []Link{{URL: "stale"}}

	if err := p.ExtractQuestion(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if s.GraphQLQuestion != "what does Peru export?" {
		t.Errorf("question = %q", s.GraphQLQuestion)
	}
	if s.GraphQLQuery != "" || s.Classification != nil || s.AtlasLinks != nil {
		t.Error("graphql field group not reset")
	}
}

func TestClassifyValidType(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"reasoning":"treemap question","queryType":"treemap_products","apiTarget":"explore"}`}},
	}}
	p := newGraphQLPipeline(t, stub, &fakeExecutor{}, &fakeExecutor{})
	s := &State{GraphQLQuestion: "what does Peru export?"}

	if err := p.Classify(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if s.Classification == nil || s.Classification.QueryType != QueryTreemapProducts {
		t.Fatalf("classification = %+v", s.Classification)
	}
	// Target comes from the server-side table, not the model's claim.
	if s.APITarget != TargetExplore {
		t.Errorf("target = %q", s.APITarget)
	}
}

func TestClassifyUnknownTypeLandsInLastError(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"queryType":"pie_chart"}`}},
	}}
	p := newGraphQLPipeline(t, stub, &fakeExecutor{}, &fakeExecutor{})
	s := &State{GraphQLQuestion: "q"}

	if err := p.Classify(context.Background(), s, nopEmit); err != nil {
		t.Fatal("unknown type must not abort the node")
	}
	if !strings.Contains(s.LastError, "pie_chart") {
		t.Errorf("LastError = %q", s.LastError)
	}
}

func TestResolveIDsExploreTarget(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{}, &fakeExecutor{})
	s := &State{
		Classification: &QueryClassification{QueryType: QueryTreemapProducts, APITarget: TargetExplore},
		APITarget:      TargetExplore,
		Entities:       &EntityExtraction{Country: "PER", Product: "0901", Year: 2020},
	}

	if err := p.ResolveIDs(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if s.ResolvedParams["countryId"] != 173 {
		t.Errorf("countryId = %v", s.ResolvedParams["countryId"])
	}
	if s.ResolvedParams["productId"] != 726 || s.ResolvedParams["productCode"] != "0901" {
		t.Errorf("product params = %v", s.ResolvedParams)
	}
	if s.ResolvedParams["year"] != 2020 {
		t.Errorf("year = %v", s.ResolvedParams["year"])
	}
	if len(s.AtlasLinks) == 0 {
		t.Error("expected presentation links for a resolved treemap")
	}
	if len(s.ResolutionNotes) != 0 {
		t.Errorf("notes = %v", s.ResolutionNotes)
	}
}

func TestResolveIDsCountryPagesFormatting(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{}, &fakeExecutor{})
	s := &State{
		Classification: &QueryClassification{QueryType: QueryCountrySummary, APITarget: TargetCountryPages},
		APITarget:      TargetCountryPages,
		Entities:       &EntityExtraction{Country: "Peru", Product: "Coffee"},
	}

	if err := p.ResolveIDs(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if s.ResolvedParams["location"] != "location-173" {
		t.Errorf("location = %v", s.ResolvedParams["location"])
	}
	if s.ResolvedParams["product"] != "product-HS-726" {
		t.Errorf("product = %v", s.ResolvedParams["product"])
	}
	// The bare integer keys must be gone on this target.
	for _, key := range []string{"countryId", "productId", "productCode"} {
		if _, ok := s.ResolvedParams[key]; ok {
			t.Errorf("key %s must be dropped for countryPages", key)
		}
	}
}

func TestResolveIDsFallsThroughToServices(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{}, &fakeExecutor{})
	s := &State{
		Classification: &QueryClassification{QueryType: QueryTreemapProducts, APITarget: TargetExplore},
		APITarget:      TargetExplore,
		Entities:       &EntityExtraction{Product: "ict"},
	}

	if err := p.ResolveIDs(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if s.ResolvedParams["productId"] != 9001 {
		t.Errorf("productId = %v", s.ResolvedParams["productId"])
	}
	if s.ResolvedParams["productClass"] != "Services" {
		t.Errorf("productClass = %v", s.ResolvedParams["productClass"])
	}
}

func TestResolveIDsUnresolvedMentionBecomesNote(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{}, &fakeExecutor{})
	s := &State{
		Classification: &QueryClassification{QueryType: QueryTreemapProducts, APITarget: TargetExplore},
		APITarget:      TargetExplore,
		Entities:       &EntityExtraction{Country: "Atlantis"},
	}

	if err := p.ResolveIDs(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ResolvedParams["countryId"]; ok {
		t.Error("unresolvable country must not produce an id")
	}
	if len(s.ResolutionNotes) != 1 || !strings.Contains(s.ResolutionNotes[0], "Atlantis") {
		t.Errorf("notes = %v", s.ResolutionNotes)
	}
}

func TestPickCandidate(t *testing.T) {
	names := []string{"United States of America", "United States Virgin Islands", "United Kingdom"}
	nameAt := func(i int) string { return names[i] }

	t.Run("single candidate accepted", func(t *testing.T) {
		model := NewModel(&stubProvider{}, ModelBaseDelay(time.Millisecond))
		if got := pickCandidate(context.Background(), model, "anything", 1, nameAt); got != 0 {
			t.Errorf("got %d, want 0", got)
		}
	})

	t.Run("exact match wins without model", func(t *testing.T) {
		stub := &stubProvider{}
		model := NewModel(stub, ModelBaseDelay(time.Millisecond))
		got := pickCandidate(context.Background(), model, "united kingdom", len(names), nameAt)
		if got != 2 {
			t.Errorf("got %d, want 2", got)
		}
		if stub.calls != 0 {
			t.Errorf("model calls = %d, want 0", stub.calls)
		}
	})

	t.Run("model pick by index", func(t *testing.T) {
		stub := &stubProvider{results: []stubResult{
			{resp: ChatResponse{Content: `{"index":1}`}},
		}}
		model := NewModel(stub, ModelBaseDelay(time.Millisecond))
		got := pickCandidate(context.Background(), model, "the US", len(names), nameAt)
		if got != 0 {
			t.Errorf("got %d, want 0", got)
		}
	})

	t.Run("out of range pick means no match", func(t *testing.T) {
		stub := &stubProvider{results: []stubResult{
			{resp: ChatResponse{Content: `{"index":0}`}},
		}}
		model := NewModel(stub, ModelBaseDelay(time.Millisecond))
		if got := pickCandidate(context.Background(), model, "nothing", len(names), nameAt); got != -1 {
			t.Errorf("got %d, want -1", got)
		}
	})
}

func TestBuildAndExecuteRoutesToTarget(t *testing.T) {
	explore := &fakeExecutor{name: "explore", data: json.RawMessage(`{"treeMap":[]}`)}
	countryPages := &fakeExecutor{name: "countryPages", data: json.RawMessage(`{"countryProfile":{}}`)}
	p := newGraphQLPipeline(t, &stubProvider{}, explore, countryPages)

	s := &State{
		Classification: &QueryClassification{QueryType: QueryTreemapProducts},
		APITarget:      TargetExplore,
		ResolvedParams: map[string]any{"countryId": 173, "year": 2020},
	}
	if err := p.BuildAndExecute(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if explore.calls != 1 || countryPages.calls != 0 {
		t.Errorf("explore=%d countryPages=%d", explore.calls, countryPages.calls)
	}
	if s.GraphQLQuery == "" {
		t.Error("built query not recorded")
	}
	if string(s.GraphQLResponse) != `{"treeMap":[]}` {
		t.Errorf("response = %s", s.GraphQLResponse)
	}
}

func TestBuildAndExecuteUpstreamFailure(t *testing.T) {
	explore := &fakeExecutor{name: "explore", err: ErrCircuitOpen}
	p := newGraphQLPipeline(t, &stubProvider{}, explore, &fakeExecutor{})

	s := &State{
		Classification: &QueryClassification{QueryType: QueryTreemapProducts},
		APITarget:      TargetExplore,
		ResolvedParams: map[string]any{"countryId": 173, "year": 2020},
	}
	if err := p.BuildAndExecute(context.Background(), s, nopEmit); err != nil {
		t.Fatal("upstream failure must not abort the node")
	}
	if !strings.Contains(s.LastError, "temporarily unavailable") {
		t.Errorf("LastError = %q", s.LastError)
	}
	if !strings.Contains(s.LastError, "SQL tool") {
		t.Errorf("LastError must steer toward the SQL tool, got %q", s.LastError)
	}
}

func TestBuildAndExecuteBudgetExhausted(t *testing.T) {
	explore := &fakeExecutor{name: "explore", err: ErrBudgetExhausted}
	p := newGraphQLPipeline(t, &stubProvider{}, explore, &fakeExecutor{})

	s := &State{
		Classification: &QueryClassification{QueryType: QueryTreemapProducts},
		APITarget:      TargetExplore,
		ResolvedParams: map[string]any{"countryId": 173, "year": 2020},
	}
	if err := p.BuildAndExecute(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.LastError, "budget is exhausted") {
		t.Errorf("LastError = %q", s.LastError)
	}
}

func TestFormatGraphQLResultsRejection(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{}, &fakeExecutor{})
	s := stateWithToolCall(ToolAtlasGraphQL, `{"question":"tell me a joke"}`)
	s.Classification = &QueryClassification{QueryType: QueryReject, RejectionReason: "Not a trade data question."}

	if err := p.FormatResults(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if s.LastMessage().Content != "Not a trade data question." {
		t.Errorf("content = %q", s.LastMessage().Content)
	}
	// Rejections execute nothing and must not consume the query budget.
	if s.QueriesExecuted != 0 {
		t.Errorf("QueriesExecuted = %d, want 0", s.QueriesExecuted)
	}
}

func TestFormatGraphQLResultsFailureDiscardsLinks(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{}, &fakeExecutor{})
	s := stateWithToolCall(ToolAtlasGraphQL, `{"question":"q"}`)
	s.Classification = &QueryClassification{QueryType: QueryTreemapProducts}
	s.Entities = &EntityExtraction{Country: "Peru"}
	s.GraphQLQuery = "query {}"
	s.LastError = "query execution failed: 502"
	s.AtlasLinks = []Link{{Label: "Treemap", URL: "https://example.org"}}

	if err := p.FormatResults(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if s.AtlasLinks != nil {
		t.Error("links must be discarded on failure")
	}
	if len(s.TurnLinks) != 0 {
		t.Error("failed links must not reach the turn aggregate")
	}
	// The upstream was hit, so the attempt counts against the budget.
	if s.QueriesExecuted != 1 {
		t.Errorf("QueriesExecuted = %d, want 1", s.QueriesExecuted)
	}
	if !strings.Contains(s.LastMessage().Content, "Query failed") {
		t.Errorf("content = %q", s.LastMessage().Content)
	}
}

func TestFormatGraphQLResultsSuccess(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{}, &fakeExecutor{})
	s := stateWithToolCall(ToolAtlasGraphQL, `{"question":"q"}`)
	s.Classification = &QueryClassification{QueryType: QueryTreemapProducts}
	s.Entities = &EntityExtraction{Country: "Peru"}
	s.APITarget = TargetExplore
	s.GraphQLQuery = "query {}"
	s.GraphQLResponse = json.RawMessage(`{"countryProductYear":[{"productId":726,"exportValue":100}]}`)
	s.AtlasLinks = []Link{{Label: "Treemap", URL: "https://example.org"}}

	if err := p.FormatResults(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	content := s.LastMessage().Content
	if !strings.Contains(content, `"query_type":"treemap_products"`) {
		t.Errorf("content = %q", content)
	}
	if !strings.Contains(content, `"productName":"Coffee"`) {
		t.Error("post-processing must enrich product ids with catalog names")
	}
	if !strings.Contains(content, `"links"`) {
		t.Error("successful responses keep their links")
	}
	if s.QueriesExecuted != 1 {
		t.Errorf("QueriesExecuted = %d", s.QueriesExecuted)
	}
	if len(s.TurnLinks) != 1 {
		t.Errorf("TurnLinks = %v", s.TurnLinks)
	}
}

func TestFormatGraphQLResultsResolutionNotes(t *testing.T) {
	p := newGraphQLPipeline(t, &stubProvider{}, &fakeExecutor{}, &fakeExecutor{})
	s := stateWithToolCall(ToolAtlasGraphQL, `{"question":"q"}`)
	s.Classification = &QueryClassification{QueryType: QueryTreemapProducts}
	s.Entities = &EntityExtraction{}
	s.GraphQLResponse = json.RawMessage(`{"treeMap":[]}`)
	s.ResolutionNotes = []string{`could not resolve country "Atlantis"`}

	if err := p.FormatResults(context.Background(), s, nopEmit); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.LastMessage().Content, "Atlantis") {
		t.Error("resolution notes must surface in the tool message")
	}
}

func TestFormatParamsForTarget(t *testing.T) {
	t.Run("explore untouched", func(t *testing.T) {
		params := map[string]any{"countryId": 173, "productId": 726}
		formatParamsForTarget(params, TargetExplore, "HS92")
		if params["countryId"] != 173 || params["productId"] != 726 {
			t.Errorf("params = %v", params)
		}
	})
	t.Run("sitc prefix", func(t *testing.T) {
		params := map[string]any{"productId": 55}
		formatParamsForTarget(params, TargetCountryPages, "SITC")
		if params["product"] != "product-SITC-55" {
			t.Errorf("product = %v", params["product"])
		}
	})
	t.Run("services prefix", func(t *testing.T) {
		params := map[string]any{"productId": 9001}
		formatParamsForTarget(params, TargetCountryPages, "Services")
		if params["product"] != "product-services-9001" {
			t.Errorf("product = %v", params["product"])
		}
	})
}

func TestUpstreamErrorMessage(t *testing.T) {
	if msg := upstreamErrorMessage(errors.New("boom")); !strings.Contains(msg, "boom") {
		t.Errorf("msg = %q", msg)
	}
}
