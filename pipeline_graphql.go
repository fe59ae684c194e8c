package tradewind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// GraphQLExecutor abstracts one remote GraphQL endpoint. atlas.Client
// implements it with the full resilience stack.
type GraphQLExecutor interface {
	Execute(ctx context.Context, query string, variables map[string]any, sessionID string) (json.RawMessage, error)
	Name() string
}

// GraphQLPipeline implements the remote-API backend: classify the question
// into one of the closed query types, extract and resolve entities, build
// and execute the query, post-process, format.
type GraphQLPipeline struct {
	model        *Model
	countries    *Catalog[Country]
	products     *Catalog[Product]
	services     *Catalog[Service]
	explore      GraphQLExecutor
	countryPages GraphQLExecutor
	builders     *GraphQLBuilders
	post         *PostProcessor
	links        *LinkGenerator
	logger       *slog.Logger
}

// GraphQLPipelineOption configures a GraphQLPipeline.
type GraphQLPipelineOption func(*GraphQLPipeline)

// GraphQLLogger sets the structured logger.
func GraphQLLogger(l *slog.Logger) GraphQLPipelineOption {
	return func(p *GraphQLPipeline) { p.logger = l }
}

// GraphQLLinks replaces the link generator (deployments with their own
// presentation surfaces).
func GraphQLLinks(lg *LinkGenerator) GraphQLPipelineOption {
	return func(p *GraphQLPipeline) { p.links = lg }
}

// NewGraphQLPipeline wires the pipeline to the model, the entity catalogs,
// and the two endpoint clients.
func NewGraphQLPipeline(
	model *Model,
	countries *Catalog[Country],
	products *Catalog[Product],
	services *Catalog[Service],
	explore, countryPages GraphQLExecutor,
	opts ...GraphQLPipelineOption,
) (*GraphQLPipeline, error) {
	builders, err := NewGraphQLBuilders()
	if err != nil {
		return nil, err
	}
	p := &GraphQLPipeline{
		model:        model,
		countries:    countries,
		products:     products,
		services:     services,
		explore:      explore,
		countryPages: countryPages,
		builders:     builders,
		links:        NewLinkGenerator(),
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.post = NewPostProcessor(countries, products, services, p.logger)
	return p, nil
}

// Register adds the pipeline's nodes and edges to the graph. The LLM-backed
// nodes carry a retry policy; the executor node does not retry at the node
// layer because the client retries internally.
func (p *GraphQLPipeline) Register(g *Graph) {
	retry := NodeRetry{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
	g.AddNode(NodeExtractGraphQLQuestion, p.ExtractQuestion)
	g.AddRetryNode(NodeClassifyQuery, p.Classify, retry)
	g.AddRetryNode(NodeExtractEntities, p.ExtractEntities, retry)
	g.AddRetryNode(NodeResolveIDs, p.ResolveIDs, retry)
	g.AddNode(NodeBuildAndExecuteGraphQL, p.BuildAndExecute)
	g.AddNode(NodeFormatGraphQLResults, p.FormatResults)

	g.AddEdge(NodeExtractGraphQLQuestion, NodeClassifyQuery)
	// Rejections and classification failures skip straight to formatting.
	g.AddRouter(NodeClassifyQuery, func(s *State) string {
		if s.LastError != "" || (s.Classification != nil && s.Classification.QueryType == QueryReject) {
			return NodeFormatGraphQLResults
		}
		return NodeExtractEntities
	})
	g.AddRouter(NodeExtractEntities, func(s *State) string {
		if s.LastError != "" {
			return NodeFormatGraphQLResults
		}
		return NodeResolveIDs
	})
	g.AddEdge(NodeResolveIDs, NodeBuildAndExecuteGraphQL)
	g.AddEdge(NodeBuildAndExecuteGraphQL, NodeFormatGraphQLResults)
	g.AddEdge(NodeFormatGraphQLResults, NodeAgent)
}

// ExtractQuestion resets every graphql_* field to its default (nothing may
// bleed between invocations) and lifts the question out of the tool call.
func (p *GraphQLPipeline) ExtractQuestion(_ context.Context, s *State, _ EmitFunc) error {
	s.ResetGraphQL()
	tc, _, ok := firstToolCall(s)
	if !ok {
		return fmt.Errorf("graphql pipeline: no tool call to process")
	}
	s.GraphQLQuestion, s.GraphQLContext = parseToolArgs(tc)
	return nil
}

const classifySystem = `You classify trade data questions into one visualization query type.

Query types (explore API): treemap_products (what does X export), treemap_markets (where does X export to), treemap_bilateral (what does X export to Y), geomap_exporters (who exports product P), overtime_products, overtime_markets, product_trade_overtime, bilateral_trade_overtime, market_share_overtime, global_datum (world totals), country_datum (one country's headline numbers), bilateral_aggregate (total X-Y trade), product_datum (one product's headline numbers), feasibility_table (diversification opportunities).
Query types (countryPages API): country_summary, country_lookback (how has X changed over N years), eci_rankings, growth_projections, export_basket, new_products, diversification_grid.
Use "reject" with a rejectionReason for questions that are not about trade data, and keep reasoning under two sentences.`

// classifyResult constrains the classifier output; queryType membership in
// the closed set is validated after decoding.
type classifyResult struct {
	Reasoning       string `json:"reasoning"`
	QueryType       string `json:"queryType" jsonschema:"required"`
	APITarget       string `json:"apiTarget"`
	RejectionReason string `json:"rejectionReason"`
}

// Classify picks the query type. Failures land in LastError so the format
// node can answer the tool call instead of crashing the turn.
func (p *GraphQLPipeline) Classify(ctx context.Context, s *State, _ EmitFunc) error {
	prompt := s.GraphQLQuestion
	if s.GraphQLContext != "" {
		prompt += "\n\nAdditional context: " + s.GraphQLContext
	}
	res, err := InvokeStructured[classifyResult](ctx, p.model, "query_classification", classifySystem, prompt)
	if err != nil {
		if IsTransientErr(err) {
			return fmt.Errorf("classify query: %w", err)
		}
		s.LastError = fmt.Sprintf("classification failed: %v", err)
		return nil
	}
	if !ValidQueryType(res.QueryType) {
		s.LastError = fmt.Sprintf("classification produced unknown query type %q", res.QueryType)
		return nil
	}
	target, _ := TargetFor(res.QueryType)
	s.Classification = &QueryClassification{
		Reasoning:       truncateStr(res.Reasoning, 300),
		QueryType:       res.QueryType,
		APITarget:       target,
		RejectionReason: res.RejectionReason,
	}
	s.APITarget = target
	return nil
}

const extractEntitiesSystem = `You extract the entities a trade data question mentions. Leave fields you are not sure about empty.
country and partner are country names or ISO alpha-3 codes; product is a product or service name, optionally with a classification code; year is a single year; yearStart/yearEnd bound a range; lookbackYears counts years back from the present; productClass is one of HS92, HS12, SITC, Services.`

// ExtractEntities pulls the raw entity mentions. Skipped when the
// classification rejected the question (router handles the skip).
func (p *GraphQLPipeline) ExtractEntities(ctx context.Context, s *State, _ EmitFunc) error {
	ent, err := InvokeStructured[EntityExtraction](ctx, p.model, "entity_extraction", extractEntitiesSystem, s.GraphQLQuestion)
	if err != nil {
		if IsTransientErr(err) {
			return fmt.Errorf("extract entities: %w", err)
		}
		s.LastError = fmt.Sprintf("entity extraction failed: %v", err)
		return nil
	}
	s.Entities = &ent
	return nil
}

// indexPick is the structured output when the model disambiguates between
// search candidates by 1-based list position.
type indexPick struct {
	Index int `json:"index" jsonschema:"required"`
}

const pickEntitySystem = `You pick the list entry that best matches a mention from a trade data question. Answer with its 1-based index. Answer 0 when none match.`

// ResolveIDs turns entity mentions into canonical catalog ids, generates
// presentation links from the canonical ids, then formats the ids for the
// chosen API target.
func (p *GraphQLPipeline) ResolveIDs(ctx context.Context, s *State, _ EmitFunc) error {
	if s.Entities == nil || s.Classification == nil {
		return nil
	}
	ent := s.Entities
	params := map[string]any{}
	var notes []string
	var link LinkParams

	if ent.Country != "" {
		if c, ok := p.resolveCountry(ctx, ent.Country); ok {
			params["countryId"] = c.CountryID
			link.CountryID = c.CountryID
			link.CountryName = c.NameShortEn
			s.TurnEntities = append(s.TurnEntities, c.NameShortEn)
		} else {
			notes = append(notes, fmt.Sprintf("could not resolve country %q", ent.Country))
		}
	}
	if ent.Partner != "" {
		if c, ok := p.resolveCountry(ctx, ent.Partner); ok {
			params["partnerId"] = c.CountryID
			link.PartnerID = c.CountryID
			link.PartnerName = c.NameShortEn
			s.TurnEntities = append(s.TurnEntities, c.NameShortEn)
		} else {
			notes = append(notes, fmt.Sprintf("could not resolve partner %q", ent.Partner))
		}
	}

	productClass := strings.ToUpper(ent.ProductClass)
	if ent.Product != "" {
		if prod, ok := p.resolveProduct(ctx, ent.Product); ok {
			params["productId"] = prod.ProductID
			params["productCode"] = prod.Code
			link.ProductID = prod.ProductID
			link.ProductName = prod.NameShortEn
			if productClass == "" {
				productClass = strings.ToUpper(prod.Classification)
			}
			s.TurnEntities = append(s.TurnEntities, prod.NameShortEn)
		} else if svc, ok := p.resolveService(ctx, ent.Product); ok {
			params["productId"] = svc.ProductID
			params["productCode"] = svc.Code
			link.ProductID = svc.ProductID
			link.ProductName = svc.NameShortEn
			if productClass == "" {
				productClass = "Services"
			}
			s.TurnEntities = append(s.TurnEntities, svc.NameShortEn)
		} else {
			notes = append(notes, fmt.Sprintf("could not resolve product %q", ent.Product))
		}
	}

	// Scalars pass through untouched.
	if ent.Year != 0 {
		params["year"] = ent.Year
		link.Year = ent.Year
	}
	if ent.YearStart != 0 && ent.YearEnd != 0 {
		params["yearMin"] = ent.YearStart
		params["yearMax"] = ent.YearEnd
		link.YearStart = ent.YearStart
		link.YearEnd = ent.YearEnd
	}
	if ent.ProductLevel != 0 {
		params["productLevel"] = ent.ProductLevel
	}
	if productClass != "" {
		params["productClass"] = productClass
		link.ProductClass = productClass
	}
	if ent.Group != "" {
		params["group"] = ent.Group
	}
	if ent.LookbackYears != 0 {
		params["lookbackYears"] = ent.LookbackYears
	}
	if ent.ServicesClass != "" {
		params["servicesClass"] = ent.ServicesClass
	}

	// Links want the canonical numeric ids, so generate before formatting.
	s.AtlasLinks = p.links.Generate(s.Classification.QueryType, link)

	formatParamsForTarget(params, s.APITarget, productClass)
	s.ResolvedParams = params
	s.ResolutionNotes = notes
	return nil
}

// formatParamsForTarget rewrites entity ids into the representation each API
// expects: explore keeps bare integers; countryPages wants prefixed string
// ids and drops the numeric keys.
func formatParamsForTarget(params map[string]any, target, productClass string) {
	if target != TargetCountryPages {
		return
	}
	if id, ok := params["countryId"].(int); ok {
		params["location"] = "location-" + strconv.Itoa(id)
		delete(params, "countryId")
	}
	if id, ok := params["partnerId"].(int); ok {
		params["partner"] = "location-" + strconv.Itoa(id)
		delete(params, "partnerId")
	}
	if id, ok := params["productId"].(int); ok {
		prefix := "product-HS-"
		switch productClass {
		case "SITC":
			prefix = "product-SITC-"
		case "SERVICES", "Services":
			prefix = "product-services-"
		}
		params["product"] = prefix + strconv.Itoa(id)
		delete(params, "productId")
		delete(params, "productCode")
	}
}

// resolveCountry resolves a mention via exact iso3 lookup, then name search.
func (p *GraphQLPipeline) resolveCountry(ctx context.Context, mention string) (Country, bool) {
	if c, ok, err := p.countries.Lookup(ctx, "iso3", mention); err == nil && ok {
		return c, true
	}
	candidates, err := p.countries.Search(ctx, "name", mention, 5)
	if err != nil || len(candidates) == 0 {
		return Country{}, false
	}
	idx := pickCandidate(ctx, p.model, mention, len(candidates), func(i int) string {
		return candidates[i].NameEn
	})
	if idx < 0 {
		return Country{}, false
	}
	return candidates[idx], true
}

// resolveProduct resolves a goods mention via exact code lookup, then name
// search over the products catalog.
func (p *GraphQLPipeline) resolveProduct(ctx context.Context, mention string) (Product, bool) {
	if prod, ok, err := p.products.Lookup(ctx, "code", mention); err == nil && ok {
		return prod, true
	}
	candidates, err := p.products.Search(ctx, "name", mention, 5)
	if err != nil || len(candidates) == 0 {
		return Product{}, false
	}
	idx := pickCandidate(ctx, p.model, mention, len(candidates), func(i int) string {
		return candidates[i].NameEn
	})
	if idx < 0 {
		return Product{}, false
	}
	return candidates[idx], true
}

// resolveService retries a failed product resolution in the services catalog.
func (p *GraphQLPipeline) resolveService(ctx context.Context, mention string) (Service, bool) {
	if svc, ok, err := p.services.Lookup(ctx, "code", mention); err == nil && ok {
		return svc, true
	}
	candidates, err := p.services.Search(ctx, "name", mention, 5)
	if err != nil || len(candidates) == 0 {
		return Service{}, false
	}
	idx := pickCandidate(ctx, p.model, mention, len(candidates), func(i int) string {
		return candidates[i].NameEn
	})
	if idx < 0 {
		return Service{}, false
	}
	return candidates[idx], true
}

// pickCandidate picks the 0-based index of the best candidate: a single
// candidate is accepted, an exact case-insensitive name match wins, and
// otherwise the model chooses by 1-based index from the printed list.
// Returns -1 when nothing matches.
func pickCandidate(ctx context.Context, model *Model, mention string, n int, nameAt func(int) string) int {
	if n == 1 {
		return 0
	}
	for i := 0; i < n; i++ {
		if strings.EqualFold(strings.TrimSpace(nameAt(i)), strings.TrimSpace(mention)) {
			return i
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Mention: %q\n\nCandidates:\n", mention)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d. %s\n", i+1, nameAt(i))
	}
	pick, err := InvokeStructured[indexPick](ctx, model, "entity_pick", pickEntitySystem, b.String())
	if err != nil || pick.Index < 1 || pick.Index > n {
		return -1
	}
	return pick.Index - 1
}

// BuildAndExecute dispatches to the builder for the classified query type
// and runs the result against the matching endpoint. Upstream failures are
// classified into LastError; the query string and timing survive either way.
// Only an unknown query type escapes as an error: the classifier validated
// membership, so reaching the dispatch with an unknown type is a bug.
func (p *GraphQLPipeline) BuildAndExecute(ctx context.Context, s *State, _ EmitFunc) error {
	if s.Classification == nil {
		s.LastError = "nothing to execute: classification missing"
		return nil
	}
	built, err := p.builders.Build(s.Classification.QueryType, s.ResolvedParams)
	if err != nil {
		if errors.Is(err, ErrUnknownQueryType) {
			return err
		}
		s.LastError = fmt.Sprintf("could not build query: %v", err)
		return nil
	}
	s.GraphQLQuery = built.Query
	s.GraphQLVariables = built.Variables

	exec := p.explore
	if s.APITarget == TargetCountryPages {
		exec = p.countryPages
	}
	start := time.Now()
	data, err := exec.Execute(ctx, built.Query, built.Variables, s.SessionID)
	s.GraphQLTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		s.LastError = upstreamErrorMessage(err)
		p.logger.Warn("graphql execution failed",
			"endpoint", exec.Name(), "query_type", s.Classification.QueryType, "error", err)
		return nil
	}
	s.GraphQLResponse = data
	p.logger.Info("graphql executed",
		"endpoint", exec.Name(), "query_type", s.Classification.QueryType, "elapsed_ms", s.GraphQLTimeMS)
	return nil
}

// upstreamErrorMessage renders an upstream failure for the agent. Budget and
// circuit conditions get stable, recognizable phrasings.
func upstreamErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		return "the visualization API budget is exhausted for now; use the SQL tool instead"
	case errors.Is(err, ErrCircuitOpen):
		return "the visualization API is temporarily unavailable; use the SQL tool instead"
	default:
		return fmt.Sprintf("query execution failed: %v", err)
	}
}

// FormatResults answers the tool call. Four cases: rejection, extraction
// failure, execution failure (links discarded so the UI is not misled into
// thinking there is a result), and success (post-processed, links kept).
func (p *GraphQLPipeline) FormatResults(_ context.Context, s *State, emit EmitFunc) error {
	_, calls, ok := firstToolCall(s)
	if !ok {
		return fmt.Errorf("graphql pipeline: no tool call to answer")
	}

	var content string
	executed := false
	switch {
	case s.Classification != nil && s.Classification.QueryType == QueryReject:
		content = s.Classification.RejectionReason
		if content == "" {
			content = "This question cannot be answered from the visualization APIs."
		}
	case s.Classification == nil || s.Entities == nil && s.LastError != "":
		content = "I could not understand the question well enough to query the API. Please rephrase it."
	case s.LastError != "" || len(s.GraphQLResponse) == 0 || string(s.GraphQLResponse) == "null":
		msg := s.LastError
		if msg == "" {
			msg = "the API returned no data"
		}
		content = "Query failed: " + msg
		s.AtlasLinks = nil
		executed = s.GraphQLQuery != ""
	default:
		content = p.renderResponse(s)
		executed = true
	}

	if len(s.ResolutionNotes) > 0 {
		content += "\n\nNotes: " + strings.Join(s.ResolutionNotes, "; ")
	}
	emitToolMessages(s, emit, NodeFormatGraphQLResults, ToolAtlasGraphQL, content, calls)

	s.recordTurnTool(ToolAtlasGraphQL)
	if executed {
		s.QueriesExecuted++
	}
	s.TurnLinks = append(s.TurnLinks, s.AtlasLinks...)
	return nil
}

// renderResponse post-processes the raw data object and serializes it for
// the agent.
func (p *GraphQLPipeline) renderResponse(s *State) string {
	var data map[string]any
	if err := json.Unmarshal(s.GraphQLResponse, &data); err != nil {
		return "Query succeeded but the response could not be decoded: " + err.Error()
	}
	processed := p.post.Process(s.Classification.QueryType, data)
	out := map[string]any{
		"query_type":        s.Classification.QueryType,
		"api":               s.APITarget,
		"data":              processed,
		"execution_time_ms": s.GraphQLTimeMS,
	}
	if len(s.AtlasLinks) > 0 {
		out["links"] = s.AtlasLinks
	}
	return compactJSON(out)
}
