package tradewind

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TradeDB is the read-only surface of the trade database the SQL pipeline
// needs. store/postgres implements it against the live schema.
type TradeDB interface {
	// ProductsByCodes returns the classification rows matching the given
	// codes in one schema. Unknown codes are simply absent from the result.
	ProductsByCodes(ctx context.Context, schema string, codes []string) ([]Product, error)
	// SearchProductsByName finds classification rows whose name matches,
	// full-text first with a trigram fallback, case-insensitively.
	SearchProductsByName(ctx context.Context, schema, name string, limit int) ([]Product, error)
	// TableInfo returns DDL for the data tables of the given schemas plus
	// the classification lookup tables needed for joins, and the set of
	// valid table names for validation. Group-aggregate tables are excluded.
	TableInfo(ctx context.Context, schemas []string) (TableInfo, error)
	// ExecuteReadOnly runs one query on a read-only connection.
	ExecuteReadOnly(ctx context.Context, query string) (columns []string, rows [][]any, err error)
}

// TableInfo is the DDL bundle for one set of schemas.
type TableInfo struct {
	DDL    string
	Tables []string
}

// productDetailsCacheKey keys the code-lookup cache: one schema plus an
// unordered set of codes.
func productDetailsCacheKey(schema string, codes []string) string {
	return strings.ToLower(strings.TrimSpace(schema)) + "|" + canonicalSetKey(codes)
}

// tableInfoKey keys the DDL cache by the unordered set of schemas.
func tableInfoKey(schemas []string) string {
	return canonicalSetKey(schemas)
}

// SQLPipeline implements the relational backend: extract product mentions,
// resolve classification codes, fetch DDL, generate SQL, validate, execute,
// format. Nodes run in sequence over the shared State.
type SQLPipeline struct {
	model  *Model
	db     TradeDB
	topK   int
	logger *slog.Logger

	mu           sync.Mutex
	detailsCache map[string][]Product
	ddlCache     map[string]TableInfo
}

// SQLPipelineOption configures a SQLPipeline.
type SQLPipelineOption func(*SQLPipeline)

// SQLTopK sets the per-query row cap injected into the generation prompt
// (default 15).
func SQLTopK(n int) SQLPipelineOption {
	return func(p *SQLPipeline) { p.topK = n }
}

// SQLLogger sets the structured logger.
func SQLLogger(l *slog.Logger) SQLPipelineOption {
	return func(p *SQLPipeline) { p.logger = l }
}

// NewSQLPipeline wires the pipeline to the model and the trade database.
func NewSQLPipeline(model *Model, db TradeDB, opts ...SQLPipelineOption) *SQLPipeline {
	p := &SQLPipeline{
		model:        model,
		db:           db,
		topK:         15,
		logger:       nopLogger,
		detailsCache: map[string][]Product{},
		ddlCache:     map[string]TableInfo{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds the pipeline's nodes and edges to the graph. The model-backed
// extraction nodes carry a retry policy; execution does not (the database
// layer retries driver transients itself).
func (p *SQLPipeline) Register(g *Graph) {
	retry := NodeRetry{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
	g.AddNode(NodeExtractToolQuestion, p.ExtractQuestion)
	g.AddRetryNode(NodeExtractProducts, p.ExtractProducts, retry)
	g.AddRetryNode(NodeLookupCodes, p.LookupCodes, retry)
	g.AddNode(NodeGetTableInfo, p.GetTableInfo)
	g.AddRetryNode(NodeGenerateSQL, p.GenerateSQL, retry)
	g.AddNode(NodeValidateSQL, p.ValidateSQL)
	g.AddNode(NodeExecuteSQL, p.ExecuteSQL)
	g.AddNode(NodeFormatResults, p.FormatResults)

	g.AddEdge(NodeExtractToolQuestion, NodeExtractProducts)
	g.AddEdge(NodeExtractProducts, NodeLookupCodes)
	g.AddEdge(NodeLookupCodes, NodeGetTableInfo)
	g.AddEdge(NodeGetTableInfo, NodeGenerateSQL)
	g.AddEdge(NodeGenerateSQL, NodeValidateSQL)
	// Validation failures short-circuit to the format node with the error.
	g.AddRouter(NodeValidateSQL, func(s *State) string {
		if s.LastError != "" {
			return NodeFormatResults
		}
		return NodeExecuteSQL
	})
	g.AddEdge(NodeExecuteSQL, NodeFormatResults)
	g.AddEdge(NodeFormatResults, NodeAgent)
}

// ExtractQuestion lifts the question and context out of the first tool call
// of the last assistant message and resets the SQL field group.
func (p *SQLPipeline) ExtractQuestion(_ context.Context, s *State, _ EmitFunc) error {
	s.ResetSQL()
	tc, _, ok := firstToolCall(s)
	if !ok {
		return fmt.Errorf("sql pipeline: no tool call to process")
	}
	s.SQLQuestion, s.SQLContext = parseToolArgs(tc)
	return nil
}

const extractProductsSystem = `You identify the products and classification schemas needed to answer a trade data question.

Schemas: hs92 and hs12 (Harmonized System goods), sitc (SITC goods), services_unilateral and services_bilateral (services).
Prefer hs92 for goods unless the question names another system. Use services schemas only for service trade (travel, transport, ICT, finance).
For each product mentioned, suggest classification codes if you know them. Set requiresLookup when codes must be confirmed against the database.`

// ExtractProducts asks the model for the product mentions and schemas, then
// applies the conversation overrides.
func (p *SQLPipeline) ExtractProducts(ctx context.Context, s *State, _ EmitFunc) error {
	prompt := s.SQLQuestion
	if s.SQLContext != "" {
		prompt += "\n\nAdditional context: " + s.SQLContext
	}
	ex, err := InvokeStructured[ProductExtraction](ctx, p.model, "product_extraction", extractProductsSystem, prompt)
	if err != nil {
		return fmt.Errorf("extract products: %w", err)
	}
	applyExtractionOverrides(&ex, s.OverrideSchema, s.OverrideMode)
	if len(ex.ClassificationSchemas) == 0 {
		ex.ClassificationSchemas = []string{SchemaHS92}
	}
	s.Extraction = &ex
	return nil
}

// applyExtractionOverrides rewrites the extraction per the conversation
// overrides. A schema override wins outright: every product is rewritten to
// it and the schema list collapses. Otherwise a mode override filters the
// schema list to goods or services; when the filter empties the list the
// mode's preferred schema is substituted (hs92 for goods,
// services_unilateral for services).
func applyExtractionOverrides(ex *ProductExtraction, overrideSchema, overrideMode string) {
	if overrideSchema != "" {
		ex.ClassificationSchemas = []string{overrideSchema}
		for i := range ex.Products {
			ex.Products[i].Schema = overrideSchema
		}
		return
	}
	if overrideMode == "" {
		return
	}
	wantServices := overrideMode == TradeModeServices
	var kept []string
	for _, sc := range ex.ClassificationSchemas {
		if IsServicesSchema(sc) == wantServices {
			kept = append(kept, sc)
		}
	}
	if len(kept) == 0 {
		if wantServices {
			kept = []string{SchemaServicesUnilateral}
		} else {
			kept = []string{SchemaHS92}
		}
	}
	ex.ClassificationSchemas = kept
	for i := range ex.Products {
		if IsServicesSchema(ex.Products[i].Schema) != wantServices {
			ex.Products[i].Schema = kept[0]
		}
	}
}

// codeSelection is the structured output of the final code pick.
type codeSelection struct {
	Codes []string `json:"codes" jsonschema:"required"`
}

const pickCodesSystem = `You select the classification codes that best match a product mention for a trade data query.
Pick only from the candidate list. Prefer the most specific codes that cover the product. Return an empty list when nothing fits.`

// LookupCodes resolves each extracted product to classification codes:
// database lookup of the model's suggested codes, name search as a fallback,
// then a model pick over the combined candidates.
func (p *SQLPipeline) LookupCodes(ctx context.Context, s *State, _ EmitFunc) error {
	if s.Extraction == nil {
		return nil
	}
	var resolved []ResolvedProduct
	for _, prod := range s.Extraction.Products {
		schema := prod.Schema
		if schema == "" {
			schema = s.Extraction.ClassificationSchemas[0]
		}

		var candidates []Product
		if len(prod.Codes) > 0 {
			byCode, err := p.productsByCodesCached(ctx, schema, prod.Codes)
			if err != nil {
				p.logger.Warn("code lookup failed", "schema", schema, "error", err)
			} else {
				candidates = append(candidates, byCode...)
			}
		}
		if s.Extraction.RequiresLookup || len(candidates) == 0 {
			byName, err := p.db.SearchProductsByName(ctx, schema, prod.Name, 10)
			if err != nil {
				p.logger.Warn("name search failed", "schema", schema, "error", err)
			} else {
				candidates = mergeProducts(candidates, byName)
			}
		}
		if len(candidates) == 0 {
			resolved = append(resolved, ResolvedProduct{Name: prod.Name, Schema: schema, Codes: prod.Codes})
			continue
		}

		codes, err := p.pickCodes(ctx, prod.Name, candidates)
		if err != nil {
			p.logger.Warn("code pick failed, keeping all candidates", "product", prod.Name, "error", err)
			codes = productCodes(candidates)
		}
		resolved = append(resolved, ResolvedProduct{Name: prod.Name, Schema: schema, Codes: codes})
	}
	s.ResolvedProducts = resolved
	return nil
}

// pickCodes asks the model to choose the final code set from the candidates.
// A single candidate is accepted without a model round-trip.
func (p *SQLPipeline) pickCodes(ctx context.Context, name string, candidates []Product) ([]string, error) {
	if len(candidates) == 1 {
		return []string{candidates[0].Code}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Product mention: %q\n\nCandidates:\n", name)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s: %s (level %d)\n", c.Code, c.NameEn, c.Level)
	}
	sel, err := InvokeStructured[codeSelection](ctx, p.model, "code_selection", pickCodesSystem, b.String())
	if err != nil {
		return nil, err
	}
	// Keep only codes that were actually offered.
	offered := map[string]bool{}
	for _, c := range candidates {
		offered[c.Code] = true
	}
	var out []string
	for _, c := range sel.Codes {
		if offered[c] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		out = productCodes(candidates)
	}
	return out, nil
}

func (p *SQLPipeline) productsByCodesCached(ctx context.Context, schema string, codes []string) ([]Product, error) {
	key := productDetailsCacheKey(schema, codes)
	p.mu.Lock()
	cached, ok := p.detailsCache[key]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}
	prods, err := p.db.ProductsByCodes(ctx, schema, codes)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.detailsCache[key] = prods
	p.mu.Unlock()
	return prods, nil
}

// GetTableInfo fetches (and caches) the DDL bundle for the schemas in play.
func (p *SQLPipeline) GetTableInfo(ctx context.Context, s *State, _ EmitFunc) error {
	schemas := s.schemasInPlay()
	if len(schemas) == 0 {
		schemas = []string{SchemaHS92}
	}
	key := tableInfoKey(schemas)
	p.mu.Lock()
	info, ok := p.ddlCache[key]
	p.mu.Unlock()
	if !ok {
		var err error
		info, err = p.db.TableInfo(ctx, schemas)
		if err != nil {
			return fmt.Errorf("table info: %w", err)
		}
		p.mu.Lock()
		p.ddlCache[key] = info
		p.mu.Unlock()
	}
	s.TableDDL = info.DDL
	s.SQLTables = info.Tables
	return nil
}

// sqlExamples is the few-shot library for SQL generation. Question/SQL pairs
// over the live schema teach the model the join shapes and naming.
var sqlExamples = []struct{ question, sql string }{
	{
		"Top 5 exports of Brazil in 2020",
		`SELECT p.name_short_en AS product, cpy.export_value
FROM hs92.country_product_year_4 cpy
JOIN classification.location_country c ON c.country_id = cpy.country_id
JOIN classification.product_hs92 p ON p.product_id = cpy.product_id
WHERE c.iso3_code = 'BRA' AND cpy.year = 2020
ORDER BY cpy.export_value DESC
LIMIT 5`,
	},
	{
		"Who imported the most coffee in 2019?",
		`SELECT c.name_short_en AS country, cpy.import_value
FROM hs92.country_product_year_4 cpy
JOIN classification.location_country c ON c.country_id = cpy.country_id
JOIN classification.product_hs92 p ON p.product_id = cpy.product_id
WHERE p.code = '0901' AND cpy.year = 2019
ORDER BY cpy.import_value DESC
LIMIT 10`,
	},
	{
		"Germany's total exports per year since 2010",
		`SELECT cy.year, cy.export_value
FROM hs92.country_year cy
JOIN classification.location_country c ON c.country_id = cy.country_id
WHERE c.iso3_code = 'DEU' AND cy.year >= 2010
ORDER BY cy.year`,
	},
	{
		"ICT service exports of India in 2021",
		`SELECT p.name_short_en AS service, cpy.export_value
FROM services_unilateral.country_product_year_4 cpy
JOIN classification.location_country c ON c.country_id = cpy.country_id
JOIN classification.product_services_unilateral p ON p.product_id = cpy.product_id
WHERE c.iso3_code = 'IND' AND cpy.year = 2021 AND p.code = 'ict'
ORDER BY cpy.export_value DESC`,
	},
}

// GenerateSQL builds the few-shot prompt and asks the model for one query.
func (p *SQLPipeline) GenerateSQL(ctx context.Context, s *State, _ EmitFunc) error {
	var b strings.Builder
	b.WriteString("Write a single PostgreSQL SELECT statement answering the question.\n\n")
	b.WriteString("Available tables:\n")
	b.WriteString(s.TableDDL)
	b.WriteString("\n\nExamples:\n")
	for _, ex := range sqlExamples {
		fmt.Fprintf(&b, "-- %s\n%s\n\n", ex.question, ex.sql)
	}
	if len(s.ResolvedProducts) > 0 {
		b.WriteString("Resolved product codes:\n")
		for _, rp := range s.ResolvedProducts {
			fmt.Fprintf(&b, "- %s (%s): %s\n", rp.Name, rp.Schema, strings.Join(rp.Codes, ", "))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Limit result rows to at most %d unless the question asks for a full series.\n", p.topK)
	if s.OverrideDirection != "" {
		fmt.Fprintf(&b, "Consider %s only.\n", s.OverrideDirection)
	}
	if s.OverrideMode != "" {
		fmt.Fprintf(&b, "Consider trade in %s only.\n", s.OverrideMode)
	}
	if s.SQLContext != "" {
		fmt.Fprintf(&b, "Additional context from the analyst: %s\n", s.SQLContext)
	}
	b.WriteString("Return only the SQL, no explanation.\n\nQuestion: ")
	b.WriteString(s.SQLQuestion)

	sqlSystem := "You are an expert on the international trade database. You write efficient, read-only PostgreSQL."
	out, err := p.model.Invoke(ctx, sqlSystem, b.String())
	if err != nil {
		return fmt.Errorf("generate sql: %w", err)
	}
	s.GeneratedSQL = StripCodeFences(out)
	return nil
}

// ValidateSQL statically checks the generated query. Rejections land in
// LastError and route straight to the format node; warnings are logged only.
func (p *SQLPipeline) ValidateSQL(_ context.Context, s *State, _ EmitFunc) error {
	v := ValidateSQL(s.GeneratedSQL, s.SQLTables)
	for _, w := range v.Warnings {
		p.logger.Warn("sql validation warning", "warning", w)
	}
	if v.Err != nil {
		s.LastError = v.Err.Error()
		p.logger.Info("sql rejected", "error", v.Err)
	}
	return nil
}

// ExecuteSQL runs the validated query on a read-only connection, timing it.
// Database errors land in LastError with an empty result; the agent may try
// again with a different query. Transient driver errors are retried with a
// short backoff inside the call.
func (p *SQLPipeline) ExecuteSQL(ctx context.Context, s *State, _ EmitFunc) error {
	start := time.Now()
	cols, rows, err := p.executeWithRetry(ctx, s.GeneratedSQL)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		s.LastError = fmt.Sprintf("query execution failed: %v", err)
		s.SQLResult = &QueryRecord{SQL: s.GeneratedSQL, ExecutionTimeMS: elapsed, Tables: s.SQLTables}
		p.logger.Warn("sql execution failed", "error", err, "elapsed_ms", elapsed)
		return nil
	}
	s.SQLResult = &QueryRecord{
		SQL:             s.GeneratedSQL,
		Columns:         cols,
		Rows:            rows,
		RowCount:        len(rows),
		ExecutionTimeMS: elapsed,
		Tables:          s.SQLTables,
	}
	p.logger.Info("sql executed", "rows", len(rows), "elapsed_ms", elapsed)
	return nil
}

func (p *SQLPipeline) executeWithRetry(ctx context.Context, query string) ([]string, [][]any, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(retryBackoff(250*time.Millisecond, i-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, nil, ctx.Err()
			case <-timer.C:
			}
			p.logger.Warn("retrying query", "attempt", i+1)
		}
		cols, rows, err := p.db.ExecuteReadOnly(ctx, query)
		if err == nil {
			return cols, rows, nil
		}
		if !IsTransientErr(err) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

// FormatResults posts the tool-result message (one per pending tool call)
// and increments the per-turn query count.
func (p *SQLPipeline) FormatResults(_ context.Context, s *State, emit EmitFunc) error {
	_, calls, ok := firstToolCall(s)
	if !ok {
		return fmt.Errorf("sql pipeline: no tool call to answer")
	}

	var content string
	switch {
	case s.LastError != "":
		content = "Query failed: " + s.LastError
	case s.SQLResult != nil:
		content = compactJSON(map[string]any{
			"sql":               s.SQLResult.SQL,
			"columns":           s.SQLResult.Columns,
			"rows":              s.SQLResult.Rows,
			"row_count":         s.SQLResult.RowCount,
			"execution_time_ms": s.SQLResult.ExecutionTimeMS,
		})
	default:
		content = "Query produced no result."
	}
	emitToolMessages(s, emit, NodeFormatResults, ToolQuery, content, calls)

	s.QueriesExecuted++
	s.recordTurnTool(ToolQuery)
	if s.SQLResult != nil && s.LastError == "" {
		s.TurnQueries = append(s.TurnQueries, *s.SQLResult)
	}
	for _, sc := range s.schemasInPlay() {
		s.recordTurnSchema(sc)
	}
	for _, rp := range s.ResolvedProducts {
		s.TurnProducts = append(s.TurnProducts, rp.Name)
	}
	return nil
}

func mergeProducts(a, b []Product) []Product {
	seen := map[int]bool{}
	out := make([]Product, 0, len(a)+len(b))
	for _, p := range append(a, b...) {
		if seen[p.ProductID] {
			continue
		}
		seen[p.ProductID] = true
		out = append(out, p)
	}
	return out
}

func productCodes(prods []Product) []string {
	out := make([]string, 0, len(prods))
	for _, p := range prods {
		out = append(out, p.Code)
	}
	return out
}

func (s *State) recordTurnSchema(schema string) {
	for _, sc := range s.TurnSchemas {
		if sc == schema {
			return
		}
	}
	s.TurnSchemas = append(s.TurnSchemas, schema)
}
