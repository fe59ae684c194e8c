package tradewind

import (
	"fmt"
)

// API targets for the two remote GraphQL endpoints.
const (
	TargetExplore      = "explore"
	TargetCountryPages = "countryPages"
)

// Query types form the closed vocabulary of the classifier and the builder
// dispatch. Adding a type means adding a builder, a post-processing rule if
// the response is voluminous, and usually a link handler.
const (
	QueryTreemapProducts        = "treemap_products"
	QueryTreemapMarkets         = "treemap_markets"
	QueryTreemapBilateral       = "treemap_bilateral"
	QueryGeomapExporters        = "geomap_exporters"
	QueryOvertimeProducts       = "overtime_products"
	QueryOvertimeMarkets        = "overtime_markets"
	QueryProductTradeOvertime   = "product_trade_overtime"
	QueryBilateralTradeOvertime = "bilateral_trade_overtime"
	QueryMarketShareOvertime    = "market_share_overtime"
	QueryGlobalDatum            = "global_datum"
	QueryCountryDatum           = "country_datum"
	QueryBilateralAggregate     = "bilateral_aggregate"
	QueryProductDatum           = "product_datum"
	QueryFeasibilityTable       = "feasibility_table"

	QueryCountrySummary      = "country_summary"
	QueryCountryLookback     = "country_lookback"
	QueryECIRankings         = "eci_rankings"
	QueryGrowthProjections   = "growth_projections"
	QueryExportBasket        = "export_basket"
	QueryNewProducts         = "new_products"
	QueryDiversificationGrid = "diversification_grid"

	QueryReject = "reject"
)

// queryTargets maps every non-reject query type to its API target. It doubles
// as the exhaustiveness anchor for the builder dispatch: every key here must
// have a builder, which newGraphQLBuilders verifies at construction.
var queryTargets = map[string]string{
	QueryTreemapProducts:        TargetExplore,
	QueryTreemapMarkets:         TargetExplore,
	QueryTreemapBilateral:       TargetExplore,
	QueryGeomapExporters:        TargetExplore,
	QueryOvertimeProducts:       TargetExplore,
	QueryOvertimeMarkets:        TargetExplore,
	QueryProductTradeOvertime:   TargetExplore,
	QueryBilateralTradeOvertime: TargetExplore,
	QueryMarketShareOvertime:    TargetExplore,
	QueryGlobalDatum:            TargetExplore,
	QueryCountryDatum:           TargetExplore,
	QueryBilateralAggregate:     TargetExplore,
	QueryProductDatum:           TargetExplore,
	QueryFeasibilityTable:       TargetExplore,

	QueryCountrySummary:      TargetCountryPages,
	QueryCountryLookback:     TargetCountryPages,
	QueryECIRankings:         TargetCountryPages,
	QueryGrowthProjections:   TargetCountryPages,
	QueryExportBasket:        TargetCountryPages,
	QueryNewProducts:         TargetCountryPages,
	QueryDiversificationGrid: TargetCountryPages,
}

// ValidQueryType reports whether t is in the closed query-type set.
func ValidQueryType(t string) bool {
	if t == QueryReject {
		return true
	}
	_, ok := queryTargets[t]
	return ok
}

// TargetFor returns the API target for a query type. The classifier's
// apiTarget is advisory; this table is authoritative.
func TargetFor(queryType string) (string, bool) {
	t, ok := queryTargets[queryType]
	return t, ok
}

// BuiltQuery is the output of a builder: a GraphQL document and its
// variables, ready for the client.
type BuiltQuery struct {
	Query     string
	Variables map[string]any
}

// builderFunc synthesizes the GraphQL document for one query type from the
// resolved params. Params hold formatted ids (bare ints for explore,
// prefixed strings for countryPages).
type builderFunc func(params map[string]any) (BuiltQuery, error)

// GraphQLBuilders is the closed dispatch from query type to builder.
type GraphQLBuilders struct {
	builders map[string]builderFunc
}

// NewGraphQLBuilders constructs the dispatch table and verifies it covers
// every query type in queryTargets.
func NewGraphQLBuilders() (*GraphQLBuilders, error) {
	b := &GraphQLBuilders{builders: map[string]builderFunc{
		QueryTreemapProducts:        buildTreemapProducts,
		QueryTreemapMarkets:         buildTreemapMarkets,
		QueryTreemapBilateral:       buildTreemapBilateral,
		QueryGeomapExporters:        buildGeomapExporters,
		QueryOvertimeProducts:       buildOvertimeProducts,
		QueryOvertimeMarkets:        buildOvertimeMarkets,
		QueryProductTradeOvertime:   buildProductTradeOvertime,
		QueryBilateralTradeOvertime: buildBilateralTradeOvertime,
		QueryMarketShareOvertime:    buildMarketShareOvertime,
		QueryGlobalDatum:            buildGlobalDatum,
		QueryCountryDatum:           buildCountryDatum,
		QueryBilateralAggregate:     buildBilateralAggregate,
		QueryProductDatum:           buildProductDatum,
		QueryFeasibilityTable:       buildFeasibilityTable,
		QueryCountrySummary:         buildCountrySummary,
		QueryCountryLookback:        buildCountryLookback,
		QueryECIRankings:            buildECIRankings,
		QueryGrowthProjections:      buildGrowthProjections,
		QueryExportBasket:           buildExportBasket,
		QueryNewProducts:            buildNewProducts,
		QueryDiversificationGrid:    buildDiversificationGrid,
	}}
	for qt := range queryTargets {
		if _, ok := b.builders[qt]; !ok {
			return nil, fmt.Errorf("graphql builders: no builder for query type %q", qt)
		}
	}
	return b, nil
}

// Build dispatches on queryType. An unknown type is a programming error:
// the classifier schema constrains output to the closed set.
func (b *GraphQLBuilders) Build(queryType string, params map[string]any) (BuiltQuery, error) {
	fn, ok := b.builders[queryType]
	if !ok {
		return BuiltQuery{}, fmt.Errorf("%w: %q", ErrUnknownQueryType, queryType)
	}
	return fn(params)
}

// pick copies the named keys from params into variables, skipping absent
// keys. Builders declare exactly the variables their document uses.
func pick(params map[string]any, keys ...string) map[string]any {
	vars := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := params[k]; ok && v != nil {
			vars[k] = v
		}
	}
	return vars
}

// need verifies the named keys are present, returning a descriptive error
// naming everything missing.
func need(params map[string]any, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if v, ok := params[k]; !ok || v == nil {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %v", missing)
	}
	return nil
}

// --- explore builders ---
//
// Slim field selections on purpose: treemap and overtime responses carry
// thousands of rows, so builders request only the sort field and the fields
// post-processing displays.

func buildTreemapProducts(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $year: Int!, $productClass: ProductClass) {
  countryProductYear(countryId: $countryId, year: $year, productClass: $productClass, productLevel: 4) {
    productId
    exportValue
    exportRca
  }
}`,
		Variables: pick(params, "countryId", "year", "productClass"),
	}, nil
}

func buildTreemapMarkets(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $year: Int!) {
  countryPartnerYear(countryId: $countryId, year: $year) {
    partnerId
    exportValue
    importValue
  }
}`,
		Variables: pick(params, "countryId", "year"),
	}, nil
}

func buildTreemapBilateral(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "partnerId", "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $partnerId: Int!, $year: Int!, $productClass: ProductClass) {
  countryPartnerProductYear(countryId: $countryId, partnerId: $partnerId, year: $year, productClass: $productClass, productLevel: 4) {
    productId
    exportValue
    importValue
  }
}`,
		Variables: pick(params, "countryId", "partnerId", "year", "productClass"),
	}, nil
}

func buildGeomapExporters(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "productId", "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($productId: Int!, $year: Int!) {
  productCountryYear(productId: $productId, year: $year) {
    countryId
    exportValue
    globalMarketShare
  }
}`,
		Variables: pick(params, "productId", "year"),
	}, nil
}

func buildOvertimeProducts(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "yearMin", "yearMax"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $yearMin: Int!, $yearMax: Int!, $productClass: ProductClass) {
  countryProductYearRange(countryId: $countryId, yearMin: $yearMin, yearMax: $yearMax, productClass: $productClass, productLevel: 2) {
    productId
    year
    exportValue
  }
}`,
		Variables: pick(params, "countryId", "yearMin", "yearMax", "productClass"),
	}, nil
}

func buildOvertimeMarkets(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "yearMin", "yearMax"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $yearMin: Int!, $yearMax: Int!) {
  countryPartnerYearRange(countryId: $countryId, yearMin: $yearMin, yearMax: $yearMax) {
    partnerId
    year
    exportValue
  }
}`,
		Variables: pick(params, "countryId", "yearMin", "yearMax"),
	}, nil
}

func buildProductTradeOvertime(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "productId", "yearMin", "yearMax"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($productId: Int!, $yearMin: Int!, $yearMax: Int!) {
  productYearRange(productId: $productId, yearMin: $yearMin, yearMax: $yearMax) {
    year
    exportValue
    importValue
  }
}`,
		Variables: pick(params, "productId", "yearMin", "yearMax"),
	}, nil
}

func buildBilateralTradeOvertime(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "partnerId", "yearMin", "yearMax"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $partnerId: Int!, $yearMin: Int!, $yearMax: Int!) {
  countryPartnerYearRange(countryId: $countryId, partnerId: $partnerId, yearMin: $yearMin, yearMax: $yearMax) {
    year
    exportValue
    importValue
  }
}`,
		Variables: pick(params, "countryId", "partnerId", "yearMin", "yearMax"),
	}, nil
}

func buildMarketShareOvertime(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "yearMin", "yearMax"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $yearMin: Int!, $yearMax: Int!) {
  countryYearRange(countryId: $countryId, yearMin: $yearMin, yearMax: $yearMax) {
    year
    globalMarketShare
    exportValue
  }
}`,
		Variables: pick(params, "countryId", "yearMin", "yearMax"),
	}, nil
}

func buildGlobalDatum(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($year: Int!) {
  globalYear(year: $year) {
    totalExportValue
    totalImportValue
    countryCount
    productCount
  }
}`,
		Variables: pick(params, "year"),
	}, nil
}

func buildCountryDatum(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $year: Int!) {
  countryYear(countryId: $countryId, year: $year) {
    exportValue
    importValue
    eci
    eciRank
    gdpPerCapita
    population
  }
}`,
		Variables: pick(params, "countryId", "year"),
	}, nil
}

func buildBilateralAggregate(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "partnerId", "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $partnerId: Int!, $year: Int!) {
  countryPartnerYear(countryId: $countryId, partnerId: $partnerId, year: $year) {
    exportValue
    importValue
  }
}`,
		Variables: pick(params, "countryId", "partnerId", "year"),
	}, nil
}

func buildProductDatum(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "productId", "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($productId: Int!, $year: Int!) {
  productYear(productId: $productId, year: $year) {
    exportValue
    importValue
    pci
    topExporterId
  }
}`,
		Variables: pick(params, "productId", "year"),
	}, nil
}

func buildFeasibilityTable(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "countryId", "year"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($countryId: Int!, $year: Int!, $productClass: ProductClass) {
  countryProductYear(countryId: $countryId, year: $year, productClass: $productClass, productLevel: 4) {
    productId
    exportRca
    distance
    cog
    pci
  }
}`,
		Variables: pick(params, "countryId", "year", "productClass"),
	}, nil
}

// --- countryPages builders ---
//
// The countryPages API keys entities by prefixed string ids
// ("location-404", "product-HS-726"); resolve_ids formats them before
// dispatch.

func buildCountrySummary(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "location"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($location: ID!) {
  countrySummary(location: $location) {
    summaryText
    eciRank
    growthRank
    totalExports
    exportGrowthRate
  }
}`,
		Variables: pick(params, "location"),
	}, nil
}

func buildCountryLookback(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "location"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($location: ID!, $lookbackYears: Int) {
  countryLookback(location: $location, lookbackYears: $lookbackYears) {
    startYear
    endYear
    exportGrowth
    eciChange
    newProductCount
  }
}`,
		Variables: pick(params, "location", "lookbackYears"),
	}, nil
}

func buildECIRankings(params map[string]any) (BuiltQuery, error) {
	return BuiltQuery{
		Query: `query($location: ID) {
  eciRankings(location: $location) {
    location
    year
    eci
    rank
  }
}`,
		Variables: pick(params, "location"),
	}, nil
}

func buildGrowthProjections(params map[string]any) (BuiltQuery, error) {
	return BuiltQuery{
		Query: `query($location: ID) {
  growthProjections(location: $location) {
    location
    projectedGrowth
    rank
  }
}`,
		Variables: pick(params, "location"),
	}, nil
}

func buildExportBasket(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "location"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($location: ID!) {
  exportBasket(location: $location) {
    product
    exportValue
    rca
  }
}`,
		Variables: pick(params, "location"),
	}, nil
}

func buildNewProducts(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "location"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($location: ID!, $lookbackYears: Int) {
  newProducts(location: $location, lookbackYears: $lookbackYears) {
    product
    firstYear
    exportValue
  }
}`,
		Variables: pick(params, "location", "lookbackYears"),
	}, nil
}

func buildDiversificationGrid(params map[string]any) (BuiltQuery, error) {
	if err := need(params, "location"); err != nil {
		return BuiltQuery{}, err
	}
	return BuiltQuery{
		Query: `query($location: ID!) {
  diversificationGrid(location: $location) {
    product
    distance
    cog
    rca
  }
}`,
		Variables: pick(params, "location"),
	}, nil
}
