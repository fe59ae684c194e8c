package tradewind

import (
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// Enrichment kinds for post-processing rules.
const (
	enrichNone    = "none"
	enrichProduct = "product"
	enrichCountry = "country"
)

// postRule declares how one high-volume query type is cut down before the
// response reaches the agent.
type postRule struct {
	rootKey   string
	sortField string
	topN      int
	enrich    string
	filter    func(item map[string]any) bool
}

// rcaBelowOne keeps products the country does not yet export competitively.
func rcaBelowOne(item map[string]any) bool {
	rca, ok := asFloat(item["exportRca"])
	if !ok {
		rca, ok = asFloat(item["rca"])
	}
	return ok && rca < 1
}

// postRules is the fixed set of query types whose responses are voluminous
// enough to need server-side reduction. Time-series types are excluded: they
// are bounded by the product level the slim builders request, and truncating
// a series would corrupt it.
var postRules = map[string]postRule{
	QueryTreemapProducts:     {rootKey: "countryProductYear", sortField: "exportValue", topN: 20, enrich: enrichProduct},
	QueryTreemapMarkets:      {rootKey: "countryPartnerYear", sortField: "exportValue", topN: 20, enrich: enrichCountry},
	QueryTreemapBilateral:    {rootKey: "countryPartnerProductYear", sortField: "exportValue", topN: 20, enrich: enrichProduct},
	QueryGeomapExporters:     {rootKey: "productCountryYear", sortField: "exportValue", topN: 20, enrich: enrichCountry},
	QueryFeasibilityTable:    {rootKey: "countryProductYear", sortField: "cog", topN: 15, enrich: enrichProduct, filter: rcaBelowOne},
	QueryECIRankings:         {rootKey: "eciRankings", sortField: "eci", topN: 30, enrich: enrichCountry},
	QueryGrowthProjections:   {rootKey: "growthProjections", sortField: "projectedGrowth", topN: 30, enrich: enrichCountry},
	QueryExportBasket:        {rootKey: "exportBasket", sortField: "exportValue", topN: 20, enrich: enrichProduct},
	QueryNewProducts:         {rootKey: "newProducts", sortField: "exportValue", topN: 15, enrich: enrichProduct},
	QueryDiversificationGrid: {rootKey: "diversificationGrid", sortField: "cog", topN: 20, enrich: enrichProduct},
}

// PostProcessor reduces voluminous GraphQL responses: filter, sort, truncate,
// and enrich ids with human-readable names from the catalogs.
type PostProcessor struct {
	countries *Catalog[Country]
	products  *Catalog[Product]
	services  *Catalog[Service]
	logger    *slog.Logger
}

// NewPostProcessor wires the processor to the catalogs used for enrichment.
func NewPostProcessor(countries *Catalog[Country], products *Catalog[Product], services *Catalog[Service], logger *slog.Logger) *PostProcessor {
	if logger == nil {
		logger = nopLogger
	}
	return &PostProcessor{countries: countries, products: products, services: services, logger: logger}
}

// Process applies the rules entry for queryType to a decoded GraphQL data
// object. Query types with no entry pass through unchanged.
func (p *PostProcessor) Process(queryType string, data map[string]any) map[string]any {
	rule, ok := postRules[queryType]
	if !ok {
		return data
	}
	rawItems, ok := data[rule.rootKey].([]any)
	if !ok {
		return data
	}

	items := make([]map[string]any, 0, len(rawItems))
	for _, it := range rawItems {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if rule.filter != nil && !rule.filter(m) {
			continue
		}
		items = append(items, m)
	}
	total := len(items)

	// Sort descending; items without the sort field go last.
	sort.SliceStable(items, func(i, j int) bool {
		a, aok := asFloat(items[i][rule.sortField])
		b, bok := asFloat(items[j][rule.sortField])
		if aok != bok {
			return aok
		}
		return a > b
	})
	if rule.topN > 0 && len(items) > rule.topN {
		items = items[:rule.topN]
	}

	for _, item := range items {
		p.enrich(rule.enrich, item)
	}

	return map[string]any{
		rule.rootKey: items,
		"_postProcessed": map[string]any{
			"totalItems": total,
			"shownItems": len(items),
			"sortField":  rule.sortField,
		},
	}
}

// enrich attaches name/code fields looked up synchronously in the matching
// catalog. A catalog that has not populated yet logs a warning and the item
// is left as-is.
func (p *PostProcessor) enrich(kind string, item map[string]any) {
	switch kind {
	case enrichProduct:
		id, ok := itemID(item, "productId", "product")
		if !ok {
			return
		}
		prod, found, err := p.products.LookupSync("id", strconv.Itoa(id))
		if err != nil {
			p.warnLookup("products", err)
			return
		}
		if found {
			item["productName"] = prod.NameShortEn
			item["productCode"] = prod.Code
			return
		}
		// Services share the id space from the services catalog.
		svc, found, err := p.services.LookupSync("id", strconv.Itoa(id))
		if err != nil {
			p.warnLookup("services", err)
			return
		}
		if found {
			item["productName"] = svc.NameShortEn
			item["productCode"] = svc.Code
		}
	case enrichCountry:
		id, ok := itemID(item, "countryId", "partnerId", "location")
		if !ok {
			return
		}
		country, found, err := p.countries.LookupSync("id", strconv.Itoa(id))
		if err != nil {
			p.warnLookup("countries", err)
			return
		}
		if found {
			item["countryName"] = country.NameShortEn
			item["iso3"] = country.ISO3
		}
	}
}

func (p *PostProcessor) warnLookup(catalog string, err error) {
	if errors.Is(err, ErrNotPopulated) {
		p.logger.Warn("enrichment skipped, catalog not populated", "catalog", catalog)
		return
	}
	p.logger.Warn("enrichment lookup failed", "catalog", catalog, "error", err)
}

// itemID extracts the first present id among keys. Accepts bare numbers
// (explore responses) and prefixed strings like "location-404" or
// "product-HS-726" (countryPages responses).
func itemID(item map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case float64:
			return int(val), true
		case int:
			return val, true
		case string:
			if id, ok := parsePrefixedID(val); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// parsePrefixedID pulls the trailing numeric id out of a prefixed entity id.
func parsePrefixedID(s string) (int, bool) {
	i := strings.LastIndexByte(s, '-')
	if i < 0 || i == len(s)-1 {
		return 0, false
	}
	id, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return 0, false
	}
	return id, true
}

// asFloat coerces JSON numbers (and the ints produced before serialization)
// to float64 for sorting and filtering.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
