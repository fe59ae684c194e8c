package tradewind

import (
	"fmt"
	"net/url"
	"strconv"
)

// Link surface bases. Overridable per deployment via LinkGenerator fields.
const (
	DefaultExploreBase = "https://atlas.cid.harvard.edu/explore"
	DefaultCountryBase = "https://atlas.cid.harvard.edu/countries"
	DefaultRankingBase = "https://atlas.cid.harvard.edu/rankings"
)

// frontierCountryIDs enumerates countries whose country-page surface lacks
// the growth opportunities and product table subpages. Handlers substitute
// equivalent explore-surface links for them. Seeded from the atlas frontier
// market list.
var frontierCountryIDs = map[int]bool{
	4:   true, // Afghanistan
	148: true, // Chad
	232: true, // Eritrea
	262: true, // Djibouti
	334: true, // Haiti
	408: true, // North Korea
	434: true, // Libya
	624: true, // Guinea-Bissau
	706: true, // Somalia
	728: true, // South Sudan
	732: true, // Western Sahara
	760: true, // Syria
	887: true, // Yemen
}

// IsFrontierCountry reports whether the country-page subpage substitution
// applies to a country id.
func IsFrontierCountry(countryID int) bool {
	return frontierCountryIDs[countryID]
}

// LinkParams are the canonical (pre-formatting) resolved parameters a link
// handler may consume. Numeric ids are the internal catalog ids.
type LinkParams struct {
	CountryID    int
	PartnerID    int
	ProductID    int
	CountryName  string
	PartnerName  string
	ProductName  string
	Year         int
	YearStart    int
	YearEnd      int
	ProductClass string // "HS92", "HS12", "SITC", "Services"
}

// LinkGenerator composes presentation URLs from resolved params. Handlers
// are pure: output depends only on the params, the query type, and the
// configured bases.
type LinkGenerator struct {
	ExploreBase string
	CountryBase string
	RankingBase string
}

// NewLinkGenerator returns a generator pointed at the default public surfaces.
func NewLinkGenerator() *LinkGenerator {
	return &LinkGenerator{
		ExploreBase: DefaultExploreBase,
		CountryBase: DefaultCountryBase,
		RankingBase: DefaultRankingBase,
	}
}

// Generate returns the presentation links for a query type, or nil when the
// type has no link handler (reject, datum lookups).
func (g *LinkGenerator) Generate(queryType string, p LinkParams) []Link {
	switch queryType {
	case QueryTreemapProducts:
		return []Link{g.explore("treemap", p, "What does %s export?", p.CountryName)}
	case QueryTreemapMarkets:
		return []Link{g.explore("treemap-markets", p, "Where does %s export to?", p.CountryName)}
	case QueryTreemapBilateral:
		return []Link{g.explore("treemap", p, "What does %s export to %s?", p.CountryName, p.PartnerName)}
	case QueryGeomapExporters:
		return []Link{g.explore("geomap", p, "Who exports %s?", p.ProductName)}
	case QueryOvertimeProducts:
		return []Link{g.explore("overtime", p, "How have %s exports changed over time?", p.CountryName)}
	case QueryOvertimeMarkets:
		return []Link{g.explore("overtime-markets", p, "How have %s export destinations changed?", p.CountryName)}
	case QueryProductTradeOvertime:
		return []Link{g.explore("overtime", p, "Global %s trade over time", p.ProductName)}
	case QueryBilateralTradeOvertime:
		return []Link{g.explore("overtime", p, "%s trade with %s over time", p.CountryName, p.PartnerName)}
	case QueryMarketShareOvertime:
		return []Link{g.explore("marketshare", p, "%s global market share", p.CountryName)}
	case QueryBilateralAggregate:
		return []Link{g.explore("treemap", p, "%s trade with %s", p.CountryName, p.PartnerName)}
	case QueryFeasibilityTable:
		if IsFrontierCountry(p.CountryID) {
			return []Link{g.explore("feasibility", p, "Diversification opportunities for %s", p.CountryName)}
		}
		return []Link{g.countryPage(p, "growth-opportunities", "Growth opportunities for %s", p.CountryName)}
	case QueryCountrySummary, QueryCountryLookback:
		return []Link{g.countryPage(p, "", "Country profile: %s", p.CountryName)}
	case QueryECIRankings:
		return []Link{{Label: "Economic complexity rankings", URL: g.RankingBase}}
	case QueryGrowthProjections:
		return []Link{{Label: "Growth projections", URL: g.RankingBase + "/growth-projections"}}
	case QueryExportBasket:
		if IsFrontierCountry(p.CountryID) {
			return []Link{g.explore("treemap", p, "Export basket of %s", p.CountryName)}
		}
		return []Link{g.countryPage(p, "export-basket", "Export basket of %s", p.CountryName)}
	case QueryNewProducts:
		return []Link{g.countryPage(p, "new-products", "New products of %s", p.CountryName)}
	case QueryDiversificationGrid:
		if IsFrontierCountry(p.CountryID) {
			return []Link{g.explore("feasibility", p, "Diversification grid for %s", p.CountryName)}
		}
		return []Link{g.countryPage(p, "product-table", "Product table for %s", p.CountryName)}
	default:
		// global_datum, country_datum, product_datum, reject: no page to
		// point at.
		return nil
	}
}

// explore composes an explore-surface URL with the standard query params.
func (g *LinkGenerator) explore(viz string, p LinkParams, labelFormat string, labelArgs ...any) Link {
	q := url.Values{}
	if p.CountryID != 0 {
		q.Set("exporter", "country-"+strconv.Itoa(p.CountryID))
	}
	if p.PartnerID != 0 {
		q.Set("importer", "country-"+strconv.Itoa(p.PartnerID))
	}
	if p.ProductID != 0 {
		q.Set("product", "product-"+strconv.Itoa(p.ProductID))
	}
	if p.Year != 0 {
		q.Set("year", strconv.Itoa(p.Year))
	}
	if p.YearStart != 0 && p.YearEnd != 0 {
		q.Set("startYear", strconv.Itoa(p.YearStart))
		q.Set("endYear", strconv.Itoa(p.YearEnd))
	}
	if p.ProductClass != "" {
		q.Set("productClass", p.ProductClass)
	}
	u := g.ExploreBase + "/" + viz
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return Link{Label: fmt.Sprintf(labelFormat, labelArgs...), URL: u}
}

// countryPage composes a country-page URL, optionally pointing at a subpage.
func (g *LinkGenerator) countryPage(p LinkParams, subpage, labelFormat string, labelArgs ...any) Link {
	u := fmt.Sprintf("%s/%d", g.CountryBase, p.CountryID)
	if subpage != "" {
		u += "/" + subpage
	}
	return Link{Label: fmt.Sprintf(labelFormat, labelArgs...), URL: u}
}
