package tradewind

import (
	"testing"
)

func newTestPostProcessor(t *testing.T) *PostProcessor {
	t.Helper()
	countries, products, services := testCatalogs(t)
	return NewPostProcessor(countries, products, services, nil)
}

func TestProcessSortsTruncatesAndEnriches(t *testing.T) {
	p := newTestPostProcessor(t)

	items := make([]any, 0, 25)
	for i := 0; i < 25; i++ {
		items = append(items, map[string]any{
			"productId":   float64(1000 + i),
			"exportValue": float64(i),
		})
	}
	// The known product, with the largest value, must surface first.
	items = append(items, map[string]any{"productId": float64(726), "exportValue": float64(1e9)})

	out := p.Process(QueryTreemapProducts, map[string]any{"countryProductYear": items})

	got, ok := out["countryProductYear"].([]map[string]any)
	if !ok {
		t.Fatalf("root = %T", out["countryProductYear"])
	}
	if len(got) != 20 {
		t.Fatalf("shown = %d, want topN 20", len(got))
	}
	if got[0]["productName"] != "Coffee" || got[0]["productCode"] != "0901" {
		t.Errorf("first item not enriched: %v", got[0])
	}

	meta := out["_postProcessed"].(map[string]any)
	if meta["totalItems"] != 26 || meta["shownItems"] != 20 || meta["sortField"] != "exportValue" {
		t.Errorf("meta = %v", meta)
	}
}

func TestProcessFeasibilityFilterKeepsRcaBelowOne(t *testing.T) {
	p := newTestPostProcessor(t)
	out := p.Process(QueryFeasibilityTable, map[string]any{"countryProductYear": []any{
		map[string]any{"productId": float64(726), "exportRca": 2.5, "cog": 0.9},
		map[string]any{"productId": float64(726), "exportRca": 0.3, "cog": 0.5},
	}})
	got := out["countryProductYear"].([]map[string]any)
	if len(got) != 1 {
		t.Fatalf("kept %d items, want 1", len(got))
	}
	if rca, _ := asFloat(got[0]["exportRca"]); rca != 0.3 {
		t.Errorf("kept item = %v", got[0])
	}
}

func TestProcessEnrichesCountriesFromPrefixedIDs(t *testing.T) {
	p := newTestPostProcessor(t)
	out := p.Process(QueryECIRankings, map[string]any{"eciRankings": []any{
		map[string]any{"location": "location-173", "eci": 1.2, "rank": 30},
	}})
	got := out["eciRankings"].([]map[string]any)
	if got[0]["countryName"] != "Peru" || got[0]["iso3"] != "PER" {
		t.Errorf("item = %v", got[0])
	}
}

func TestProcessEnrichesServicesSharedIDSpace(t *testing.T) {
	p := newTestPostProcessor(t)
	out := p.Process(QueryTreemapProducts, map[string]any{"countryProductYear": []any{
		map[string]any{"productId": float64(9001), "exportValue": 5.0},
	}})
	got := out["countryProductYear"].([]map[string]any)
	if got[0]["productName"] != "ICT" || got[0]["productCode"] != "ict" {
		t.Errorf("item = %v", got[0])
	}
}

func TestProcessPassthrough(t *testing.T) {
	p := newTestPostProcessor(t)

	// No rule for time-series types: the data passes through unchanged.
	in := map[string]any{"countryYearRange": []any{map[string]any{"year": 2020.0}}}
	if out := p.Process(QueryMarketShareOvertime, in); len(out) != 1 || out["_postProcessed"] != nil {
		t.Errorf("out = %v", out)
	}

	// Rule present but root key absent: leave the payload alone.
	in = map[string]any{"unexpected": "shape"}
	if out := p.Process(QueryTreemapProducts, in); out["unexpected"] != "shape" {
		t.Errorf("out = %v", out)
	}
}

func TestItemID(t *testing.T) {
	tests := []struct {
		name string
		item map[string]any
		keys []string
		want int
		ok   bool
	}{
		{"bare number", map[string]any{"productId": float64(726)}, []string{"productId"}, 726, true},
		{"prefixed location", map[string]any{"location": "location-404"}, []string{"location"}, 404, true},
		{"prefixed product", map[string]any{"product": "product-HS-726"}, []string{"product"}, 726, true},
		{"second key wins", map[string]any{"partnerId": float64(231)}, []string{"countryId", "partnerId"}, 231, true},
		{"unparseable", map[string]any{"product": "product-"}, []string{"product"}, 0, false},
		{"absent", map[string]any{}, []string{"productId"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := itemID(tt.item, tt.keys...)
			if got != tt.want || ok != tt.ok {
				t.Errorf("itemID = %d,%v want %d,%v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
