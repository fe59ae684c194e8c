package corpus

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMarkdown(t *testing.T) {
	lib, err := Load(fstest.MapFS{
		"eci.md": &fstest.MapFile{Data: []byte("# Economic Complexity Index\n\nBody text.\n")},
		"methodology/coverage.md": &fstest.MapFile{
			Data: []byte("Coverage notes without a heading.\n"),
		},
		"notes.txt": &fstest.MapFile{Data: []byte("ignored")},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lib.Len() != 2 {
		t.Fatalf("loaded %d documents, want 2", lib.Len())
	}

	m := lib.Manifest()
	if m[0].ID != "eci.md" || m[1].ID != "methodology/coverage.md" {
		t.Errorf("manifest order = %v", m)
	}
	if m[0].Title != "Economic Complexity Index" {
		t.Errorf("title = %q, want first h1", m[0].Title)
	}
	// No h1: title falls back to the file name.
	if m[1].Title != "Coverage" {
		t.Errorf("fallback title = %q", m[1].Title)
	}
	if m[0].Text != "" {
		t.Error("manifest must not carry document text")
	}

	text, err := lib.Content("eci.md")
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if !strings.Contains(text, "Body text.") {
		t.Errorf("content = %q", text)
	}
}

func TestLoadHTML(t *testing.T) {
	page := `<html><head><title>Growth Projections</title></head><body>
<article><h1>Growth Projections</h1>
<p>Projections combine complexity measures with recent growth. The forecast
horizon is ten years and the methodology is revised annually alongside the
data release.</p>
<p>Countries whose export baskets are more complex than expected for their
income level are projected to grow faster. The projections are a ranking,
not a point forecast, and should be read together with the complexity
rankings published for the same year.</p></article></body></html>`
	lib, err := Load(fstest.MapFS{
		"projections.html": &fstest.MapFile{Data: []byte(page)},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	text, err := lib.Content("projections.html")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "forecast") {
		t.Errorf("extracted text = %q", text)
	}
	if strings.Contains(text, "<p>") {
		t.Error("markup leaked into the extracted text")
	}
}

func TestLoadSkipsUnparseable(t *testing.T) {
	lib, err := Load(fstest.MapFS{
		"good.md":    &fstest.MapFile{Data: []byte("# Good\n\nFine.\n")},
		"broken.pdf": &fstest.MapFile{Data: []byte("not a pdf at all")},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lib.Len() != 1 {
		t.Errorf("loaded %d documents, want the parseable one only", lib.Len())
	}
}

func TestLoadEmptyTree(t *testing.T) {
	if _, err := Load(fstest.MapFS{}); err == nil {
		t.Error("empty tree must error")
	}
	// A tree with only unsupported files is as empty as a bare one.
	if _, err := Load(fstest.MapFS{
		"data.csv": &fstest.MapFile{Data: []byte("a,b")},
	}); err == nil {
		t.Error("tree without supported documents must error")
	}
}

func TestContentUnknownID(t *testing.T) {
	lib, err := Load(fstest.MapFS{
		"eci.md": &fstest.MapFile{Data: []byte("# ECI\n\nBody.\n")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lib.Content("missing.md"); err == nil {
		t.Error("unknown id must error")
	}
}

func TestTitleFromPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"growth-projections.md", "Growth Projections"},
		{"docs/data_coverage.pdf", "Data Coverage"},
		{"eci.md", "Eci"},
	}
	for _, tt := range tests {
		if got := titleFromPath(tt.in); got != tt.want {
			t.Errorf("titleFromPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
