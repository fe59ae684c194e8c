// Package corpus loads the reference documentation the docs pipeline answers
// from: markdown, HTML, and PDF files gathered from a directory tree or the
// embedded default set.
package corpus

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Document is one loaded reference document.
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"-"`
}

// Library holds the loaded documents, keyed by id. Loading happens once at
// construction; lookups afterwards are read-only.
type Library struct {
	docs   map[string]Document
	order  []string
	logger *slog.Logger
}

// Option configures a Library.
type Option func(*Library)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(lib *Library) { lib.logger = l }
}

// Load walks fsys and loads every supported file (.md, .html, .pdf). The
// document id is the slash-separated path relative to the root. Files that
// fail to parse are logged and skipped; an empty tree is an error.
func Load(fsys fs.FS, opts ...Option) (*Library, error) {
	lib := &Library{
		docs:   map[string]Document{},
		logger: slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(lib)
	}

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(path.Ext(p))
		if ext != ".md" && ext != ".html" && ext != ".htm" && ext != ".pdf" {
			return nil
		}
		raw, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("corpus: read %s: %w", p, err)
		}
		doc, err := parseDocument(p, ext, raw)
		if err != nil {
			lib.logger.Warn("skipping unparseable document", "path", p, "error", err)
			return nil
		}
		lib.docs[doc.ID] = doc
		lib.order = append(lib.order, doc.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("corpus: walk: %w", err)
	}
	if len(lib.docs) == 0 {
		return nil, fmt.Errorf("corpus: no documents found")
	}
	sort.Strings(lib.order)
	return lib, nil
}

// Manifest lists every document in id order. Text is not included; fetch it
// with Content.
func (lib *Library) Manifest() []Document {
	out := make([]Document, 0, len(lib.order))
	for _, id := range lib.order {
		d := lib.docs[id]
		out = append(out, Document{ID: d.ID, Title: d.Title})
	}
	return out
}

// Content returns the plain text of one document.
func (lib *Library) Content(id string) (string, error) {
	d, ok := lib.docs[id]
	if !ok {
		return "", fmt.Errorf("corpus: unknown document %q", id)
	}
	return d.Text, nil
}

// Len reports the number of loaded documents.
func (lib *Library) Len() int { return len(lib.docs) }

func parseDocument(p, ext string, raw []byte) (Document, error) {
	switch ext {
	case ".md":
		title, body := parseMarkdown(raw)
		if title == "" {
			title = titleFromPath(p)
		}
		return Document{ID: p, Title: title, Text: body}, nil
	case ".html", ".htm":
		article, err := readability.FromReader(bytes.NewReader(raw), nil)
		if err != nil || strings.TrimSpace(article.TextContent) == "" {
			return Document{}, fmt.Errorf("readability: %v", err)
		}
		title := article.Title
		if title == "" {
			title = titleFromPath(p)
		}
		return Document{ID: p, Title: title, Text: strings.TrimSpace(article.TextContent)}, nil
	case ".pdf":
		body, err := extractPDFText(raw)
		if err != nil {
			return Document{}, err
		}
		return Document{ID: p, Title: titleFromPath(p), Text: body}, nil
	}
	return Document{}, fmt.Errorf("unsupported extension %s", ext)
}

// parseMarkdown returns the first level-1 heading as the title and the raw
// markdown as the text. Markdown is already readable; only the title needs
// the AST.
func parseMarkdown(src []byte) (title, body string) {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if h, ok := n.(*ast.Heading); ok && entering && h.Level == 1 {
			title = string(h.Text(src))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return title, strings.TrimSpace(string(src))
}

func extractPDFText(raw []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(pageText)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("pdf has no extractable text")
	}
	return out, nil
}

var pathTitleCaser = cases.Title(language.English)

func titleFromPath(p string) string {
	base := strings.TrimSuffix(path.Base(p), path.Ext(p))
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	return pathTitleCaser.String(base)
}

// discardHandler mirrors the root package's default logger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
