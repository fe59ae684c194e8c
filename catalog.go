package tradewind

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Catalog is a lazy-loading, TTL-bound cache over one reference dataset
// (countries, products, services). Entries are indexed under named
// exact-match indexes and searchable by named text fields. All indexes are
// rebuilt together from the same snapshot, so they can never disagree.
type Catalog[T any] struct {
	name   string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	// fetchMu serializes cold-cache fetches so a stampede of callers
	// results in exactly one upstream load.
	fetchMu sync.Mutex
	fetch   func(ctx context.Context) ([]T, error)

	mu           sync.RWMutex
	entries      []T
	populated    bool
	populatedAt  time.Time
	indexes      map[string]*catalogIndex[T]
	searchFields map[string]func(T) string
}

type catalogIndex[T any] struct {
	key       func(T) (string, bool)
	normalize func(string) string
	byKey     map[string]T
}

// CatalogOption configures a Catalog.
type CatalogOption[T any] func(*Catalog[T])

// CatalogClock injects the time source used for TTL checks.
func CatalogClock[T any](now func() time.Time) CatalogOption[T] {
	return func(c *Catalog[T]) { c.now = now }
}

// CatalogLogger sets the structured logger for fetch events.
func CatalogLogger[T any](l *slog.Logger) CatalogOption[T] {
	return func(c *Catalog[T]) { c.logger = l }
}

// NewCatalog creates an empty catalog. ttl <= 0 means entries never expire.
func NewCatalog[T any](name string, ttl time.Duration, opts ...CatalogOption[T]) *Catalog[T] {
	c := &Catalog[T]{
		name:         name,
		ttl:          ttl,
		now:          time.Now,
		logger:       nopLogger,
		indexes:      map[string]*catalogIndex[T]{},
		searchFields: map[string]func(T) string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the dataset name.
func (c *Catalog[T]) Name() string { return c.name }

// AddIndex registers an exact-match index. keyFn returns the index key for
// an entry, or ok=false to exclude the entry from this index. normalize is
// applied to both stored keys and lookup keys; nil means NormalizeKey.
// Adding an index after population rebuilds it from the current snapshot.
func (c *Catalog[T]) AddIndex(name string, keyFn func(T) (string, bool), normalize func(string) string) *Catalog[T] {
	if normalize == nil {
		normalize = NormalizeKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := &catalogIndex[T]{key: keyFn, normalize: normalize}
	idx.rebuild(c.entries)
	c.indexes[name] = idx
	return c
}

// AddSearchField registers a named text field for substring search.
func (c *Catalog[T]) AddSearchField(name string, textFn func(T) string) *Catalog[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchFields[name] = textFn
	return c
}

// SetFetcher registers the loader used when the cache is empty or expired.
func (c *Catalog[T]) SetFetcher(fn func(ctx context.Context) ([]T, error)) *Catalog[T] {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	c.fetch = fn
	return c
}

// Populate installs entries directly, resets the TTL timer, and rebuilds
// every index from the new snapshot in one critical section.
func (c *Catalog[T]) Populate(entries []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.populated = true
	c.populatedAt = c.now()
	for _, idx := range c.indexes {
		idx.rebuild(entries)
	}
}

// Lookup returns the entry stored under key in the named index, fetching the
// dataset first when the cache is empty or expired.
func (c *Catalog[T]) Lookup(ctx context.Context, index, key string) (T, bool, error) {
	var zero T
	if err := c.ensure(ctx); err != nil {
		return zero, false, err
	}
	return c.lookupLocked(index, key)
}

// LookupSync returns the entry stored under key in the named index without
// fetching. It fails with ErrNotPopulated when the catalog has never loaded;
// callers use it only after an earlier step guaranteed population.
func (c *Catalog[T]) LookupSync(index, key string) (T, bool, error) {
	var zero T
	c.mu.RLock()
	populated := c.populated
	c.mu.RUnlock()
	if !populated {
		return zero, false, fmt.Errorf("catalog %s: %w", c.name, ErrNotPopulated)
	}
	return c.lookupLocked(index, key)
}

func (c *Catalog[T]) lookupLocked(index, key string) (T, bool, error) {
	var zero T
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexes[index]
	if !ok {
		return zero, false, fmt.Errorf("catalog %s: %w: %q", c.name, ErrUnknownIndex, index)
	}
	entry, ok := idx.byKey[idx.normalize(key)]
	return entry, ok, nil
}

// Search returns up to limit entries whose named field contains query,
// case-insensitively, in encounter order. limit <= 0 means no limit.
func (c *Catalog[T]) Search(ctx context.Context, field, query string, limit int) ([]T, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	textFn, ok := c.searchFields[field]
	if !ok {
		return nil, fmt.Errorf("catalog %s: %w: search field %q", c.name, ErrUnknownIndex, field)
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []T
	for _, e := range c.entries {
		if strings.Contains(strings.ToLower(textFn(e)), needle) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// GetAll returns a copy of the full dataset, fetching first if needed.
func (c *Catalog[T]) GetAll(ctx context.Context) ([]T, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.entries))
	copy(out, c.entries)
	return out, nil
}

// Clear empties the catalog and resets the TTL timer. The next Lookup
// triggers a fresh fetch.
func (c *Catalog[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
	c.populated = false
	c.populatedAt = time.Time{}
	for _, idx := range c.indexes {
		idx.rebuild(nil)
	}
}

// CatalogStats is a point-in-time view of a catalog for health endpoints.
type CatalogStats struct {
	Name       string   `json:"name"`
	Populated  bool     `json:"populated"`
	Size       int      `json:"size"`
	TTLSeconds float64  `json:"ttl_seconds"`
	AgeSeconds float64  `json:"age_seconds"`
	Indexes    []string `json:"indexes"`
}

// Stats reports population state, entry count, TTL, age, and index names.
func (c *Catalog[T]) Stats() CatalogStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := CatalogStats{
		Name:       c.name,
		Populated:  c.populated,
		Size:       len(c.entries),
		TTLSeconds: c.ttl.Seconds(),
	}
	if c.populated {
		s.AgeSeconds = c.now().Sub(c.populatedAt).Seconds()
	}
	for name := range c.indexes {
		s.Indexes = append(s.Indexes, name)
	}
	sort.Strings(s.Indexes)
	return s
}

// ensure loads the dataset when the cache is empty or expired. Concurrent
// cold-cache callers serialize on fetchMu with a double-check, so only one
// fetch hits the upstream; the state lock is never held across the fetch.
func (c *Catalog[T]) ensure(ctx context.Context) error {
	if c.valid() {
		return nil
	}
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if c.valid() {
		return nil
	}
	if c.fetch == nil {
		return fmt.Errorf("catalog %s: no fetcher registered", c.name)
	}
	entries, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("catalog %s: fetch: %w", c.name, err)
	}
	c.Populate(entries)
	c.logger.Info("catalog populated", "catalog", c.name, "entries", len(entries))
	return nil
}

// valid reports whether the cache holds a live snapshot.
func (c *Catalog[T]) valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated {
		return false
	}
	if c.ttl <= 0 {
		return true
	}
	return c.now().Sub(c.populatedAt) < c.ttl
}

// rebuild reconstructs the key map from entries.
func (idx *catalogIndex[T]) rebuild(entries []T) {
	idx.byKey = make(map[string]T, len(entries))
	for _, e := range entries {
		key, ok := idx.key(e)
		if !ok {
			continue
		}
		idx.byKey[idx.normalize(key)] = e
	}
}

// NormalizeKey canonicalizes an index key: NFKC normalization, lower case,
// trimmed, inner whitespace collapsed.
func NormalizeKey(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

// foldTransformer strips combining marks so accented and plain spellings
// index identically ("Côte d'Ivoire" and "Cote d'Ivoire").
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldKey is NormalizeKey plus diacritic removal, for name indexes.
func FoldKey(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return NormalizeKey(folded)
}
