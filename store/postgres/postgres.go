// Package postgres backs the SQL pipeline and the persistence stores with
// PostgreSQL. Store runs read-only queries against the trade database and
// introspects its schemas; StateStore persists conversations and thread
// checkpoints.
//
// All types accept an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	tradewind "github.com/tradewindhq/tradewind"
)

// Store implements tradewind.TradeDB against the trade database.
type Store struct {
	pool *pgxpool.Pool
}

var _ tradewind.TradeDB = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ExecuteReadOnly runs one generated SELECT inside a read-only transaction
// and returns the column names and row values.
func (s *Store) ExecuteReadOnly(ctx context.Context, query string) ([]string, [][]any, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: begin read-only tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: execute query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: iterate rows: %w", err)
	}
	return columns, out, nil
}

// TableInfo introspects the data tables of the requested classification
// schemas plus the classification reference tables, and renders them as DDL
// for prompting. Group-level aggregate tables are excluded: group questions
// route through the country tables.
func (s *Store) TableInfo(ctx context.Context, schemas []string) (tradewind.TableInfo, error) {
	want := map[string]bool{"classification": true}
	for _, schema := range schemas {
		if !tradewind.ValidSchema(schema) {
			return tradewind.TableInfo{}, fmt.Errorf("postgres: unknown schema %q", schema)
		}
		want[schema] = true
	}
	schemaList := make([]string, 0, len(want))
	for schema := range want {
		schemaList = append(schemaList, schema)
	}
	sort.Strings(schemaList)

	rows, err := s.pool.Query(ctx,
		`SELECT table_schema, table_name, column_name, data_type
		 FROM information_schema.columns
		 WHERE table_schema = ANY($1)
		 ORDER BY table_schema, table_name, ordinal_position`,
		schemaList)
	if err != nil {
		return tradewind.TableInfo{}, fmt.Errorf("postgres: introspect schemas: %w", err)
	}
	defer rows.Close()

	type column struct{ name, typ string }
	tables := map[string][]column{}
	var order []string
	for rows.Next() {
		var schema, table, col, typ string
		if err := rows.Scan(&schema, &table, &col, &typ); err != nil {
			return tradewind.TableInfo{}, fmt.Errorf("postgres: scan column: %w", err)
		}
		if strings.Contains(table, tradewind.GroupAggregateMarker) {
			continue
		}
		if schema == "classification" && !classificationTableWanted(table, schemas) {
			continue
		}
		full := schema + "." + table
		if _, seen := tables[full]; !seen {
			order = append(order, full)
		}
		tables[full] = append(tables[full], column{name: col, typ: typ})
	}
	if err := rows.Err(); err != nil {
		return tradewind.TableInfo{}, fmt.Errorf("postgres: iterate columns: %w", err)
	}

	var ddl strings.Builder
	for _, full := range order {
		fmt.Fprintf(&ddl, "CREATE TABLE %s (\n", full)
		cols := tables[full]
		for i, c := range cols {
			sep := ","
			if i == len(cols)-1 {
				sep = ""
			}
			fmt.Fprintf(&ddl, "    %s %s%s\n", c.name, c.typ, sep)
		}
		ddl.WriteString(");\n\n")
	}
	return tradewind.TableInfo{DDL: strings.TrimSpace(ddl.String()), Tables: order}, nil
}

// classificationTableWanted keeps location_country always and each schema's
// product table only when that schema is in play.
func classificationTableWanted(table string, schemas []string) bool {
	if table == "location_country" {
		return true
	}
	for _, schema := range schemas {
		if table == "product_"+schema {
			return true
		}
	}
	return false
}

// ProductsByCodes returns the products of a schema matching the given codes.
func (s *Store) ProductsByCodes(ctx context.Context, schema string, codes []string) ([]tradewind.Product, error) {
	if !tradewind.ValidSchema(schema) {
		return nil, fmt.Errorf("postgres: unknown schema %q", schema)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT product_id, code, name_en, name_short_en, product_level
		 FROM classification.product_%s
		 WHERE code = ANY($1)
		 ORDER BY code`, schema),
		codes)
	if err != nil {
		return nil, fmt.Errorf("postgres: products by codes: %w", err)
	}
	defer rows.Close()
	return scanProducts(rows, schema)
}

// SearchProductsByName searches a schema's product names with full-text
// matching, falling back to substring matching for short queries.
func (s *Store) SearchProductsByName(ctx context.Context, schema, name string, limit int) ([]tradewind.Product, error) {
	if !tradewind.ValidSchema(schema) {
		return nil, fmt.Errorf("postgres: unknown schema %q", schema)
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT product_id, code, name_en, name_short_en, product_level
		 FROM classification.product_%s
		 WHERE to_tsvector('english', name_en) @@ plainto_tsquery('english', $1)
		    OR name_en ILIKE '%%' || $1 || '%%'
		 ORDER BY ts_rank(to_tsvector('english', name_en), plainto_tsquery('english', $1)) DESC,
		          product_level, code
		 LIMIT $2`, schema),
		name, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search products: %w", err)
	}
	defer rows.Close()
	return scanProducts(rows, schema)
}

func scanProducts(rows pgx.Rows, schema string) ([]tradewind.Product, error) {
	var out []tradewind.Product
	for rows.Next() {
		var p tradewind.Product
		if err := rows.Scan(&p.ProductID, &p.Code, &p.NameEn, &p.NameShortEn, &p.Level); err != nil {
			return nil, fmt.Errorf("postgres: scan product: %w", err)
		}
		p.Classification = schema
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate products: %w", err)
	}
	return out, nil
}
