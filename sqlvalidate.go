package tradewind

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"github.com/auxten/postgresql-parser/pkg/sql/sem/tree"
	"github.com/auxten/postgresql-parser/pkg/walk"
)

// SQLValidation is the outcome of static query validation. Err is set for
// rejections; Warnings note suspicious but allowed constructs.
type SQLValidation struct {
	Tables   []string
	Warnings []string
	Err      error
}

var (
	selectStarRe = regexp.MustCompile(`(?i)select\s+\*`)
	leadingLike  = regexp.MustCompile(`(?i)like\s+'%`)
)

// ValidateSQL parses query with the PostgreSQL-dialect parser and checks
// every referenced table against validTables (schema-qualified, lower case).
// Empty queries, syntax errors, non-SELECT statements, and unknown tables
// are rejected. SELECT *
// and leading-wildcard LIKE patterns are warned about but allowed.
func ValidateSQL(query string, validTables []string) SQLValidation {
	query = strings.TrimSpace(query)
	if query == "" {
		return SQLValidation{Err: fmt.Errorf("empty SQL query")}
	}

	stmts, err := parser.Parse(query)
	if err != nil {
		return SQLValidation{Err: fmt.Errorf("SQL syntax error: %v", err)}
	}
	if len(stmts) == 0 {
		return SQLValidation{Err: fmt.Errorf("empty SQL query")}
	}
	for _, stmt := range stmts {
		if _, ok := stmt.AST.(*tree.Select); !ok {
			return SQLValidation{Err: fmt.Errorf("only SELECT statements are allowed, got %s",
				stmt.AST.StatementTag())}
		}
	}

	referenced, ctes := extractTableNames(stmts)

	valid := make(map[string]bool, len(validTables))
	for _, t := range validTables {
		valid[strings.ToLower(t)] = true
	}
	var unknown []string
	for _, t := range referenced {
		if !valid[t] && !ctes[t] {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		return SQLValidation{
			Tables: referenced,
			Err: fmt.Errorf("query references tables not available for this request: %s",
				strings.Join(unknown, ", ")),
		}
	}

	var warnings []string
	if selectStarRe.MatchString(query) {
		warnings = append(warnings, "SELECT * returns every column; prefer naming the columns you need")
	}
	if leadingLike.MatchString(query) {
		warnings = append(warnings, "leading-wildcard LIKE cannot use an index and may be slow")
	}
	return SQLValidation{Tables: referenced, Warnings: warnings}
}

// extractTableNames walks the parsed statements and collects every
// schema-qualified table reference, lower-cased and deduplicated, plus the
// set of CTE names (which are valid references without being tables).
func extractTableNames(stmts parser.Statements) ([]string, map[string]bool) {
	seen := map[string]bool{}
	ctes := map[string]bool{}
	var out []string
	record := func(schema, table string) {
		if table == "" {
			return
		}
		name := strings.ToLower(table)
		if schema != "" {
			name = strings.ToLower(schema) + "." + name
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	w := &walk.AstWalker{
		Fn: func(_ any, node any) bool {
			switch n := node.(type) {
			case *tree.TableName:
				record(string(n.SchemaName), string(n.TableName))
			case *tree.UnresolvedObjectName:
				// FROM items arrive unresolved: Parts[0] is the table,
				// Parts[1] the schema when the name is qualified.
				if n.NumParts >= 2 {
					record(n.Parts[1], n.Parts[0])
				} else {
					record("", n.Parts[0])
				}
			case *tree.CTE:
				ctes[strings.ToLower(string(n.Name.Alias))] = true
			}
			return false
		},
	}
	_, _ = w.Walk(stmts, nil)
	return out, ctes
}
