package vectorindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const ExamplesCategory = "examples"

// Source yields the values for one category at build time.
type Source interface {
	Category() string
	Values(ctx context.Context) ([]Value, error)
}

type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnSource scrapes the distinct non-null values of one table column.
type ColumnSource struct {
	DB     Querier
	Schema string
	Table  string
	Column string
}

func (s ColumnSource) Category() string {
	return s.Table + "." + s.Column
}

func (s ColumnSource) Values(ctx context.Context) ([]Value, error) {
	if s.DB == nil {
		return nil, errors.New("column source requires a database")
	}
	table := quoteIdent(s.Table)
	if s.Schema != "" {
		table = quoteIdent(s.Schema) + "." + table
	}
	column := quoteIdent(s.Column)
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL ORDER BY 1", column, table, column)
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", s.Category(), err)
	}
	defer func() { _ = rows.Close() }()

	var values []Value
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.Category(), err)
		}
		if !raw.Valid || strings.TrimSpace(raw.String) == "" {
			continue
		}
		values = append(values, TextValue(raw.String))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", s.Category(), err)
	}
	return values, nil
}

// ParseColumnSources parses a comma-separated list of [schema.]table.column references.
func ParseColumnSources(db Querier, raw string) ([]ColumnSource, error) {
	var out []ColumnSource
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ".")
		for _, part := range parts {
			if strings.TrimSpace(part) == "" {
				return nil, fmt.Errorf("invalid column source %q", item)
			}
		}
		switch len(parts) {
		case 2:
			out = append(out, ColumnSource{DB: db, Table: parts[0], Column: parts[1]})
		case 3:
			out = append(out, ColumnSource{DB: db, Schema: parts[0], Table: parts[1], Column: parts[2]})
		default:
			return nil, fmt.Errorf("invalid column source %q: want [schema.]table.column", item)
		}
	}
	return out, nil
}

// ExamplesFile reads curated question/SQL pairs from a YAML document:
//
//	examples:
//	  - question: Which building used the most energy last month?
//	    sql: SELECT ...
type ExamplesFile struct {
	Path string
}

type examplesDocument struct {
	Examples []Example `yaml:"examples"`
}

func (f ExamplesFile) Category() string {
	return ExamplesCategory
}

func (f ExamplesFile) Values(_ context.Context) ([]Value, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read examples file: %w", err)
	}
	return ParseExamples(raw)
}

func ParseExamples(raw []byte) ([]Value, error) {
	var doc examplesDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode examples: %w", err)
	}
	values := make([]Value, 0, len(doc.Examples))
	for i, example := range doc.Examples {
		question := strings.TrimSpace(example.Question)
		sqlText := strings.TrimSpace(example.SQL)
		if question == "" || sqlText == "" {
			return nil, fmt.Errorf("example %d requires question and sql", i)
		}
		values = append(values, ExampleValue(question, sqlText))
	}
	return values, nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(value), `"`, `""`) + `"`
}
