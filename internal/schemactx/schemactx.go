package schemactx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/energyqa/energyqa/internal/config"
)

// Supplier describes the queryable schema as prompt text. The text never changes after construction.
type Supplier interface {
	Describe() string
}

type Table struct {
	Schema      string       `yaml:"schema"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	PrimaryKeys []string     `yaml:"primary_keys"`
	Columns     []Column     `yaml:"columns"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys"`
}

type Column struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Nullable    bool   `yaml:"nullable"`
}

type ForeignKey struct {
	Column        string `yaml:"column"`
	ForeignTable  string `yaml:"references_table"`
	ForeignColumn string `yaml:"references_column"`
}

type Static struct {
	text string
}

func NewStatic(text string) (Static, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Static{}, errors.New("schema description is empty")
	}
	return Static{text: trimmed}, nil
}

func (s Static) Describe() string {
	return s.text
}

// FromDDL uses CREATE TABLE text verbatim.
func FromDDL(raw []byte) (Static, error) {
	return NewStatic(string(raw))
}

func Render(tables []Table) string {
	var b strings.Builder
	for i, table := range tables {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderTable(table))
	}
	return b.String()
}

func renderTable(t Table) string {
	var b strings.Builder
	name := t.Name
	if t.Schema != "" {
		name = t.Schema + "." + t.Name
	}
	fmt.Fprintf(&b, "TABLE: %s\n", name)
	if t.Description != "" {
		fmt.Fprintf(&b, "  %s\n", t.Description)
	}
	for _, col := range t.Columns {
		fmt.Fprintf(&b, "  - %s: %s", col.Name, col.Type)
		var attrs []string
		if contains(t.PrimaryKeys, col.Name) {
			attrs = append(attrs, "PK")
		}
		if !col.Nullable {
			attrs = append(attrs, "NOT NULL")
		}
		if len(attrs) > 0 {
			b.WriteString(", " + strings.Join(attrs, ", "))
		}
		for _, fk := range t.ForeignKeys {
			if fk.Column == col.Name {
				fmt.Fprintf(&b, " -> %s.%s", fk.ForeignTable, fk.ForeignColumn)
				break
			}
		}
		if col.Description != "" {
			fmt.Fprintf(&b, " // %s", col.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

// Open builds the configured supplier. Introspection queries db under searchPath.
func Open(ctx context.Context, cfg config.SchemaConfig, db Querier, searchPath string) (Supplier, error) {
	switch cfg.Source {
	case "yaml", "ddl":
		raw, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("read schema file: %w", err)
		}
		if cfg.Source == "yaml" {
			return FromYAML(raw)
		}
		return FromDDL(raw)
	case "introspect":
		if db == nil {
			return nil, errors.New("schema introspection requires a database")
		}
		return Introspect(ctx, db, searchPath)
	default:
		return nil, fmt.Errorf("unknown schema source %q", cfg.Source)
	}
}
