package sqlcheck

import (
	"context"
	"errors"
	"testing"
)

func TestValidatorParsesWithoutCatalog(t *testing.T) {
	validator, err := NewValidator(context.Background())
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	defer func() { _ = validator.Close() }()

	query := `SELECT b.name, b.energy_consumption_kw_last_month
FROM smart_buildings.building AS b
WHERE b.name = 'Building X'
LIMIT 200;`
	if err := validator.Validate(context.Background(), query); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidatorReportsParserErrors(t *testing.T) {
	validator, err := NewValidator(context.Background())
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	defer func() { _ = validator.Close() }()

	err = validator.Validate(context.Background(), "SELECT name FROM WHERE name = 'x'")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Validate() error = %v, want *ParseError", err)
	}
	if parseErr.Message == "" {
		t.Fatal("ParseError.Message is empty")
	}

	if err := validator.Validate(context.Background(), "DROP TABLE building"); !errors.Is(err, ErrNotQuery) {
		t.Fatalf("Validate(DROP) error = %v", err)
	}
}

func TestNilValidatorFallsBackToLexical(t *testing.T) {
	var validator *Validator
	if err := validator.Validate(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := validator.Validate(context.Background(), "SELECT 1; SELECT 2"); err == nil {
		t.Fatal("expected lexical rejection")
	}
}

func TestValidatorAcceptsAliasedSelect(t *testing.T) {
	validator, err := NewValidator(context.Background())
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	defer func() { _ = validator.Close() }()

	for _, query := range []string{
		"SELECT b.name FROM smart_buildings.building b LIMIT 5",
		"WITH recent AS (SELECT * FROM smart_buildings.energy_reading) SELECT count(*) FROM recent",
	} {
		if err := validator.Validate(context.Background(), query); err != nil {
			t.Fatalf("Validate(%q) error = %v", query, err)
		}
	}
}

func TestIsParseErrorSeparatesPlumbingFailures(t *testing.T) {
	validator, err := NewValidator(context.Background())
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	parseErr := validator.Validate(context.Background(), "SELECT name FROM WHERE name = 'x'")
	if !IsParseError(parseErr) {
		t.Fatalf("IsParseError(%v) = false", parseErr)
	}
	if !IsParseError(validator.Validate(context.Background(), "SELECT 1; SELECT 2")) {
		t.Fatal("IsParseError(multiple statements) = false")
	}

	_ = validator.Close()
	closedErr := validator.Validate(context.Background(), "SELECT 1")
	if closedErr == nil || IsParseError(closedErr) {
		t.Fatalf("Validate() on closed validator = %v, want a non-parse failure", closedErr)
	}
}
