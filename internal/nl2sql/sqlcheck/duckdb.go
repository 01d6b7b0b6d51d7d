package sqlcheck

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// ParseError is a rejection reported by the DuckDB parser.
type ParseError struct {
	Type    string
	Message string
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return "parse sql: " + e.Message
	}
	return fmt.Sprintf("parse sql (%s): %s", e.Type, e.Message)
}

// Validator parses candidate SQL with an in-memory DuckDB instance. Nothing is executed and no
// catalog is consulted, so table and column names are not checked.
type Validator struct {
	db *sql.DB
}

func NewValidator(ctx context.Context) (*Validator, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb parser: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb parser: %w", err)
	}
	return &Validator{db: db}, nil
}

func (v *Validator) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

func (v *Validator) Validate(ctx context.Context, query string) error {
	if err := Lexical(query); err != nil {
		return err
	}
	if v == nil || v.db == nil {
		return nil
	}
	body, err := stripStatement(query)
	if err != nil {
		return err
	}

	var serialized string
	if err := v.db.QueryRowContext(ctx, "SELECT json_serialize_sql(?::VARCHAR)::VARCHAR", body).Scan(&serialized); err != nil {
		return fmt.Errorf("serialize sql: %w", err)
	}
	var parsed struct {
		Error        bool   `json:"error"`
		ErrorType    string `json:"error_type"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal([]byte(serialized), &parsed); err != nil {
		return fmt.Errorf("decode parser output: %w", err)
	}
	if parsed.Error {
		return &ParseError{Type: parsed.ErrorType, Message: parsed.ErrorMessage}
	}
	return nil
}

// IsParseError reports whether err came from the parser rather than the validator plumbing.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr) ||
		errors.Is(err, ErrEmpty) ||
		errors.Is(err, ErrMultipleStatement) ||
		errors.Is(err, ErrNotQuery) ||
		errors.Is(err, ErrUnterminated)
}
