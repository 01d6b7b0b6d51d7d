package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/energyqa/energyqa/internal/llm"
	"github.com/energyqa/energyqa/internal/nl2sql/sqlcheck"
)

const defaultAttempts = 2

type Request struct {
	Question        string
	History         []llm.Message
	Schema          string
	Grounding       string
	RelevantTables  []string
	RelevantColumns map[string][]string
	Dialect         string
}

type Result struct {
	SQL      string
	Attempts int
}

// Validator rejects SQL text that does not parse. It performs no semantic checks.
type Validator interface {
	Validate(ctx context.Context, sql string) error
}

// InvalidSQLError carries the last rejected candidate after the regeneration budget is spent.
type InvalidSQLError struct {
	SQL      string
	Attempts int
	Err      error
}

func (e *InvalidSQLError) Error() string {
	return fmt.Sprintf("generated sql rejected after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *InvalidSQLError) Unwrap() error {
	return e.Err
}

var ErrEmptySQL = errors.New("model returned empty SQL")

type Options struct {
	// Attempts counts the first generation. Values below one fall back to two.
	Attempts int
}

type Generator struct {
	model     llm.ChatModel
	validator Validator
	attempts  int
}

func NewGenerator(model llm.ChatModel, validator Validator, opts Options) (*Generator, error) {
	if model == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = defaultAttempts
	}
	return &Generator{model: model, validator: validator, attempts: attempts}, nil
}

// Generate asks the model for one SQL statement. A candidate the parser rejects is sent back with
// the parser error for regeneration until the attempt budget is exhausted. A validator that fails
// for any other reason ends generation immediately.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Result{}, fmt.Errorf("question is required")
	}
	messages := BuildMessages(req)

	var lastSQL string
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		raw, err := g.model.Complete(ctx, messages, nil)
		if err != nil {
			return Result{}, fmt.Errorf("complete sql generation: %w", err)
		}
		sql := stripMarkdownSQL(raw)
		lastSQL = sql
		switch {
		case sql == "":
			lastErr = ErrEmptySQL
		case g.validator != nil:
			lastErr = g.validator.Validate(ctx, sql)
		default:
			lastErr = nil
		}
		if lastErr == nil {
			return Result{SQL: sql, Attempts: attempt}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !errors.Is(lastErr, ErrEmptySQL) && !sqlcheck.IsParseError(lastErr) {
			return Result{}, fmt.Errorf("validate generated sql: %w", lastErr)
		}
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: raw},
			llm.Message{Role: llm.RoleUser, Content: regenerationPrompt(lastErr)},
		)
	}
	return Result{}, &InvalidSQLError{SQL: lastSQL, Attempts: g.attempts, Err: lastErr}
}

func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```SQL")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
