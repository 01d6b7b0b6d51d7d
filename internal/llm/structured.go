package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type StructuredGenerator[T any] interface {
	Generate(ctx context.Context, messages []Message) (T, error)
}

// MalformedOutputError reports a completion that did not decode into the requested shape.
type MalformedOutputError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output: %v", e.Schema, e.Err)
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

type Structured[T any] struct {
	model    ChatModel
	schema   Schema
	validate func(T) error
}

func NewStructured[T any](model ChatModel, schema Schema, validate func(T) error) (*Structured[T], error) {
	if model == nil {
		return nil, errors.New("chat model is required")
	}
	if strings.TrimSpace(schema.Name) == "" || len(schema.Definition) == 0 {
		return nil, errors.New("schema name and definition are required")
	}
	return &Structured[T]{model: model, schema: schema, validate: validate}, nil
}

func (s *Structured[T]) Generate(ctx context.Context, messages []Message) (T, error) {
	var zero T
	raw, err := s.model.Complete(ctx, messages, &s.schema)
	if err != nil {
		return zero, err
	}
	var out T
	decoder := json.NewDecoder(strings.NewReader(stripCodeFence(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&out); err != nil {
		return zero, &MalformedOutputError{Schema: s.schema.Name, Raw: raw, Err: err}
	}
	if s.validate != nil {
		if err := s.validate(out); err != nil {
			return zero, &MalformedOutputError{Schema: s.schema.Name, Raw: raw, Err: err}
		}
	}
	return out, nil
}

func stripCodeFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
