package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/energyqa/energyqa/internal/llm"
)

var (
	ErrUnknownIntent = errors.New("unknown intent type")
	ErrNoQuestion    = errors.New("turn has no user message")
)

// ClassificationError means the classifier never produced a usable {type, rationale} after retries.
type ClassificationError struct {
	Attempts int
	Err      error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify intent (%d attempt(s)): %v", e.Attempts, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// GenerationError is recorded when SQL generation fails. The turn continues with the error sentinel.
type GenerationError struct {
	SQL string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate sql: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ConfigError reports a wiring or contract failure that retrying cannot fix.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "pipeline configuration: " + e.Reason
	}
	return fmt.Sprintf("pipeline configuration: %s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type retryable interface {
	Retryable() bool
}

// isRetryable covers provider errors that declare themselves retryable, stage timeouts and
// structured output that failed to decode.
func isRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var malformed *llm.MalformedOutputError
	return errors.As(err, &malformed) || errors.Is(err, context.DeadlineExceeded)
}
