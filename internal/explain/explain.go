package explain

import (
	"context"
	"fmt"
	"strings"

	"github.com/energyqa/energyqa/internal/llm"
	"github.com/energyqa/energyqa/internal/sqlexec"
)

type Source string

const (
	SourceModel    Source = "model"
	SourceTemplate Source = "template"
	// SourceFallback marks a model answer that was replaced because it cited numbers absent from the inputs.
	SourceFallback Source = "fallback"
)

type Input struct {
	Question string
	SQL      string
	Result   sqlexec.Result
}

type Output struct {
	Text   string
	Source Source
}

const systemPrompt = "You explain SQL query results about building energy consumption to non-technical users. " +
	"Answer the question in one or two sentences using only the values in the results. " +
	"Never invent, estimate, convert or round numbers; copy them exactly as they appear. " +
	"Do not describe the SQL unless the user asked about it."

type Explainer struct {
	model llm.ChatModel
	guard bool
}

// NewExplainer builds an explainer. With guard enabled, a model answer that cites a number not found in
// the question, the SQL or the result is replaced by a templated answer.
func NewExplainer(model llm.ChatModel, guard bool) (*Explainer, error) {
	if model == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	return &Explainer{model: model, guard: guard}, nil
}

// Explain never calls the model for sentinel results.
func (e *Explainer) Explain(ctx context.Context, in Input) (Output, error) {
	switch in.Result.Kind {
	case sqlexec.KindNoRows:
		return Output{Text: NotFound(in.Question), Source: SourceTemplate}, nil
	case sqlexec.KindError, "":
		return Output{Text: Failed(), Source: SourceTemplate}, nil
	}

	reply, err := e.model.Complete(ctx, buildMessages(in), nil)
	if err != nil {
		return Output{}, fmt.Errorf("complete explanation: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Output{Text: Table(in.Question, in.Result), Source: SourceFallback}, nil
	}
	if e.guard && !Grounded(reply, in.Question, in.SQL, in.Result.Text) {
		return Output{Text: Table(in.Question, in.Result), Source: SourceFallback}, nil
	}
	return Output{Text: reply, Source: SourceModel}, nil
}

func buildMessages(in Input) []llm.Message {
	user := fmt.Sprintf("Question:\n%s\n\nQuery:\n%s\n\nResults:\n%s",
		strings.TrimSpace(in.Question),
		strings.TrimSpace(in.SQL),
		in.Result.Text,
	)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}

func NotFound(question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		return "No data was found for that request. The query ran but returned no rows."
	}
	return fmt.Sprintf("No data was found for %q. The query ran but returned no rows, so there is nothing to report.", question)
}

func Failed() string {
	return "Sorry, I could not retrieve that data because the database query failed. Please try rephrasing the question."
}

// Table is the deterministic answer used when a model explanation cannot be trusted.
func Table(question string, result sqlexec.Result) string {
	question = strings.TrimSpace(question)
	if question == "" {
		return "Here is what the database returned:\n\n" + result.Text
	}
	return fmt.Sprintf("Here is what the database returned for %q:\n\n%s", question, result.Text)
}
