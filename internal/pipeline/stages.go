package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/energyqa/energyqa/internal/explain"
	"github.com/energyqa/energyqa/internal/grounding"
	"github.com/energyqa/energyqa/internal/llm"
	"github.com/energyqa/energyqa/internal/nl2sql"
	"github.com/energyqa/energyqa/internal/observability"
	"github.com/energyqa/energyqa/internal/sqlexec"
)

type stageFunc func(ctx context.Context, state State, rt *Runtime) (Update, error)

func question(state State) string {
	q, _ := llm.LastUserMessage(state.Messages)
	return strings.TrimSpace(q)
}

func classifyIntent(ctx context.Context, state State, rt *Runtime) (Update, error) {
	history := llm.LastTurns(state.Messages, rt.Options.historyWindow())
	router, err := rt.Classifier.Generate(ctx, routerMessages(history))
	if err != nil {
		return Update{}, err
	}
	router.Type = IntentType(strings.TrimSpace(string(router.Type)))
	router.Rationale = strings.TrimSpace(router.Rationale)
	return Update{Router: &router}, nil
}

func retrieveGrounding(ctx context.Context, state State, rt *Runtime) (Update, error) {
	result, err := rt.Retriever.Retrieve(ctx, question(state))
	if err != nil {
		return Update{}, err
	}
	if result == nil {
		result = grounding.Result{}
	}
	for category, candidates := range result {
		observability.ObserveGroundingMatches(category, len(candidates))
	}
	return Update{Grounding: result}, nil
}

// Grounding is advisory. Provider failures degrade to an empty result.
func recoverGrounding(_ State, err error) Update {
	return Update{Grounding: grounding.Result{}, Notes: []string{"grounding unavailable: " + err.Error()}}
}

func extractRelevance(ctx context.Context, state State, rt *Runtime) (Update, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(relevanceSystemPrompt, rt.Schema.Describe())},
		{Role: llm.RoleUser, Content: question(state)},
	}
	relevance, err := rt.Relevance.Generate(ctx, messages)
	if err != nil {
		return Update{}, err
	}
	tables := make([]string, 0, len(relevance.RelevantTables))
	for _, table := range relevance.RelevantTables {
		if table = strings.TrimSpace(table); table != "" {
			tables = append(tables, table)
		}
	}
	columns := make(map[string][]string, len(relevance.RelevantColumns))
	for _, entry := range relevance.RelevantColumns {
		table := strings.TrimSpace(entry.Table)
		if table == "" || len(entry.Columns) == 0 {
			continue
		}
		columns[table] = append(columns[table], entry.Columns...)
	}
	return Update{RelevantTables: tables, RelevantColumns: columns}, nil
}

func recoverRelevance(_ State, err error) Update {
	return Update{Notes: []string{"relevance extraction skipped: " + err.Error()}}
}

func generateSQL(ctx context.Context, state State, rt *Runtime) (Update, error) {
	history := llm.LastTurns(state.Messages, rt.Options.historyWindow())
	if n := len(history); n > 0 && history[n-1].Role == llm.RoleUser {
		history = history[:n-1]
	}
	result, err := rt.Generator.Generate(ctx, nl2sql.Request{
		Question:        question(state),
		History:         history,
		Schema:          rt.Schema.Describe(),
		Grounding:       state.Grounding.Hints(rt.Options.GroundingOrder),
		RelevantTables:  state.RelevantTables,
		RelevantColumns: state.RelevantColumns,
		Dialect:         rt.Options.Dialect,
	})
	if err != nil {
		return Update{}, err
	}
	sql := result.SQL
	return Update{
		SQLQuery: &sql,
		Notes:    []string{fmt.Sprintf("sql generated in %d attempt(s)", result.Attempts)},
	}, nil
}

// A failed generation becomes the execution-error sentinel so the explanation stage still answers.
func recoverGeneration(_ State, err error) Update {
	genErr := &GenerationError{Err: err}
	var invalid *nl2sql.InvalidSQLError
	if errors.As(err, &invalid) {
		genErr.SQL = invalid.SQL
	}
	result := sqlexec.Result{Kind: sqlexec.KindError, Text: sqlexec.ErrorSentinel, Detail: genErr.Error()}
	return Update{QueryResult: &result, Notes: []string{genErr.Error()}}
}

type transientExecutionError struct {
	result sqlexec.Result
}

func (e *transientExecutionError) Error() string {
	return "transient execution failure: " + e.result.Detail
}

func (e *transientExecutionError) Retryable() bool {
	return true
}

func executeSQL(ctx context.Context, state State, rt *Runtime) (Update, error) {
	if state.QueryResult != nil {
		return Update{}, nil
	}
	if strings.TrimSpace(state.SQLQuery) == "" {
		result := sqlexec.Result{Kind: sqlexec.KindError, Text: sqlexec.ErrorSentinel, Detail: "no sql was generated"}
		return Update{QueryResult: &result}, nil
	}
	result := rt.Executor.Execute(ctx, state.SQLQuery)
	if result.Transient {
		return Update{}, &transientExecutionError{result: result}
	}
	observability.ObserveSQLExecution(string(result.Kind))
	return Update{QueryResult: &result}, nil
}

func recoverExecution(_ State, err error) Update {
	result := sqlexec.Result{Kind: sqlexec.KindError, Text: sqlexec.ErrorSentinel, Detail: err.Error()}
	var transient *transientExecutionError
	if errors.As(err, &transient) {
		result = transient.result
	}
	observability.ObserveSQLExecution(string(result.Kind))
	return Update{QueryResult: &result}
}

func generateExplanation(ctx context.Context, state State, rt *Runtime) (Update, error) {
	out, err := rt.Explainer.Explain(ctx, explain.Input{
		Question: question(state),
		SQL:      state.SQLQuery,
		Result:   queryResult(state),
	})
	if err != nil {
		return Update{}, err
	}
	text := out.Text
	return Update{
		Explanation: &text,
		Messages:    []llm.Message{assistant(text)},
		Notes:       []string{"explanation source: " + string(out.Source)},
	}, nil
}

func recoverExplanation(state State, err error) Update {
	result := queryResult(state)
	var text string
	switch result.Kind {
	case sqlexec.KindRows:
		text = explain.Table(question(state), result)
	case sqlexec.KindNoRows:
		text = explain.NotFound(question(state))
	default:
		text = explain.Failed()
	}
	return Update{
		Explanation: &text,
		Messages:    []llm.Message{assistant(text)},
		Notes:       []string{"explanation fell back to template: " + err.Error()},
	}
}

func queryResult(state State) sqlexec.Result {
	if state.QueryResult == nil {
		return sqlexec.Result{Kind: sqlexec.KindError, Text: sqlexec.ErrorSentinel}
	}
	return *state.QueryResult
}

func respondMoreInfo(ctx context.Context, state State, rt *Runtime) (Update, error) {
	return respond(ctx, state, rt, moreInfoSystemPrompt, moreInfoFallback)
}

func respondGeneral(ctx context.Context, state State, rt *Runtime) (Update, error) {
	return respond(ctx, state, rt, generalSystemPrompt, generalFallback)
}

func respond(ctx context.Context, state State, rt *Runtime, template, fallback string) (Update, error) {
	rationale := ""
	if state.Router != nil {
		rationale = state.Router.Rationale
	}
	history := llm.LastTurns(state.Messages, rt.Options.historyWindow())
	reply, err := rt.Responder.Complete(ctx, respondMessages(template, rationale, history), nil)
	if err != nil {
		return Update{}, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = fallback
	}
	return Update{Messages: []llm.Message{assistant(reply)}}, nil
}

func recoverWith(fallback string) func(State, error) Update {
	return func(_ State, err error) Update {
		return Update{
			Messages: []llm.Message{assistant(fallback)},
			Notes:    []string{"response fell back to template: " + err.Error()},
		}
	}
}
