package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/energyqa/energyqa/internal/llm"
	"github.com/energyqa/energyqa/internal/observability"
)

const abortApology = "Sorry, something went wrong while answering your question. Please try again."

type stageDef struct {
	run stageFunc
	// recover turns an exhausted failure into a degraded update. Stages without one abort the turn.
	recover func(State, error) Update
}

// Graph drives one turn through the stage table. It performs no I/O of its own.
type Graph struct {
	rt     *Runtime
	logger *slog.Logger
	stages map[Stage]stageDef
}

func New(rt *Runtime) (*Graph, error) {
	if err := rt.validate(); err != nil {
		return nil, err
	}
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		rt:     rt,
		logger: logger,
		stages: map[Stage]stageDef{
			StageClassifyIntent:      {run: classifyIntent},
			StageRetrieveGrounding:   {run: retrieveGrounding, recover: recoverGrounding},
			StageExtractRelevance:    {run: extractRelevance, recover: recoverRelevance},
			StageGenerateSQL:         {run: generateSQL, recover: recoverGeneration},
			StageExecuteSQL:          {run: executeSQL, recover: recoverExecution},
			StageGenerateExplanation: {run: generateExplanation, recover: recoverExplanation},
			StageRespondMoreInfo:     {run: respondMoreInfo, recover: recoverWith(moreInfoFallback)},
			StageRespondGeneral:      {run: respondGeneral, recover: recoverWith(generalFallback)},
		},
	}, nil
}

// Run processes one turn. The returned state always carries an assistant reply, including when an
// error is returned.
func (g *Graph) Run(ctx context.Context, state State) (State, error) {
	if state.TurnID == "" {
		state.TurnID = uuid.NewString()
	}
	ctx = observability.ContextWithTurnID(ctx, state.TurnID)
	if _, ok := llm.LastUserMessage(state.Messages); !ok {
		return g.abort(ctx, state, "", ErrNoQuestion)
	}

	stage := StageClassifyIntent
	for {
		update, attempts, err := g.runStage(ctx, stage, state)
		if err != nil {
			def := g.stages[stage]
			if stage == StageClassifyIntent {
				err = &ClassificationError{Attempts: attempts, Err: err}
			}
			if def.recover == nil || ctx.Err() != nil {
				return g.abort(ctx, state, stage, err)
			}
			g.logger.WarnContext(ctx, "pipeline_stage_degraded",
				slog.String("trace_id", observability.TraceIDFromContext(ctx)),
				slog.String("turn_id", state.TurnID),
				slog.String("stage", string(stage)),
				slog.String("error", err.Error()),
			)
			update = def.recover(state, err)
		}

		state, err = apply(state, update)
		if err != nil {
			return g.abort(ctx, state, stage, &ConfigError{Reason: "merge " + string(stage), Err: err})
		}
		state.Path = append(state.Path, stage)

		next, terminal, err := g.next(stage, state)
		if err != nil {
			return g.abort(ctx, state, stage, err)
		}
		if terminal != "" {
			state.Terminal = terminal
			observability.ObserveTurn(string(terminal))
			return state, nil
		}
		stage = next
	}
}

func (g *Graph) next(stage Stage, state State) (Stage, Terminal, error) {
	switch stage {
	case StageClassifyIntent:
		if state.Router == nil {
			return "", "", &ConfigError{Reason: "classifier produced no router decision"}
		}
		switch state.Router.Type {
		case IntentDatabaseQuery:
			return StageRetrieveGrounding, "", nil
		case IntentNeedsMoreInfo:
			return StageRespondMoreInfo, "", nil
		case IntentGeneral:
			return StageRespondGeneral, "", nil
		default:
			return "", "", &ConfigError{Reason: fmt.Sprintf("classifier returned %q", state.Router.Type), Err: ErrUnknownIntent}
		}
	case StageRetrieveGrounding:
		if g.rt.Relevance != nil {
			return StageExtractRelevance, "", nil
		}
		return StageGenerateSQL, "", nil
	case StageExtractRelevance:
		return StageGenerateSQL, "", nil
	case StageGenerateSQL:
		return StageExecuteSQL, "", nil
	case StageExecuteSQL:
		return StageGenerateExplanation, "", nil
	case StageGenerateExplanation:
		return "", TerminalDatabase, nil
	case StageRespondMoreInfo:
		return "", TerminalMoreInfo, nil
	case StageRespondGeneral:
		return "", TerminalGeneral, nil
	default:
		return "", "", &ConfigError{Reason: fmt.Sprintf("no transition from stage %q", stage)}
	}
}

func (g *Graph) runStage(ctx context.Context, stage Stage, state State) (Update, int, error) {
	def, ok := g.stages[stage]
	if !ok {
		return Update{}, 0, &ConfigError{Reason: fmt.Sprintf("stage %q is not registered", stage)}
	}
	attempts := g.rt.Options.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			observability.IncrementStageRetry(string(stage))
		}
		start := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, g.rt.Options.stageTimeout())
		update, err := def.run(stageCtx, state, g.rt)
		cancel()
		elapsed := time.Since(start)

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.ObserveStage(string(stage), outcome, elapsed)
		g.logStage(ctx, state.TurnID, stage, attempt, outcome, elapsed, err)

		if err == nil {
			return update, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return Update{}, attempt, err
		}
	}
	return Update{}, attempts, lastErr
}

func (g *Graph) logStage(ctx context.Context, turnID string, stage Stage, attempt int, outcome string, elapsed time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("turn_id", turnID),
		slog.String("stage", string(stage)),
		slog.Int("attempt", attempt),
		slog.String("duration", elapsed.String()),
		slog.String("outcome", outcome),
	}
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	g.logger.LogAttrs(ctx, level, "pipeline_stage", attrs...)
}

func (g *Graph) abort(ctx context.Context, state State, stage Stage, err error) (State, error) {
	apology := abortApology
	var classification *ClassificationError
	if errors.As(err, &classification) {
		apology = classificationApology
	}
	state, _ = apply(state, Update{Messages: []llm.Message{assistant(apology)}})
	state.Terminal = TerminalAborted
	observability.ObserveTurn(string(TerminalAborted))
	g.logger.ErrorContext(ctx, "pipeline_turn_aborted",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("turn_id", state.TurnID),
		slog.String("stage", string(stage)),
		slog.String("error", err.Error()),
	)
	return state, err
}
