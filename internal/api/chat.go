package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/energyqa/energyqa/internal/llm"
	"github.com/energyqa/energyqa/internal/observability"
	"github.com/energyqa/energyqa/internal/pipeline"
	"github.com/energyqa/energyqa/internal/sqlexec"
)

const defaultMaxHistory = 20

type chatRequest struct {
	Message string        `json:"message"`
	History []llm.Message `json:"history"`
}

type chatResult struct {
	Kind     sqlexec.Kind `json:"kind"`
	Text     string       `json:"text"`
	Columns  []string     `json:"columns,omitempty"`
	RowCount int          `json:"row_count"`
}

type chatResponse struct {
	TurnID      string            `json:"turn_id"`
	Reply       string            `json:"reply"`
	Router      *pipeline.Router  `json:"router,omitempty"`
	SQL         string            `json:"sql,omitempty"`
	Result      *chatResult       `json:"result,omitempty"`
	Explanation string            `json:"explanation,omitempty"`
	Terminal    pipeline.Terminal `json:"terminal"`
	Path        []pipeline.Stage  `json:"path"`
	Messages    []llm.Message     `json:"messages"`
}

func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "question answering is not configured", false, nil)
		return
	}

	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_REQUIRED", "message is required", false, nil)
		return
	}
	history, err := conversationHistory(req.History, maxHistory(deps))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_HISTORY", err.Error(), false, nil)
		return
	}

	ctx := r.Context()
	if deps.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.TurnTimeout)
		defer cancel()
	}

	state := pipeline.NewState(append(history, llm.Message{Role: llm.RoleUser, Content: req.Message})...)
	final, err := deps.Pipeline.Run(ctx, state)
	if err != nil {
		status, code, retryable := classifyTurnError(err)
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "chat_turn_failed",
				slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
				slog.String("turn_id", final.TurnID),
				slog.String("error_code", code),
				slog.String("error", err.Error()),
			)
		}
		writeError(r.Context(), w, status, code, turnErrorMessage(code), retryable, map[string]any{
			"turn_id": final.TurnID,
			"reply":   final.Reply(),
		})
		return
	}
	writeJSON(w, http.StatusOK, newChatResponse(final))
}

func newChatResponse(state pipeline.State) chatResponse {
	response := chatResponse{
		TurnID:      state.TurnID,
		Reply:       state.Reply(),
		Router:      state.Router,
		SQL:         state.SQLQuery,
		Explanation: state.Explanation,
		Terminal:    state.Terminal,
		Path:        state.Path,
		Messages:    state.Messages,
	}
	if state.QueryResult != nil {
		response.Result = &chatResult{
			Kind:     state.QueryResult.Kind,
			Text:     state.QueryResult.Text,
			Columns:  state.QueryResult.Columns,
			RowCount: state.QueryResult.RowCount,
		}
	}
	return response
}

// conversationHistory keeps the newest limit user/assistant messages. System messages from clients
// are rejected so the server owns every prompt.
func conversationHistory(history []llm.Message, limit int) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case llm.RoleUser, llm.RoleAssistant:
			out = append(out, msg)
		default:
			return nil, errors.New("history messages must have role user or assistant")
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func maxHistory(deps Dependencies) int {
	if deps.MaxHistory > 0 {
		return deps.MaxHistory
	}
	return defaultMaxHistory
}

func classifyTurnError(err error) (int, string, bool) {
	var classification *pipeline.ClassificationError
	var configErr *pipeline.ConfigError
	switch {
	case errors.As(err, &classification):
		return http.StatusBadGateway, "INTENT_CLASSIFICATION_FAILED", true
	case errors.As(err, &configErr):
		return http.StatusInternalServerError, "PIPELINE_MISCONFIGURED", false
	case errors.Is(err, pipeline.ErrNoQuestion):
		return http.StatusBadRequest, "MESSAGE_REQUIRED", false
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TURN_TIMEOUT", true
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "TURN_CANCELLED", true
	default:
		return http.StatusInternalServerError, "PIPELINE_ERROR", true
	}
}

func turnErrorMessage(code string) string {
	switch code {
	case "INTENT_CLASSIFICATION_FAILED":
		return "the question could not be understood right now"
	case "PIPELINE_MISCONFIGURED":
		return "question answering is misconfigured"
	case "MESSAGE_REQUIRED":
		return "message is required"
	case "TURN_TIMEOUT":
		return "answering the question took too long"
	case "TURN_CANCELLED":
		return "the request was cancelled"
	default:
		return "failed to answer the question"
	}
}
