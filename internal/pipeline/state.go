package pipeline

import (
	"errors"
	"fmt"

	"github.com/energyqa/energyqa/internal/grounding"
	"github.com/energyqa/energyqa/internal/llm"
	"github.com/energyqa/energyqa/internal/sqlexec"
)

type IntentType string

const (
	IntentNeedsMoreInfo IntentType = "needs_more_info"
	IntentDatabaseQuery IntentType = "database_query"
	IntentGeneral       IntentType = "general"
)

type Stage string

const (
	StageClassifyIntent      Stage = "classify_intent"
	StageRetrieveGrounding   Stage = "retrieve_grounding"
	StageExtractRelevance    Stage = "extract_relevance"
	StageGenerateSQL         Stage = "generate_sql"
	StageExecuteSQL          Stage = "execute_sql"
	StageGenerateExplanation Stage = "generate_explanation"
	StageRespondMoreInfo     Stage = "respond_more_info"
	StageRespondGeneral      Stage = "respond_general"
)

type Terminal string

const (
	TerminalGeneral  Terminal = "responded_general"
	TerminalMoreInfo Terminal = "responded_more_info"
	TerminalDatabase Terminal = "responded_database"
	// TerminalAborted is recorded when Run returns an error.
	TerminalAborted Terminal = "aborted"
)

type Router struct {
	Type      IntentType `json:"type"`
	Rationale string     `json:"rationale"`
}

// State is owned by a single in-flight turn. Messages are only ever appended to.
type State struct {
	TurnID          string
	Messages        []llm.Message
	Router          *Router
	RelevantTables  []string
	RelevantColumns map[string][]string
	Grounding       grounding.Result
	SQLQuery        string
	QueryResult     *sqlexec.Result
	Explanation     string
	Notes           []string
	Path            []Stage
	Terminal        Terminal
}

func NewState(messages ...llm.Message) State {
	return State{Messages: append([]llm.Message(nil), messages...)}
}

// Reply is the last assistant message, which every terminal path appends.
func (s State) Reply() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Update is the partial result of one stage. Nil fields leave state untouched.
type Update struct {
	Messages        []llm.Message
	Router          *Router
	RelevantTables  []string
	RelevantColumns map[string][]string
	Grounding       grounding.Result
	SQLQuery        *string
	QueryResult     *sqlexec.Result
	Explanation     *string
	Notes           []string
}

var ErrFieldRewritten = errors.New("write-once state field rewritten")

func apply(state State, update Update) (State, error) {
	if update.Router != nil {
		if state.Router != nil {
			return state, fmt.Errorf("%w: router", ErrFieldRewritten)
		}
		router := *update.Router
		state.Router = &router
	}
	if update.SQLQuery != nil {
		if state.SQLQuery != "" {
			return state, fmt.Errorf("%w: sql_query", ErrFieldRewritten)
		}
		state.SQLQuery = *update.SQLQuery
	}
	if update.QueryResult != nil {
		if state.QueryResult != nil {
			return state, fmt.Errorf("%w: query_result", ErrFieldRewritten)
		}
		result := *update.QueryResult
		state.QueryResult = &result
	}
	if update.Explanation != nil {
		state.Explanation = *update.Explanation
	}
	if update.Grounding != nil {
		state.Grounding = update.Grounding
	}
	if update.RelevantTables != nil {
		state.RelevantTables = append([]string(nil), update.RelevantTables...)
	}
	if update.RelevantColumns != nil {
		state.RelevantColumns = update.RelevantColumns
	}
	if len(update.Messages) > 0 {
		messages := make([]llm.Message, 0, len(state.Messages)+len(update.Messages))
		messages = append(messages, state.Messages...)
		state.Messages = append(messages, update.Messages...)
	}
	if len(update.Notes) > 0 {
		state.Notes = append(append([]string(nil), state.Notes...), update.Notes...)
	}
	return state, nil
}

func assistant(content string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: content}
}
