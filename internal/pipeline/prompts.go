package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/energyqa/energyqa/internal/llm"
)

const routerSystemPrompt = `You route questions for an assistant that answers questions about a building energy consumption database.

Classify the latest user message as exactly one of:

## needs_more_info
The question is ambiguous or lacks context needed to look anything up, for example it names no building, metric or period where one is required.

## database_query
The question can be answered by looking up information in the energy consumption database.

## general
Anything else.

Give a one sentence rationale for your choice.`

const generalSystemPrompt = `You are a data analyst assistant for a building energy consumption database.

The user asked something unrelated to the data. The routing rationale was:

<logic>
%s
</logic>

Politely decline to answer. Explain that you can only answer questions about the building energy consumption data, and that if their question is about the dataset they should clarify how.`

const moreInfoSystemPrompt = `You are a data analyst assistant for a building energy consumption database.

More information is needed before the question can be looked up. The routing rationale was:

<logic>
%s
</logic>

Ask the user a single, short follow-up question to get the missing detail.`

const relevanceSystemPrompt = `Given the database schema below and the user's question, list the tables and columns needed to answer it. Use schema-qualified table names exactly as written in the schema.

Schema:
%s`

const (
	classificationApology = "Sorry, I could not understand that request well enough to route it. Please try asking again."
	generalFallback       = "Sorry, I can only answer questions about the building energy consumption data."
	moreInfoFallback      = "Could you tell me a bit more about which building, metric or period you are interested in?"
)

var routerSchema = llm.Schema{
	Name: "router",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "type": {"type": "string", "enum": ["needs_more_info", "database_query", "general"]},
    "rationale": {"type": "string"}
  },
  "required": ["type", "rationale"],
  "additionalProperties": false
}`),
}

// NewClassifier wraps model in the router output schema. Only the shape is validated here; an
// unrecognised type is rejected by the graph.
func NewClassifier(model llm.ChatModel) (*llm.Structured[Router], error) {
	return llm.NewStructured(model, routerSchema, func(r Router) error {
		if strings.TrimSpace(string(r.Type)) == "" {
			return errors.New("router type is required")
		}
		return nil
	})
}

type TableColumns struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

type Relevance struct {
	RelevantTables  []string       `json:"relevant_tables"`
	RelevantColumns []TableColumns `json:"relevant_columns"`
}

var relevanceSchema = llm.Schema{
	Name: "relevance",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "relevant_tables": {"type": "array", "items": {"type": "string"}},
    "relevant_columns": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "table": {"type": "string"},
          "columns": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["table", "columns"],
        "additionalProperties": false
      }
    }
  },
  "required": ["relevant_tables", "relevant_columns"],
  "additionalProperties": false
}`),
}

func NewRelevanceExtractor(model llm.ChatModel) (*llm.Structured[Relevance], error) {
	return llm.NewStructured[Relevance](model, relevanceSchema, nil)
}

func routerMessages(history []llm.Message) []llm.Message {
	return append([]llm.Message{{Role: llm.RoleSystem, Content: routerSystemPrompt}}, history...)
}

func respondMessages(template, rationale string, history []llm.Message) []llm.Message {
	system := fmt.Sprintf(template, strings.TrimSpace(rationale))
	return append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, history...)
}
