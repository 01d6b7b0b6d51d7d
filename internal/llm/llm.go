package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Schema constrains a completion to a JSON document matching Definition.
type Schema struct {
	Name       string
	Definition json.RawMessage
}

type ChatModel interface {
	Complete(ctx context.Context, messages []Message, schema *Schema) (string, error)
}

type ModelID struct {
	Provider string
	Name     string
}

func (m ModelID) String() string {
	return m.Provider + "/" + m.Name
}

// ParseModelID splits "provider/model". A bare model name defaults to the openai provider.
func ParseModelID(raw string) (ModelID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ModelID{}, fmt.Errorf("model id is required")
	}
	provider, name, found := strings.Cut(trimmed, "/")
	if !found {
		return ModelID{Provider: "openai", Name: trimmed}, nil
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	name = strings.TrimSpace(name)
	if provider == "" || name == "" {
		return ModelID{}, fmt.Errorf("invalid model id %q: want provider/model", raw)
	}
	return ModelID{Provider: provider, Name: name}, nil
}

// LastTurns returns the trailing n user/assistant messages. System messages are dropped.
func LastTurns(messages []Message, n int) []Message {
	conversational := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue
		}
		conversational = append(conversational, msg)
	}
	if n <= 0 || len(conversational) <= n {
		return conversational
	}
	return conversational[len(conversational)-n:]
}

// LastUserMessage returns the content of the most recent user message.
func LastUserMessage(messages []Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content, true
		}
	}
	return "", false
}
