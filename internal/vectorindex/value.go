package vectorindex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Example is a curated question with the SQL that answers it.
type Example struct {
	Question string `json:"question" yaml:"question"`
	SQL      string `json:"sql" yaml:"sql"`
}

// Value is one indexed item: a raw column value or an Example.
type Value struct {
	Text    string
	Example *Example
}

func TextValue(text string) Value {
	return Value{Text: text}
}

func ExampleValue(question, sql string) Value {
	return Value{Text: question, Example: &Example{Question: question, SQL: sql}}
}

// EmbeddingText is the text embedded for this value.
func (v Value) EmbeddingText() string {
	if v.Example != nil {
		return v.Example.Question
	}
	return v.Text
}

func (v Value) String() string {
	if v.Example != nil {
		return fmt.Sprintf("Question: %s\nSQL: %s", v.Example.Question, strings.TrimSpace(v.Example.SQL))
	}
	return v.Text
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Example != nil {
		return json.Marshal(v.Example)
	}
	return json.Marshal(v.Text)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("empty value")
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*v = TextValue(text)
		return nil
	case '{':
		var example Example
		if err := json.Unmarshal(trimmed, &example); err != nil {
			return err
		}
		if strings.TrimSpace(example.Question) == "" {
			return errors.New("example value requires a question")
		}
		*v = ExampleValue(example.Question, example.SQL)
		return nil
	default:
		return fmt.Errorf("value must be a string or a question/sql object, got %s", string(trimmed))
	}
}
