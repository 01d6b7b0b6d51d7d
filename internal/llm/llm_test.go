package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeModel struct {
	reply   string
	err     error
	schemas []*Schema
}

func (f *fakeModel) Complete(_ context.Context, _ []Message, schema *Schema) (string, error) {
	f.schemas = append(f.schemas, schema)
	return f.reply, f.err
}

type decision struct {
	Type      string `json:"type"`
	Rationale string `json:"rationale"`
}

var decisionSchema = Schema{Name: "decision", Definition: json.RawMessage(`{"type":"object"}`)}

func TestParseModelID(t *testing.T) {
	cases := []struct {
		raw  string
		want ModelID
	}{
		{"openai/gpt-4o-mini", ModelID{Provider: "openai", Name: "gpt-4o-mini"}},
		{"OpenAI/gpt-4.1", ModelID{Provider: "openai", Name: "gpt-4.1"}},
		{"gpt-4o", ModelID{Provider: "openai", Name: "gpt-4o"}},
		{"fireworks/accounts/fw/models/llama", ModelID{Provider: "fireworks", Name: "accounts/fw/models/llama"}},
	}
	for _, tc := range cases {
		got, err := ParseModelID(tc.raw)
		if err != nil {
			t.Fatalf("ParseModelID(%q) error = %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseModelID(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "  ", "/gpt", "openai/"} {
		if _, err := ParseModelID(raw); err == nil {
			t.Fatalf("ParseModelID(%q) expected error", raw)
		}
	}
}

func TestLastTurnsKeepsTrailingConversation(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "u1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "u2"},
		{Role: RoleAssistant, Content: "a2"},
		{Role: RoleUser, Content: "u3"},
	}
	got := LastTurns(messages, 3)
	if len(got) != 3 || got[0].Content != "u2" || got[2].Content != "u3" {
		t.Fatalf("LastTurns() = %+v", got)
	}
	if got := LastTurns(messages[:2], 3); len(got) != 1 {
		t.Fatalf("LastTurns(short) = %+v", got)
	}
	if question, ok := LastUserMessage(messages); !ok || question != "u3" {
		t.Fatalf("LastUserMessage() = %q, %v", question, ok)
	}
	if _, ok := LastUserMessage(nil); ok {
		t.Fatal("LastUserMessage(nil) should report false")
	}
}

func TestStructuredDecodesFencedJSON(t *testing.T) {
	model := &fakeModel{reply: "```json\n{\"type\":\"general\",\"rationale\":\"greeting\"}\n```"}
	gen, err := NewStructured[decision](model, decisionSchema, nil)
	if err != nil {
		t.Fatalf("NewStructured() error = %v", err)
	}
	got, err := gen.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Type != "general" || got.Rationale != "greeting" {
		t.Fatalf("Generate() = %+v", got)
	}
	if len(model.schemas) != 1 || model.schemas[0] == nil || model.schemas[0].Name != "decision" {
		t.Fatalf("schema passed to model = %+v", model.schemas)
	}
}

func TestStructuredSurfacesMalformedOutput(t *testing.T) {
	validate := func(d decision) error {
		if d.Type == "" {
			return errors.New("type is required")
		}
		return nil
	}
	for _, reply := range []string{"not json", `{"type":"general","extra":1}`, `{"rationale":"x"}`} {
		gen, err := NewStructured[decision](&fakeModel{reply: reply}, decisionSchema, validate)
		if err != nil {
			t.Fatalf("NewStructured() error = %v", err)
		}
		_, err = gen.Generate(context.Background(), nil)
		var malformed *MalformedOutputError
		if !errors.As(err, &malformed) {
			t.Fatalf("Generate(%q) error = %v, want MalformedOutputError", reply, err)
		}
		if malformed.Raw != reply {
			t.Fatalf("MalformedOutputError.Raw = %q", malformed.Raw)
		}
	}
}

func TestStructuredPassesThroughModelErrors(t *testing.T) {
	boom := errors.New("upstream down")
	gen, err := NewStructured[decision](&fakeModel{err: boom}, decisionSchema, nil)
	if err != nil {
		t.Fatalf("NewStructured() error = %v", err)
	}
	if _, err := gen.Generate(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("Generate() error = %v, want %v", err, boom)
	}
	if _, err := NewStructured[decision](nil, decisionSchema, nil); err == nil {
		t.Fatal("NewStructured(nil) expected error")
	}
}

func TestThrottledPassesThroughAndHonorsCancellation(t *testing.T) {
	model := &fakeModel{reply: "hello"}
	throttled := NewThrottled(model, 0.001)
	got, err := throttled.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil || got != "hello" {
		t.Fatalf("Complete() = %q, %v", got, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := throttled.Complete(ctx, nil, nil); err == nil {
		t.Fatal("expected cancellation error while waiting for the limiter")
	}
	if len(model.schemas) != 1 {
		t.Fatalf("model calls = %d, want 1", len(model.schemas))
	}
}
