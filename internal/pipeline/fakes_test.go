package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/energyqa/energyqa/internal/explain"
	"github.com/energyqa/energyqa/internal/grounding"
	"github.com/energyqa/energyqa/internal/llm"
	"github.com/energyqa/energyqa/internal/nl2sql"
	"github.com/energyqa/energyqa/internal/schemactx"
	"github.com/energyqa/energyqa/internal/sqlexec"
	"github.com/energyqa/energyqa/internal/vectorindex"
)

type routerReply struct {
	router Router
	err    error
}

type fakeClassifier struct {
	mu      sync.Mutex
	replies []routerReply
	calls   int
	last    []llm.Message
}

func (f *fakeClassifier) Generate(_ context.Context, messages []llm.Message) (Router, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = messages
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply.router, reply.err
}

func classifying(intent IntentType, rationale string) *fakeClassifier {
	return &fakeClassifier{replies: []routerReply{{router: Router{Type: intent, Rationale: rationale}}}}
}

type fakeResponder struct {
	reply string
	err   error
	calls int
	last  []llm.Message
}

func (f *fakeResponder) Complete(_ context.Context, messages []llm.Message, _ *llm.Schema) (string, error) {
	f.calls++
	f.last = messages
	return f.reply, f.err
}

type fakeRetriever struct {
	result grounding.Result
	err    error
	calls  int
	seen   string
}

func (f *fakeRetriever) Retrieve(_ context.Context, utterance string) (grounding.Result, error) {
	f.calls++
	f.seen = utterance
	return f.result, f.err
}

type fakeGenerator struct {
	sql   string
	err   error
	delay time.Duration
	calls int
	last  nl2sql.Request
}

func (f *fakeGenerator) Generate(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	f.calls++
	f.last = req
	if f.delay > 0 && f.calls == 1 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nl2sql.Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return nl2sql.Result{}, f.err
	}
	return nl2sql.Result{SQL: f.sql, Attempts: 1}, nil
}

type fakeExecutor struct {
	results []sqlexec.Result
	calls   int
	seen    []string
}

func (f *fakeExecutor) Execute(_ context.Context, sql string) sqlexec.Result {
	f.calls++
	f.seen = append(f.seen, sql)
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result
}

type fakeRelevance struct {
	relevance Relevance
	err       error
	calls     int
}

func (f *fakeRelevance) Generate(_ context.Context, _ []llm.Message) (Relevance, error) {
	f.calls++
	return f.relevance, f.err
}

const buildingXQuestion = "What was the consumption of Building X in April 2025?"

const buildingXSQL = `SELECT b.name, b.energy_consumption_kw_last_month FROM smart_buildings.building AS b WHERE b.name = 'Building X' AND b.reading_month = DATE '2025-04-01'`

var buildingXRows = sqlexec.Result{
	Kind:     sqlexec.KindRows,
	Text:     "| name | energy_consumption_kw_last_month |\n| --- | --- |\n| Building X | 1234.57 |",
	Columns:  []string{"name", "energy_consumption_kw_last_month"},
	RowCount: 1,
}

type harness struct {
	classifier *fakeClassifier
	responder  *fakeResponder
	retriever  *fakeRetriever
	generator  *fakeGenerator
	executor   *fakeExecutor
	explainer  *fakeResponder
	runtime    *Runtime
}

func newHarness(t *testing.T, classifier *fakeClassifier) *harness {
	t.Helper()
	schema, err := schemactx.NewStatic("TABLE: smart_buildings.building\n  - name: text\n  - energy_consumption_kw_last_month: numeric")
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}
	h := &harness{
		classifier: classifier,
		responder:  &fakeResponder{reply: "Sorry, I can only help with questions about building energy data."},
		retriever: &fakeRetriever{result: grounding.Result{
			"building.name": {{Value: vectorindex.TextValue("Building X"), Distance: 0.1}},
			"examples":      nil,
		}},
		generator: &fakeGenerator{sql: buildingXSQL},
		executor:  &fakeExecutor{results: []sqlexec.Result{buildingXRows}},
		explainer: &fakeResponder{reply: "Building X consumed 1234.57 kW in April 2025."},
	}
	explainer, err := explain.NewExplainer(h.explainer, true)
	if err != nil {
		t.Fatalf("NewExplainer() error = %v", err)
	}
	h.runtime = &Runtime{
		Classifier: classifier,
		Responder:  h.responder,
		Retriever:  h.retriever,
		Schema:     schema,
		Generator:  h.generator,
		Executor:   h.executor,
		Explainer:  explainer,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options: Options{
			HistoryWindow:  3,
			StageTimeout:   time.Second,
			StageRetries:   1,
			GroundingOrder: []string{"building.name", "examples"},
		},
	}
	return h
}

func (h *harness) graph(t *testing.T) *Graph {
	t.Helper()
	graph, err := New(h.runtime)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return graph
}

func userTurn(content string) State {
	return NewState(llm.Message{Role: llm.RoleUser, Content: content})
}
