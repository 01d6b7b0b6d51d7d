package grounding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/energyqa/energyqa/internal/embedding"
	"github.com/energyqa/energyqa/internal/vectorindex"
)

// IndexProvider returns the index set current at call time.
type IndexProvider interface {
	Current() *vectorindex.Set
}

type Candidate struct {
	Value    vectorindex.Value `json:"value"`
	Distance float32           `json:"distance"`
}

// Result maps category to candidates ordered by ascending distance.
type Result map[string][]Candidate

type Retriever struct {
	embedder   embedding.Embedder
	indexes    IndexProvider
	categories []string
	k          int
}

// NewRetriever searches the given categories; with none it searches every category of the current set.
func NewRetriever(embedder embedding.Embedder, indexes IndexProvider, k int, categories ...string) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if indexes == nil {
		return nil, errors.New("index provider is required")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be > 0, got %d", k)
	}
	return &Retriever{
		embedder:   embedder,
		indexes:    indexes,
		categories: append([]string(nil), categories...),
		k:          k,
	}, nil
}

func (r *Retriever) K() int {
	return r.k
}

// Retrieve embeds the utterance once and searches each category.
func (r *Retriever) Retrieve(ctx context.Context, utterance string) (Result, error) {
	set := r.indexes.Current()
	categories := r.categories
	if len(categories) == 0 {
		categories = set.Categories()
	}
	result := make(Result, len(categories))
	for _, category := range categories {
		result[category] = nil
	}
	if strings.TrimSpace(utterance) == "" || len(categories) == 0 {
		return result, nil
	}

	vector, err := r.embedder.Embed(ctx, utterance)
	if err != nil {
		return nil, fmt.Errorf("embed utterance: %w", err)
	}
	query := embedding.Normalize(vector)
	for _, category := range categories {
		matches, err := set.Search(category, query, r.k)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", category, err)
		}
		candidates := make([]Candidate, 0, len(matches))
		for _, match := range matches {
			candidates = append(candidates, Candidate{Value: match.Value, Distance: match.Distance})
		}
		result[category] = candidates
	}
	return result, nil
}

// Hints renders candidates as prompt text, one block per category. Categories in order come
// first; the rest follow alphabetically.
func (r Result) Hints(order []string) string {
	seen := make(map[string]bool, len(r))
	categories := make([]string, 0, len(r))
	for _, category := range order {
		if _, ok := r[category]; ok && !seen[category] {
			seen[category] = true
			categories = append(categories, category)
		}
	}
	var rest []string
	for category := range r {
		if !seen[category] {
			rest = append(rest, category)
		}
	}
	sort.Strings(rest)
	categories = append(categories, rest...)

	var b strings.Builder
	for _, category := range categories {
		candidates := r[category]
		if len(candidates) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", category)
		for _, candidate := range candidates {
			text := strings.ReplaceAll(candidate.Value.String(), "\n", "\n  ")
			fmt.Fprintf(&b, "- %s\n", text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
