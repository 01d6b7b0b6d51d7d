package vectorindex

import (
	"errors"
	"fmt"
	"sort"
)

// Index is an exact L2 nearest-neighbour index over one category. It is read-only once built.
type Index struct {
	dim     int
	vectors [][]float32
	values  []Value
}

type Match struct {
	Value    Value
	Distance float32
	Position int
}

func NewIndex(vectors [][]float32, values []Value) (*Index, error) {
	if len(vectors) != len(values) {
		return nil, fmt.Errorf("vector/value count mismatch: %d vectors, %d values", len(vectors), len(values))
	}
	dim := 0
	copied := make([][]float32, len(vectors))
	for i, vector := range vectors {
		if len(vector) == 0 {
			return nil, fmt.Errorf("vector %d is empty", i)
		}
		if i == 0 {
			dim = len(vector)
		} else if len(vector) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(vector), dim)
		}
		copied[i] = append([]float32(nil), vector...)
	}
	return &Index{
		dim:     dim,
		vectors: copied,
		values:  append([]Value(nil), values...),
	}, nil
}

func (i *Index) Len() int {
	return len(i.values)
}

func (i *Index) Dimension() int {
	return i.dim
}

// Values returns a copy of the indexed values in insertion order.
func (i *Index) Values() []Value {
	return append([]Value(nil), i.values...)
}

// Search returns at most k matches by ascending distance; equal distances keep insertion order.
func (i *Index) Search(query []float32, k int) ([]Match, error) {
	if k <= 0 || len(i.vectors) == 0 {
		return nil, nil
	}
	if len(query) != i.dim {
		return nil, fmt.Errorf("query dimension %d, index dimension %d", len(query), i.dim)
	}
	matches := make([]Match, len(i.vectors))
	for pos, vector := range i.vectors {
		matches[pos] = Match{Value: i.values[pos], Distance: l2(query, vector), Position: pos}
	}
	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Distance < matches[b].Distance
	})
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func l2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

var ErrInvalidCategory = errors.New("invalid category name")

// Set groups one Index per grounding category.
type Set struct {
	indexes map[string]*Index
}

func NewSet(indexes map[string]*Index) (*Set, error) {
	copied := make(map[string]*Index, len(indexes))
	for category, index := range indexes {
		if err := ValidateCategory(category); err != nil {
			return nil, err
		}
		if index == nil {
			return nil, fmt.Errorf("category %q has no index", category)
		}
		copied[category] = index
	}
	return &Set{indexes: copied}, nil
}

func (s *Set) Categories() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.indexes))
	for category := range s.indexes {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

func (s *Set) Index(category string) (*Index, bool) {
	if s == nil {
		return nil, false
	}
	index, ok := s.indexes[category]
	return index, ok
}

// Search returns no matches for a category that was never built.
func (s *Set) Search(category string, query []float32, k int) ([]Match, error) {
	index, ok := s.Index(category)
	if !ok {
		return nil, nil
	}
	return index.Search(query, k)
}

func ValidateCategory(category string) error {
	if category == "" || category == "." || category == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	for _, r := range category {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
		}
	}
	return nil
}
