package embedding

import (
	"math"
	"testing"
)

func TestNormalizeScalesToUnitLength(t *testing.T) {
	got := Normalize([]float32{3, 4})
	if math.Abs(float64(got[0])-0.6) > 1e-6 || math.Abs(float64(got[1])-0.8) > 1e-6 {
		t.Fatalf("Normalize() = %v", got)
	}
}

func TestNormalizeLeavesZeroVector(t *testing.T) {
	got := Normalize([]float32{0, 0, 0})
	for _, x := range got {
		if x != 0 {
			t.Fatalf("Normalize(zero) = %v", got)
		}
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := []float32{1, 1}
	_ = Normalize(in)
	if in[0] != 1 || in[1] != 1 {
		t.Fatalf("input mutated: %v", in)
	}
}
