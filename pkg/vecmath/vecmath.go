// Package vecmath contains the small amount of vector math needed to compare embeddings
package vecmath

import (
	"gonum.org/v1/gonum/floats"
)

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Cosine similarity of a and b, in [-1,1].
// Returns 0 if the lengths differ or either vector is zero.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	a64 := toFloat64(a)
	b64 := toFloat64(b)
	na := floats.Norm(a64, 2)
	nb := floats.Norm(b64, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(floats.Dot(a64, b64) / (na * nb))
}

// Normalize returns a copy of v scaled to unit length.
// A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	v64 := toFloat64(v)
	n := floats.Norm(v64, 2)
	out := make([]float32, len(v))
	if n == 0 {
		copy(out, v)
		return out
	}
	floats.Scale(1/n, v64)
	for i, x := range v64 {
		out[i] = float32(x)
	}
	return out
}
