// Package distance provides float32 vector kernels used by the vector index.
package distance

import (
	"math"
	"slices"
)

// Func calculates the distance between two equal-length vectors.
type Func func(a, b []float32) float32

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Cosine calculates the cosine similarity of two vectors in [-1, 1].
// Returns 0 if either vector has zero norm.
func Cosine(a, b []float32) float32 {
	dot := Dot(a, b)
	na := Dot(a, a)
	nb := Dot(b, b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
}

// CosineToUnit maps a cosine similarity in [-1, 1] to [0, 1].
// This is the normalization used for score fusion.
func CosineToUnit(cos float32) float32 {
	u := (cos + 1) / 2
	// Clamp against float drift so fused scores stay bounded.
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := float32(1 / math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}
