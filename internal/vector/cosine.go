package vector

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyVector       = errors.New("vector is empty")
	ErrDimensionMismatch = errors.New("vector dimensions differ")
	ErrZeroMagnitude     = errors.New("vector has zero magnitude")
)

// CosineSimilarity returns dot(a,b)/(|a||b|). Zero vectors are rejected
// instead of producing NaN.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmptyVector
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, ErrZeroMagnitude
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// clamp float drift so identical vectors score exactly 1
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim, nil
}
