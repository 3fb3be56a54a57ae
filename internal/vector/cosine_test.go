package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilaritySelf(t *testing.T) {
	vectors := [][]float32{
		{1, 0, 0},
		{0.3, -2.5, 7},
		{1e-3, 1e-3},
		{42},
	}
	for _, v := range vectors {
		sim, err := CosineSimilarity(v, v)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim, 1e-9)
	}
}

func TestCosineSimilaritySymmetric(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{-4, 0.5, 9}
	ab, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	ba, err := CosineSimilarity(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestCosineSimilarityOrthogonalAndOpposite(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 1}, []float32{-1, -1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-9)
}

func TestCosineSimilarityGuards(t *testing.T) {
	_, err := CosineSimilarity(nil, []float32{1})
	assert.ErrorIs(t, err, ErrEmptyVector)

	_, err = CosineSimilarity([]float32{1, 2}, []float32{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	assert.ErrorIs(t, err, ErrZeroMagnitude)
}
