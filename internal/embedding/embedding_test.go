package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministic_SameInputSameVector(t *testing.T) {
	e := NewDeterministic(64)
	v1, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 64)
}

func TestDeterministic_DifferentInputDifferentVector(t *testing.T) {
	e := NewDeterministic(32)
	v1, _ := e.Embed(context.Background(), "alpha")
	v2, _ := e.Embed(context.Background(), "beta")
	assert.NotEqual(t, v1, v2)
}

func TestCosineSimilarity_IdenticalVectorIsOne(t *testing.T) {
	e := NewDeterministic(16)
	v, _ := e.Embed(context.Background(), "text")
	sim := CosineSimilarity(v, v)
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestCosineSimilarity_MismatchedDimsIsZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
}
