package identity

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	out := Normalize([]float32{3, 0, 4})
	assert.InDeltaSlice(t, []float32{0.6, 0, 0.8}, out, 1e-6)
	assert.InDelta(t, 1, L2Norm(out), 1e-6)
}

// TestNormalizeIdempotent validates that a unit vector comes back unchanged.
func TestNormalizeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	v := make([]float32, 768)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	once := Normalize(v)
	twice := Normalize(once)
	require.Len(t, twice, len(once))
	for i := range once {
		assert.InDelta(t, once[i], twice[i], 1e-6)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	zero := make([]float32, 16)
	out := Normalize(zero)
	assert.Equal(t, zero, out)
	assert.Equal(t, float32(0), L2Norm(out))
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	v := []float32{2, 0}
	out := Normalize(v)
	assert.Equal(t, []float32{2, 0}, v)
	assert.Equal(t, []float32{1, 0}, out)
}
