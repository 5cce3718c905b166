// Package identity - Online clustering of bird embeddings into stable identities.
package identity

import "github.com/chewxy/math32"

// unitTolerance is how close to 1 a norm must be to count as already normalized.
const unitTolerance = 1e-6

// L2Norm returns the Euclidean norm of v.
func L2Norm(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return math32.Sqrt(sum)
}

// Normalize scales v to unit L2 norm.
//
// A zero vector and a vector whose norm is already within 1e-6 of 1 are
// returned as is (same backing array). Otherwise a new slice is returned.
func Normalize(v []float32) []float32 {
	norm := L2Norm(v)
	if norm == 0 || math32.Abs(norm-1) < unitTolerance {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
