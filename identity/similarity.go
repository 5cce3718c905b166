package identity

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

const (
	// topFraction is the share of best per-sample similarities that are averaged.
	topFraction = 0.75
	// bonusPerSample and maxBonus reward identities with longer histories.
	bonusPerSample = 0.001
	maxBonus       = 0.05
)

// CosineSimilarity returns the dot product of two unit vectors clamped to [-1, 1].
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, errors.Wrapf(ErrDimensionMismatch, "%d != %d", len(a), len(b))
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return math32.Max(-1, math32.Min(1, dot)), nil
}

// RobustSimilarity scores query against every sample of id.
//
// The per-sample cosine similarities are sorted descending and the top
// max(1, ceil(0.75*n)) are averaged. A bonus of min(0.05, n*0.001) is added
// and the total is clamped to at most 1. An identity without samples scores 0.
func RobustSimilarity(query []float32, id *Identity) (float32, error) {
	n := len(id.Samples)
	if n == 0 {
		return 0, nil
	}

	sims := make([]float64, n)
	for i, s := range id.Samples {
		sim, err := CosineSimilarity(query, s.Vector)
		if err != nil {
			return 0, errors.Wrapf(err, "comparing with %s", id.ID)
		}
		sims[i] = float64(sim)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sims)))

	top := int(math32.Ceil(topFraction * float32(n)))
	if top < 1 {
		top = 1
	}
	mean, err := stats.Mean(sims[:top])
	if err != nil {
		return 0, errors.Wrap(err, "averaging similarities")
	}

	bonus := math32.Min(maxBonus, float32(n)*bonusPerSample)
	return math32.Min(1, float32(mean)+bonus), nil
}
