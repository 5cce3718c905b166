package postprocess

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/perch/models/model"
)

// buildOutput lays out candidates as a row-major [4+numClasses, len(boxes)] buffer.
func buildOutput(boxes [][4]float32, scores [][]float32) []float32 {
	cols := len(boxes)
	numClasses := len(scores[0])
	out := make([]float32, (4+numClasses)*cols)
	for i, b := range boxes {
		for r := 0; r < 4; r++ {
			out[r*cols+i] = b[r]
		}
		for c, s := range scores[i] {
			out[(4+c)*cols+i] = s
		}
	}
	return out
}

func identityScale() DecodeConfig {
	return DecodeConfig{Threshold: 0.1, InputWidth: 320, InputHeight: 320, OriginalWidth: 320, OriginalHeight: 320}
}

// TestDecodeThresholdGuarantee validates that only one column above threshold yields one candidate.
func TestDecodeThresholdGuarantee(t *testing.T) {
	boxes := [][4]float32{
		{50, 50, 10, 10},
		{100, 100, 20, 20},
		{150, 150, 30, 30},
	}
	scores := [][]float32{
		{0.05, 0.02},
		{0.03, 0.40},
		{0.09, 0.01},
	}

	results, err := Decode(buildOutput(boxes, scores), 6, 3, identityScale())
	require.NoError(t, err)
	require.Len(t, results, 1, "Only the second column exceeds the threshold")

	assert.Equal(t, 1, results[0].Class)
	assert.Equal(t, float32(0.40), results[0].Score)
	assert.InDelta(t, 90, results[0].Box.X1, 1e-4)
	assert.InDelta(t, 90, results[0].Box.Y1, 1e-4)
	assert.InDelta(t, 110, results[0].Box.X2, 1e-4)
	assert.InDelta(t, 110, results[0].Box.Y2, 1e-4)
}

func TestDecodeScoreAtThresholdIsKept(t *testing.T) {
	results, err := Decode(buildOutput([][4]float32{{10, 10, 4, 4}}, [][]float32{{0.1}}), 5, 1, identityScale())
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestDecodeTiesKeepLowestClass(t *testing.T) {
	scores := [][]float32{{0.2, 0.7, 0.7, 0.1}}
	results, err := Decode(buildOutput([][4]float32{{10, 10, 4, 4}}, scores), 8, 1, identityScale())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Class)
}

// TestDecodeRescale validates independent x/y rescaling from input to original resolution.
func TestDecodeRescale(t *testing.T) {
	cfg := DecodeConfig{Threshold: 0.5, InputWidth: 320, InputHeight: 320, OriginalWidth: 640, OriginalHeight: 360}
	results, err := Decode(buildOutput([][4]float32{{160, 160, 32, 64}}, [][]float32{{0.9}}), 5, 1, cfg)
	require.NoError(t, err)
	require.Len(t, results, 1)

	box := results[0].Box
	assert.InDelta(t, (160-16)*640.0/320.0, box.X1, 1e-3)
	assert.InDelta(t, (160-32)*360.0/320.0, box.Y1, 1e-3)
	assert.InDelta(t, (160+16)*640.0/320.0, box.X2, 1e-3)
	assert.InDelta(t, (160+32)*360.0/320.0, box.Y2, 1e-3)
}

// TestDecodeOrder validates that candidates come out in ascending column order, not score order.
func TestDecodeOrder(t *testing.T) {
	boxes := [][4]float32{{10, 10, 2, 2}, {20, 20, 2, 2}, {30, 30, 2, 2}}
	scores := [][]float32{{0.3}, {0.9}, {0.6}}
	results, err := Decode(buildOutput(boxes, scores), 5, 3, identityScale())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, float32(0.3), results[0].Score)
	assert.Equal(t, float32(0.9), results[1].Score)
	assert.Equal(t, float32(0.6), results[2].Score)
}

func TestDecodeShapeMismatch(t *testing.T) {
	tests := []struct {
		name          string
		output        []float32
		numAttributes int
		numCandidates int
		cfg           DecodeConfig
	}{
		{"length mismatch", make([]float32, 10), 5, 3, identityScale()},
		{"no class rows", make([]float32, 8), 4, 2, identityScale()},
		{"zero input size", make([]float32, 5), 5, 1, DecodeConfig{OriginalWidth: 1, OriginalHeight: 1}},
		{"zero original size", make([]float32, 5), 5, 1, DecodeConfig{InputWidth: 1, InputHeight: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.output, tt.numAttributes, tt.numCandidates, tt.cfg)
			assert.ErrorIs(t, err, model.ErrShapeMismatch)

			_, err = DecodeParallel(tt.output, tt.numAttributes, tt.numCandidates, tt.cfg, 4)
			assert.ErrorIs(t, err, model.ErrShapeMismatch)
		})
	}
}

// TestDecodeParallelMatchesSequential validates that splitting columns across workers is invisible.
func TestDecodeParallelMatchesSequential(t *testing.T) {
	const (
		numClasses    = 80
		numCandidates = 2100
	)
	rng := rand.New(rand.NewSource(7))
	output := make([]float32, (4+numClasses)*numCandidates)
	for i := range output {
		output[i] = rng.Float32() * 0.5
	}
	cfg := DecodeConfig{Threshold: 0.49, InputWidth: 320, InputHeight: 320, OriginalWidth: 640, OriginalHeight: 360}

	sequential, err := Decode(output, 4+numClasses, numCandidates, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, sequential)

	for _, workers := range []int{1, 2, 3, 8, 0} {
		parallel, err := DecodeParallel(output, 4+numClasses, numCandidates, cfg, workers)
		require.NoError(t, err)
		assert.Equal(t, sequential, parallel, "workers=%d", workers)
	}
}
