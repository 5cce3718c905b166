package postprocess

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/perch/images"
	"github.com/nvr-ai/perch/models/model"
)

// boxAttributes is the number of leading rows holding cx, cy, w, h.
const boxAttributes = 4

// DecodeConfig describes how raw detector output maps back to the source image.
type DecodeConfig struct {
	// Threshold is the minimum best-class score for a candidate to be kept.
	Threshold float32 `json:"threshold" yaml:"threshold"`
	// InputWidth, InputHeight are the model input resolution the boxes are expressed in.
	InputWidth  int `json:"input_width"  yaml:"input_width"`
	InputHeight int `json:"input_height" yaml:"input_height"`
	// OriginalWidth, OriginalHeight are the resolution the boxes are rescaled to.
	OriginalWidth  int `json:"original_width"  yaml:"original_width"`
	OriginalHeight int `json:"original_height" yaml:"original_height"`
}

func (c DecodeConfig) validate() error {
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return errors.Wrapf(model.ErrShapeMismatch, "invalid input size %dx%d", c.InputWidth, c.InputHeight)
	}
	if c.OriginalWidth <= 0 || c.OriginalHeight <= 0 {
		return errors.Wrapf(model.ErrShapeMismatch, "invalid original size %dx%d", c.OriginalWidth, c.OriginalHeight)
	}
	return nil
}

func validateLayout(output []float32, numAttributes, numCandidates int) error {
	if numAttributes <= boxAttributes {
		return errors.Wrapf(model.ErrShapeMismatch, "need at least %d attribute rows, got %d", boxAttributes+1, numAttributes)
	}
	if numCandidates < 0 || len(output) != numAttributes*numCandidates {
		return errors.Wrapf(model.ErrShapeMismatch, "output length %d does not match [%d, %d]",
			len(output), numAttributes, numCandidates)
	}
	return nil
}

// Decode converts a YOLO-style output buffer into candidate detections.
//
// The buffer is row-major and logically shaped [numAttributes, numCandidates]
// where numAttributes = 4 + numClasses. Rows 0-3 hold the center-form box
// (cx, cy, w, h) in model-input pixels; the remaining rows hold per-class
// scores. For every candidate column the best class is found (ties keep the
// lowest class index), candidates scoring below the threshold are dropped,
// and the box is converted to corner form and rescaled to the original image.
//
// Arguments:
//   - output: The flat output buffer.
//   - numAttributes: The number of rows (4 + numClasses).
//   - numCandidates: The number of candidate columns.
//   - cfg: Threshold and resolution mapping.
//
// Returns:
//   - []Result: Candidates in ascending column order. Every score is >= cfg.Threshold.
//   - error: A model.ErrShapeMismatch when the buffer or config is malformed.
func Decode(output []float32, numAttributes, numCandidates int, cfg DecodeConfig) ([]Result, error) {
	if err := validateLayout(output, numAttributes, numCandidates); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return decodeRange(output, numAttributes, numCandidates, 0, numCandidates, cfg), nil
}

// DecodeParallel is Decode with the candidate columns split across workers.
//
// Each worker owns a disjoint column range and its own result slice; the
// slices are concatenated in range order, so the output is identical to Decode.
//
// Arguments:
//   - output, numAttributes, numCandidates, cfg: As for Decode.
//   - workers: The number of goroutines. Values < 1 use runtime.NumCPU().
//
// Returns:
//   - []Result: Candidates in ascending column order.
//   - error: A model.ErrShapeMismatch when the buffer or config is malformed.
func DecodeParallel(output []float32, numAttributes, numCandidates int, cfg DecodeConfig, workers int) ([]Result, error) {
	if err := validateLayout(output, numAttributes, numCandidates); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	parts := images.Partitions(numCandidates, workers)
	chunks := make([][]Result, len(parts))
	images.ParallelPartitions(parts, func(i int, p images.Partition) {
		chunks[i] = decodeRange(output, numAttributes, numCandidates, p.Start, p.End, cfg)
	})

	var total int
	for _, c := range chunks {
		total += len(c)
	}
	if total == 0 {
		return nil, nil
	}
	results := make([]Result, 0, total)
	for _, c := range chunks {
		results = append(results, c...)
	}

	return results, nil
}

// decodeRange decodes candidate columns [start, end).
func decodeRange(output []float32, numAttributes, cols, start, end int, cfg DecodeConfig) []Result {
	sx := float32(cfg.OriginalWidth) / float32(cfg.InputWidth)
	sy := float32(cfg.OriginalHeight) / float32(cfg.InputHeight)

	var results []Result
	for i := start; i < end; i++ {
		bestClass := 0
		bestScore := output[boxAttributes*cols+i]
		for c := boxAttributes + 1; c < numAttributes; c++ {
			if score := output[c*cols+i]; score > bestScore {
				bestScore = score
				bestClass = c - boxAttributes
			}
		}

		if bestScore < cfg.Threshold {
			continue
		}

		box := images.FromCenter(output[i], output[cols+i], output[2*cols+i], output[3*cols+i])
		results = append(results, Result{
			Box:   box.Scale(sx, sy),
			Score: bestScore,
			Class: bestClass,
		})
	}

	return results
}
