// Package postprocess - Postprocessing utilities for detection models.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/perch/images"
)

// Result represents a single detection result.
//
// Before Non-Maximum Suppression a Result is a candidate; after it, a final
// detection. Coordinates are in original-image pixel space.
type Result struct {
	// The bounding box of the result.
	Box images.Rect
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result.
	Class int
}

// String formats the result for logging.
func (r Result) String() string {
	return fmt.Sprintf("class=%d score=%.3f box=%s", r.Class, r.Score, r.Box)
}
