// Package inference - Model execution: backends, the shared driver and engine assembly.
package inference

import (
	"gorgonia.org/tensor"

	"github.com/nvr-ai/perch/models/model"
)

// ErrShapeMismatch is returned when an image or tensor does not match the model contract.
// It is raised before the backend is invoked.
var ErrShapeMismatch = model.ErrShapeMismatch

// Backend runs one fixed-shape model synchronously.
// Implementations are not safe for concurrent Run calls.
type Backend interface {
	// InputShape is the model input, [1, 3, H, W].
	InputShape() tensor.Shape
	// OutputShape is the model output, e.g. [1, 4+C, N] or [1, D].
	OutputShape() tensor.Shape
	// Run executes the model on input and returns a tensor owned by the caller.
	Run(input *tensor.Dense) (*tensor.Dense, error)
	// Close releases native resources.
	Close() error
}
