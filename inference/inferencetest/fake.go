// Package inferencetest provides an in-memory inference backend for tests.
package inferencetest

import (
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Backend is a scripted inference.Backend.
type Backend struct {
	In  tensor.Shape
	Out tensor.Shape
	// Fn computes the output data from the input data. When nil, a zero output is returned.
	Fn func(input []float32) ([]float32, error)
	// ResultShape, when set, is the shape of returned tensors instead of Out.
	ResultShape tensor.Shape
	// CloseErr is returned by Close.
	CloseErr error

	mu     sync.Mutex
	calls  int
	closed bool
	inputs [][]float32
}

// New creates a fake backend with the given shapes.
func New(in, out tensor.Shape, fn func(input []float32) ([]float32, error)) *Backend {
	return &Backend{In: in, Out: out, Fn: fn}
}

// InputShape implements inference.Backend.
func (b *Backend) InputShape() tensor.Shape {
	return b.In
}

// OutputShape implements inference.Backend.
func (b *Backend) OutputShape() tensor.Shape {
	return b.Out
}

// Run implements inference.Backend and records a copy of the input.
func (b *Backend) Run(input *tensor.Dense) (*tensor.Dense, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("backend closed")
	}
	b.calls++
	data := append([]float32(nil), input.Data().([]float32)...)
	b.inputs = append(b.inputs, data)

	shape := b.Out
	if b.ResultShape != nil {
		shape = b.ResultShape
	}
	out := make([]float32, shape.TotalSize())
	if b.Fn != nil {
		produced, err := b.Fn(data)
		if err != nil {
			return nil, err
		}
		copy(out, produced)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

// Close implements inference.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.CloseErr
}

// Calls returns the number of Run invocations.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Inputs returns copies of every input seen.
func (b *Backend) Inputs() [][]float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]float32(nil), b.inputs...)
}
