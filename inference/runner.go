package inference

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/perch/images"
	"github.com/nvr-ai/perch/models/model"
)

// Observer receives the backend latency of every successful Run.
type Observer func(name model.Name, elapsed time.Duration)

// RunnerOption configures a Runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	logger   *zap.Logger
	observer Observer
}

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(o *runnerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers a latency observer.
func WithObserver(observer Observer) RunnerOption {
	return func(o *runnerOptions) {
		o.observer = observer
	}
}

// Runner drives one model: it owns the input buffer, lets the strategy fill
// it, validates shapes, invokes the backend and hands the output back to the
// strategy. Calls are serialized; the backend never sees concurrent runs.
type Runner[T any] struct {
	mu       sync.Mutex
	backend  Backend
	strategy model.Strategy[T]
	input    []float32
	logger   *zap.Logger
	observer Observer
}

// NewRunner binds a strategy to a backend.
//
// Returns:
//   - ErrShapeMismatch if the backend and strategy disagree on the tensor contract.
func NewRunner[T any](backend Backend, strategy model.Strategy[T], opts ...RunnerOption) (*Runner[T], error) {
	o := runnerOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	base := strategy.Options()
	if !backend.InputShape().Eq(base.InputShape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: backend input %v, model expects %v",
			base.Name, backend.InputShape(), base.InputShape)
	}
	if !backend.OutputShape().Eq(base.OutputShape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: backend output %v, model expects %v",
			base.Name, backend.OutputShape(), base.OutputShape)
	}

	return &Runner[T]{
		backend:  backend,
		strategy: strategy,
		input:    make([]float32, base.InputShape.TotalSize()),
		logger:   o.logger.With(zap.String("model", string(base.Name))),
		observer: o.observer,
	}, nil
}

// Model returns the tensor contract of the runner's strategy.
func (r *Runner[T]) Model() model.BaseModel {
	return r.strategy.Options()
}

// Run resizes img to the model input size and runs the model. Results are
// reported against img's own size.
func (r *Runner[T]) Run(ctx context.Context, img image.Image, tag string) (T, error) {
	base := r.strategy.Options()
	return r.run(ctx, images.Resize(img, base.InputWidth(), base.InputHeight()), model.SourceOf(img, tag))
}

// RunResized runs the model on an image already at the model input size.
//
// The context is only checked before any work starts; a run in progress is
// never interrupted.
//
// Returns:
//   - The strategy result.
//   - ErrShapeMismatch (before the backend is called) if img has the wrong size.
func (r *Runner[T]) RunResized(ctx context.Context, img image.Image, tag string) (T, error) {
	return r.run(ctx, img, model.SourceOf(img, tag))
}

func (r *Runner[T]) run(ctx context.Context, img image.Image, src model.Source) (T, error) {
	var zero T
	tag := src.Tag
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.strategy.Options()
	if err := r.strategy.PrepareInput(img, r.input); err != nil {
		return zero, errors.Wrapf(err, "preparing %s input for %s", base.Name, tag)
	}

	in := tensor.New(tensor.WithShape(base.InputShape...), tensor.WithBacking(r.input))

	start := time.Now()
	out, err := r.backend.Run(in)
	elapsed := time.Since(start)
	if err != nil {
		return zero, errors.Wrapf(err, "running %s on %s", base.Name, tag)
	}
	if r.observer != nil {
		r.observer(base.Name, elapsed)
	}
	r.logger.Debug("inference", zap.String("tag", tag), zap.Duration("elapsed", elapsed))

	if !out.Shape().Eq(base.OutputShape) {
		return zero, errors.Wrapf(ErrShapeMismatch, "%s: backend returned %v, want %v", base.Name, out.Shape(), base.OutputShape)
	}

	result, err := r.strategy.ProcessOutput(out, src)
	if err != nil {
		return zero, errors.Wrapf(err, "processing %s output for %s", base.Name, tag)
	}
	return result, nil
}

// Close releases the backend.
func (r *Runner[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend.Close()
}
