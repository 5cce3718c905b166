package inference

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/nvr-ai/perch/inference/providers"
	"github.com/nvr-ai/perch/models"
	"github.com/nvr-ai/perch/models/model"
	"github.com/nvr-ai/perch/models/postprocess"
)

// BackendFactory opens a backend for a model contract.
type BackendFactory func(base model.BaseModel) (Backend, error)

// Engine holds the detection and embedding runners of one pipeline.
type Engine struct {
	// Detector is nil for embedding-only engines.
	Detector *Runner[[]postprocess.Result]
	// Embedder is nil when only detection is configured.
	Embedder *Runner[[]float32]
}

// Close releases every backend.
func (e *Engine) Close() error {
	var err error
	if e.Detector != nil {
		err = multierr.Append(err, e.Detector.Close())
	}
	if e.Embedder != nil {
		err = multierr.Append(err, e.Embedder.Close())
	}
	return err
}

// EngineBuilder assembles an Engine with a fluent API.
// The first error short-circuits every later step and is returned by Build.
type EngineBuilder struct {
	providerConfig providers.Config
	factory        BackendFactory
	runnerOptions  []RunnerOption
	engine         Engine
	err            error
}

// NewEngineBuilder creates a new engine builder that opens ONNX Runtime sessions on CPU.
func NewEngineBuilder() *EngineBuilder {
	b := &EngineBuilder{}
	b.factory = b.openSession
	return b
}

// WithProvider selects the execution provider for every session.
func (b *EngineBuilder) WithProvider(cfg providers.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if _, err := providers.FromConfig(cfg); err != nil {
		b.err = err
		return b
	}
	b.providerConfig = cfg
	return b
}

// WithBackendFactory replaces the ONNX Runtime session factory.
func (b *EngineBuilder) WithBackendFactory(factory BackendFactory) *EngineBuilder {
	b.factory = factory
	return b
}

// WithRunnerOptions applies options to every runner built afterwards.
func (b *EngineBuilder) WithRunnerOptions(opts ...RunnerOption) *EngineBuilder {
	b.runnerOptions = append(b.runnerOptions, opts...)
	return b
}

// WithDetector opens the detection model.
func (b *EngineBuilder) WithDetector(args model.NewModelArgs, opts models.DetectorOptions) *EngineBuilder {
	if b.HasError() {
		return b
	}
	strategy, err := models.NewDetector(args, opts)
	if err != nil {
		b.err = errors.Wrap(err, "building detector")
		return b
	}
	runner, err := buildRunner(b, strategy)
	if err != nil {
		b.err = errors.Wrap(err, "opening detector")
		return b
	}
	b.engine.Detector = runner
	return b
}

// WithEmbedder opens the embedding model.
func (b *EngineBuilder) WithEmbedder(args model.NewModelArgs) *EngineBuilder {
	if b.HasError() {
		return b
	}
	strategy, err := models.NewEmbedder(args)
	if err != nil {
		b.err = errors.Wrap(err, "building embedder")
		return b
	}
	runner, err := buildRunner(b, strategy)
	if err != nil {
		b.err = errors.Wrap(err, "opening embedder")
		return b
	}
	b.engine.Embedder = runner
	return b
}

func buildRunner[T any](b *EngineBuilder, strategy model.Strategy[T]) (*Runner[T], error) {
	backend, err := b.factory(strategy.Options())
	if err != nil {
		return nil, err
	}
	runner, err := NewRunner(backend, strategy, b.runnerOptions...)
	if err != nil {
		return nil, multierr.Append(err, backend.Close())
	}
	return runner, nil
}

func (b *EngineBuilder) openSession(base model.BaseModel) (Backend, error) {
	provider, err := providers.FromConfig(b.providerConfig)
	if err != nil {
		return nil, err
	}
	return NewSession(NewSessionArgs{
		Model:          base,
		Provider:       provider,
		IntraOpThreads: b.providerConfig.IntraOpThreads,
		InterOpThreads: b.providerConfig.InterOpThreads,
		LibraryPath:    b.providerConfig.LibraryPath,
	})
}

// HasError checks if the engine builder has errors.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// Build returns the engine. At least one model must be configured; runners
// opened before a failure are closed.
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.err == nil && b.engine.Detector == nil && b.engine.Embedder == nil {
		b.err = errors.New("no model configured")
	}
	if b.HasError() {
		return nil, multierr.Append(b.err, b.engine.Close())
	}
	engine := b.engine
	return &engine, nil
}

// MustBuild builds the engine and panics if there is an error.
func (b *EngineBuilder) MustBuild() *Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}
