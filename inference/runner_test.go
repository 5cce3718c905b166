package inference

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/perch/inference/inferencetest"
	"github.com/nvr-ai/perch/inference/providers"
	"github.com/nvr-ai/perch/models"
	"github.com/nvr-ai/perch/models/embedding"
	"github.com/nvr-ai/perch/models/model"
	"github.com/nvr-ai/perch/models/postprocess"
)

func newEmbeddingStrategy(t *testing.T) model.Strategy[[]float32] {
	t.Helper()
	s, err := embedding.NewModel(embedding.NewModelFromArgs(model.NewModelArgs{InputWidth: 8, InputHeight: 8, Dimensions: 3}))
	require.NoError(t, err)
	return s
}

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func TestNewRunnerRejectsContractMismatch(t *testing.T) {
	strategy := newEmbeddingStrategy(t)

	_, err := NewRunner(inferencetest.New(tensor.Shape{1, 3, 16, 16}, tensor.Shape{1, 3}, nil), strategy)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewRunner(inferencetest.New(tensor.Shape{1, 3, 8, 8}, tensor.Shape{1, 4}, nil), strategy)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRunnerRunResized(t *testing.T) {
	backend := inferencetest.New(tensor.Shape{1, 3, 8, 8}, tensor.Shape{1, 3}, func(in []float32) ([]float32, error) {
		return []float32{in[0], in[64], in[128]}, nil
	})

	var observed []model.Name
	runner, err := NewRunner(backend, newEmbeddingStrategy(t),
		WithLogger(zaptest.NewLogger(t)),
		WithObserver(func(name model.Name, _ time.Duration) { observed = append(observed, name) }),
	)
	require.NoError(t, err)

	vec, err := runner.RunResized(context.Background(), solid(8, 8), "crop_0")
	require.NoError(t, err)
	require.Len(t, vec, 3)
	assert.InDelta(t, (200.0/255.0-0.485)/0.229, vec[0], 1e-4)
	assert.Equal(t, 1, backend.Calls())
	assert.Equal(t, []model.Name{model.ModelNameViT}, observed)
}

// TestRunnerShapeMismatchNeverInvokesBackend validates that a wrong-size image fails before inference.
func TestRunnerShapeMismatchNeverInvokesBackend(t *testing.T) {
	backend := inferencetest.New(tensor.Shape{1, 3, 8, 8}, tensor.Shape{1, 3}, nil)
	runner, err := NewRunner(backend, newEmbeddingStrategy(t))
	require.NoError(t, err)

	_, err = runner.RunResized(context.Background(), solid(9, 8), "bad")
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, 0, backend.Calls())
}

func TestRunnerResizesRawImages(t *testing.T) {
	backend := inferencetest.New(tensor.Shape{1, 3, 8, 8}, tensor.Shape{1, 3}, nil)
	runner, err := NewRunner(backend, newEmbeddingStrategy(t))
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), solid(40, 30), "raw")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Calls())
}

// TestRunnerScalesDetectionsToFrame validates boxes come back in the raw frame's pixel space.
func TestRunnerScalesDetectionsToFrame(t *testing.T) {
	strategy, err := models.NewDetector(model.NewModelArgs{InputWidth: 32, InputHeight: 32},
		models.DetectorOptions{Threshold: 0.1})
	require.NoError(t, err)

	const candidates = 21
	backend := inferencetest.New(strategy.Options().InputShape, strategy.Options().OutputShape, func([]float32) ([]float32, error) {
		out := make([]float32, (4+80)*candidates)
		out[0*candidates] = 16
		out[1*candidates] = 16
		out[2*candidates] = 8
		out[3*candidates] = 8
		out[(4+models.BirdClassID)*candidates] = 0.9
		return out, nil
	})
	runner, err := NewRunner(backend, strategy)
	require.NoError(t, err)

	for _, tt := range []struct {
		width, height int
		want          string
	}{
		{128, 128, "[48.0, 48.0, 80.0, 80.0]"},
		{640, 360, "[240.0, 135.0, 400.0, 225.0]"},
		{96, 48, "[36.0, 18.0, 60.0, 30.0]"},
	} {
		dets, err := runner.Run(context.Background(), solid(tt.width, tt.height), "frame")
		require.NoError(t, err)
		require.Len(t, dets, 1)
		assert.Equal(t, models.BirdClassID, dets[0].Class)
		assert.Equal(t, tt.want, dets[0].Box.String(), "%dx%d", tt.width, tt.height)
	}
}

func TestRunnerRejectsUnexpectedOutput(t *testing.T) {
	backend := inferencetest.New(tensor.Shape{1, 3, 8, 8}, tensor.Shape{1, 3}, nil)
	backend.ResultShape = tensor.Shape{1, 5}
	runner, err := NewRunner(backend, newEmbeddingStrategy(t))
	require.NoError(t, err)

	_, err = runner.RunResized(context.Background(), solid(8, 8), "x")
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRunnerBackendError(t *testing.T) {
	boom := errors.New("boom")
	backend := inferencetest.New(tensor.Shape{1, 3, 8, 8}, tensor.Shape{1, 3}, func([]float32) ([]float32, error) {
		return nil, boom
	})
	runner, err := NewRunner(backend, newEmbeddingStrategy(t))
	require.NoError(t, err)

	_, err = runner.RunResized(context.Background(), solid(8, 8), "x")
	assert.ErrorIs(t, err, boom)
}

func TestRunnerHonorsCancelledContext(t *testing.T) {
	backend := inferencetest.New(tensor.Shape{1, 3, 8, 8}, tensor.Shape{1, 3}, nil)
	runner, err := NewRunner(backend, newEmbeddingStrategy(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = runner.RunResized(ctx, solid(8, 8), "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, backend.Calls())
}

// TestRunnerSerializesCalls validates concurrent callers never overlap inside the backend.
func TestRunnerSerializesCalls(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int
		overlap  bool
	)
	backend := inferencetest.New(tensor.Shape{1, 3, 8, 8}, tensor.Shape{1, 3}, func([]float32) ([]float32, error) {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})
	runner, err := NewRunner(backend, newEmbeddingStrategy(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := runner.RunResized(context.Background(), solid(8, 8), "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Equal(t, 8, backend.Calls())
}

func TestEngineBuilder(t *testing.T) {
	var opened []*inferencetest.Backend
	factory := func(base model.BaseModel) (Backend, error) {
		b := inferencetest.New(base.InputShape, base.OutputShape, nil)
		opened = append(opened, b)
		return b, nil
	}

	engine, err := NewEngineBuilder().
		WithBackendFactory(factory).
		WithDetector(model.NewModelArgs{Name: model.ModelNameYOLO, InputWidth: 32, InputHeight: 32},
			models.DetectorOptions{Threshold: 0.1, NMS: &postprocess.NMSConfig{IoUThreshold: 0.45}, OriginalWidth: 64, OriginalHeight: 64}).
		WithEmbedder(model.NewModelArgs{Name: model.ModelNameViT, InputWidth: 8, InputHeight: 8, Dimensions: 4}).
		Build()
	require.NoError(t, err)
	require.NotNil(t, engine.Detector)
	require.NotNil(t, engine.Embedder)

	dets, err := engine.Detector.Run(context.Background(), solid(64, 64), "frame")
	require.NoError(t, err)
	assert.Empty(t, dets)

	require.NoError(t, engine.Close())
	require.Len(t, opened, 2)
	for _, b := range opened {
		assert.True(t, b.Closed())
	}
}

func TestEngineBuilderEmbedderOnly(t *testing.T) {
	factory := func(base model.BaseModel) (Backend, error) {
		return inferencetest.New(base.InputShape, base.OutputShape, nil), nil
	}

	engine, err := NewEngineBuilder().
		WithBackendFactory(factory).
		WithEmbedder(model.NewModelArgs{Name: model.ModelNameViT, InputWidth: 8, InputHeight: 8, Dimensions: 4}).
		Build()
	require.NoError(t, err)
	assert.Nil(t, engine.Detector)

	vec, err := engine.Embedder.Run(context.Background(), solid(20, 10), "crop")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	require.NoError(t, engine.Close())
}

func TestEngineBuilderErrors(t *testing.T) {
	_, err := NewEngineBuilder().Build()
	assert.Error(t, err, "a model is required")

	var opened []*inferencetest.Backend
	factory := func(base model.BaseModel) (Backend, error) {
		b := inferencetest.New(base.InputShape, base.OutputShape, nil)
		b.CloseErr = errors.New("release failed")
		opened = append(opened, b)
		return b, nil
	}
	_, err = NewEngineBuilder().
		WithBackendFactory(factory).
		WithDetector(model.NewModelArgs{InputWidth: 32, InputHeight: 32}, models.DetectorOptions{OriginalWidth: 1, OriginalHeight: 1}).
		WithEmbedder(model.NewModelArgs{Name: "clip"}).
		Build()
	assert.ErrorContains(t, err, "clip")
	assert.ErrorContains(t, err, "release failed", "close errors are reported with the build error")
	require.Len(t, opened, 1)
	assert.True(t, opened[0].Closed(), "runners opened before the failure are closed")

	_, err = NewEngineBuilder().WithProvider(providersConfig("tpu")).Build()
	assert.Error(t, err)
}

func providersConfig(backend string) providers.Config {
	return providers.Config{Backend: providers.ProviderBackend(backend)}
}
