package yolo

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/perch/models/model"
	"github.com/nvr-ai/perch/models/postprocess"
)

func newTestModel(t *testing.T, numClasses, numCandidates int) *YOLO {
	t.Helper()
	base := NewModelFromArgs(model.NewModelArgs{
		Path:        "yolo11n_320.onnx",
		InputWidth:  32,
		InputHeight: 32,
		NumClasses:  numClasses,
	}, numCandidates)
	m, err := NewModel(Options{
		Model:          base,
		Threshold:      0.1,
		NMS:            &postprocess.NMSConfig{IoUThreshold: 0.45},
		OriginalWidth:  64,
		OriginalHeight: 32,
		Workers:        2,
	})
	require.NoError(t, err)
	return m
}

func TestNumCandidates(t *testing.T) {
	assert.Equal(t, 2100, NumCandidates(320, 320))
	assert.Equal(t, 8400, NumCandidates(640, 640))
}

func TestNewModelFromArgsDefaults(t *testing.T) {
	base := NewModelFromArgs(model.NewModelArgs{InputWidth: 320, InputHeight: 320}, 2100)
	assert.Equal(t, DefaultInputName, base.InputName)
	assert.Equal(t, DefaultOutputName, base.OutputName)
	assert.Equal(t, tensor.Shape{1, 3, 320, 320}, base.InputShape)
	assert.Equal(t, tensor.Shape{1, 84, 2100}, base.OutputShape)
	assert.Equal(t, model.KindDetection, base.Kind)
}

func TestNewModelRejectsBadContract(t *testing.T) {
	_, err := NewModel(Options{
		Model:          model.BaseModel{InputShape: tensor.Shape{3, 32, 32}, OutputShape: tensor.Shape{1, 84, 10}},
		OriginalWidth:  1,
		OriginalHeight: 1,
	})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	_, err = NewModel(Options{
		Model:          model.BaseModel{InputShape: tensor.Shape{1, 3, 32, 32}, OutputShape: tensor.Shape{1, 4, 10}},
		OriginalWidth:  1,
		OriginalHeight: 1,
	})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	_, err = NewModel(Options{
		Model:         model.BaseModel{InputShape: tensor.Shape{1, 3, 32, 32}, OutputShape: tensor.Shape{1, 84, 10}},
		OriginalWidth: 640,
	})
	assert.Error(t, err, "original size needs both dimensions")

	_, err = NewModel(Options{
		Model: model.BaseModel{InputShape: tensor.Shape{1, 3, 32, 32}, OutputShape: tensor.Shape{1, 84, 10}},
	})
	assert.NoError(t, err, "zero original size follows the frame")
}

func TestPrepareInput(t *testing.T) {
	m := newTestModel(t, 2, 3)
	dst := make([]float32, 3*32*32)
	require.NoError(t, m.PrepareInput(image.NewRGBA(image.Rect(0, 0, 32, 32)), dst))

	err := m.PrepareInput(image.NewRGBA(image.Rect(0, 0, 16, 16)), dst)
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}

// TestProcessOutputDecodesAndSuppresses validates decode, rescale and NMS end to end.
func TestProcessOutputDecodesAndSuppresses(t *testing.T) {
	m := newTestModel(t, 2, 3)

	// Columns: two heavily overlapping boxes and one distant box.
	data := []float32{
		// cx
		10, 10, 25,
		// cy
		10, 11, 25,
		// w
		8, 8, 4,
		// h
		8, 8, 4,
		// class 0
		0.9, 0.7, 0.05,
		// class 1
		0.1, 0.2, 0.3,
	}
	out := tensor.New(tensor.WithShape(1, 6, 3), tensor.WithBacking(data))

	results, err := m.ProcessOutput(out, model.Source{Tag: "frame_0", Width: 999, Height: 999})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, float32(0.9), results[0].Score)
	assert.Equal(t, 0, results[0].Class)
	assert.InDelta(t, 12, results[0].Box.X1, 1e-4, "x scaled by 64/32")
	assert.InDelta(t, 6, results[0].Box.Y1, 1e-4, "y scaled by 32/32, the forced size wins over the frame")

	assert.Equal(t, float32(0.3), results[1].Score)
	assert.Equal(t, 1, results[1].Class)
}

func TestProcessOutputShapeMismatch(t *testing.T) {
	m := newTestModel(t, 2, 3)
	out := tensor.New(tensor.WithShape(1, 6, 4), tensor.WithBacking(make([]float32, 24)))
	_, err := m.ProcessOutput(out, model.Source{Tag: "frame_0", Width: 999, Height: 999})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}

// TestProcessOutputScalesToFrame validates that boxes land in each frame's own pixel space.
func TestProcessOutputScalesToFrame(t *testing.T) {
	base := NewModelFromArgs(model.NewModelArgs{InputWidth: 32, InputHeight: 32, NumClasses: 1}, 1)
	m, err := NewModel(Options{Model: base, Threshold: 0.1})
	require.NoError(t, err)

	out := func() *tensor.Dense {
		return tensor.New(tensor.WithShape(1, 5, 1), tensor.WithBacking([]float32{16, 16, 8, 8, 0.9}))
	}

	for _, tt := range []struct {
		width, height int
		want          [4]float32
	}{
		{128, 128, [4]float32{48, 48, 80, 80}},
		{640, 360, [4]float32{240, 135, 400, 225}},
		{32, 32, [4]float32{12, 12, 20, 20}},
	} {
		results, err := m.ProcessOutput(out(), model.Source{Tag: "frame", Width: tt.width, Height: tt.height})
		require.NoError(t, err)
		require.Len(t, results, 1)
		box := results[0].Box
		assert.InDeltaSlice(t, tt.want[:], []float32{box.X1, box.Y1, box.X2, box.Y2}, 1e-3, "%dx%d", tt.width, tt.height)
	}
}
