package embedding

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/perch/models/model"
)

func TestNewModelFromArgsDefaults(t *testing.T) {
	base := NewModelFromArgs(model.NewModelArgs{Path: "dinov2.onnx"})
	assert.Equal(t, "pixel_values", base.InputName)
	assert.Equal(t, tensor.Shape{1, 3, 224, 224}, base.InputShape)
	assert.Equal(t, tensor.Shape{1, 768}, base.OutputShape)
	assert.Equal(t, model.KindEmbedding, base.Kind)
}

func TestNewModelRejectsBadContract(t *testing.T) {
	_, err := NewModel(model.BaseModel{InputShape: tensor.Shape{1, 3, 8, 8}, OutputShape: tensor.Shape{8}})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}

// TestProcessOutputCopies validates that the vector does not alias the backend buffer.
func TestProcessOutputCopies(t *testing.T) {
	e, err := NewModel(NewModelFromArgs(model.NewModelArgs{InputWidth: 8, InputHeight: 8, Dimensions: 4}))
	require.NoError(t, err)
	assert.Equal(t, 4, e.Dimensions())

	backing := []float32{3, 0, 4, 0}
	vec, err := e.ProcessOutput(tensor.New(tensor.WithShape(1, 4), tensor.WithBacking(backing)), model.Source{Tag: "crop"})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 0, 4, 0}, vec)

	backing[0] = 99
	assert.Equal(t, float32(3), vec[0])

	_, err = e.ProcessOutput(tensor.New(tensor.WithShape(1, 5), tensor.WithBacking(make([]float32, 5))), model.Source{Tag: "crop"})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}

func TestPrepareInputRequiresResizedCrop(t *testing.T) {
	e, err := NewModel(NewModelFromArgs(model.NewModelArgs{InputWidth: 8, InputHeight: 8, Dimensions: 4}))
	require.NoError(t, err)

	dst := make([]float32, 3*8*8)
	require.NoError(t, e.PrepareInput(image.NewRGBA(image.Rect(0, 0, 8, 8)), dst))
	assert.InDelta(t, -0.485/0.229, dst[0], 1e-4)

	err = e.PrepareInput(image.NewRGBA(image.Rect(0, 0, 9, 8)), dst)
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}
