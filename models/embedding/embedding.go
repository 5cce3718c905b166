// Package embedding - ViT/DINOv2-style image embedding strategy.
package embedding

import (
	"image"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/perch/models/model"
	"github.com/nvr-ai/perch/models/model/preprocess"
)

const (
	// DefaultInputName is the input node of Hugging Face image-feature exports.
	DefaultInputName = "pixel_values"
	// DefaultOutputName is the pooled output node.
	DefaultOutputName = "pooler_output"
	// DefaultSize is the square input resolution.
	DefaultSize = 224
	// DefaultDimensions is the embedding length of a ViT-B backbone.
	DefaultDimensions = 768
)

// Embedder implements model.Strategy for feature extractors producing [1, D].
type Embedder struct {
	base         model.BaseModel
	preprocessor *preprocess.Preprocessor
}

// NewModel creates an embedding strategy.
//
// Arguments:
//   - base: The tensor contract; InputShape [1,3,H,W], OutputShape [1,D].
//
// Returns:
//   - The strategy, or an error if the tensor contract is malformed.
func NewModel(base model.BaseModel) (*Embedder, error) {
	in, out := base.InputShape, base.OutputShape
	if len(in) != 4 || in[0] != 1 || in[1] != 3 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "embedding input shape %v, want [1 3 H W]", in)
	}
	if len(out) != 2 || out[0] != 1 || out[1] < 1 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "embedding output shape %v, want [1 D]", out)
	}
	return &Embedder{
		base:         base,
		preprocessor: preprocess.NewPreprocessor(preprocess.GetViTConfig(base.InputWidth(), base.InputHeight())),
	}, nil
}

// NewModelFromArgs builds the default tensor contract for an embedding export.
func NewModelFromArgs(args model.NewModelArgs) model.BaseModel {
	width, height := args.InputWidth, args.InputHeight
	if width == 0 {
		width = DefaultSize
	}
	if height == 0 {
		height = DefaultSize
	}
	dims := args.Dimensions
	if dims == 0 {
		dims = DefaultDimensions
	}
	inputName, outputName := args.InputName, args.OutputName
	if inputName == "" {
		inputName = DefaultInputName
	}
	if outputName == "" {
		outputName = DefaultOutputName
	}
	return model.BaseModel{
		Name:        model.ModelNameViT,
		Kind:        model.KindEmbedding,
		Path:        args.Path,
		InputName:   inputName,
		OutputName:  outputName,
		InputShape:  tensor.Shape{1, 3, height, width},
		OutputShape: tensor.Shape{1, dims},
	}
}

// Dimensions returns the embedding length D.
func (e *Embedder) Dimensions() int {
	return e.base.OutputShape[1]
}

// Options returns the tensor contract.
func (e *Embedder) Options() model.BaseModel {
	return e.base
}

// PrepareInput fills dst with the ImageNet-standardized CHW tensor of img.
func (e *Embedder) PrepareInput(img image.Image, dst []float32) error {
	return e.preprocessor.Fill(img, dst)
}

// ProcessOutput copies the raw [1, D] embedding out of the backend buffer.
// The vector is not normalized here.
func (e *Embedder) ProcessOutput(output *tensor.Dense, _ model.Source) ([]float32, error) {
	if !output.Shape().Eq(e.base.OutputShape) {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "embedding output %v, want %v", output.Shape(), e.base.OutputShape)
	}
	data, ok := output.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "embedding output dtype %v, want float32", output.Dtype())
	}
	vec := make([]float32, len(data))
	copy(vec, data)
	return vec, nil
}
