// Package preprocess - Converts images into model input tensors.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/pkg/errors"

	"github.com/nvr-ai/perch/images"
	"github.com/nvr-ai/perch/models/model"
)

// ImageFormat represents the format of an image.
type ImageFormat string

const (
	// ImageFormatJPEG represents JPEG image format.
	ImageFormatJPEG ImageFormat = "jpeg"
	// ImageFormatPNG represents PNG image format.
	ImageFormatPNG ImageFormat = "png"
)

// Image represents an encoded input image.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
}

// NormalizationType defines how pixel values are normalized.
type NormalizationType int

const (
	// NormalizeZeroToOne scales pixel values to [0, 1].
	NormalizeZeroToOne NormalizationType = iota
	// NormalizeStandardize scales to [0, 1] and then applies per-channel (v - mean) / std.
	NormalizeStandardize
)

// ImageNetMean and ImageNetStd are the usual standardization constants for ViT-style backbones.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// ModelConfig defines preprocessing configuration for a specific model.
type ModelConfig struct {
	// Name of the model for debugging purposes.
	Name string
	// InputWidth is the expected width of the model input.
	InputWidth int
	// InputHeight is the expected height of the model input.
	InputHeight int
	// NormalizationType defines how to normalize pixel values.
	NormalizationType NormalizationType
	// MeanValues for standardization, in [0, 1] units, RGB order.
	MeanValues [3]float32
	// StdValues for standardization, in [0, 1] units, RGB order.
	StdValues [3]float32
	// Workers is the number of goroutines for the pixel loop. 0 uses all CPUs, 1 runs inline.
	Workers int
}

// Preprocessor converts RGB images into CHW float32 tensors.
type Preprocessor struct {
	config ModelConfig
}

// NewPreprocessor creates a new preprocessor with the given configuration.
//
// Arguments:
// - config: The model-specific preprocessing configuration.
//
// Returns:
// - A configured Preprocessor instance.
//
// @example
//
//	preprocessor := NewPreprocessor(GetYOLOConfig(320))
func NewPreprocessor(config ModelConfig) *Preprocessor {
	return &Preprocessor{config: config}
}

// Config returns the preprocessing configuration.
func (p *Preprocessor) Config() ModelConfig {
	return p.config
}

// TensorSize returns the number of float32 values in one input tensor (3 * H * W).
func (p *Preprocessor) TensorSize() int {
	return 3 * p.config.InputWidth * p.config.InputHeight
}

// Fill writes img into dst as a normalized CHW tensor (R plane, G plane, B plane).
//
// The pixel range is split into static, disjoint partitions; each worker only
// writes the tensor indices belonging to its own pixels, so no locking is needed
// and the result is bit-identical to a sequential run.
//
// Arguments:
// - img: An image already resized to InputWidth x InputHeight.
// - dst: The destination buffer of length TensorSize().
//
// Returns:
// - error: model.ErrShapeMismatch if the image or buffer does not match the model input.
func (p *Preprocessor) Fill(img image.Image, dst []float32) error {
	w, h := p.config.InputWidth, p.config.InputHeight
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		return errors.Wrapf(model.ErrShapeMismatch, "%s: image is %dx%d, model expects %dx%d",
			p.config.Name, b.Dx(), b.Dy(), w, h)
	}
	if len(dst) != p.TensorSize() {
		return errors.Wrapf(model.ErrShapeMismatch, "%s: buffer has %d values, model expects %d",
			p.config.Name, len(dst), p.TensorSize())
	}

	scale, offset := p.channelTransforms()
	hw := w * h

	rgba, isRGBA := img.(*image.RGBA)

	images.Parallel(hw, p.config.Workers, func(start, end int) {
		for i := start; i < end; i++ {
			x := i % w
			y := i / w

			var r, g, bl float32
			if isRGBA {
				off := rgba.PixOffset(b.Min.X+x, b.Min.Y+y)
				r = float32(rgba.Pix[off])
				g = float32(rgba.Pix[off+1])
				bl = float32(rgba.Pix[off+2])
			} else {
				r32, g32, b32, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				r = float32(r32 >> 8)
				g = float32(g32 >> 8)
				bl = float32(b32 >> 8)
			}

			dst[i] = r*scale[0] + offset[0]
			dst[hw+i] = g*scale[1] + offset[1]
			dst[2*hw+i] = bl*scale[2] + offset[2]
		}
	})

	return nil
}

// Preprocess allocates a tensor and fills it from img.
//
// Returns:
// - []float32: The CHW tensor.
// - error: model.ErrShapeMismatch if the image does not match the model input.
func (p *Preprocessor) Preprocess(img image.Image) ([]float32, error) {
	dst := make([]float32, p.TensorSize())
	if err := p.Fill(img, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// channelTransforms folds the normalization into v*scale + offset per channel.
func (p *Preprocessor) channelTransforms() (scale, offset [3]float32) {
	for c := 0; c < 3; c++ {
		scale[c] = 1.0 / 255.0
		if p.config.NormalizationType == NormalizeStandardize && p.config.StdValues[c] != 0 {
			scale[c] = 1.0 / (255.0 * p.config.StdValues[c])
			offset[c] = -p.config.MeanValues[c] / p.config.StdValues[c]
		}
	}
	return scale, offset
}

// Decode decodes an encoded image.
//
// Arguments:
// - img: The image to decode.
//
// Returns:
// - The decoded image.
// - error if decoding fails.
func (p *Preprocessor) Decode(img *Image) (image.Image, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("image data is empty")
	}

	reader := bytes.NewReader(img.Data)

	var (
		decoded image.Image
		err     error
	)
	switch img.Format {
	case ImageFormatJPEG:
		decoded, err = jpeg.Decode(reader)
	case ImageFormatPNG:
		decoded, err = png.Decode(reader)
	default:
		decoded, _, err = image.Decode(reader)
	}
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("decoding %s image", img.Format))
	}
	return decoded, nil
}

// GetYOLOConfig returns the preprocessing configuration for YOLO detectors.
//
// @example
// config := GetYOLOConfig(320, 320)
func GetYOLOConfig(width, height int) ModelConfig {
	return ModelConfig{
		Name:              "yolo",
		InputWidth:        width,
		InputHeight:       height,
		NormalizationType: NormalizeZeroToOne,
	}
}

// GetViTConfig returns the preprocessing configuration for ViT-style embedding models.
//
// @example
// config := GetViTConfig(224, 224)
func GetViTConfig(width, height int) ModelConfig {
	return ModelConfig{
		Name:              "vit",
		InputWidth:        width,
		InputHeight:       height,
		NormalizationType: NormalizeStandardize,
		MeanValues:        ImageNetMean,
		StdValues:         ImageNetStd,
		// Embedding inputs are small; the pixel loop runs inline.
		Workers: 1,
	}
}
