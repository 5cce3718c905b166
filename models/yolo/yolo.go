// Package yolo - Anchor-free YOLOv8/YOLO11 detection strategy.
package yolo

import (
	"image"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/perch/models/model"
	"github.com/nvr-ai/perch/models/model/preprocess"
	"github.com/nvr-ai/perch/models/postprocess"
)

const (
	// DefaultInputName is the input node of Ultralytics ONNX exports.
	DefaultInputName = "images"
	// DefaultOutputName is the output node of Ultralytics ONNX exports.
	DefaultOutputName = "output0"
	// DefaultNumClasses is the COCO class count.
	DefaultNumClasses = 80
)

// Options configures a YOLO strategy.
type Options struct {
	// Model is the tensor contract; InputShape [1,3,H,W], OutputShape [1,4+C,N].
	Model model.BaseModel
	// Threshold is the minimum best-class score kept by the decoder.
	Threshold float32
	// NMS configures suppression; nil disables it.
	NMS *postprocess.NMSConfig
	// OriginalWidth, OriginalHeight force the frame size boxes are scaled back
	// to. Zero scales to the size of each frame passed to the runner.
	OriginalWidth  int
	OriginalHeight int
	// Workers is the pixel-loop and decode parallelism (0 = all CPUs).
	Workers int
}

// YOLO implements model.Strategy for detection models.
type YOLO struct {
	options      Options
	preprocessor *preprocess.Preprocessor
}

// NewModel creates a YOLO strategy.
//
// Arguments:
//   - options: The strategy options.
//
// Returns:
//   - The strategy, or an error if the tensor contract is malformed.
func NewModel(options Options) (*YOLO, error) {
	in, out := options.Model.InputShape, options.Model.OutputShape
	if len(in) != 4 || in[0] != 1 || in[1] != 3 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "yolo input shape %v, want [1 3 H W]", in)
	}
	if len(out) != 3 || out[0] != 1 || out[1] < 5 || out[2] < 1 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "yolo output shape %v, want [1 4+C N]", out)
	}
	if options.OriginalWidth < 0 || options.OriginalHeight < 0 || (options.OriginalWidth == 0) != (options.OriginalHeight == 0) {
		return nil, errors.Errorf("yolo original size %dx%d must be both positive or both zero",
			options.OriginalWidth, options.OriginalHeight)
	}

	cfg := preprocess.GetYOLOConfig(options.Model.InputWidth(), options.Model.InputHeight())
	cfg.Workers = options.Workers

	return &YOLO{
		options:      options,
		preprocessor: preprocess.NewPreprocessor(cfg),
	}, nil
}

// NewModelFromArgs builds the default tensor contract for a YOLO export.
//
// Arguments:
//   - args: Path and input size; NumClasses and node names default when unset.
//   - numCandidates: The anchor count N of the export (2100 for 320x320).
func NewModelFromArgs(args model.NewModelArgs, numCandidates int) model.BaseModel {
	numClasses := args.NumClasses
	if numClasses == 0 {
		numClasses = DefaultNumClasses
	}
	inputName, outputName := args.InputName, args.OutputName
	if inputName == "" {
		inputName = DefaultInputName
	}
	if outputName == "" {
		outputName = DefaultOutputName
	}
	return model.BaseModel{
		Name:        model.ModelNameYOLO,
		Kind:        model.KindDetection,
		Path:        args.Path,
		InputName:   inputName,
		OutputName:  outputName,
		InputShape:  tensor.Shape{1, 3, args.InputHeight, args.InputWidth},
		OutputShape: tensor.Shape{1, 4 + numClasses, numCandidates},
	}
}

// NumCandidates returns the anchor count of a stride 8/16/32 head at the given input size.
func NumCandidates(width, height int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (width / stride) * (height / stride)
	}
	return n
}

// Options returns the tensor contract.
func (m *YOLO) Options() model.BaseModel {
	return m.options.Model
}

// PrepareInput fills dst with the [0,1]-scaled CHW tensor of img.
func (m *YOLO) PrepareInput(img image.Image, dst []float32) error {
	return m.preprocessor.Fill(img, dst)
}

// ProcessOutput decodes the [1, 4+C, N] output and applies NMS.
//
// Returns:
//   - Detections in the pixel space of src (or of the forced original size),
//     descending score when NMS is enabled.
func (m *YOLO) ProcessOutput(output *tensor.Dense, src model.Source) ([]postprocess.Result, error) {
	shape := output.Shape()
	if !shape.Eq(m.options.Model.OutputShape) {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "yolo output %v, want %v", shape, m.options.Model.OutputShape)
	}
	data, ok := output.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "yolo output dtype %v, want float32", output.Dtype())
	}

	width, height := src.Width, src.Height
	if m.options.OriginalWidth > 0 {
		width, height = m.options.OriginalWidth, m.options.OriginalHeight
	}

	candidates, err := postprocess.DecodeParallel(data, shape[1], shape[2], postprocess.DecodeConfig{
		Threshold:      m.options.Threshold,
		InputWidth:     m.options.Model.InputWidth(),
		InputHeight:    m.options.Model.InputHeight(),
		OriginalWidth:  width,
		OriginalHeight: height,
	}, m.options.Workers)
	if err != nil {
		return nil, err
	}
	if m.options.NMS == nil {
		return candidates, nil
	}
	return postprocess.ApplyGreedyNMS(candidates, m.options.NMS), nil
}
