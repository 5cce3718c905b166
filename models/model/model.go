// Package model - Shared model definitions and the pre/post-processing strategy contract.
package model

import (
	"image"

	"gorgonia.org/tensor"
)

// Kind identifies what a model produces.
type Kind string

const (
	// KindDetection is an object detector producing [1, 4+numClasses, numCandidates].
	KindDetection Kind = "detection"
	// KindEmbedding is a feature extractor producing [1, D].
	KindEmbedding Kind = "embedding"
)

// Name is the unique identifier of a model.
type Name string

const (
	// ModelNameYOLO is a YOLOv8/YOLO11-style anchor-free detector.
	ModelNameYOLO Name = "yolo"
	// ModelNameViT is a ViT/DINOv2-style image embedding model.
	ModelNameViT Name = "vit"
)

// BaseModel describes the fixed tensor contract of a model file.
type BaseModel struct {
	Name Name `json:"name" yaml:"name"`
	Kind Kind `json:"kind" yaml:"kind"`
	// Path is the location of the ONNX model file.
	Path string `json:"path" yaml:"path"`
	// InputName, OutputName are the graph node names bound to the tensors.
	InputName  string `json:"input_name"  yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
	// InputShape is the model input, always [1, 3, H, W].
	InputShape tensor.Shape `json:"input_shape" yaml:"input_shape"`
	// OutputShape is the model output.
	OutputShape tensor.Shape `json:"output_shape" yaml:"output_shape"`
}

// InputWidth returns W of the [1, 3, H, W] input shape.
func (b BaseModel) InputWidth() int {
	return b.InputShape[3]
}

// InputHeight returns H of the [1, 3, H, W] input shape.
func (b BaseModel) InputHeight() int {
	return b.InputShape[2]
}

// Strategy is the per-model pre/post-processing contract.
//
// The inference driver owns the input buffer and the backend; a strategy only
// knows how to fill the buffer from an image and how to interpret the output.
type Strategy[T any] interface {
	// Options returns the model's tensor contract.
	Options() BaseModel
	// PrepareInput writes img into dst, laid out as the model's input tensor.
	// img must already be resized to the model input size.
	PrepareInput(img image.Image, dst []float32) error
	// ProcessOutput converts the raw output tensor into a typed result for src.
	ProcessOutput(output *tensor.Dense, src Source) (T, error)
}

// Source describes the image an inference ran on.
type Source struct {
	Tag string
	// Width, Height are the image size before it was resized to the model input.
	Width  int
	Height int
}

// SourceOf returns the Source of img.
func SourceOf(img image.Image, tag string) Source {
	b := img.Bounds()
	return Source{Tag: tag, Width: b.Dx(), Height: b.Dy()}
}

// NewModelArgs is the arguments for creating a new model.
type NewModelArgs struct {
	Name Name   `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
	// InputWidth, InputHeight override the registry default input size when set.
	InputWidth  int `json:"input_width"  yaml:"input_width"`
	InputHeight int `json:"input_height" yaml:"input_height"`
	// InputName, OutputName override the registry default node names when set.
	InputName  string `json:"input_name"  yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
	// NumClasses is the detector class count (detection models only).
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// Dimensions is the embedding length D (embedding models only).
	Dimensions int `json:"dimensions" yaml:"dimensions"`
}
