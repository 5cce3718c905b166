// Package models - registry for model strategies and class tables.
package models

import (
	"fmt"

	"github.com/nvr-ai/perch/models/embedding"
	"github.com/nvr-ai/perch/models/model"
	"github.com/nvr-ai/perch/models/postprocess"
	"github.com/nvr-ai/perch/models/yolo"
)

// DetectorOptions holds the decode settings that are not part of the tensor contract.
type DetectorOptions struct {
	Threshold      float32
	NMS            *postprocess.NMSConfig
	OriginalWidth  int
	OriginalHeight int
	Workers        int
}

// NewDetector creates a detection strategy based on the specified model name.
//
// Arguments:
//   - args: The model name, path and input size.
//   - opts: Threshold, NMS and an optional fixed frame size (zero follows each frame).
//
// Returns:
//   - model.Strategy producing detections, or an error for unsupported names.
//
// Example:
//
//	detector, err := NewDetector(model.NewModelArgs{
//	    Name: model.ModelNameYOLO, Path: "yolo11n_320.onnx", InputWidth: 320, InputHeight: 320,
//	}, DetectorOptions{Threshold: 0.1})
func NewDetector(args model.NewModelArgs, opts DetectorOptions) (model.Strategy[[]postprocess.Result], error) {
	switch args.Name {
	case model.ModelNameYOLO, "":
		base := yolo.NewModelFromArgs(args, yolo.NumCandidates(args.InputWidth, args.InputHeight))
		m, err := yolo.NewModel(yolo.Options{
			Model:          base,
			Threshold:      opts.Threshold,
			NMS:            opts.NMS,
			OriginalWidth:  opts.OriginalWidth,
			OriginalHeight: opts.OriginalHeight,
			Workers:        opts.Workers,
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported detection model: %s", args.Name)
	}
}

// NewEmbedder creates an embedding strategy based on the specified model name.
func NewEmbedder(args model.NewModelArgs) (model.Strategy[[]float32], error) {
	switch args.Name {
	case model.ModelNameViT, "":
		m, err := embedding.NewModel(embedding.NewModelFromArgs(args))
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported embedding model: %s", args.Name)
	}
}
