package providers

import (
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/perch/models/model"
)

// OpenVINOProviderBackend uses Intel OpenVINO.
const OpenVINOProviderBackend ProviderBackend = "openvino"

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	// DeviceType overrides the accelerator, e.g. CPU, GPU, NPU.
	DeviceType string `json:"device_type" yaml:"device_type" mapstructure:"device_type"`
	// Precision is one of FP32, FP16, ACCURACY; empty keeps the device default.
	Precision model.Precision `json:"precision" yaml:"precision" mapstructure:"precision"`
	// NumOfThreads overrides the default thread count; 0 keeps it.
	NumOfThreads int `json:"num_of_threads" yaml:"num_of_threads" mapstructure:"num_of_threads"`
	// NumStreams overrides the default stream count; 0 keeps it.
	NumStreams int `json:"num_streams" yaml:"num_streams" mapstructure:"num_streams"`
	// DisableDynamicShapes rewrites dynamic shaped models to static shapes.
	DisableDynamicShapes bool `json:"disable_dynamic_shapes" yaml:"disable_dynamic_shapes" mapstructure:"disable_dynamic_shapes"`
}

func (OpenVINOOptions) isProviderOptions() {}

// values returns the ONNX Runtime option map, omitting unset fields.
func (o OpenVINOOptions) values() map[string]string {
	v := map[string]string{
		"disable_dynamic_shapes": strconv.FormatBool(o.DisableDynamicShapes),
	}
	if o.DeviceType != "" {
		v["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		v["precision"] = string(o.Precision)
	}
	if o.NumOfThreads > 0 {
		v["num_of_threads"] = strconv.Itoa(o.NumOfThreads)
	}
	if o.NumStreams > 0 {
		v["num_streams"] = strconv.Itoa(o.NumStreams)
	}
	return v
}

// OpenVINOProvider implements the ExecutionProvider interface.
type OpenVINOProvider struct {
	options OpenVINOOptions
}

// NewOpenVINOProvider creates a new OpenVINO provider.
func NewOpenVINOProvider(options OpenVINOOptions) *OpenVINOProvider {
	return &OpenVINOProvider{options: options}
}

// Backend returns the backend of the OpenVINO provider.
func (p *OpenVINOProvider) Backend() ProviderBackend {
	return OpenVINOProviderBackend
}

// Options returns the options of the OpenVINO provider.
func (p *OpenVINOProvider) Options() ProviderOptions {
	return p.options
}

// Apply appends the OpenVINO provider to the session options.
func (p *OpenVINOProvider) Apply(options *ort.SessionOptions) error {
	if err := options.AppendExecutionProviderOpenVINO(p.options.values()); err != nil {
		return errors.Wrap(err, "enabling OpenVINO")
	}
	return nil
}
