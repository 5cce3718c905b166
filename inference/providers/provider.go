// Package providers - ONNX Runtime execution provider selection.
package providers

import (
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend names an ONNX Runtime execution provider.
type ProviderBackend string

// ProviderOptions is a marker interface for provider-specific config.
type ProviderOptions interface {
	isProviderOptions()
}

// ExecutionProvider configures ONNX Runtime session options for one backend.
type ExecutionProvider interface {
	Backend() ProviderBackend
	Options() ProviderOptions
	// Apply appends the provider to the session options.
	Apply(options *ort.SessionOptions) error
}

// Config selects an execution provider and carries every backend's options.
// Only the options of the selected backend are used.
type Config struct {
	Backend  ProviderBackend `json:"backend"  yaml:"backend"  mapstructure:"backend"`
	CUDA     CUDAOptions     `json:"cuda"     yaml:"cuda"     mapstructure:"cuda"`
	CoreML   CoreMLOptions   `json:"coreml"   yaml:"coreml"   mapstructure:"coreml"`
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino" mapstructure:"openvino"`
	// IntraOpThreads, InterOpThreads are ONNX Runtime thread pool sizes; 0 lets the runtime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads" mapstructure:"intra_op_threads"`
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads" mapstructure:"inter_op_threads"`
	// LibraryPath overrides the onnxruntime shared library location.
	LibraryPath string `json:"library_path" yaml:"library_path" mapstructure:"library_path"`
}

// NewProvider creates a provider from typed options.
//
// Arguments:
//   - options: One of CPUOptions, CUDAOptions, CoreMLOptions, OpenVINOOptions.
//
// Returns:
//   - ExecutionProvider: The provider.
//   - error: An error if the options type is unsupported.
func NewProvider(options ProviderOptions) (ExecutionProvider, error) {
	switch opts := options.(type) {
	case CPUOptions:
		return NewCPUProvider(opts), nil
	case CoreMLOptions:
		return NewCoreMLProvider(opts), nil
	case OpenVINOOptions:
		return NewOpenVINOProvider(opts), nil
	case CUDAOptions:
		return NewCUDAProvider(opts), nil
	default:
		return nil, errors.Errorf("unsupported provider options type: %T", opts)
	}
}

// FromConfig creates the provider selected by cfg.Backend. An empty backend selects CPU.
func FromConfig(cfg Config) (ExecutionProvider, error) {
	switch ProviderBackend(strings.ToLower(string(cfg.Backend))) {
	case "", CPUProviderBackend:
		return NewProvider(CPUOptions{})
	case CUDAProviderBackend:
		return NewProvider(cfg.CUDA)
	case CoreMLProviderBackend:
		return NewProvider(cfg.CoreML)
	case OpenVINOProviderBackend:
		if !cfg.OpenVINO.Precision.Valid() {
			return nil, errors.Errorf("unknown openvino precision %q", cfg.OpenVINO.Precision)
		}
		return NewProvider(cfg.OpenVINO)
	default:
		return nil, errors.Errorf("unknown execution provider %q", cfg.Backend)
	}
}
