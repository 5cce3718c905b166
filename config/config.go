// Package config - Loads perch settings from defaults, a YAML file and PERCH_ environment variables.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/nvr-ai/perch/identity"
	"github.com/nvr-ai/perch/inference/providers"
	"github.com/nvr-ai/perch/logging"
	"github.com/nvr-ai/perch/models"
	"github.com/nvr-ai/perch/models/model"
	"github.com/nvr-ai/perch/models/postprocess"
)

// EnvPrefix prefixes every environment override, e.g. PERCH_DETECTOR_THRESHOLD.
const EnvPrefix = "PERCH"

// DetectorConfig configures the detection model and its decoding.
type DetectorConfig struct {
	Name        string `json:"name"         yaml:"name"         mapstructure:"name"`
	Path        string `json:"path"         yaml:"path"         mapstructure:"path"`
	InputWidth  int    `json:"input_width"  yaml:"input_width"  mapstructure:"input_width"`
	InputHeight int    `json:"input_height" yaml:"input_height" mapstructure:"input_height"`
	InputName   string `json:"input_name"   yaml:"input_name"   mapstructure:"input_name"`
	OutputName  string `json:"output_name"  yaml:"output_name"  mapstructure:"output_name"`
	// Classes is an optional coco.names-style label file; empty uses the built-in COCO table.
	Classes string `json:"classes" yaml:"classes" mapstructure:"classes"`
	// Threshold is the minimum class score kept by the decoder.
	Threshold    float32 `json:"threshold"     yaml:"threshold"     mapstructure:"threshold"`
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold" mapstructure:"iou_threshold"`
	ClassAware   bool    `json:"class_aware"   yaml:"class_aware"   mapstructure:"class_aware"`
	// OriginalWidth, OriginalHeight force the frame size boxes are rescaled to.
	// Zero, the default, rescales to each frame's own size.
	OriginalWidth  int `json:"original_width"  yaml:"original_width"  mapstructure:"original_width"`
	OriginalHeight int `json:"original_height" yaml:"original_height" mapstructure:"original_height"`
	Workers        int `json:"workers"         yaml:"workers"         mapstructure:"workers"`
}

// EmbedderConfig configures the embedding model.
type EmbedderConfig struct {
	Enabled     bool   `json:"enabled"      yaml:"enabled"      mapstructure:"enabled"`
	Name        string `json:"name"         yaml:"name"         mapstructure:"name"`
	Path        string `json:"path"         yaml:"path"         mapstructure:"path"`
	InputWidth  int    `json:"input_width"  yaml:"input_width"  mapstructure:"input_width"`
	InputHeight int    `json:"input_height" yaml:"input_height" mapstructure:"input_height"`
	InputName   string `json:"input_name"   yaml:"input_name"   mapstructure:"input_name"`
	OutputName  string `json:"output_name"  yaml:"output_name"  mapstructure:"output_name"`
	Dimensions  int    `json:"dimensions"   yaml:"dimensions"   mapstructure:"dimensions"`
}

// IdentityConfig configures the identity store.
type IdentityConfig struct {
	SimilarityThreshold   float32 `json:"similarity_threshold"     yaml:"similarity_threshold"     mapstructure:"similarity_threshold"`
	MaxSamplesPerIdentity int     `json:"max_samples_per_identity" yaml:"max_samples_per_identity" mapstructure:"max_samples_per_identity"`
}

// PipelineConfig configures frame routing.
type PipelineConfig struct {
	// ClassFilter lists the class ids that are cropped and identified.
	ClassFilter []int `json:"class_filter" yaml:"class_filter" mapstructure:"class_filter"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	// Listen is the HTTP address for /metrics; empty disables the endpoint.
	Listen string `json:"listen" yaml:"listen" mapstructure:"listen"`
}

// StoreConfig configures the observation log.
type StoreConfig struct {
	// Path is the SQLite file; empty disables the log.
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// Config is the complete perch configuration.
type Config struct {
	Detector DetectorConfig   `json:"detector" yaml:"detector" mapstructure:"detector"`
	Embedder EmbedderConfig   `json:"embedder" yaml:"embedder" mapstructure:"embedder"`
	Identity IdentityConfig   `json:"identity" yaml:"identity" mapstructure:"identity"`
	Pipeline PipelineConfig   `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`
	Provider providers.Config `json:"provider" yaml:"provider" mapstructure:"provider"`
	Log      logging.Config   `json:"log"      yaml:"log"      mapstructure:"log"`
	Metrics  MetricsConfig    `json:"metrics"  yaml:"metrics"  mapstructure:"metrics"`
	Store    StoreConfig      `json:"store"    yaml:"store"    mapstructure:"store"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("detector.name", string(model.ModelNameYOLO))
	v.SetDefault("detector.path", "yolo11n_320.onnx")
	v.SetDefault("detector.input_width", 320)
	v.SetDefault("detector.input_height", 320)
	v.SetDefault("detector.input_name", "images")
	v.SetDefault("detector.output_name", "output0")
	v.SetDefault("detector.classes", "")
	v.SetDefault("detector.threshold", 0.1)
	v.SetDefault("detector.iou_threshold", 0.45)
	v.SetDefault("detector.class_aware", false)
	v.SetDefault("detector.original_width", 0)
	v.SetDefault("detector.original_height", 0)
	v.SetDefault("detector.workers", 0)

	v.SetDefault("embedder.enabled", true)
	v.SetDefault("embedder.name", string(model.ModelNameViT))
	v.SetDefault("embedder.path", "dinov2_small.onnx")
	v.SetDefault("embedder.input_width", 224)
	v.SetDefault("embedder.input_height", 224)
	v.SetDefault("embedder.input_name", "pixel_values")
	v.SetDefault("embedder.output_name", "pooler_output")
	v.SetDefault("embedder.dimensions", 768)

	v.SetDefault("identity.similarity_threshold", identity.DefaultSimilarityThreshold)
	v.SetDefault("identity.max_samples_per_identity", identity.DefaultMaxSamplesPerIdentity)

	v.SetDefault("pipeline.class_filter", []int{models.BirdClassID})

	v.SetDefault("provider.backend", "cpu")
	v.SetDefault("provider.intra_op_threads", 0)
	v.SetDefault("provider.inter_op_threads", 0)
	v.SetDefault("provider.library_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatConsole)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("store.path", "")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		// The defaults are constants; failing here is a programming error.
		panic(err)
	}
	return cfg
}

// Load reads the configuration. Precedence, highest first: flags bound from
// flags (log-level), PERCH_ environment variables, the YAML file at path, defaults.
//
// Arguments:
//   - path: Optional config file; empty skips the file.
//   - flags: Optional command flags to bind.
//
// Returns:
//   - The validated configuration.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("log.level", f); err != nil {
				return nil, errors.Wrap(err, "binding log-level flag")
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every range and reports all problems at once.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, errors.Errorf(format, args...))
		}
	}

	d := c.Detector
	check(d.Path != "", "detector.path is required")
	check(d.InputWidth > 0 && d.InputHeight > 0, "detector input size must be positive, got %dx%d", d.InputWidth, d.InputHeight)
	check(d.Threshold >= 0 && d.Threshold <= 1, "detector.threshold must be in [0, 1], got %v", d.Threshold)
	check(d.IoUThreshold >= 0 && d.IoUThreshold <= 1, "detector.iou_threshold must be in [0, 1], got %v", d.IoUThreshold)
	check(d.OriginalWidth >= 0 && d.OriginalHeight >= 0 && (d.OriginalWidth == 0) == (d.OriginalHeight == 0),
		"detector original size must be both positive or both zero, got %dx%d", d.OriginalWidth, d.OriginalHeight)
	check(d.Workers >= 0, "detector.workers must not be negative")

	if c.Embedder.Enabled {
		e := c.Embedder
		check(e.Path != "", "embedder.path is required when the embedder is enabled")
		check(e.InputWidth > 0 && e.InputHeight > 0, "embedder input size must be positive, got %dx%d", e.InputWidth, e.InputHeight)
		check(e.Dimensions > 0, "embedder.dimensions must be positive, got %d", e.Dimensions)
	}

	id := c.Identity
	check(id.SimilarityThreshold > 0 && id.SimilarityThreshold <= 1,
		"identity.similarity_threshold must be in (0, 1], got %v", id.SimilarityThreshold)
	check(id.MaxSamplesPerIdentity >= 1, "identity.max_samples_per_identity must be at least 1, got %d", id.MaxSamplesPerIdentity)

	for _, class := range c.Pipeline.ClassFilter {
		check(class >= 0, "pipeline.class_filter contains negative id %d", class)
	}

	if _, perr := providers.FromConfig(c.Provider); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, lerr := logging.NewZapConfig(c.Log); lerr != nil {
		err = multierr.Append(err, lerr)
	}

	return errors.Wrap(err, "invalid configuration")
}

// DetectorArgs returns the detector's tensor contract arguments.
// numClasses is the loaded class table's size and fixes the model's output
// rows, so a model exported for a different class count is rejected when
// its runner is created.
func (c *Config) DetectorArgs(numClasses int) model.NewModelArgs {
	d := c.Detector
	return model.NewModelArgs{
		NumClasses:  numClasses,
		Name:        model.Name(d.Name),
		Path:        d.Path,
		InputWidth:  d.InputWidth,
		InputHeight: d.InputHeight,
		InputName:   d.InputName,
		OutputName:  d.OutputName,
	}
}

// DetectorOptions returns the detector's decode settings.
func (c *Config) DetectorOptions() models.DetectorOptions {
	d := c.Detector
	return models.DetectorOptions{
		Threshold:      d.Threshold,
		NMS:            &postprocess.NMSConfig{IoUThreshold: d.IoUThreshold, ClassAware: d.ClassAware},
		OriginalWidth:  d.OriginalWidth,
		OriginalHeight: d.OriginalHeight,
		Workers:        d.Workers,
	}
}

// EmbedderArgs returns the embedder's tensor contract arguments.
func (c *Config) EmbedderArgs() model.NewModelArgs {
	e := c.Embedder
	return model.NewModelArgs{
		Name:        model.Name(e.Name),
		Path:        e.Path,
		InputWidth:  e.InputWidth,
		InputHeight: e.InputHeight,
		InputName:   e.InputName,
		OutputName:  e.OutputName,
		Dimensions:  e.Dimensions,
	}
}

// IdentityStore returns the identity store configuration.
func (c *Config) IdentityStore() identity.Config {
	return identity.Config{
		SimilarityThreshold:   c.Identity.SimilarityThreshold,
		MaxSamplesPerIdentity: c.Identity.MaxSamplesPerIdentity,
	}
}

// ClassTable loads the configured class table.
func (c *Config) ClassTable() (*models.ClassTable, error) {
	if c.Detector.Classes == "" {
		return models.COCOClasses(), nil
	}
	return models.LoadClassTable(c.Detector.Classes)
}
