package main

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvr-ai/perch/config"
	"github.com/nvr-ai/perch/inference"
	"github.com/nvr-ai/perch/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app is the state shared by every command.
type app struct {
	out        io.Writer
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
	// backends replaces ONNX Runtime sessions when set.
	backends inference.BackendFactory
}

func newApp(out io.Writer) *app {
	return &app{out: out, logger: zap.NewNop()}
}

// setup loads the configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "perch",
		Short:         "Bird detection and re-identification",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}
	root.SetOut(a.out)

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(
		newRunCommand(a),
		newDetectCommand(a),
		newClusterCommand(a),
		newVersionCommand(a),
	)
	return root
}
