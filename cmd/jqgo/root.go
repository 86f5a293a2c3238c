package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/browser"
	"github.com/ahrdadan/jqgo/internal/config"
	"github.com/ahrdadan/jqgo/internal/logging"
)

// newEngine is replaced in tests.
var newEngine = browser.New

type rootOptions struct {
	configFile string
	debug      bool
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "jqgo",
		Short:         "Drive a headless browser with jQuery-style scenarios",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, _, err := logging.New(opts.debug)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newInstallCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// load returns the defaults overlaid with the --config file.
func (o *rootOptions) load() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configFile != "" {
		if err := config.LoadFile(cfg, o.configFile); err != nil {
			return nil, err
		}
	}
	if o.debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the jqgo version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jqgo v%s\n", config.Version)
		},
	}
}
