package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/browser"
)

// installers are replaced in tests.
var (
	installChrome     = browser.InstallChrome
	installChromeDeps = browser.InstallChromeDependencies
	installLightpanda = browser.InstallLightpanda
)

func newInstallCmd(root *rootOptions) *cobra.Command {
	var (
		dir      string
		revision int
		withDeps bool
	)
	cmd := &cobra.Command{
		Use:       "install <chrome|lightpanda>",
		Short:     "Download a browser engine",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{browser.EngineChrome, browser.EngineLightpanda},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("revision") {
				revision = cfg.ChromeRevision
			}
			if withDeps && args[0] == browser.EngineChrome {
				if err := installChromeDeps(cmd.Context(), root.logger); err != nil {
					return fmt.Errorf("failed to install chrome dependencies: %w", err)
				}
			}
			path, err := install(cmd.Context(), args[0], dir, revision, root.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./browser", "Lightpanda install directory")
	cmd.Flags().IntVar(&revision, "revision", 0, "Chromium revision, 0 for the default")
	cmd.Flags().BoolVar(&withDeps, "with-deps", false, "Also install Chromium's system libraries (Linux)")
	return cmd
}

func install(ctx context.Context, engine, dir string, revision int, logger *zap.Logger) (string, error) {
	var (
		path string
		err  error
	)
	switch engine {
	case browser.EngineLightpanda:
		if dir == "" {
			dir = "./browser"
		}
		path, err = installLightpanda(ctx, dir, logger)
	case "", browser.EngineChrome:
		engine = browser.EngineChrome
		path, err = installChrome(ctx, revision, logger)
	default:
		return "", fmt.Errorf("unknown browser engine %q", engine)
	}
	if err != nil {
		return "", fmt.Errorf("failed to install %s: %w", engine, err)
	}
	return path, nil
}
