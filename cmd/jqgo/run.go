package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/browser"
	"github.com/ahrdadan/jqgo/internal/config"
	"github.com/ahrdadan/jqgo/internal/scenario"
	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

type runOptions struct {
	engine     string
	browserBin string
	headless   bool
	noSandbox  bool
	proxy      string
	site       string
	timeout    time.Duration
	install    bool
	compact    bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run a YAML or JSON scenario and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			sc, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			if opts.timeout > 0 {
				sc.Timeout = scenario.Duration(opts.timeout)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, runErr := runScenario(ctx, cfg, sc, root.logger)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				if !opts.compact {
					enc.SetIndent("", "  ")
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			if runErr != nil {
				return fmt.Errorf("scenario %q failed: %w", sc.Name, runErr)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.engine, "engine", browser.EngineChrome, "Browser engine (chrome|lightpanda)")
	f.StringVar(&opts.browserBin, "browser-bin", "", "Browser binary path")
	f.BoolVar(&opts.headless, "headless", true, "Run the browser headless")
	f.BoolVar(&opts.noSandbox, "no-sandbox", false, "Disable the chrome sandbox")
	f.StringVar(&opts.proxy, "proxy", "", "Proxy server for chrome")
	f.StringVar(&opts.site, "site", "", "Base URL for relative visit paths")
	f.DurationVar(&opts.timeout, "timeout", 0, "Overall scenario timeout")
	f.BoolVar(&opts.install, "install", false, "Download the browser if no binary is given")
	f.BoolVar(&opts.compact, "compact", false, "Print the result on one line")
	return cmd
}

// apply overlays the flags set on the command line onto cfg.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("engine") {
		cfg.Engine = o.engine
	}
	if f.Changed("browser-bin") {
		cfg.BrowserBin = o.browserBin
	}
	if f.Changed("headless") {
		cfg.Headless = o.headless
	}
	if f.Changed("no-sandbox") {
		cfg.NoSandbox = o.noSandbox
	}
	if f.Changed("proxy") {
		cfg.Proxy = o.proxy
	}
	if f.Changed("site") {
		cfg.Site = o.site
	}
	if f.Changed("install") {
		cfg.InstallBrowser = o.install
	}
}

func runScenario(ctx context.Context, cfg *config.Config, sc *scenario.Scenario, logger *zap.Logger) (*scenario.Result, error) {
	opts := cfg.Browser()
	if cfg.InstallBrowser && opts.BinPath == "" {
		path, err := install(ctx, opts.Engine, "", cfg.ChromeRevision, logger)
		if err != nil {
			return nil, err
		}
		opts.BinPath = path
	}

	engine, err := newEngine(opts, logger.Named("browser"))
	if err != nil {
		return nil, err
	}
	if err := engine.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", engine.Name(), err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Warn("failed to stop browser", zap.Error(err))
		}
	}()

	sess := jqgo.New(browser.Shared(engine), sc.SessionConfig(cfg.Session()), jqgo.WithLogger(logger.Named("session")))
	defer func() { _ = sess.Close() }()

	logger.Info("running scenario",
		zap.String("name", sc.Name),
		zap.Int("steps", len(sc.Steps)),
		zap.String("engine", engine.Name()))
	return scenario.NewRunner(logger.Named("scenario")).Run(ctx, sess, sc)
}
