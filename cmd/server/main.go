package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/api"
	"github.com/ahrdadan/jqgo/internal/browser"
	"github.com/ahrdadan/jqgo/internal/config"
	"github.com/ahrdadan/jqgo/internal/logging"
	"github.com/ahrdadan/jqgo/internal/nats"
	"github.com/ahrdadan/jqgo/internal/queue"
	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	config.HandleFlags(cfg)

	logger, _, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", zap.String("app", config.AppName), zap.String("version", config.Version))

	engine, err := startEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Warn("failed to stop browser", zap.Error(err))
		}
	}()

	sessionLogger := logger.Named("session")
	factory := func(_ context.Context, sc jqgo.Config) (*jqgo.Session, error) {
		return jqgo.New(browser.Shared(engine), sc, jqgo.WithLogger(sessionLogger)), nil
	}

	var jobs api.JobQueue
	if cfg.WithNats {
		natsServer, err := nats.NewServer(ctx, nats.ServerConfig{
			BinPath:  cfg.NatsBin,
			StoreDir: cfg.NatsStore,
			URL:      cfg.NatsURL,
			AutoDL:   cfg.NatsAutoDL,
			SHA256:   cfg.NatsSHA256,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create NATS server: %w", err)
		}
		if err := natsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start NATS server: %w", err)
		}
		defer func() { _ = natsServer.Stop() }()

		manager, err := queue.NewManager(natsServer.GetJetStream(), queue.Options{
			Workers: cfg.Workers,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create queue manager: %w", err)
		}
		processor := queue.NewScenarioProcessor(factory, cfg.Session(), logger)
		if err := manager.Start(processor); err != nil {
			return fmt.Errorf("failed to start queue workers: %w", err)
		}
		defer manager.Stop()
		jobs = manager
	}

	app := fiber.New(fiber.Config{
		AppName:               config.AppName,
		ErrorHandler:          api.ErrorHandler,
		DisableStartupMessage: !cfg.Debug,
	})
	app.Use(recover.New())
	app.Use(api.RequestLogger(logger.Named("http")))
	app.Use(cors.New())

	handler := api.NewHandler(engine, factory, cfg.Session(), logger)
	stopRoutes := api.SetupRoutes(app, handler, jobs, api.RouteConfig{
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		BaseURL:           cfg.BaseURL,
		MaxRetries:        cfg.MaxRetries,
		APIKeys:           cfg.APIKeys,
		AllowedIPs:        cfg.AllowedIPs,
		Logger:            logger,
	})
	defer stopRoutes()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := app.Shutdown(); err != nil {
			logger.Warn("error during shutdown", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	logger.Info("listening",
		zap.String("addr", addr),
		zap.String("engine", engine.Name()),
		zap.String("cdp", engine.GetEndpoint()),
		zap.Bool("jobs", jobs != nil))
	return app.Listen(addr)
}

func startEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (browser.Engine, error) {
	opts := cfg.Browser()

	if cfg.InstallBrowser && opts.BinPath == "" {
		var err error
		switch opts.Engine {
		case browser.EngineLightpanda:
			opts.BinPath, err = browser.InstallLightpanda(ctx, "./browser", logger)
		default:
			if err := browser.InstallChromeDependencies(ctx, logger); err != nil {
				logger.Warn("chrome dependencies not installed", zap.Error(err))
			}
			opts.BinPath, err = browser.InstallChrome(ctx, cfg.ChromeRevision, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to install %s: %w", opts.Engine, err)
		}
	}

	engine, err := browser.New(opts, logger.Named("browser"))
	if err != nil {
		return nil, err
	}
	if err := engine.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", engine.Name(), err)
	}
	return engine, nil
}
