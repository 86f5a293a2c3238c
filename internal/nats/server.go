// Package nats runs or connects to the NATS server backing the job queue.
package nats

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

const (
	startTimeout = 10 * time.Second
	// stopGrace is how long a spawned server may drain after SIGINT.
	stopGrace = 5 * time.Second
)

// ServerConfig holds configuration for the NATS server.
type ServerConfig struct {
	BinPath  string
	StoreDir string
	URL      string
	AutoDL   bool
	// DownloadURL overrides the release archive location.
	DownloadURL string
	// SHA256 is the expected hex digest of the release archive. Empty skips
	// verification.
	SHA256 string
}

// Server is a connection to NATS JetStream, backed by a child nats-server
// process when nothing listens on the URL yet.
type Server struct {
	binPath  string
	storeDir string
	url      string
	logger   *zap.Logger

	mu      sync.Mutex
	proc    *exec.Cmd
	stopped chan struct{}
	cancel  context.CancelFunc
	output  *zapio.Writer
	nc      *nats.Conn
	js      jetstream.JetStream
	running bool
}

// NewServer locates or downloads the server binary.
func NewServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	binPath, err := EnsureNATSBinary(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure NATS binary: %w", err)
	}
	return &Server{
		binPath:  binPath,
		storeDir: cfg.StoreDir,
		url:      cfg.URL,
		logger:   logger,
	}, nil
}

// Start connects to a server already listening on the URL or spawns one
// with JetStream enabled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	host, port, err := parseNatsURL(s.url)
	if err != nil {
		return fmt.Errorf("failed to parse NATS URL: %w", err)
	}

	if !reachable(host, port) {
		if err := s.spawn(ctx, host, port); err != nil {
			return err
		}
	} else {
		s.logger.Info("using running NATS server", zap.String("url", s.url))
	}

	if err := s.connect(); err != nil {
		s.terminate()
		return err
	}
	s.running = true
	return nil
}

func (s *Server) spawn(ctx context.Context, host, port string) error {
	storeDir, err := filepath.Abs(s.storeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve store dir: %w", err)
	}
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	// The child outlives ctx; Stop ends it.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.binPath, "-js", "-sd", storeDir, "-a", host, "-p", port)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace

	out := &zapio.Writer{Log: s.logger.Named("server"), Level: zapcore.DebugLevel}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start NATS server: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		err := cmd.Wait()
		_ = out.Close()
		if err != nil && procCtx.Err() == nil {
			s.logger.Error("NATS server exited", zap.Error(err))
		}
		close(stopped)
	}()
	s.proc, s.cancel, s.stopped, s.output = cmd, cancel, stopped, out

	if err := waitReachable(ctx, host, port, startTimeout, stopped); err != nil {
		s.terminate()
		return err
	}
	s.logger.Info("NATS server started",
		zap.String("url", s.url),
		zap.String("store", storeDir),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop closes the connection and interrupts the spawned process, if any.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}
	s.js = nil
	s.terminate()
	s.running = false

	s.logger.Info("NATS stopped")
	return nil
}

// terminate interrupts the child and waits for it, killing it after stopGrace.
func (s *Server) terminate() {
	if s.proc == nil {
		return
	}
	s.cancel()
	<-s.stopped
	s.proc, s.cancel, s.stopped, s.output = nil, nil, nil, nil
}

// IsRunning reports whether Start succeeded and Stop was not called.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Spawned reports whether this Server owns a child nats-server process.
func (s *Server) Spawned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

func (s *Server) GetJetStream() jetstream.JetStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.js
}

func (s *Server) connect() error {
	nc, err := nats.Connect(s.url,
		nats.Name("jqgo"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			s.logger.Warn("NATS async error", fields...)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	s.nc, s.js = nc, js
	return nil
}

func reachable(host, port string) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

var errExited = errors.New("NATS server exited during startup")

// waitReachable polls host:port until it accepts connections. exited, when
// closed, aborts the wait.
func waitReachable(ctx context.Context, host, port string, timeout time.Duration, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for !reachable(host, port) {
		select {
		case <-exited:
			return errExited
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("NATS server did not listen on %s within %v", net.JoinHostPort(host, port), timeout)
			}
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

func parseNatsURL(natsURL string) (host, port string, err error) {
	u, err := url.Parse(natsURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid NATS URL %q: %w", natsURL, err)
	}
	if u.Scheme != "nats" || u.Hostname() == "" {
		return "", "", fmt.Errorf("invalid NATS URL format: %s", natsURL)
	}
	port = u.Port()
	if port == "" {
		port = "4222"
	}
	return u.Hostname(), port, nil
}
