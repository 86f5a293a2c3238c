package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

const lightpandaStartTimeout = 10 * time.Second

// LightpandaManager runs a Lightpanda CDP server as a child process.
type LightpandaManager struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	restartMu sync.Mutex
	cmd       *exec.Cmd
	browser   *rod.Browser
	running   bool
}

// NewLightpandaManager creates a Lightpanda manager for the binary at opts.BinPath.
func NewLightpandaManager(opts Options, logger *zap.Logger) *LightpandaManager {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 9222
	}
	return &LightpandaManager{opts: opts, logger: logger}
}

func (m *LightpandaManager) Name() string {
	return EngineLightpanda
}

// Start runs `lightpanda serve` and connects once the endpoint answers.
func (m *LightpandaManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if runtime.GOOS != "linux" {
		return fmt.Errorf("lightpanda only supports linux, current OS: %s", runtime.GOOS)
	}

	cmd := exec.Command(m.opts.BinPath, "serve", "--host", m.opts.Host, "--port", strconv.Itoa(m.opts.Port))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start lightpanda: %w", err)
	}

	wsURL, err := m.resolve()
	if err == nil {
		browser := rod.New().ControlURL(wsURL)
		if err = browser.Connect(); err == nil {
			m.cmd = cmd
			m.browser = browser
			m.running = true
			m.logger.Info("lightpanda started", zap.String("endpoint", m.endpoint()))
			return nil
		}
	}

	if killErr := cmd.Process.Kill(); killErr != nil {
		m.logger.Warn("failed to kill lightpanda after connect error", zap.Error(killErr))
	}
	_ = cmd.Wait()
	return fmt.Errorf("failed to connect to lightpanda: %w", err)
}

// resolve polls the CDP endpoint until the server accepts connections.
func (m *LightpandaManager) resolve() (string, error) {
	deadline := time.Now().Add(lightpandaStartTimeout)
	for {
		wsURL, err := launcher.ResolveURL(m.endpoint())
		if err == nil {
			return wsURL, nil
		}
		if time.Now().After(deadline) {
			return "", err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Stop closes the connection and kills the server process.
func (m *LightpandaManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if err := m.browser.Close(); err != nil {
		m.logger.Warn("failed to close lightpanda", zap.Error(err))
	}
	if m.cmd != nil && m.cmd.Process != nil {
		if err := m.cmd.Process.Kill(); err != nil {
			m.logger.Warn("failed to kill lightpanda", zap.Error(err))
		}
		_ = m.cmd.Wait()
	}

	m.browser = nil
	m.cmd = nil
	m.running = false
	m.logger.Info("lightpanda stopped")
	return nil
}

// Close implements jqgo.Browser.
func (m *LightpandaManager) Close() error {
	return m.Stop()
}

func (m *LightpandaManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *LightpandaManager) GetEndpoint() string {
	return m.endpoint()
}

func (m *LightpandaManager) endpoint() string {
	return "ws://" + m.opts.Host + ":" + strconv.Itoa(m.opts.Port)
}

// NewPage implements jqgo.Browser. A dropped CDP connection restarts the server once.
func (m *LightpandaManager) NewPage(ctx context.Context) (jqgo.Page, error) {
	if !m.IsRunning() {
		m.restartMu.Lock()
		err := m.Start()
		m.restartMu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	page, err := m.target(ctx)
	if err != nil && isConnectionError(err) {
		m.logger.Warn("lightpanda connection lost, restarting", zap.Error(err))
		m.restartMu.Lock()
		if stopErr := m.Stop(); stopErr != nil {
			m.logger.Warn("failed to stop lightpanda before restart", zap.Error(stopErr))
		}
		err = m.Start()
		m.restartMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to restart lightpanda after connection error: %w", err)
		}
		page, err = m.target(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	p, err := newRodPage(page, m.opts.Page, m.logger)
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	return p, nil
}

func (m *LightpandaManager) target(ctx context.Context) (*rod.Page, error) {
	m.mu.Lock()
	browser := m.browser
	m.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("lightpanda is not running")
	}
	return browser.Context(ctx).Page(proto.TargetCreateTarget{})
}
