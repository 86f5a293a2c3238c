package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// ChromeManager runs a Chromium instance launched by rod.
type ChromeManager struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	restartMu sync.Mutex
	launcher  *launcher.Launcher
	browser   *rod.Browser
	wsURL     string
	running   bool
}

// NewChromeManager creates a Chrome manager. Chrome starts on the first page request.
func NewChromeManager(opts Options, logger *zap.Logger) *ChromeManager {
	return &ChromeManager{opts: opts, logger: logger}
}

func (m *ChromeManager) Name() string {
	return EngineChrome
}

// Start launches Chrome and connects over CDP.
func (m *ChromeManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	l := launcher.New().Headless(m.opts.Headless).NoSandbox(m.opts.NoSandbox)
	if m.opts.BinPath != "" {
		l = l.Bin(m.opts.BinPath)
	}
	if m.opts.Proxy != "" {
		l = l.Proxy(m.opts.Proxy)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	m.launcher = l
	m.browser = browser
	m.wsURL = wsURL
	m.running = true

	m.logger.Info("chrome started", zap.String("endpoint", wsURL), zap.Bool("headless", m.opts.Headless))
	return nil
}

// Stop closes Chrome and removes its profile directory.
func (m *ChromeManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if err := m.browser.Close(); err != nil {
		m.logger.Warn("failed to close chrome", zap.Error(err))
	}
	m.launcher.Kill()
	m.launcher.Cleanup()

	m.launcher = nil
	m.browser = nil
	m.wsURL = ""
	m.running = false

	m.logger.Info("chrome stopped")
	return nil
}

// Close implements jqgo.Browser.
func (m *ChromeManager) Close() error {
	return m.Stop()
}

func (m *ChromeManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetEndpoint returns the DevTools websocket URL, empty while stopped.
func (m *ChromeManager) GetEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wsURL
}

// NewPage implements jqgo.Browser. A dropped CDP connection restarts Chrome once.
func (m *ChromeManager) NewPage(ctx context.Context) (jqgo.Page, error) {
	if err := m.ensureStarted(); err != nil {
		return nil, err
	}

	page, release, err := m.target(ctx)
	if err != nil {
		if !isConnectionError(err) {
			return nil, fmt.Errorf("failed to create new page: %w", err)
		}
		m.logger.Warn("chrome connection lost, restarting", zap.Error(err))
		if err := m.restart(); err != nil {
			return nil, fmt.Errorf("failed to restart chrome after connection error: %w", err)
		}
		if page, release, err = m.target(ctx); err != nil {
			return nil, fmt.Errorf("failed to create new page: %w", err)
		}
	}

	p, err := newRodPage(page, m.opts.Page, m.logger)
	if err != nil {
		_ = page.Close()
		release()
		return nil, err
	}
	p.release = release
	return p, nil
}

// target opens a blank tab. release disposes the tab's incognito context
// when the engine is isolated and is a no-op otherwise.
func (m *ChromeManager) target(ctx context.Context) (page *rod.Page, release func(), err error) {
	m.mu.Lock()
	browser := m.browser
	m.mu.Unlock()
	if browser == nil {
		return nil, nil, fmt.Errorf("chrome is not running")
	}

	release = func() {}
	if m.opts.Isolated {
		incognito, err := browser.Incognito()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create browser context: %w", err)
		}
		id := incognito.BrowserContextID
		release = func() {
			err := proto.TargetDisposeBrowserContext{BrowserContextID: id}.Call(browser)
			if err != nil {
				m.logger.Debug("failed to dispose browser context", zap.String("context", string(id)), zap.Error(err))
			}
		}
		browser = incognito
	}

	page, err = browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		release()
		return nil, nil, err
	}
	return page, release, nil
}

func (m *ChromeManager) ensureStarted() error {
	if m.IsRunning() {
		return nil
	}

	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start chrome: %w", err)
	}
	return nil
}

func (m *ChromeManager) restart() error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if err := m.Stop(); err != nil {
		m.logger.Warn("failed to stop chrome before restart", zap.Error(err))
	}
	return m.Start()
}
