package jqgo

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// pageManager owns the single active page of a session. Callers asking for the
// page before it exists are queued and served in arrival order once it is created.
type pageManager struct {
	browser  Browser
	logger   *zap.Logger
	onCreate func(Page)

	mu       sync.Mutex
	page     Page
	creating bool
	closed   bool
	waiters  []func(Page, error)
}

func newPageManager(b Browser, logger *zap.Logger, onCreate func(Page)) *pageManager {
	return &pageManager{
		browser:  b,
		logger:   logger,
		onCreate: onCreate,
	}
}

// get hands the current page to fn, creating it first when there is none.
// Queued callers are served on the creating goroutine after the page is
// published, so fn may use the session again.
func (m *pageManager) get(fn func(Page, error)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		fn(nil, ErrSessionClosed)
		return
	}
	if m.page != nil && !m.creating {
		page := m.page
		m.mu.Unlock()
		fn(page, nil)
		return
	}

	m.waiters = append(m.waiters, fn)
	if m.creating {
		m.mu.Unlock()
		return
	}
	m.creating = true
	m.mu.Unlock()

	go m.create()
}

func (m *pageManager) create() {
	page, err := m.browser.NewPage(context.Background())
	if err != nil {
		m.logger.Warn("page creation failed", zap.Error(err))
	} else {
		metricPagesCreated.Inc()
		m.logger.Debug("page created")
		if m.onCreate != nil {
			m.onCreate(page)
		}
	}

	m.mu.Lock()
	if err == nil && m.closed {
		m.mu.Unlock()
		_ = page.Close()
		page, err = nil, ErrSessionClosed
		m.mu.Lock()
	}
	if err == nil {
		m.page = page
	}
	m.creating = false
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, fn := range waiters {
		fn(page, err)
	}
}

// current returns the page without creating one.
func (m *pageManager) current() Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creating {
		return nil
	}
	return m.page
}

// closePage drops the current page. The next get recreates it.
func (m *pageManager) closePage() error {
	m.mu.Lock()
	page := m.page
	m.page = nil
	m.mu.Unlock()

	if page == nil {
		return nil
	}
	return page.Close()
}

// shutdown closes the page and fails every later get.
func (m *pageManager) shutdown() error {
	m.mu.Lock()
	m.closed = true
	page := m.page
	m.page = nil
	m.mu.Unlock()

	if page == nil {
		return nil
	}
	return page.Close()
}
