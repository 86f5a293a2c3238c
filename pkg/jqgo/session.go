package jqgo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Session drives one browser through a single page. All state that the
// operations share lives here and is released by Close.
type Session struct {
	cfg       Config
	browser   Browser
	logger    *zap.Logger
	pages     *pageManager
	readiness *Readiness

	// generation counts page loads. Handles resolved under an older
	// generation are stale and get re-resolved.
	generation  atomic.Int64
	viewportSet atomic.Bool

	mu         sync.Mutex
	closed     bool
	stopEvents func()
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for debug tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a session on b. The page is created lazily by the first
// operation that needs it.
func New(b Browser, cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:       cfg.withDefaults(),
		browser:   b,
		logger:    zap.NewNop(),
		readiness: NewReadiness(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pages = newPageManager(b, s.logger, s.attach)
	return s
}

// Config returns the effective session configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Readiness exposes the load tracker of the current page.
func (s *Session) Readiness() *Readiness {
	return s.readiness
}

// Generation returns the current page-load generation.
func (s *Session) Generation() int64 {
	return s.generation.Load()
}

// attach wires the readiness tracker to a freshly created page.
func (s *Session) attach(page Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopEvents != nil {
		s.stopEvents()
	}
	s.readiness.Reset()
	s.generation.Add(1)
	s.stopEvents = page.OnEvent(func(ev Event) {
		s.readiness.Observe(ev)
		if ev.Kind == LoadStarted {
			// Covers navigations the page starts on its own, like a form submit.
			s.generation.Add(1)
		}
		if ev.Kind == LoadStarted || ev.Kind == LoadFinished {
			s.logger.Debug("page event",
				zap.Stringer("event", ev.Kind),
				zap.Stringer("state", s.readiness.State()),
				zap.Int("pending", s.readiness.Pending()))
		}
	})
}

// OnPage calls fn with the session page, creating it first when needed.
// Callers waiting for the same creation are served in call order.
func (s *Session) OnPage(fn func(Page, error)) {
	s.pages.get(fn)
}

// Page returns the session page, creating it first when needed.
func (s *Session) Page(ctx context.Context) (Page, error) {
	type result struct {
		page Page
		err  error
	}
	ch := make(chan result, 1)
	s.OnPage(func(p Page, err error) {
		ch <- result{p, err}
	})

	select {
	case r := <-ch:
		return r.page, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Query returns a lazily resolved selection for selector.
func (s *Session) Query(selector string) *Selection {
	return newSelection(s, selector, "", nil, -1)
}

// QueryContext returns a selection for selector within the elements matched by context.
func (s *Session) QueryContext(selector, context string) *Selection {
	return newSelection(s, selector, context, nil, -1)
}

// QueryIn returns a selection for selector within the elements of parent.
func (s *Session) QueryIn(selector string, parent *Selection) *Selection {
	return newSelection(s, selector, "", parent, -1)
}

// Visit navigates to Site+path and waits for the page to settle.
func (s *Session) Visit(ctx context.Context, path string) error {
	return s.VisitWithin(ctx, path, s.cfg.NavigationTimeout)
}

// VisitWithin is Visit with a best-effort load timeout. A failed navigation
// closes the session and returns an error wrapping ErrNavigation.
func (s *Session) VisitWithin(ctx context.Context, path string, timeout time.Duration) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	page, err := s.Page(ctx)
	if err != nil {
		return err
	}

	if s.viewportSet.CompareAndSwap(false, true) {
		if err := page.SetViewport(ctx, s.cfg.ViewportWidth, s.cfg.ViewportHeight); err != nil {
			s.viewportSet.Store(false)
			return fmt.Errorf("failed to set viewport: %w", err)
		}
	}

	url := s.cfg.Site + path
	s.generation.Add(1)
	s.readiness.Navigate()
	s.logger.Debug("visit", zap.String("url", url), zap.Int64("generation", s.Generation()))

	if err := page.Open(ctx, url); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Error("navigation failed", zap.String("url", url), zap.Error(err))
		if cerr := s.Close(); cerr != nil {
			s.logger.Warn("close after navigation failure", zap.Error(cerr))
		}
		return fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
	}

	if !s.cfg.AddQueryLibrary {
		return s.WaitForPageWithin(ctx, timeout)
	}
	if err := s.waitSettled(ctx, timeout, "visit"); err != nil {
		return err
	}
	if err := page.IncludeJS(ctx, s.cfg.QueryLibraryURL); err != nil {
		return fmt.Errorf("failed to include query library: %w", err)
	}
	return nil
}

// WaitForPage waits until no load is in flight and the in-page ready flag is set.
func (s *Session) WaitForPage(ctx context.Context) error {
	return s.WaitForPageWithin(ctx, s.cfg.NavigationTimeout)
}

// WaitForPageWithin is WaitForPage with a best-effort timeout. The timeout only
// lets the wait stop trusting the load heuristic; it is checked between polls
// and never interrupts one. Use NoTimeout for an unbounded wait.
func (s *Session) WaitForPageWithin(ctx context.Context, timeout time.Duration) error {
	deadline := deadlineFor(timeout)
	for {
		if err := s.sleep(ctx); err != nil {
			return err
		}
		if s.isClosed() {
			return ErrSessionClosed
		}
		metricWaitPolls.WithLabelValues("page").Inc()

		if s.readiness.Loading() {
			if !passed(deadline) {
				continue
			}
			metricWaitDeadlines.WithLabelValues("page").Inc()
			s.logger.Debug("page wait deadline passed", zap.Int("pending", s.readiness.Pending()))
		}

		page, err := s.Page(ctx)
		if err != nil {
			return err
		}
		ready, err := s.pageReady(ctx, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.logger.Debug("ready check failed", zap.Error(err))
			continue
		}
		if ready {
			return nil
		}
	}
}

// WaitForElement waits for the page and then until selector matches a visible element.
func (s *Session) WaitForElement(ctx context.Context, selector string) error {
	return s.WaitForElementWithin(ctx, selector, s.cfg.NavigationTimeout)
}

// WaitForElementWithin is WaitForElement where timeout bounds the page wait
// only. The element poll itself runs until the element shows up or ctx ends.
func (s *Session) WaitForElementWithin(ctx context.Context, selector string, timeout time.Duration) error {
	if err := s.WaitForPageWithin(ctx, timeout); err != nil {
		return err
	}
	for {
		if s.isClosed() {
			return ErrSessionClosed
		}
		page, err := s.Page(ctx)
		if err != nil {
			return err
		}
		visible, err := s.elementVisible(ctx, page, selector)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.logger.Debug("visibility check failed", zap.String("selector", selector), zap.Error(err))
		}
		if visible {
			return nil
		}
		metricWaitPolls.WithLabelValues("element").Inc()
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
}

// Capture renders the page to path, as PDF when path ends in .pdf and PNG otherwise.
func (s *Session) Capture(ctx context.Context, path string) error {
	page, err := s.Page(ctx)
	if err != nil {
		return err
	}
	if err := page.Render(ctx, path); err != nil {
		return fmt.Errorf("failed to capture %s: %w", path, err)
	}
	return nil
}

// UploadFile sets the file input matched by selector to the file at path.
func (s *Session) UploadFile(ctx context.Context, selector, path string) error {
	page, err := s.Page(ctx)
	if err != nil {
		return err
	}
	if err := page.UploadFile(ctx, selector, path); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", path, selector, err)
	}
	return nil
}

// ClosePage discards the current page. The next operation creates a new one.
func (s *Session) ClosePage() error {
	s.mu.Lock()
	if s.stopEvents != nil {
		s.stopEvents()
		s.stopEvents = nil
	}
	s.mu.Unlock()

	s.generation.Add(1)
	s.readiness.Reset()
	return s.pages.closePage()
}

// Close shuts the page and the browser down. Calling it again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.stopEvents != nil {
		s.stopEvents()
		s.stopEvents = nil
	}
	s.mu.Unlock()

	s.generation.Add(1)
	s.readiness.Reset()
	var errs []error
	if err := s.pages.shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close page: %w", err))
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	s.logger.Debug("session closed")
	return errors.Join(errs...)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// waitSettled polls until no load is in flight or the deadline has passed.
func (s *Session) waitSettled(ctx context.Context, timeout time.Duration, wait string) error {
	deadline := deadlineFor(timeout)
	for s.readiness.Loading() {
		if s.isClosed() {
			return ErrSessionClosed
		}
		if passed(deadline) {
			metricWaitDeadlines.WithLabelValues(wait).Inc()
			s.logger.Debug("settle deadline passed", zap.String("wait", wait))
			return nil
		}
		metricWaitPolls.WithLabelValues(wait).Inc()
		if err := s.sleep(ctx); err != nil {
			return err
		}
	}
	return nil
}

// sleep waits one poll interval. The interval always runs to completion
// unless ctx ends.
func (s *Session) sleep(ctx context.Context) error {
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout < 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func passed(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}
