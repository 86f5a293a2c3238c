// Package jqgotest provides an in-memory jqgo.Browser for tests.
//
// Pages serve Documents registered per URL and answer the evaluation
// protocol in Go: the handle registry with its generations and key reuse,
// index narrowing, collection coercion and lifecycle events all behave like
// the in-page script does against a real browser.
package jqgotest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// ErrClosed is returned by a closed Browser or Page.
var ErrClosed = errors.New("jqgotest: closed")

// Element is a node of a fake document.
type Element struct {
	Text    string
	Value   string
	HTML    string
	Attrs   map[string]string
	Styles  map[string]string
	Classes []string
	Hidden  bool
	// Children are matched when the element is used as a query context.
	Children map[string][]*Element
	// Href is navigated to when the element is clicked or submitted.
	Href string

	Clicks    int
	Triggered []string
}

// Document is what a Page serves for one URL.
type Document struct {
	// Nodes maps a selector to the elements it matches.
	Nodes map[string][]*Element
	// NoLibrary leaves the page without a query library until IncludeJS runs.
	NoLibrary bool
	// Resources are requested right after the load finishes and received
	// after the browser's ResourceDelay.
	Resources []string
}

// Browser is a fake jqgo.Browser.
type Browser struct {
	// LoadDelay separates LoadStarted from LoadFinished. Zero emits both synchronously.
	LoadDelay time.Duration
	// ResourceDelay separates the request and the receipt of document resources.
	ResourceDelay time.Duration
	// NewPageErr fails page creation while set.
	NewPageErr error
	// WriteRenders makes Render write the page URL to the output file.
	WriteRenders bool

	mu     sync.Mutex
	routes map[string]*Document
	pages  []*Page
	closed bool
}

// NewBrowser returns an empty fake browser.
func NewBrowser() *Browser {
	return &Browser{routes: make(map[string]*Document)}
}

// Route serves doc at url.
func (b *Browser) Route(url string, doc *Document) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[url] = doc
	return b
}

func (b *Browser) document(url string) (*Document, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.routes[url]
	return doc, ok
}

// NewPage implements jqgo.Browser.
func (b *Browser) NewPage(ctx context.Context) (jqgo.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	p := newPage(b)
	b.pages = append(b.pages, p)
	return p, nil
}

// Close implements jqgo.Browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	pages := b.pages
	b.closed = true
	b.mu.Unlock()

	for _, p := range pages {
		_ = p.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Pages returns every page created so far.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

// LastPage returns the most recently created page, or nil.
func (b *Browser) LastPage() *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pages) == 0 {
		return nil
	}
	return b.pages[len(b.pages)-1]
}
