package jqgotest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ysmood/gson"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// Upload records a file set on an input.
type Upload struct {
	Selector string
	Path     string
}

// Page is a fake jqgo.Page.
type Page struct {
	browser *Browser

	// OpenErr fails every Open while set.
	OpenErr error

	mu       sync.Mutex
	url      string
	doc      *Document
	loaded   bool
	library  bool
	reg      *registry
	subs     map[int]func(jqgo.Event)
	nextSub  int
	requests int
	closed   bool

	opened    []string
	included  []string
	viewports [][2]int
	renders   []string
	uploads   []Upload
	calls     []string
	evals     int
}

type registry struct {
	generation int64
	handles    [][]*Element
	keys       map[string]int
}

func newPage(b *Browser) *Page {
	return &Page{
		browser: b,
		doc:     &Document{},
		library: true,
		subs:    make(map[int]func(jqgo.Event)),
	}
}

// Open implements jqgo.Page. Unrouted URLs fail like a failed load status.
func (p *Page) Open(ctx context.Context, url string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.opened = append(p.opened, url)
	openErr := p.OpenErr
	p.mu.Unlock()

	if openErr != nil {
		return openErr
	}
	if p.sameDocument(url) {
		p.mu.Lock()
		p.url = url
		p.mu.Unlock()
		p.Emit(jqgo.Event{Kind: jqgo.NavigatedWithinDocument})
		return nil
	}
	doc, ok := p.browser.document(url)
	if !ok {
		return fmt.Errorf("open %s: status fail", url)
	}
	p.load(url, doc)
	return nil
}

// sameDocument reports whether url only changes the fragment of the loaded URL.
func (p *Page) sameDocument(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := strings.IndexByte(url, '#')
	if i < 0 || p.url == "" || !p.loaded {
		return false
	}
	current := p.url
	if j := strings.IndexByte(current, '#'); j >= 0 {
		current = current[:j]
	}
	return url[:i] == current
}

// load swaps in doc and emits the lifecycle of its load.
func (p *Page) load(url string, doc *Document) {
	p.mu.Lock()
	p.url = url
	p.doc = doc
	p.loaded = false
	p.library = !doc.NoLibrary
	p.reg = nil
	p.mu.Unlock()

	p.Emit(jqgo.Event{Kind: jqgo.LoadStarted})
	if p.browser.LoadDelay <= 0 {
		p.finish(doc)
		return
	}
	time.AfterFunc(p.browser.LoadDelay, func() { p.finish(doc) })
}

func (p *Page) finish(doc *Document) {
	p.mu.Lock()
	if p.doc != doc || p.closed {
		p.mu.Unlock()
		return
	}
	p.loaded = true
	p.mu.Unlock()

	p.Emit(jqgo.Event{Kind: jqgo.LoadFinished})
	for _, res := range doc.Resources {
		p.Request(res)
	}
}

// Request emits a resource request and its receipt after the browser's ResourceDelay.
func (p *Page) Request(resource string) {
	p.mu.Lock()
	p.requests++
	id := resource + "#" + strconv.Itoa(p.requests)
	p.mu.Unlock()

	p.Emit(jqgo.Event{Kind: jqgo.ResourceRequested, RequestID: id})
	receive := func() { p.Emit(jqgo.Event{Kind: jqgo.ResourceReceived, RequestID: id}) }
	if p.browser.ResourceDelay <= 0 {
		receive()
		return
	}
	time.AfterFunc(p.browser.ResourceDelay, receive)
}

// Emit delivers ev to every subscriber.
func (p *Page) Emit(ev jqgo.Event) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(jqgo.Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, p.subs[id])
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// OnEvent implements jqgo.Page.
func (p *Page) OnEvent(fn func(jqgo.Event)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Evaluate implements jqgo.Page for the scripts jqgo sends.
func (p *Page) Evaluate(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	if err := ctx.Err(); err != nil {
		return gson.New(nil), err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return gson.New(nil), ErrClosed
	}
	p.evals++

	var (
		out  interface{}
		href string
		err  error
	)
	switch js {
	case jqgo.EvaluatorScript:
		var req jqgo.EvalRequest
		if err = decodeArg(args, &req); err == nil {
			out, href = p.protocol(req)
		}
	case jqgo.ReadyScript:
		out = p.loaded
	case jqgo.VisibleScript:
		var selector string
		if err = decodeArg(args, &selector); err == nil {
			out = visible(p.doc.Nodes[selector])
		}
	default:
		err = fmt.Errorf("jqgotest: unsupported script")
	}
	p.mu.Unlock()

	if err != nil {
		return gson.New(nil), err
	}
	if href != "" {
		doc, ok := p.browser.document(href)
		if !ok {
			doc = &Document{}
		}
		p.load(href, doc)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return gson.New(nil), err
	}
	return gson.NewFrom(string(data)), nil
}

func decodeArg(args []interface{}, v interface{}) error {
	if len(args) == 0 {
		return fmt.Errorf("jqgotest: missing script argument")
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// IncludeJS implements jqgo.Page by marking the query library as loaded.
func (p *Page) IncludeJS(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.included = append(p.included, url)
	p.library = true
	return nil
}

// SetViewport implements jqgo.Page.
func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewports = append(p.viewports, [2]int{width, height})
	return nil
}

// Render implements jqgo.Page by recording path.
func (p *Page) Render(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.renders = append(p.renders, path)
	if p.browser.WriteRenders {
		return os.WriteFile(path, []byte(p.url), 0o644)
	}
	return nil
}

// UploadFile implements jqgo.Page. It fails when selector matches nothing.
func (p *Page) UploadFile(ctx context.Context, selector, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	els := p.doc.Nodes[selector]
	if len(els) == 0 {
		return fmt.Errorf("no element matches %q", selector)
	}
	els[0].Value = path
	p.uploads = append(p.uploads, Upload{Selector: selector, Path: path})
	return nil
}

// Close implements jqgo.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.subs = make(map[int]func(jqgo.Event))
	return nil
}

// Closed reports whether the page was closed.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// URL returns the address of the current document.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Opened returns the URLs passed to Open.
func (p *Page) Opened() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.opened...)
}

// Included returns the URLs passed to IncludeJS.
func (p *Page) Included() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.included...)
}

// Viewports returns every viewport size that was set.
func (p *Page) Viewports() [][2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]int(nil), p.viewports...)
}

// Renders returns the paths passed to Render.
func (p *Page) Renders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.renders...)
}

// Uploads returns the recorded uploads.
func (p *Page) Uploads() []Upload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Upload(nil), p.uploads...)
}

// Calls returns the method names invoked through the protocol, in order.
// Resolve-only round trips are recorded as "".
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Evaluations returns the number of Evaluate calls.
func (p *Page) Evaluations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evals
}

// Handles returns the size of the in-page handle registry.
func (p *Page) Handles() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == nil {
		return 0
	}
	return len(p.reg.handles)
}
