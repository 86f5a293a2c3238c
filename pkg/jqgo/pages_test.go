package jqgo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

type stubPage struct {
	mu     sync.Mutex
	closed bool
}

func (p *stubPage) Open(context.Context, string) error { return nil }
func (p *stubPage) Evaluate(context.Context, string, ...interface{}) (gson.JSON, error) {
	return gson.New(nil), nil
}
func (p *stubPage) IncludeJS(context.Context, string) error          { return nil }
func (p *stubPage) SetViewport(context.Context, int, int) error      { return nil }
func (p *stubPage) Render(context.Context, string) error             { return nil }
func (p *stubPage) UploadFile(context.Context, string, string) error { return nil }
func (p *stubPage) OnEvent(func(Event)) func()                       { return func() {} }
func (p *stubPage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// gatedBrowser hands out pages only when release is closed.
type gatedBrowser struct {
	release chan struct{}
	err     error

	mu      sync.Mutex
	created int
}

func (b *gatedBrowser) NewPage(context.Context) (Page, error) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.created++
	return &stubPage{}, nil
}

func (b *gatedBrowser) Close() error { return nil }

func (b *gatedBrowser) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

func TestPageManagerServesWaitersInOrder(t *testing.T) {
	b := &gatedBrowser{release: make(chan struct{})}
	var created int
	m := newPageManager(b, zap.NewNop(), func(Page) { created++ })

	var (
		mu    sync.Mutex
		order []int
		pages []Page
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		m.get(func(p Page, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			pages = append(pages, p)
			mu.Unlock()
		})
	}
	close(b.release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	for _, p := range pages {
		assert.Same(t, pages[0], p)
	}
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 1, created)
}

func TestPageManagerContinuationCanGetAgain(t *testing.T) {
	b := &gatedBrowser{release: make(chan struct{})}
	m := newPageManager(b, zap.NewNop(), nil)

	inner := make(chan Page, 2)
	for i := 0; i < 2; i++ {
		m.get(func(outer Page, err error) {
			if !assert.NoError(t, err) {
				return
			}
			m.get(func(p Page, err error) {
				assert.NoError(t, err)
				assert.Same(t, outer, p)
				inner <- p
			})
		})
	}
	close(b.release)

	for i := 0; i < 2; i++ {
		select {
		case <-inner:
		case <-time.After(time.Second):
			t.Fatal("nested get was not served")
		}
	}
	assert.Equal(t, 1, b.count())
}

func TestPageManagerShutdownDuringCreation(t *testing.T) {
	b := &gatedBrowser{release: make(chan struct{})}
	m := newPageManager(b, zap.NewNop(), nil)

	done := make(chan error, 1)
	m.get(func(_ Page, err error) { done <- err })
	require.NoError(t, m.shutdown())
	close(b.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not called")
	}
	assert.Nil(t, m.current())
}

func TestPageManagerReturnsExistingPage(t *testing.T) {
	b := &gatedBrowser{release: make(chan struct{})}
	close(b.release)
	m := newPageManager(b, zap.NewNop(), nil)

	first := getPage(t, m)
	second := getPage(t, m)
	assert.Same(t, first, second)
	assert.Equal(t, 1, b.count())
}

func TestPageManagerRecreatesAfterClosePage(t *testing.T) {
	b := &gatedBrowser{release: make(chan struct{})}
	close(b.release)
	m := newPageManager(b, zap.NewNop(), nil)

	first := getPage(t, m)
	require.NoError(t, m.closePage())
	assert.True(t, first.(*stubPage).closed)
	assert.Nil(t, m.current())

	second := getPage(t, m)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, b.count())
}

func TestPageManagerCreationError(t *testing.T) {
	boom := errors.New("boom")
	b := &gatedBrowser{release: make(chan struct{}), err: boom}
	close(b.release)
	m := newPageManager(b, zap.NewNop(), nil)

	done := make(chan error, 1)
	m.get(func(_ Page, err error) { done <- err })
	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("waiter not called")
	}
	assert.Nil(t, m.current())
}

func TestPageManagerShutdown(t *testing.T) {
	b := &gatedBrowser{release: make(chan struct{})}
	close(b.release)
	m := newPageManager(b, zap.NewNop(), nil)

	page := getPage(t, m)
	require.NoError(t, m.shutdown())
	assert.True(t, page.(*stubPage).closed)

	var got error
	m.get(func(_ Page, err error) { got = err })
	assert.ErrorIs(t, got, ErrSessionClosed)
}

func getPage(t *testing.T, m *pageManager) Page {
	t.Helper()
	ch := make(chan Page, 1)
	m.get(func(p Page, err error) {
		assert.NoError(t, err)
		ch <- p
	})
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatal("page not delivered")
	}
	return nil
}
