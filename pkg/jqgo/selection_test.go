package jqgo_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
	"github.com/ahrdadan/jqgo/pkg/jqgo/jqgotest"
)

func TestSelectionIsLazy(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	page := visit(t, ctx, sess, "/node")
	before := page.Evaluations()

	sel := sess.Query("h2 a")
	assert.Equal(t, -1, sel.InstanceID())
	assert.Equal(t, -1, sel.Len())
	assert.False(t, sel.Resolved())
	assert.Equal(t, before, page.Evaluations())

	n, err := sel.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, sel.InstanceID())
	assert.True(t, sel.Resolved())
}

func TestQueuedCommandsRunInOrder(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	page := visit(t, ctx, sess, "/node")
	calls := len(page.Calls())

	sel := sess.Query("#title")
	const n = 20

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		sel.Async(ctx, "attr", []interface{}{"data-n", strconv.Itoa(i)}, func(_ gson.JSON, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
	assert.Len(t, page.Calls()[calls:], n, "no command lost or duplicated")

	v, err := sel.Attr(ctx, "data-n")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(n-1), v)
}

func TestInvokeWaitsBehindQueuedCommands(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	visit(t, ctx, sess, "/node")

	sel := sess.Query("#title")
	var (
		mu   sync.Mutex
		seen []string
	)
	for _, text := range []string{"a", "b", "c"} {
		sel.Async(ctx, "text", []interface{}{text}, func(gson.JSON, error) {
			mu.Lock()
			seen = append(seen, "set")
			mu.Unlock()
		})
	}

	text, err := sel.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", text)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestAsyncCallbackCanUseSelection(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	visit(t, ctx, sess, "/node")

	sel := sess.Query("#title")
	type result struct {
		text, id string
		err      error
	}
	done := make(chan result, 1)
	sel.Async(context.Background(), "text", nil, func(v gson.JSON, err error) {
		if err != nil {
			done <- result{err: err}
			return
		}
		id, err := sel.Attr(context.Background(), "data-id")
		done <- result{text: v.Str(), id: id, err: err}
	})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "Nodes", r.text)
		assert.Equal(t, "7", r.id)
	case <-time.After(2 * time.Second):
		t.Fatal("command from Async callback never completed")
	}
}

func TestAsyncCallbacksKeepOrderWhenNested(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	visit(t, ctx, sess, "/node")

	sel := sess.Query("#title")
	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	submitted := make(chan struct{})
	wg.Add(3)
	sel.Async(ctx, "text", nil, func(gson.JSON, error) {
		defer wg.Done()
		<-submitted
		record("first")
		sel.Async(ctx, "text", nil, func(gson.JSON, error) {
			defer wg.Done()
			record("nested")
		})
	})
	sel.Async(ctx, "text", nil, func(gson.JSON, error) {
		defer wg.Done()
		record("second")
	})
	close(submitted)
	wg.Wait()

	assert.Equal(t, []string{"first", "second", "nested"}, order)
}

func TestRepeatedQueryReusesHandle(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	page := visit(t, ctx, sess, "/node")

	first := sess.Query("h2 a")
	_, err := first.Length(ctx)
	require.NoError(t, err)

	second := sess.Query("h2 a")
	_, err = second.Length(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.InstanceID(), second.InstanceID())
	assert.Equal(t, 1, page.Handles())

	_, err = sess.Query("#title").Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Handles())
}

func TestHandlesGoStaleOnNavigation(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	visit(t, ctx, sess, "/node")

	sel := sess.Query("h2 a")
	_, err := sel.Length(ctx)
	require.NoError(t, err)
	require.True(t, sel.Resolved())

	require.NoError(t, sess.Visit(ctx, "/node"))
	assert.False(t, sel.Resolved())
	assert.Equal(t, -1, sel.InstanceID())

	text, err := sel.Eq(1).Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Second post", text)
	assert.True(t, sel.Resolved())
}

func TestEvalErrorPropagates(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	visit(t, ctx, sess, "/node")

	sel := sess.Query("h2 a")
	_, err := sel.Invoke(ctx, "noSuchMethod")
	require.Error(t, err)

	var evalErr *jqgo.EvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "noSuchMethod", evalErr.Method)
	assert.Equal(t, "h2 a", evalErr.Selector)
	assert.Equal(t, "no such method: noSuchMethod", evalErr.Message)

	// The failed call still resolved the selection.
	assert.True(t, sel.Resolved())
	assert.Equal(t, 3, sel.Len())
}

func TestCollectionResultsBecomeFalse(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	visit(t, ctx, sess, "/node")

	v, err := sess.Query("h2 a").Invoke(ctx, "addClass", "seen")
	require.NoError(t, err)
	assert.False(t, v.Bool())
	assert.False(t, v.Nil())

	has, err := sess.Query("h2 a").Eq(2).HasClass(ctx, "seen")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestTypedMethods(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	visit(t, ctx, sess, "/node")

	title := sess.Query("#title")

	id, err := title.Attr(ctx, "data-id")
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	missing, err := title.Attr(ctx, "data-missing")
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, title.SetHTML(ctx, "<b>Nodes</b>"))
	html, err := title.HTML(ctx)
	require.NoError(t, err)
	assert.Equal(t, "<b>Nodes</b>", html)

	require.NoError(t, title.SetAttr(ctx, "lang", "en"))
	lang, err := title.Attr(ctx, "lang")
	require.NoError(t, err)
	assert.Equal(t, "en", lang)

	require.NoError(t, title.AddClass(ctx, "big"))
	is, err := title.Is(ctx, ".big")
	require.NoError(t, err)
	assert.True(t, is)
	require.NoError(t, title.RemoveClass(ctx, "big"))
	has, err := title.HasClass(ctx, "big")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, title.Hide(ctx))
	hidden, err := title.Is(ctx, ":hidden")
	require.NoError(t, err)
	assert.True(t, hidden)

	require.NoError(t, title.Trigger(ctx, "change"))
	require.NoError(t, title.Focus(ctx))
	require.NoError(t, title.Blur(ctx))
}

func TestQueryWithinContext(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	visit(t, ctx, sess, "/node")

	n, err := sess.QueryContext("li", "ul.menu").Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	menu := sess.Query("ul.menu")
	active, err := sess.QueryIn("li", menu).Eq(1).HasClass(ctx, "active")
	require.NoError(t, err)
	assert.True(t, active)
	assert.True(t, menu.Resolved())

	text, err := sess.QueryIn("li", menu).Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HomeAbout", text)
}

func TestInvokeHonorsCanceledContext(t *testing.T) {
	ctx := testContext(t)
	sess := newSession(t, nodeBrowser())
	page := visit(t, ctx, sess, "/node")
	calls := len(page.Calls())

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := sess.Query("h2 a").Text(canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, page.Calls(), calls)
}

func TestSelectionStep(t *testing.T) {
	name := &jqgotest.Element{}
	b := jqgotest.NewBrowser().Route(site+"/user", &jqgotest.Document{
		Nodes: map[string][]*jqgotest.Element{"#edit-name": {name}},
	})
	ctx := testContext(t)
	sess := newSession(t, b)

	err := jqgo.Series(ctx,
		sess.Go("visit", "/user"),
		sess.Query("#edit-name").Go("val", "admin"),
		sess.Go("waitForPage"),
	)
	require.NoError(t, err)
	assert.Equal(t, "admin", name.Value)

	err = jqgo.Series(ctx, sess.Go("teleport"))
	assert.ErrorContains(t, err, `unknown session operation "teleport"`)

	err = jqgo.Series(ctx, sess.Go("visit"))
	assert.ErrorContains(t, err, "missing argument")
}
