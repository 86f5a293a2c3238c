package jqgo

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ysmood/gson"
)

// Selection is a lazily resolved query against the page. It is returned
// immediately and resolved on its first command; commands issued while the
// resolution is in flight are queued and replayed in order.
type Selection struct {
	sess     *Session
	selector string
	context  string
	// parent is the handle this selection is derived from. With index >= 0 the
	// selection is parent narrowed to one element, otherwise parent is the context.
	parent *Selection
	index  int

	mu         sync.Mutex
	instance   int
	length     int
	generation int64
	queue      commandQueue
}

func newSelection(sess *Session, selector, context string, parent *Selection, index int) *Selection {
	return &Selection{
		sess:     sess,
		selector: selector,
		context:  context,
		parent:   parent,
		index:    index,
		instance: -1,
		length:   -1,
	}
}

// Selector returns the selector the selection was built from.
func (s *Selection) Selector() string {
	return s.selector
}

// Index returns the element index of a refined selection, or -1.
func (s *Selection) Index() int {
	return s.index
}

// InstanceID returns the in-page handle id, or -1 while unresolved or stale.
func (s *Selection) InstanceID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resolvedLocked() {
		return -1
	}
	return s.instance
}

// Len returns the last known match count, or -1 before resolution.
func (s *Selection) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// Resolved reports whether the selection holds a handle valid for the current page load.
func (s *Selection) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedLocked()
}

func (s *Selection) resolvedLocked() bool {
	return s.instance >= 0 && s.generation == s.sess.Generation()
}

// Eq returns the selection narrowed to the element at index.
func (s *Selection) Eq(index int) *Selection {
	return newSelection(s.sess, s.selector, s.context, s, index)
}

// Invoke calls method on the matched set with args and returns its result.
// An empty method only resolves the selection and returns the match count.
// Element collections returned by the method come back as false.
func (s *Selection) Invoke(ctx context.Context, method string, args ...interface{}) (gson.JSON, error) {
	type result struct {
		v   gson.JSON
		err error
	}
	ch := make(chan result, 1)
	s.submit(&command{
		ctx:    ctx,
		method: method,
		args:   args,
		done: func(v gson.JSON, err error) {
			ch <- result{v, err}
		},
	}, true)

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return gson.New(nil), ctx.Err()
	}
}

// Async queues method and returns immediately. fn receives the result. Async
// commands on one selection always run, and call back, in the order they were
// submitted. fn may use the selection again.
func (s *Selection) Async(ctx context.Context, method string, args []interface{}, fn func(gson.JSON, error)) {
	if fn == nil {
		fn = func(gson.JSON, error) {}
	}
	s.submit(&command{ctx: ctx, method: method, args: args, done: fn, async: true}, false)
}

// resolve makes sure the selection has a handle for the current page load.
func (s *Selection) resolve(ctx context.Context) error {
	if s.Resolved() {
		return nil
	}
	_, err := s.Invoke(ctx, "")
	return err
}

// roundTrip sends one evaluation for method and records the returned handle.
func (s *Selection) roundTrip(ctx context.Context, method string, args []interface{}) (gson.JSON, error) {
	req, err := s.request(ctx, method, args)
	if err != nil {
		return gson.New(nil), err
	}

	resp, err := s.sess.evaluate(ctx, req)
	if err != nil {
		return gson.New(nil), err
	}
	if resp.Code == "no_library" {
		return gson.New(nil), ErrNoQueryLibrary
	}

	s.mu.Lock()
	if resp.Instance >= 0 {
		s.instance = resp.Instance
		s.generation = req.Generation
	}
	s.length = resp.Length
	s.mu.Unlock()

	if resp.Error != "" {
		return gson.New(nil), &EvalError{Method: method, Selector: s.describe(), Message: resp.Error}
	}
	return resp.value(), nil
}

func (s *Selection) request(ctx context.Context, method string, args []interface{}) (EvalRequest, error) {
	req := EvalRequest{
		Selector: s.selector,
		Instance: -1,
		Index:    -1,
		Method:   method,
		Args:     args,
	}
	if s.context != "" {
		req.Context = s.context
	}

	if s.parent != nil {
		if err := s.parent.resolve(ctx); err != nil {
			return req, fmt.Errorf("failed to resolve %s: %w", s.parent.describe(), err)
		}
		ref := s.parent.InstanceID()
		if s.index >= 0 {
			req.Selector = ref
			req.Context = nil
			req.Index = s.index
		} else {
			req.Context = ref
		}
	}

	// Read the generation after the parent resolved so both refer to the same load.
	req.Generation = s.sess.Generation()
	s.mu.Lock()
	if s.instance >= 0 && s.generation == req.Generation {
		req.Instance = s.instance
	}
	s.mu.Unlock()
	return req, nil
}

func (s *Selection) describe() string {
	switch {
	case s.parent != nil && s.index >= 0:
		return s.parent.describe() + ".eq(" + strconv.Itoa(s.index) + ")"
	case s.parent != nil:
		return s.parent.describe() + " " + s.selector
	case s.context != "":
		return s.context + " " + s.selector
	}
	return s.selector
}
