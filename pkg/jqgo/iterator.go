package jqgo

import (
	"context"
	"errors"
)

type iterState int

const (
	iterUnstarted iterState = iota
	iterIterating
	iterDone
)

// Iterator walks the elements of a selection one refined selection at a time.
// The match count is fixed when the first element is requested.
type Iterator struct {
	sel    *Selection
	state  iterState
	index  int
	length int
	empty  bool
}

// Iter returns an iterator over the matched elements.
func (s *Selection) Iter() *Iterator {
	return &Iterator{sel: s, index: -1}
}

// Next returns the next element. ok is false once the iteration is over.
func (it *Iterator) Next(ctx context.Context) (el *Selection, ok bool, err error) {
	switch it.state {
	case iterDone:
		return nil, false, nil
	case iterUnstarted:
		n, err := it.sel.Length(ctx)
		if err != nil {
			return nil, false, err
		}
		it.length = n
		if n <= 0 {
			it.empty = true
			it.state = iterDone
			return nil, false, nil
		}
		it.state = iterIterating
	}

	it.index++
	if it.index >= it.length {
		it.state = iterDone
		return nil, false, nil
	}
	return it.sel.Eq(it.index), true, nil
}

// Index is the position of the element last returned by Next.
func (it *Iterator) Index() int {
	return it.index
}

// Empty reports whether the selection matched nothing.
func (it *Iterator) Empty() bool {
	return it.empty
}

// Each calls fn for every matched element in order, waiting for fn to return
// before moving on. Returning ErrStop from fn ends the walk without an error.
// empty is true when the selection matched no element.
func (s *Selection) Each(ctx context.Context, fn func(i int, el *Selection) error) (empty bool, err error) {
	it := s.Iter()
	for {
		el, ok, err := it.Next(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return it.Empty(), nil
		}
		if err := fn(it.Index(), el); err != nil {
			if errors.Is(err, ErrStop) {
				return false, nil
			}
			return false, err
		}
	}
}
