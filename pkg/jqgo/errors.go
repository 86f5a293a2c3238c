package jqgo

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("jqgo: session closed")
	// ErrNavigation marks a failed navigation. The session is closed when it is returned.
	ErrNavigation = errors.New("jqgo: navigation failed")
	// ErrStop is returned from an Each callback to end the iteration early.
	ErrStop = errors.New("jqgo: stop iteration")
	// ErrNoQueryLibrary is returned when the page has no query library to evaluate against.
	ErrNoQueryLibrary = errors.New("jqgo: query library not loaded in page")
)

// EvalError is a failure raised inside the page while running a selection command.
type EvalError struct {
	Method   string
	Selector string
	Message  string
}

func (e *EvalError) Error() string {
	method := e.Method
	if method == "" {
		method = "resolve"
	}
	return fmt.Sprintf("jqgo: %s on %q: %s", method, e.Selector, e.Message)
}
