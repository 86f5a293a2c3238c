package jqgo

import (
	"context"
	"fmt"
	"time"
)

// Step is one unit of a sequential script.
type Step func(ctx context.Context) error

// Series runs steps in order and stops at the first failure.
func Series(ctx context.Context, steps ...Step) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Go builds a step for a session operation by name. Supported operations are
// visit(path[, timeout]), waitForPage([timeout]), waitForElement(selector[, timeout]),
// capture(path), uploadFile(selector, path) and close().
func (s *Session) Go(op string, args ...interface{}) Step {
	return func(ctx context.Context) error {
		switch op {
		case "visit":
			path, err := stringArg(op, args, 0)
			if err != nil {
				return err
			}
			return s.VisitWithin(ctx, path, timeoutArg(args, 1, s.cfg.NavigationTimeout))
		case "waitForPage":
			return s.WaitForPageWithin(ctx, timeoutArg(args, 0, s.cfg.NavigationTimeout))
		case "waitForElement":
			selector, err := stringArg(op, args, 0)
			if err != nil {
				return err
			}
			return s.WaitForElementWithin(ctx, selector, timeoutArg(args, 1, s.cfg.NavigationTimeout))
		case "capture":
			path, err := stringArg(op, args, 0)
			if err != nil {
				return err
			}
			return s.Capture(ctx, path)
		case "uploadFile":
			selector, err := stringArg(op, args, 0)
			if err != nil {
				return err
			}
			path, err := stringArg(op, args, 1)
			if err != nil {
				return err
			}
			return s.UploadFile(ctx, selector, path)
		case "close":
			return s.Close()
		}
		return fmt.Errorf("unknown session operation %q", op)
	}
}

// Go builds a step invoking method on the selection.
func (s *Selection) Go(method string, args ...interface{}) Step {
	return func(ctx context.Context) error {
		_, err := s.Invoke(ctx, method, args...)
		return err
	}
}

func stringArg(op string, args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%s: missing argument %d", op, i)
	}
	v, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%s: argument %d must be a string, got %T", op, i, args[i])
	}
	return v, nil
}

// timeoutArg reads a time.Duration or a millisecond count.
func timeoutArg(args []interface{}, i int, def time.Duration) time.Duration {
	if i >= len(args) {
		return def
	}
	switch v := args[i].(type) {
	case time.Duration:
		return v
	case int:
		if v < 0 {
			return NoTimeout
		}
		return time.Duration(v) * time.Millisecond
	case int64:
		if v < 0 {
			return NoTimeout
		}
		return time.Duration(v) * time.Millisecond
	}
	return def
}
