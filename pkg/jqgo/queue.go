package jqgo

import (
	"context"

	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// command is one deferred selection call.
type command struct {
	ctx    context.Context
	method string
	args   []interface{}
	done   func(gson.JSON, error)
	// async results are handed to the callback dispatcher instead of being
	// delivered on the drainer.
	async bool
}

// commandQueue holds the commands of a selection in submission order. A single
// drainer replays them one at a time, so the first replayed command resolves
// the selection and every later one reuses its handle. Async callbacks run in
// the same order on their own goroutine, so a callback may issue further
// commands on the selection.
type commandQueue struct {
	pending  []*command
	draining bool

	callbacks  []func()
	delivering bool
}

// submit runs cmd now when the selection is resolved and idle, otherwise it
// queues cmd behind the commands already waiting.
func (s *Selection) submit(cmd *command, inline bool) {
	s.mu.Lock()
	if inline && !s.queue.draining && len(s.queue.pending) == 0 && s.resolvedLocked() {
		s.mu.Unlock()
		s.execute(cmd)
		return
	}

	s.queue.pending = append(s.queue.pending, cmd)
	if s.queue.draining {
		s.mu.Unlock()
		metricQueuedCommands.Inc()
		s.sess.logger.Debug("command queued",
			zap.String("selector", s.describe()),
			zap.String("method", methodLabel(cmd.method)))
		return
	}
	s.queue.draining = true
	s.mu.Unlock()

	go s.drain()
}

func (s *Selection) drain() {
	for {
		s.mu.Lock()
		if len(s.queue.pending) == 0 {
			s.queue.draining = false
			s.mu.Unlock()
			return
		}
		cmd := s.queue.pending[0]
		s.queue.pending = s.queue.pending[1:]
		s.mu.Unlock()

		s.execute(cmd)
	}
}

func (s *Selection) execute(cmd *command) {
	v, err := gson.New(nil), cmd.ctx.Err()
	if err == nil {
		v, err = s.roundTrip(cmd.ctx, cmd.method, cmd.args)
	}
	if !cmd.async {
		cmd.done(v, err)
		return
	}
	s.deliver(func() { cmd.done(v, err) })
}

// deliver queues an async callback behind the ones not yet run.
func (s *Selection) deliver(fn func()) {
	s.mu.Lock()
	s.queue.callbacks = append(s.queue.callbacks, fn)
	if s.queue.delivering {
		s.mu.Unlock()
		return
	}
	s.queue.delivering = true
	s.mu.Unlock()

	go func() {
		for {
			s.mu.Lock()
			if len(s.queue.callbacks) == 0 {
				s.queue.delivering = false
				s.mu.Unlock()
				return
			}
			next := s.queue.callbacks[0]
			s.queue.callbacks = s.queue.callbacks[1:]
			s.mu.Unlock()

			next()
		}
	}()
}
