package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/scenario"
	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// SessionFactory opens a fresh session for one job attempt.
type SessionFactory func(ctx context.Context, cfg jqgo.Config) (*jqgo.Session, error)

// ScenarioProcessor runs scenario jobs, each in its own session.
type ScenarioProcessor struct {
	newSession SessionFactory
	base       jqgo.Config
	logger     *zap.Logger
}

// NewScenarioProcessor creates a processor whose sessions start from base.
func NewScenarioProcessor(factory SessionFactory, base jqgo.Config, logger *zap.Logger) *ScenarioProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScenarioProcessor{newSession: factory, base: base, logger: logger}
}

// Process runs the scenario of job. On failure the partial result is
// returned with the error.
func (p *ScenarioProcessor) Process(ctx context.Context, job *Job, progress ProgressFunc) (interface{}, error) {
	sc := job.Request.Scenario

	sess, err := p.newSession(ctx, sc.SessionConfig(p.base))
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			p.logger.Warn("failed to close session", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	runner := scenario.NewRunner(p.logger.With(zap.String("job_id", job.ID)))
	if progress != nil {
		runner.OnStep(progress)
	}

	res, err := runner.Run(ctx, sess, &sc)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("job timed out after %v: %w", job.TimeoutDuration(), err)
		}
		return res, err
	}
	return res, nil
}
