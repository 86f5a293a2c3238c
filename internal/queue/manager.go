package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/scenario"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "JQGO_JOBS"
	// SubjectName prefixes the per-priority job subjects.
	SubjectName = "jqgo.jobs"
	// ConsumerName prefixes the durable consumer of each priority lane.
	ConsumerName = "jqgo-worker"

	// HighPriority is the lowest priority routed to the high lane.
	HighPriority = 7
)

// lanes lists the priority lanes in the order workers drain them.
var lanes = []string{"high", "normal"}

// Subject returns the subject a job with the given priority is published on.
func Subject(priority int) string {
	if priority >= HighPriority {
		return SubjectName + ".high"
	}
	return SubjectName + ".normal"
}

// ErrNotCancelable is returned when canceling a job that already finished.
var ErrNotCancelable = errors.New("job cannot be canceled")

// Publisher is the part of JetStream the manager publishes through.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JobProcessor runs a job and reports each finished scenario step.
type JobProcessor interface {
	Process(ctx context.Context, job *Job, progress ProgressFunc) (interface{}, error)
}

// ProgressFunc receives the step that just finished out of total steps.
type ProgressFunc func(total int, step scenario.StepResult)

// Options configure a Manager.
type Options struct {
	Workers  int
	Logger   *zap.Logger
	Notifier *Notifier
	// SweepInterval is how often expired jobs are dropped from the store.
	SweepInterval time.Duration
}

// Manager manages the job queue
type Manager struct {
	pub      Publisher
	lanes    []jetstream.Consumer
	store    *Store
	events   *EventHub
	notifier *Notifier
	logger   *zap.Logger
	workers  int

	mu        sync.Mutex
	isRunning bool
	running   map[string]context.CancelFunc
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates the stream and one durable consumer per priority lane
// and returns a manager publishing to them.
func NewManager(js jetstream.JetStream, opts Options) (*Manager, error) {
	m := newManager(js, opts)

	consumers, err := setupStream(js)
	if err != nil {
		m.store.Stop()
		m.cancel()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	m.lanes = consumers
	return m, nil
}

func newManager(pub Publisher, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNotifier(nil, opts.Logger)
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pub:      pub,
		store:    NewStore(opts.SweepInterval, opts.Logger),
		events:   NewEventHub(),
		notifier: opts.Notifier,
		logger:   opts.Logger.Named("queue"),
		workers:  opts.Workers,
		running:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func setupStream(js jetstream.JetStream) ([]jetstream.Consumer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "jqgo scenario jobs",
		Subjects:    []string{SubjectName + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	consumers := make([]jetstream.Consumer, 0, len(lanes))
	for _, lane := range lanes {
		name := ConsumerName + "-" + lane
		consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
			Name:          name,
			Durable:       name,
			FilterSubject: SubjectName + "." + lane,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			MaxDeliver:    3,
			AckWait:       MaxJobTimeout + time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s consumer: %w", lane, err)
		}
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}

// Start starts the workers fetching jobs from the priority lanes.
func (m *Manager) Start(processor JobProcessor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	if len(m.lanes) == 0 {
		return errors.New("queue has no consumer")
	}
	m.isRunning = true

	m.logger.Info("starting job workers", zap.Int("workers", m.workers))
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.work(i, processor)
	}
	return nil
}

func (m *Manager) work(id int, processor JobProcessor) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		msg, err := m.next()
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.Debug("fetch failed", zap.Int("worker", id), zap.Error(err))
			}
			continue
		}
		if msg != nil {
			m.processMessage(msg, processor)
		}
	}
}

// next takes one message from the highest lane holding one. Only the last
// lane is waited on so a busy normal lane never starves high priority jobs
// for longer than one fetch.
func (m *Manager) next() (jetstream.Msg, error) {
	for i, lane := range m.lanes {
		opt := jetstream.FetchMaxWait(5 * time.Second)
		if i < len(m.lanes)-1 {
			opt = jetstream.FetchMaxWait(100 * time.Millisecond)
		}
		batch, err := lane.Fetch(1, opt)
		if err != nil {
			return nil, err
		}
		for msg := range batch.Messages() {
			return msg, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, err
		}
	}
	return nil, nil
}

// Stop stops the workers and waits for running jobs and webhooks.
func (m *Manager) Stop() {
	m.mu.Lock()
	wasRunning := m.isRunning
	m.isRunning = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.notifier.Wait()
	m.store.Stop()
	m.events.Close()
	if wasRunning {
		m.logger.Info("job workers stopped")
	}
}

// Enqueue stores job and publishes it to the stream.
func (m *Manager) Enqueue(ctx context.Context, job *Job) error {
	m.store.Save(job)

	if err := m.publish(ctx, job); err != nil {
		m.store.Delete(job.ID)
		return err
	}

	metricJobs.WithLabelValues(string(JobStatusQueued)).Inc()
	m.logger.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("scenario", job.Request.Scenario.Name))
	m.events.Emit(Event{JobID: job.ID, Status: job.Status, Message: "Job queued"})
	return nil
}

// EnqueueWithIdempotency returns the live job created with the same
// idempotency key instead of enqueuing a duplicate.
func (m *Manager) EnqueueWithIdempotency(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey != "" {
		if existing, ok := m.store.GetByIdempotencyKey(job.IdempotencyKey); ok {
			return existing, true, nil
		}
	}
	if err := m.Enqueue(ctx, job); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

func (m *Manager) publish(ctx context.Context, job *Job) error {
	data, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := m.pub.Publish(ctx, Subject(job.Priority), data); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (m *Manager) GetJob(jobID string) (*Job, error) {
	return m.store.Get(jobID)
}

// ListJobs returns the live jobs, newest first.
func (m *Manager) ListJobs() []*Job {
	return m.store.List()
}

// UpdateJob updates a job and emits an event
func (m *Manager) UpdateJob(job *Job) error {
	return m.update(job, nil)
}

func (m *Manager) update(job *Job, step *scenario.StepResult) error {
	if err := m.store.Update(job); err != nil {
		return err
	}
	m.events.Emit(Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
		Step:     step,
	})
	return nil
}

// CancelJob cancels a queued or running job. A running scenario has its
// context canceled.
func (m *Manager) CancelJob(jobID string) (*Job, error) {
	job, err := m.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancelable, job.Status)
	}

	job.SetStatus(JobStatusCanceled)
	job.Message = "Job canceled"
	if err := m.UpdateJob(job); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cancel, ok := m.running[jobID]; ok {
		cancel()
	}
	m.mu.Unlock()

	metricJobs.WithLabelValues(string(JobStatusCanceled)).Inc()
	m.logger.Info("job canceled", zap.String("job_id", jobID))
	return job, nil
}

// Subscribe subscribes to job events
func (m *Manager) Subscribe(jobID string) <-chan Event {
	return m.events.Subscribe(jobID)
}

// Unsubscribe unsubscribes from job events
func (m *Manager) Unsubscribe(jobID string, ch <-chan Event) {
	m.events.Unsubscribe(jobID, ch)
}

// Workers returns the number of workers.
func (m *Manager) Workers() int {
	return m.workers
}

func (m *Manager) processMessage(msg jetstream.Msg, processor JobProcessor) {
	var queued Job
	if err := json.Unmarshal(msg.Data(), &queued); err != nil {
		m.logger.Error("failed to unmarshal job", zap.Error(err))
		_ = msg.Term()
		return
	}

	job, err := m.store.Get(queued.ID)
	if err != nil {
		// Expired or unknown to this process.
		m.logger.Warn("dropping job missing from store", zap.String("job_id", queued.ID))
		_ = msg.Ack()
		return
	}
	if job.Status.Terminal() {
		_ = msg.Ack()
		return
	}
	if job.Status == JobStatusRetrying && job.NextRetryAt > 0 {
		if wait := time.Until(time.Unix(job.NextRetryAt, 0)); wait > 0 {
			_ = msg.NakWithDelay(wait)
			return
		}
	}

	ctx, cancel := context.WithTimeout(m.ctx, job.TimeoutDuration())
	defer cancel()
	m.mu.Lock()
	m.running[job.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, job.ID)
		m.mu.Unlock()
	}()

	job.SetStatus(JobStatusRunning)
	job.Message = "Scenario started"
	_ = m.UpdateJob(job)
	m.logger.Info("job started", zap.String("job_id", job.ID), zap.Int("attempt", job.RetryCount+1))

	start := time.Now()
	result, err := processor.Process(ctx, job, func(total int, step scenario.StepResult) {
		if ctx.Err() != nil {
			return
		}
		msg := fmt.Sprintf("Step %d/%d: %s", step.Index+1, total, step.Action)
		if step.Error != "" {
			msg += " failed"
		}
		job.SetProgress(step.Index+1, total, step.Action, msg)
		_ = m.update(job, &step)
	})
	metricJobDuration.Observe(time.Since(start).Seconds())

	// Canceled while running.
	if current, getErr := m.store.Get(job.ID); getErr == nil && current.Status == JobStatusCanceled {
		_ = msg.Ack()
		return
	}

	switch {
	case err == nil:
		job.SetResult(result)
		m.finish(job)
	case job.CanRetry() && m.ctx.Err() == nil:
		job.PrepareRetry(err.Error())
		job.Message = fmt.Sprintf("Retrying (%d/%d): %s", job.RetryCount, job.MaxRetries, err)
		_ = m.UpdateJob(job)
		metricJobs.WithLabelValues(string(JobStatusRetrying)).Inc()
		m.logger.Warn("job failed, retrying",
			zap.String("job_id", job.ID),
			zap.Int("retry", job.RetryCount),
			zap.Error(err))
		if pubErr := m.publish(context.Background(), job); pubErr != nil {
			m.logger.Error("failed to re-enqueue job", zap.String("job_id", job.ID), zap.Error(pubErr))
			job.SetError(err.Error(), result)
			m.finish(job)
		}
	default:
		job.SetError(err.Error(), result)
		m.finish(job)
	}
	_ = msg.Ack()
}

func (m *Manager) finish(job *Job) {
	_ = m.UpdateJob(job)
	metricJobs.WithLabelValues(string(job.Status)).Inc()
	if job.Status == JobStatusFailed {
		m.logger.Warn("job failed", zap.String("job_id", job.ID), zap.String("error", job.Error))
	} else {
		m.logger.Info("job finished", zap.String("job_id", job.ID))
	}
	m.notifier.Notify(job)
}
