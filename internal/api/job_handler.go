package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ahrdadan/jqgo/internal/queue"
)

// JobQueue is the job store and queue behind the job endpoints.
type JobQueue interface {
	EnqueueWithIdempotency(ctx context.Context, job *queue.Job) (*queue.Job, bool, error)
	GetJob(jobID string) (*queue.Job, error)
	ListJobs() []*queue.Job
	CancelJob(jobID string) (*queue.Job, error)
	Subscribe(jobID string) <-chan queue.Event
	Unsubscribe(jobID string, ch <-chan queue.Event)
}

// JobHandler handles job-related API requests
type JobHandler struct {
	jobs       JobQueue
	baseURL    string
	maxRetries int
	logger     *zap.Logger
}

// NewJobHandler creates a job handler. maxRetries caps the retries a request
// may ask for.
func NewJobHandler(jobs JobQueue, baseURL string, maxRetries int, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		jobs:       jobs,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// CreateJob queues a scenario run.
// POST /jqgo/jobs
func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	var req queue.JobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if key := c.Get("X-Idempotency-Key"); key != "" {
		req.IdempotencyKey = utils.CopyString(key)
	}
	if err := req.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if req.Retry != nil && h.maxRetries > 0 && req.Retry.MaxRetries > h.maxRetries {
		req.Retry.MaxRetries = h.maxRetries
	}
	if req.Priority < 1 || req.Priority > 10 {
		req.Priority = 5
	}

	job, duplicate, err := h.jobs.EnqueueWithIdempotency(c.UserContext(), queue.NewJob(req))
	if err != nil {
		h.logger.Error("failed to enqueue job", zap.Error(err))
		return fiber.NewError(fiber.StatusServiceUnavailable, fmt.Sprintf("Failed to enqueue job: %v", err))
	}
	if duplicate {
		c.Set("X-Idempotency-Hit", "true")
	}
	c.Locals("jobID", job.ID)

	response := queue.JobCreatedResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: h.url("/jqgo/jobs/%s", job.ID),
		ResultURL: h.url("/jqgo/jobs/%s/result", job.ID),
	}
	response.Events.SSEURL = h.url("/jqgo/jobs/%s/events", job.ID)
	response.Events.WSURL = strings.Replace(h.url("/jqgo/ws?job_id=%s", job.ID), "http", "ws", 1)

	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data:    response,
	})
}

func (h *JobHandler) url(format, jobID string) string {
	return h.baseURL + fmt.Sprintf(format, jobID)
}

// ListJobs returns the status of every live job.
// GET /jqgo/jobs
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	status := queue.JobStatus(c.Query("status"))

	jobs := []queue.JobStatusResponse{}
	for _, job := range h.jobs.ListJobs() {
		if status == "" || job.Status == status {
			jobs = append(jobs, job.StatusResponse())
		}
	}
	return c.JSON(Response{Success: true, Data: jobs})
}

func (h *JobHandler) job(c *fiber.Ctx) (*queue.Job, error) {
	job, err := h.jobs.GetJob(c.Params("job_id"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "Job not found")
	}
	return job, nil
}

// GetJobStatus returns the status of a job
// GET /jqgo/jobs/:job_id
func (h *JobHandler) GetJobStatus(c *fiber.Ctx) error {
	job, err := h.job(c)
	if err != nil {
		return err
	}

	response := map[string]interface{}{
		"job_id":     job.ID,
		"scenario":   job.Request.Scenario.Name,
		"status":     job.Status,
		"progress":   job.Progress,
		"message":    job.Message,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
		"priority":   job.Priority,
	}
	if job.ProgressInfo != nil {
		response["progress_info"] = job.ProgressInfo
	}
	if job.Status == queue.JobStatusRetrying || job.RetryCount > 0 {
		retry := map[string]interface{}{
			"retry_count": job.RetryCount,
			"max_retries": job.MaxRetries,
			"last_error":  job.LastError,
		}
		if job.NextRetryAt > 0 {
			retry["next_retry_at"] = time.Unix(job.NextRetryAt, 0).UTC().Format(time.RFC3339)
		}
		response["retry_info"] = retry
	}
	if job.ExpiresAt > 0 {
		response["expires_at"] = time.Unix(job.ExpiresAt, 0).UTC().Format(time.RFC3339)
	}

	return c.JSON(Response{
		Success: true,
		Data:    response,
	})
}

// GetJobResult returns the result of a finished job
// GET /jqgo/jobs/:job_id/result
func (h *JobHandler) GetJobResult(c *fiber.Ctx) error {
	job, err := h.job(c)
	if err != nil {
		return err
	}
	if job.Status != queue.JobStatusSucceeded && job.Status != queue.JobStatusFailed {
		return fiber.NewError(fiber.StatusConflict, "Job not completed yet")
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.JobResultResponse{
			JobID:  job.ID,
			Status: job.Status,
			Result: job.Result,
			Error:  job.Error,
		},
	})
}

// CancelJob cancels a queued or running job
// POST /jqgo/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	job, err := h.jobs.CancelJob(c.Params("job_id"))
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		return fiber.NewError(fiber.StatusNotFound, "Job not found")
	case errors.Is(err, queue.ErrNotCancelable):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		return err
	}

	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		},
	})
}

func snapshot(job *queue.Job) queue.Event {
	return queue.Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
	}
}

// StreamEvents streams job events via SSE
// GET /jqgo/jobs/:job_id/events
func (h *JobHandler) StreamEvents(c *fiber.Ctx) error {
	job, err := h.job(c)
	if err != nil {
		return err
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	// Subscribe before writing the snapshot so no transition is lost.
	var events <-chan queue.Event
	if !job.Status.Terminal() {
		events = h.jobs.Subscribe(job.ID)
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if events != nil {
			defer h.jobs.Unsubscribe(job.ID, events)
		}
		if writeSSE(w, snapshot(job)) != nil || events == nil {
			return
		}

		keepAlive := time.NewTicker(15 * time.Second)
		defer keepAlive.Stop()
		for {
			select {
			case event, ok := <-events:
				if !ok || writeSSE(w, event) != nil || event.Status.Terminal() {
					return
				}
			case <-keepAlive.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil || w.Flush() != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeSSE(w *bufio.Writer, event queue.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Status, data); err != nil {
		return err
	}
	return w.Flush()
}

// HandleWebSocket streams job events over a WebSocket.
// GET /jqgo/ws?job_id=...
func (h *JobHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Query("job_id")
	if jobID == "" {
		_ = c.WriteJSON(fiber.Map{"error": "job_id is required"})
		return
	}
	job, err := h.jobs.GetJob(jobID)
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"error": "job not found"})
		return
	}

	var events <-chan queue.Event
	if !job.Status.Terminal() {
		events = h.jobs.Subscribe(jobID)
		defer h.jobs.Unsubscribe(jobID, events)
	}
	if err := c.WriteJSON(snapshot(job)); err != nil || events == nil {
		return
	}

	for event := range events {
		if err := c.WriteJSON(event); err != nil {
			h.logger.Debug("websocket closed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		if event.Status.Terminal() {
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Status)))
			return
		}
	}
}
