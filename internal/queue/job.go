package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrdadan/jqgo/internal/scenario"
)

// Default values for job configuration
const (
	DefaultJobTimeout = 2 * time.Minute
	MaxJobTimeout     = 30 * time.Minute
	DefaultMaxRetries = 3
	DefaultResultTTL  = 7 * 24 * time.Hour // 7 days
	DefaultRetryDelay = 5 * time.Second
	MaxRetryDelay     = 5 * time.Minute
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusRetrying  JobStatus = "retrying"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// NotifyConfig holds notification settings for a job
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // HMAC-SHA256 key for X-Jqgo-Signature
}

// RetryConfig holds retry settings for a job
type RetryConfig struct {
	MaxRetries    int     `json:"max_retries"`    // Maximum retry attempts (default: 3)
	RetryDelay    int     `json:"retry_delay"`    // Initial delay between retries in seconds
	BackoffFactor float64 `json:"backoff_factor"` // Exponential backoff multiplier (default: 2.0)
}

// ProgressInfo is the step position of a running scenario.
type ProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// JobRequest is a request to run a scenario in the background.
type JobRequest struct {
	Scenario       scenario.Scenario `json:"scenario"`
	Timeout        int               `json:"timeout"` // seconds
	Notify         *NotifyConfig     `json:"notify,omitempty"`
	Retry          *RetryConfig      `json:"retry,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	ResultTTL      int               `json:"result_ttl,omitempty"` // seconds
}

// Validate checks the scenario and the limits of the request.
func (r JobRequest) Validate() error {
	if err := r.Scenario.Validate(); err != nil {
		return err
	}
	if r.Timeout < 0 || time.Duration(r.Timeout)*time.Second > MaxJobTimeout {
		return fmt.Errorf("timeout must be between 0 and %d seconds", int(MaxJobTimeout.Seconds()))
	}
	if r.Retry != nil && (r.Retry.MaxRetries < 0 || r.Retry.MaxRetries > 10) {
		return errors.New("retry.max_retries must be between 0 and 10")
	}
	return nil
}

// Job represents a queued scenario run
type Job struct {
	ID             string        `json:"job_id"`
	Status         JobStatus     `json:"status"`
	Progress       int           `json:"progress"`
	ProgressInfo   *ProgressInfo `json:"progress_info,omitempty"`
	Message        string        `json:"message,omitempty"`
	Request        JobRequest    `json:"request"`
	Result         interface{}   `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      int64         `json:"created_at"`
	UpdatedAt      int64         `json:"updated_at"`
	StartedAt      int64         `json:"started_at,omitempty"`
	CompletedAt    int64         `json:"completed_at,omitempty"`
	ExpiresAt      int64         `json:"expires_at,omitempty"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	NextRetryAt    int64         `json:"next_retry_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Priority       int           `json:"priority"`
	Timeout        int           `json:"timeout"`
}

// NewJob creates a queued job from a request
func NewJob(req JobRequest) *Job {
	now := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(DefaultJobTimeout.Seconds())
	}

	maxRetries := DefaultMaxRetries
	if req.Retry != nil {
		maxRetries = req.Retry.MaxRetries
	}

	resultTTL := DefaultResultTTL
	if req.ResultTTL > 0 {
		resultTTL = time.Duration(req.ResultTTL) * time.Second
	}

	return &Job{
		ID:             generateJobID(),
		Status:         JobStatusQueued,
		Request:        req,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
		ExpiresAt:      now.Add(resultTTL).Unix(),
		MaxRetries:     maxRetries,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Timeout:        timeout,
	}
}

// SetStatus updates the job status
func (j *Job) SetStatus(status JobStatus) {
	now := time.Now().Unix()
	j.Status = status
	j.UpdatedAt = now

	if status == JobStatusRunning && j.StartedAt == 0 {
		j.StartedAt = now
	}
	if status.Terminal() {
		j.CompletedAt = now
	}
}

// SetProgress records that step current of total finished.
func (j *Job) SetProgress(current, total int, action, message string) {
	percent := 0
	if total > 0 {
		percent = current * 100 / total
	}
	j.Progress = percent
	j.Message = message
	j.ProgressInfo = &ProgressInfo{
		Current: current,
		Total:   total,
		Percent: percent,
		Message: message,
		Action:  action,
	}
	j.UpdatedAt = time.Now().Unix()
}

// SetResult marks the job succeeded with result.
func (j *Job) SetResult(result interface{}) {
	j.Result = result
	j.Progress = 100
	j.Message = "Scenario completed"
	j.SetStatus(JobStatusSucceeded)
}

// SetError marks the job failed. A partial result may be kept alongside.
func (j *Job) SetError(err string, partial interface{}) {
	j.Error = err
	j.LastError = err
	if partial != nil {
		j.Result = partial
	}
	j.SetStatus(JobStatusFailed)
}

// CanRetry returns true if the job can be retried
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// PrepareRetry schedules the next attempt with exponential backoff.
func (j *Job) PrepareRetry(cause string) {
	j.RetryCount++
	j.LastError = cause
	j.Status = JobStatusRetrying

	backoff := 2.0
	delay := DefaultRetryDelay
	if r := j.Request.Retry; r != nil {
		if r.BackoffFactor > 0 {
			backoff = r.BackoffFactor
		}
		if r.RetryDelay > 0 {
			delay = time.Duration(r.RetryDelay) * time.Second
		}
	}
	for i := 1; i < j.RetryCount && delay < MaxRetryDelay; i++ {
		delay = time.Duration(float64(delay) * backoff)
	}
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}

	j.NextRetryAt = time.Now().Add(delay).Unix()
	j.UpdatedAt = time.Now().Unix()
}

// IsExpired checks if the job result has expired
func (j *Job) IsExpired() bool {
	return j.ExpiresAt != 0 && time.Now().Unix() > j.ExpiresAt
}

// TimeoutDuration returns the job timeout.
func (j *Job) TimeoutDuration() time.Duration {
	if j.Timeout <= 0 {
		return DefaultJobTimeout
	}
	return time.Duration(j.Timeout) * time.Second
}

// JobStatusResponse represents a job status response
type JobStatusResponse struct {
	JobID        string        `json:"job_id"`
	Scenario     string        `json:"scenario"`
	Status       JobStatus     `json:"status"`
	Progress     int           `json:"progress"`
	ProgressInfo *ProgressInfo `json:"progress_info,omitempty"`
	Message      string        `json:"message,omitempty"`
	RetryCount   int           `json:"retry_count"`
	CreatedAt    int64         `json:"created_at"`
	UpdatedAt    int64         `json:"updated_at"`
}

// StatusResponse builds the status view of j.
func (j *Job) StatusResponse() JobStatusResponse {
	return JobStatusResponse{
		JobID:        j.ID,
		Scenario:     j.Request.Scenario.Name,
		Status:       j.Status,
		Progress:     j.Progress,
		ProgressInfo: j.ProgressInfo,
		Message:      j.Message,
		RetryCount:   j.RetryCount,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// JobResultResponse represents a job result response
type JobResultResponse struct {
	JobID  string      `json:"job_id"`
	Status JobStatus   `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// JobCreatedResponse represents the response when a job is created
type JobCreatedResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"status_url"`
	ResultURL string    `json:"result_url"`
	Events    struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}

func generateJobID() string {
	return "job_" + uuid.New().String()[:8]
}
