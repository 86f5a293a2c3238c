package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/jqgo/internal/scenario"
)

func textScenario(selector string) scenario.Scenario {
	return scenario.Scenario{
		Name: "nodes",
		Steps: []scenario.Step{
			{Action: scenario.ActionVisit, Path: "/node"},
			{Action: scenario.ActionText, Selector: selector, Save: "title"},
		},
	}
}

func TestNewJobDefaults(t *testing.T) {
	job := NewJob(JobRequest{Scenario: textScenario("h2 a"), IdempotencyKey: "k1", Priority: 2})

	assert.Regexp(t, `^job_[0-9a-f]{8}$`, job.ID)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
	assert.Equal(t, DefaultJobTimeout, job.TimeoutDuration())
	assert.Equal(t, "k1", job.IdempotencyKey)
	assert.Equal(t, 2, job.Priority)
	assert.InDelta(t, time.Now().Add(DefaultResultTTL).Unix(), job.ExpiresAt, 2)
}

func TestNewJobOverrides(t *testing.T) {
	job := NewJob(JobRequest{
		Scenario:  textScenario("h2 a"),
		Timeout:   10,
		ResultTTL: 60,
		Retry:     &RetryConfig{MaxRetries: 0},
	})

	assert.Equal(t, 10*time.Second, job.TimeoutDuration())
	assert.Equal(t, 0, job.MaxRetries)
	assert.False(t, job.CanRetry())
	assert.InDelta(t, time.Now().Add(time.Minute).Unix(), job.ExpiresAt, 2)
}

func TestJobRequestValidate(t *testing.T) {
	assert.NoError(t, JobRequest{Scenario: textScenario("h2 a")}.Validate())

	err := JobRequest{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps")

	err = JobRequest{Scenario: textScenario(""), Timeout: 5}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector is required")

	err = JobRequest{Scenario: textScenario("h2"), Timeout: 3600}.Validate()
	assert.ErrorContains(t, err, "timeout")

	err = JobRequest{Scenario: textScenario("h2"), Retry: &RetryConfig{MaxRetries: 11}}.Validate()
	assert.ErrorContains(t, err, "max_retries")
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob(JobRequest{Scenario: textScenario("h2 a")})

	job.SetStatus(JobStatusRunning)
	assert.NotZero(t, job.StartedAt)
	assert.Zero(t, job.CompletedAt)

	job.SetProgress(1, 4, scenario.ActionVisit, "Step 1/4: visit")
	assert.Equal(t, 25, job.Progress)
	require.NotNil(t, job.ProgressInfo)
	assert.Equal(t, ProgressInfo{Current: 1, Total: 4, Percent: 25, Message: "Step 1/4: visit", Action: "visit"}, *job.ProgressInfo)

	job.SetResult("done")
	assert.Equal(t, JobStatusSucceeded, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.NotZero(t, job.CompletedAt)
	assert.True(t, job.Status.Terminal())
}

func TestJobSetErrorKeepsPartialResult(t *testing.T) {
	job := NewJob(JobRequest{Scenario: textScenario("h2 a")})
	job.SetError("boom", map[string]int{"steps": 1})

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)
	assert.Equal(t, "boom", job.LastError)
	assert.Equal(t, map[string]int{"steps": 1}, job.Result)
}

func TestPrepareRetryBackoff(t *testing.T) {
	job := NewJob(JobRequest{
		Scenario: textScenario("h2 a"),
		Retry:    &RetryConfig{MaxRetries: 3, RetryDelay: 10, BackoffFactor: 3},
	})

	job.PrepareRetry("first")
	assert.Equal(t, JobStatusRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "first", job.LastError)
	assert.InDelta(t, time.Now().Add(10*time.Second).Unix(), job.NextRetryAt, 1)

	job.PrepareRetry("second")
	assert.InDelta(t, time.Now().Add(30*time.Second).Unix(), job.NextRetryAt, 1)

	job.PrepareRetry("third")
	assert.InDelta(t, time.Now().Add(90*time.Second).Unix(), job.NextRetryAt, 1)
	assert.False(t, job.CanRetry())
}

func TestPrepareRetryCapsDelay(t *testing.T) {
	job := NewJob(JobRequest{
		Scenario: textScenario("h2 a"),
		Retry:    &RetryConfig{MaxRetries: 10, RetryDelay: 200, BackoffFactor: 10},
	})
	job.PrepareRetry("a")
	job.PrepareRetry("b")

	assert.InDelta(t, time.Now().Add(MaxRetryDelay).Unix(), job.NextRetryAt, 1)
}

func TestJobJSONKeepsScenario(t *testing.T) {
	req := JobRequest{Scenario: textScenario("h2 a")}
	req.Scenario.Timeout = scenario.Duration(1500 * time.Millisecond)
	job := NewJob(req)

	data, err := job.ToJSON()
	require.NoError(t, err)
	got, err := FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, req.Scenario, got.Request.Scenario)
}
