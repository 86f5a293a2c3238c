package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	s := NewStore(0, nil)
	t.Cleanup(s.Stop)
	return s
}

func TestStoreReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	job := NewJob(JobRequest{Scenario: textScenario("h2 a")})
	s.Save(job)

	job.Status = JobStatusRunning
	got, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)

	got.SetProgress(1, 2, "visit", "")
	again, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.Nil(t, again.ProgressInfo)
}

func TestStoreNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, s.Update(&Job{ID: "job_missing"}), ErrJobNotFound)
}

func TestStoreIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	job := NewJob(JobRequest{Scenario: textScenario("h2 a"), IdempotencyKey: "same"})
	s.Save(job)

	got, ok := s.GetByIdempotencyKey("same")
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ID)

	s.Delete(job.ID)
	_, ok = s.GetByIdempotencyKey("same")
	assert.False(t, ok)
}

func TestStoreExpiry(t *testing.T) {
	s := newTestStore(t)
	live := NewJob(JobRequest{Scenario: textScenario("h2 a")})
	expired := NewJob(JobRequest{Scenario: textScenario("h2 a"), IdempotencyKey: "old"})
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	s.Save(live)
	s.Save(expired)

	_, err := s.Get(expired.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, ok := s.GetByIdempotencyKey("old")
	assert.False(t, ok)
	assert.Len(t, s.List(), 1)

	assert.Equal(t, 1, s.cleanupExpired())
	assert.Equal(t, 0, s.cleanupExpired())
}

func TestStoreListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	older := NewJob(JobRequest{Scenario: textScenario("h2 a")})
	older.CreatedAt -= 10
	newer := NewJob(JobRequest{Scenario: textScenario("h2 a")})
	s.Save(older)
	s.Save(newer)

	jobs := s.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, newer.ID, jobs[0].ID)
	assert.Equal(t, older.ID, jobs[1].ID)
}

func TestStoreSweeper(t *testing.T) {
	s := NewStore(5*time.Millisecond, nil)
	defer s.Stop()

	job := NewJob(JobRequest{Scenario: textScenario("h2 a")})
	job.ExpiresAt = time.Now().Add(-time.Second).Unix()
	s.Save(job)

	assert.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.jobs) == 0
	}, time.Second, 5*time.Millisecond)
}
