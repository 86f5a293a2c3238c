package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = errors.New("job not found")

// Store keeps jobs in memory until their result TTL passes.
type Store struct {
	mu             sync.RWMutex
	jobs           map[string]*Job
	idempotencyMap map[string]string // idempotency_key -> job_id
	logger         *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewStore creates a store that sweeps expired jobs every interval.
func NewStore(interval time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		jobs:           make(map[string]*Job),
		idempotencyMap: make(map[string]string),
		logger:         logger,
		stop:           make(chan struct{}),
	}
	if interval > 0 {
		go s.sweep(interval)
	}
	return s
}

func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.cleanupExpired(); n > 0 {
				s.logger.Info("expired jobs removed", zap.Int("count", n))
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if !job.IsExpired() {
			continue
		}
		if job.IdempotencyKey != "" {
			delete(s.idempotencyMap, job.IdempotencyKey)
		}
		delete(s.jobs, id)
		deleted++
	}
	return deleted
}

// Stop ends the sweeper.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Save stores a copy of job.
func (s *Store) Save(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.clone()
	if job.IdempotencyKey != "" {
		s.idempotencyMap[job.IdempotencyKey] = job.ID
	}
}

// Get returns a copy of the job with id.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok || job.IsExpired() {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.clone(), nil
}

// GetByIdempotencyKey returns the live job created with key.
func (s *Store) GetByIdempotencyKey(key string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[s.idempotencyMap[key]]
	if !ok || job.IsExpired() {
		return nil, false
	}
	return job.clone(), true
}

// Update replaces a stored job.
func (s *Store) Update(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	s.jobs[job.ID] = job.clone()
	return nil
}

// Delete removes a job.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok && job.IdempotencyKey != "" {
		delete(s.idempotencyMap, job.IdempotencyKey)
	}
	delete(s.jobs, id)
}

// List returns the live jobs, newest first.
func (s *Store) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.IsExpired() {
			jobs = append(jobs, job.clone())
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt != jobs[k].CreatedAt {
			return jobs[i].CreatedAt > jobs[k].CreatedAt
		}
		return jobs[i].ID < jobs[k].ID
	})
	return jobs
}

func (j *Job) clone() *Job {
	c := *j
	if j.ProgressInfo != nil {
		info := *j.ProgressInfo
		c.ProgressInfo = &info
	}
	return &c
}

// ToJSON serializes a job to JSON
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON deserializes a job from JSON
func FromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
