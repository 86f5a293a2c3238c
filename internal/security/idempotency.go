package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	// ErrIdempotencyInFlight is returned while the first request with a key is still running.
	ErrIdempotencyInFlight = errors.New("a request with this idempotency key is in progress")
	// ErrIdempotencyMismatch is returned when a key is reused for a different request.
	ErrIdempotencyMismatch = errors.New("idempotency key was used with a different request")
)

// IdempotencyEntry is the state of one idempotency key. Pending entries are
// claimed by a request that has not answered yet.
type IdempotencyEntry struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Pending     bool      `json:"pending"`
	JobID       string    `json:"job_id,omitempty"`
	Status      int       `json:"status,omitempty"`
	Response    []byte    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IdempotencyStore claims keys for in-flight requests and remembers the
// response of finished ones so a retried request gets the same answer.
type IdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]*IdempotencyEntry
	ttl  time.Duration
	now  func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewIdempotencyStore creates a store whose entries live for ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	s := &IdempotencyStore{
		keys: make(map[string]*IdempotencyEntry),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	go s.sweep(5 * time.Minute)
	return s
}

// Fingerprint identifies a request by method, path and body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin claims key for the request identified by fingerprint. It returns the
// finished entry to replay, nil when the caller now owns the key, or an error
// when the key is pending or belongs to another request.
func (s *IdempotencyStore) Begin(key, fingerprint string) (*IdempotencyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.keys[key]; ok && now.Before(entry.ExpiresAt) {
		switch {
		case entry.Fingerprint != fingerprint:
			return nil, ErrIdempotencyMismatch
		case entry.Pending:
			return nil, ErrIdempotencyInFlight
		}
		return entry.copy(), nil
	}
	s.keys[key] = &IdempotencyEntry{
		Key:         key,
		Fingerprint: fingerprint,
		Pending:     true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	return nil, nil
}

// Complete records the response sent for a claimed key.
func (s *IdempotencyStore) Complete(key, jobID string, status int, response []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if !ok {
		return
	}
	entry.Pending = false
	entry.JobID = jobID
	entry.Status = status
	entry.Response = append([]byte(nil), response...)
	entry.ExpiresAt = s.now().Add(s.ttl)
}

// Release drops a claim whose request failed, so the key can be retried.
func (s *IdempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.keys[key]; ok && entry.Pending {
		delete(s.keys, key)
	}
}

// Check returns a copy of the live entry stored under key.
func (s *IdempotencyStore) Check(key string) (*IdempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if !ok || !s.now().Before(entry.ExpiresAt) {
		return nil, false
	}
	return entry.copy(), true
}

func (s *IdempotencyStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// Len returns the number of stored keys, expired ones included.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Stop ends the sweeper.
func (s *IdempotencyStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *IdempotencyStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *IdempotencyStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.keys {
		if !now.Before(entry.ExpiresAt) {
			delete(s.keys, key)
		}
	}
}

func (e *IdempotencyEntry) copy() *IdempotencyEntry {
	c := *e
	c.Response = append([]byte(nil), e.Response...)
	return &c
}
