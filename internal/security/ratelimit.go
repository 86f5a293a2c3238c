package security

import (
	"sync"
	"time"
)

// RateLimiter implements a sliding window rate limiter with a per-second
// burst cap.
type RateLimiter struct {
	windows  map[string]*Window
	mu       sync.Mutex
	limit    int
	window   time.Duration
	burstMax int
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Window holds the request times of one key inside the window, oldest first.
type Window struct {
	Requests []time.Time
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window
	RequestsPerWindow int
	// WindowDuration is the duration of the rate limit window
	WindowDuration time.Duration
	// BurstMax is the maximum number of requests within one second
	BurstMax int
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstMax:          20,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = def.RequestsPerWindow
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = def.WindowDuration
	}
	if config.BurstMax <= 0 {
		config.BurstMax = config.RequestsPerWindow
	}

	rl := &RateLimiter{
		windows:  make(map[string]*Window),
		limit:    config.RequestsPerWindow,
		window:   config.WindowDuration,
		burstMax: config.BurstMax,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanup(5 * time.Minute)
	return rl
}

// Allow records a request for key and reports whether it is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, exists := rl.windows[key]
	if !exists {
		w = &Window{Requests: make([]time.Time, 0, rl.limit)}
		rl.windows[key] = w
	}
	w.prune(now.Add(-rl.window))

	if len(w.Requests) >= rl.limit {
		return false
	}

	burstCutoff := now.Add(-time.Second)
	burst := 0
	for i := len(w.Requests) - 1; i >= 0 && w.Requests[i].After(burstCutoff); i-- {
		burst++
	}
	if burst >= rl.burstMax {
		return false
	}

	w.Requests = append(w.Requests, now)
	return true
}

func (w *Window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.Requests) && !w.Requests[i].After(cutoff) {
		i++
	}
	w.Requests = w.Requests[i:]
}

// GetRemainingRequests returns the number of remaining requests for a key
func (rl *RateLimiter) GetRemainingRequests(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.remaining(key)
}

func (rl *RateLimiter) remaining(key string) int {
	w, exists := rl.windows[key]
	if !exists {
		return rl.limit
	}
	cutoff := rl.now().Add(-rl.window)
	count := 0
	for _, t := range w.Requests {
		if t.After(cutoff) {
			count++
		}
	}
	if remaining := rl.limit - count; remaining > 0 {
		return remaining
	}
	return 0
}

// GetResetTime returns when the oldest request of key leaves the window.
func (rl *RateLimiter) GetResetTime(key string) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.resetTime(key)
}

func (rl *RateLimiter) resetTime(key string) time.Time {
	w, exists := rl.windows[key]
	if !exists || len(w.Requests) == 0 {
		return rl.now()
	}
	return w.Requests[0].Add(rl.window)
}

// Reset resets the rate limit for a specific key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Stop ends the cleanup loop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.removeStale()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for key, w := range rl.windows {
		w.prune(cutoff)
		if len(w.Requests) == 0 {
			delete(rl.windows, key)
		}
	}
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// GetInfo returns rate limit info for a key
func (rl *RateLimiter) GetInfo(key string) RateLimitInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimitInfo{
		Limit:     rl.limit,
		Remaining: rl.remaining(key),
		ResetAt:   rl.resetTime(key),
	}
}
