package jqgo

import "sync"

// ReadinessState is the coarse state of the page load tracker.
type ReadinessState int

const (
	StateIdle ReadinessState = iota
	StateLoading
	StateReady
)

func (s ReadinessState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Readiness turns page lifecycle events into a loading signal.
//
// Loading is true while a navigation is in flight or any counted resource is
// outstanding. Resources are only counted after the first load has finished, so
// the initial document's sub-resources never hold the signal.
type Readiness struct {
	mu         sync.Mutex
	navigating bool
	ready      bool
	pending    map[string]struct{}
}

// NewReadiness returns an idle tracker.
func NewReadiness() *Readiness {
	return &Readiness{pending: make(map[string]struct{})}
}

// Observe applies a lifecycle event.
func (r *Readiness) Observe(ev Event) {
	switch ev.Kind {
	case LoadStarted:
		r.LoadStarted()
	case LoadFinished:
		r.LoadFinished()
	case ResourceRequested:
		r.ResourceRequested(ev.RequestID)
	case ResourceReceived:
		r.ResourceReceived(ev.RequestID)
	case NavigatedWithinDocument:
		r.NavigatedWithinDocument()
	}
}

// LoadStarted marks a navigation in flight.
func (r *Readiness) LoadStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigating = true
}

// LoadFinished ends the navigation. Loading stays true while resources are pending.
func (r *Readiness) LoadFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigating = false
	r.ready = true
}

// NavigatedWithinDocument ends a navigation that stayed in the current
// document. The page keeps the readiness it had.
func (r *Readiness) NavigatedWithinDocument() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigating = false
}

// ResourceRequested counts a resource once the page has been ready at least once.
func (r *Readiness) ResourceRequested(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return
	}
	r.pending[id] = struct{}{}
}

// ResourceReceived releases a counted resource. Unknown ids are ignored.
func (r *Readiness) ResourceReceived(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// Navigate resets the resource count for a new navigation and marks it in flight.
func (r *Readiness) Navigate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]struct{})
	r.navigating = true
}

// Reset returns the tracker to its initial state, used when the page is recreated.
func (r *Readiness) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]struct{})
	r.navigating = false
	r.ready = false
}

// Loading reports whether a navigation or a counted resource is outstanding.
func (r *Readiness) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.navigating || len(r.pending) > 0
}

// Ready reports whether a load has finished since the last reset.
func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Pending returns the number of outstanding counted resources.
func (r *Readiness) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// State returns the current tracker state.
func (r *Readiness) State() ReadinessState {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.navigating || len(r.pending) > 0:
		return StateLoading
	case r.ready:
		return StateReady
	}
	return StateIdle
}
