package runtime

import (
	"sync"
	"time"
)

// ContinuationRequest is an agent-scheduled follow-up prompt. It re-enters
// the queue as a fresh item after the scheduling turn completes.
type ContinuationRequest struct {
	Prompt  string
	Delay   time.Duration
	Reason  string
	Context map[string]any
}

// ContinuationRegistry holds per-session FIFO lists of pending follow-ups.
// Purely in-memory: continuations do not survive a restart.
//
// A cancelled session carries a tombstone: Schedule is refused and Consume
// returns nothing until ResumeSession clears it at the start of the next run.
type ContinuationRegistry struct {
	mu        sync.Mutex
	pending   map[string][]ContinuationRequest
	cancelled map[string]struct{}
}

func NewContinuationRegistry() *ContinuationRegistry {
	return &ContinuationRegistry{
		pending:   make(map[string][]ContinuationRequest),
		cancelled: make(map[string]struct{}),
	}
}

// Schedule appends a follow-up for the session. Returns false when the
// session is tombstoned.
func (r *ContinuationRegistry) Schedule(sessionKey string, req ContinuationRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dead := r.cancelled[sessionKey]; dead {
		return false
	}
	r.pending[sessionKey] = append(r.pending[sessionKey], req)
	return true
}

// Consume atomically returns and clears the session's pending follow-ups.
// Tombstoned sessions yield nothing; stray entries are dropped.
func (r *ContinuationRegistry) Consume(sessionKey string) []ContinuationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	reqs := r.pending[sessionKey]
	delete(r.pending, sessionKey)
	if _, dead := r.cancelled[sessionKey]; dead {
		return nil
	}
	return reqs
}

// CancelSession tombstones the session and drains its pending list.
func (r *ContinuationRegistry) CancelSession(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[sessionKey] = struct{}{}
	delete(r.pending, sessionKey)
}

// ResumeSession clears the tombstone. Called at the start of every run.
func (r *ContinuationRegistry) ResumeSession(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, sessionKey)
}

// Pending reports the number of follow-ups waiting for the session.
func (r *ContinuationRegistry) Pending(sessionKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[sessionKey])
}
