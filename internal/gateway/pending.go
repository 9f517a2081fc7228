package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one in-flight RPC waiter. For the split-response agent
// call the entry is registered with split=true: the first resolve delivers the
// ack and re-registers the id with a fresh entry armed for the completion
// instead of removing it, so the completion frame can never land in an
// unregistered gap.
type pendingRequest struct {
	ch    chan pendingResult
	timer *time.Timer

	split             bool
	completionTimeout time.Duration
}

// pendingRegistry tracks in-flight requests by id. Callers, per-entry timers
// and the session read loop all race on it, so every mutation takes mu.
type pendingRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{entries: make(map[string]*pendingRequest)}
}

// add registers a waiter and arms its timeout. The returned channel delivers
// exactly one result for a plain request.
func (r *pendingRegistry) add(id string, timeout time.Duration) <-chan pendingResult {
	return r.register(id, timeout, 0)
}

// addSplit registers a two-response waiter: the channel delivers the ack and
// then the completion. ackTimeout bounds the first response, completionTimeout
// the second.
func (r *pendingRegistry) addSplit(id string, ackTimeout, completionTimeout time.Duration) <-chan pendingResult {
	return r.register(id, ackTimeout, completionTimeout)
}

func (r *pendingRegistry) register(id string, timeout, completionTimeout time.Duration) <-chan pendingResult {
	pr := &pendingRequest{
		// Capacity 2 so both phases of a split response can be delivered
		// without blocking the dispatching goroutine.
		ch:                make(chan pendingResult, 2),
		split:             completionTimeout > 0,
		completionTimeout: completionTimeout,
	}
	pr.timer = time.AfterFunc(timeout, func() {
		r.rejectEntry(id, pr, newTimeoutError("request "+id+" timed out"))
	})

	r.mu.Lock()
	r.entries[id] = pr
	r.mu.Unlock()
	return pr.ch
}

func (r *pendingRegistry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *pendingRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// remove deletes the waiter without dispatching and clears its timer.
func (r *pendingRegistry) remove(id string) {
	r.mu.Lock()
	pr := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if pr != nil {
		pr.timer.Stop()
	}
}

// resolve delivers a successful payload. A split entry flips to its
// completion phase on the first resolve; everything else is terminal.
func (r *pendingRegistry) resolve(id string, payload json.RawMessage) bool {
	r.mu.Lock()
	pr := r.entries[id]
	if pr == nil {
		r.mu.Unlock()
		return false
	}
	pr.timer.Stop()
	if pr.split {
		// A fresh entry for the completion phase, so an ack timer that has
		// already fired fails the identity check in rejectEntry.
		next := &pendingRequest{ch: pr.ch, completionTimeout: pr.completionTimeout}
		next.timer = time.AfterFunc(pr.completionTimeout, func() {
			r.rejectEntry(id, next, newTimeoutError("agent completion "+id+" timed out"))
		})
		r.entries[id] = next
	} else {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	pr.ch <- pendingResult{payload: payload}
	return true
}

// reject delivers an error and removes the waiter. Always terminal, including
// for split entries: the caller demotes a completion-phase error itself.
func (r *pendingRegistry) reject(id string, err error) bool {
	r.mu.Lock()
	pr := r.entries[id]
	if pr == nil {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	pr.timer.Stop()
	pr.ch <- pendingResult{err: err}
	return true
}

// rejectEntry is reject gated on entry identity, so a stale timer from a
// previous phase of a re-armed id cannot kill the current waiter.
func (r *pendingRegistry) rejectEntry(id string, pr *pendingRequest, err error) {
	r.mu.Lock()
	if r.entries[id] != pr {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.mu.Unlock()

	pr.timer.Stop()
	pr.ch <- pendingResult{err: err}
}

// rejectAll fails every pending waiter, typically with a connection-closed
// error when the session dies.
func (r *pendingRegistry) rejectAll(err error) {
	r.mu.Lock()
	drained := r.entries
	r.entries = make(map[string]*pendingRequest)
	r.mu.Unlock()

	for _, pr := range drained {
		pr.timer.Stop()
		pr.ch <- pendingResult{err: err}
	}
}

// clear cancels all timers without dispatching. Only valid once every waiter
// has already been resolved or rejected.
func (r *pendingRegistry) clear() {
	r.mu.Lock()
	drained := r.entries
	r.entries = make(map[string]*pendingRequest)
	r.mu.Unlock()

	for _, pr := range drained {
		pr.timer.Stop()
	}
}
