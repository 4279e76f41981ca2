// Package status holds everything that decides an instance's status: the
// hook-priority window, the reconciler that is the single writer of the
// status column, and the local and remote pollers that feed it heuristic
// candidates.
package status

import (
	"sync"
	"time"
)

// windowTTL is how long an authoritative hook outranks the pollers. Package
// var so tests can shrink it.
var windowTTL = 10 * time.Second

type hookEntry struct {
	hookType string
	at       time.Time
}

// Window remembers, per instance, the most recent authoritative hook. The
// pollers consult it before applying a heuristic candidate: a session log
// stays warm for several seconds after a stop hook fires, and without the
// window a poll tick would flip the instance straight back to working.
// Expired entries are evicted on read.
type Window struct {
	mu      sync.Mutex
	entries map[string]hookEntry
}

func NewWindow() *Window {
	return &Window{entries: make(map[string]hookEntry)}
}

// Record overwrites the instance's entry with the current time.
func (w *Window) Record(id, hookType string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[id] = hookEntry{hookType: hookType, at: time.Now()}
}

// ShouldDefer reports whether a hook fired for the instance within the TTL.
func (w *Window) ShouldDefer(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[id]
	if !ok {
		return false
	}
	if time.Since(e.at) >= windowTTL {
		delete(w.entries, id)
		return false
	}
	return true
}

// Forget drops the instance's entry. Called when the instance closes so the
// map does not accumulate dead ids.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, id)
}
