package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// ErrDuplicateSession is returned by Registry.Add for a handle that is
// already registered.
var ErrDuplicateSession = errors.New("duplicate session")

// SendFailure records one session that could not take a broadcast frame.
type SendFailure struct {
	Session *Session
	Err     error
}

// Registry tracks the sessions open on this process. The chat server's event
// loop is its only writer; the lock keeps read-only callers (health checks,
// tests) safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add inserts s, failing with ErrDuplicateSession if its handle is present.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove deletes s and reports whether it was registered. Removing an absent
// session is a no-op, so a close followed by an error is harmless.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.sessions[s.ID()]; !exists || current != s {
		return false
	}
	delete(r.sessions, s.ID())
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.sessions)
}

// Clear drops every session without touching them.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.sessions)
}

// Broadcast encodes env once and queues it on every open session in a
// snapshot of the registry. A session that fails does not stop delivery to
// the others; every failure is returned.
func (r *Registry) Broadcast(env Envelope) ([]SendFailure, error) {
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	var failures []SendFailure
	for _, s := range r.Snapshot() {
		if !s.IsOpen() {
			continue
		}
		if err := s.enqueue(frame); err != nil {
			failures = append(failures, SendFailure{Session: s, Err: err})
		}
	}
	return failures, nil
}
