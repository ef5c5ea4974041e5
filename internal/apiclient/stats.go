package apiclient

import (
	"errors"
	"sync"
	"time"
)

// Stats tracks request attempts and failed operations for a client.
type Stats struct {
	mu            sync.RWMutex
	attempts      int64
	attemptErrors int64
	failures      int64
	httpFailures  int64
	lastFailure   string
	lastFailureAt time.Time
	lastSuccessAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordAttempt records one network attempt and whether it failed at transport level.
func (s *Stats) RecordAttempt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if err != nil {
		s.attemptErrors++
		return
	}
	s.lastSuccessAt = time.Now()
}

// RecordFailure records an operation that returned an error result.
func (s *Stats) RecordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		s.httpFailures++
	}
	s.lastFailure = err.Error()
	s.lastFailureAt = time.Now()
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Attempts      int64     `json:"attempts"`
	AttemptErrors int64     `json:"attempt_errors"`
	Failures      int64     `json:"failures"`
	HTTPFailures  int64     `json:"http_failures"`
	LastFailure   string    `json:"last_failure,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Attempts:      s.attempts,
		AttemptErrors: s.attemptErrors,
		Failures:      s.failures,
		HTTPFailures:  s.httpFailures,
		LastFailure:   s.lastFailure,
		LastFailureAt: s.lastFailureAt,
		LastSuccessAt: s.lastSuccessAt,
	}
}
