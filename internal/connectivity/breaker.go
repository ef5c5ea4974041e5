package connectivity

import (
	"sync"
	"time"
)

// DefaultBreakerThreshold is the number of consecutive offline samples before
// the API counts as down.
const DefaultBreakerThreshold = 3

// DefaultBreakerCooldown is how long an open breaker stays quiet before a
// further offline sample opens it again.
const DefaultBreakerCooldown = 5 * time.Minute

// BreakerState represents the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed means the API is considered reachable.
	BreakerClosed BreakerState = iota
	// BreakerOpen means the API has been unreachable for Threshold samples.
	BreakerOpen
	// BreakerHalfOpen means the cooldown expired while still down.
	BreakerHalfOpen
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker turns a stream of connectivity samples into outage transitions so a
// single failed probe does not raise an alert and a long outage raises one
// alert per cooldown.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	state     BreakerState
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker creates a closed Breaker. Non-positive arguments use the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, state: BreakerClosed, now: time.Now}
}

// Record feeds one sample. opened is true when this sample started an outage
// (or re-opened a half-open breaker); closed is true when it ended one.
func (b *Breaker) Record(online bool) (opened, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	if online {
		closed = b.state != BreakerClosed
		b.failures = 0
		b.state = BreakerClosed
		return false, closed
	}

	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.open()
			return true, false
		}
	case BreakerHalfOpen:
		b.open()
		return true, false
	}
	return false, false
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
}

// advance moves an open breaker to half-open once the cooldown has passed.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Failures returns the current consecutive offline count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
