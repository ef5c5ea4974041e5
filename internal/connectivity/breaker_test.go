package connectivity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
	b := NewBreaker(threshold, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	assert.Equal(t, BreakerClosed, b.State())

	for i := 0; i < 2; i++ {
		opened, closed := b.Record(false)
		assert.False(t, opened)
		assert.False(t, closed)
	}
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 2, b.Failures())

	opened, _ := b.Record(false)
	assert.True(t, opened, "third offline sample should open")
	assert.Equal(t, BreakerOpen, b.State())

	opened, _ = b.Record(false)
	assert.False(t, opened, "an open breaker does not open again")
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3, time.Minute)

	b.Record(false)
	b.Record(false)
	_, closed := b.Record(true)
	assert.False(t, closed, "closing a closed breaker is not a transition")
	assert.Equal(t, 0, b.Failures())

	b.Record(false)
	b.Record(false)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerClosesWhenBackOnline(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(1, time.Minute)

	opened, _ := b.Record(false)
	assert.True(t, opened)

	_, closed := b.Record(true)
	assert.True(t, closed)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReopensAfterCooldown(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(2, time.Minute)

	b.Record(false)
	opened, _ := b.Record(false)
	assert.True(t, opened)

	clock.advance(30 * time.Second)
	opened, _ = b.Record(false)
	assert.False(t, opened, "still cooling down")

	clock.advance(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	opened, _ = b.Record(false)
	assert.True(t, opened, "an outage outlasting the cooldown alerts again")
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerDefaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(0, 0)
	assert.Equal(t, DefaultBreakerThreshold, b.threshold)
	assert.Equal(t, DefaultBreakerCooldown, b.cooldown)
	assert.Equal(t, "closed", b.State().String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
}
