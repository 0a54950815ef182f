package parley

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff is a reconnect policy for callers that want to re-establish a
// failed Session. The Session itself never retries.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means unlimited
	// StableAfter resets the attempt counter once a connection has been up
	// this long.
	StableAfter time.Duration

	attempt     int
	connectedAt time.Time
	now         func() time.Time
}

// NewBackoff returns the default policy: 1s doubling to 30s, 10 attempts.
func NewBackoff() *Backoff {
	return &Backoff{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
		StableAfter: 60 * time.Second,
	}
}

func (b *Backoff) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// Attempt is the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// ShouldRetry reports whether another attempt is allowed.
func (b *Backoff) ShouldRetry() bool {
	b.maybeReset()
	return b.MaxAttempts == 0 || b.attempt < b.MaxAttempts
}

// MarkConnected records a successful connection.
func (b *Backoff) MarkConnected() {
	b.connectedAt = b.clock()
}

func (b *Backoff) maybeReset() {
	if !b.connectedAt.IsZero() && b.StableAfter > 0 && b.clock().Sub(b.connectedAt) > b.StableAfter {
		b.attempt = 0
		b.connectedAt = time.Time{}
	}
}

// NextDelay returns the delay before the next attempt and counts it.
func (b *Backoff) NextDelay() time.Duration {
	b.maybeReset()
	jitter := time.Duration(rand.Float64() * float64(b.BaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.BaseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.MaxDelay),
	))
	b.attempt++
	return delay
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.NextDelay())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}
