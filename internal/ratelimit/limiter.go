package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter caps the rate at which frames are forwarded to the encoder.
// Allow never blocks: a rejected frame is meant to be discarded and the
// caller moves on to the next queued one.
type Limiter struct {
	mu  sync.Mutex
	lim *rate.Limiter
	fps int
	now func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces the time source; intended for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter forwarding at most fps frames per second.
// fps <= 0 disables limiting.
func New(fps int, opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.SetFPS(fps)
	return l
}

// Burst is the number of frames the bucket holds: a tenth of a second of
// slack, at least two frames. The spare tokens keep the credit of a frame
// that arrives slightly early, so a jittery producer at the target rate
// passes untouched.
func Burst(fps int) int {
	if b := fps / 10; b > 2 {
		return b
	}
	return 2
}

// SetFPS re-arms the limiter with a new target rate and a full bucket
func (l *Limiter) SetFPS(fps int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fps = fps
	if fps <= 0 {
		l.lim = rate.NewLimiter(rate.Inf, 1)
		return
	}
	l.lim = rate.NewLimiter(rate.Limit(fps), Burst(fps))
}

// FPS returns the current target rate
func (l *Limiter) FPS() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fps
}

// Allow reports whether the next frame should be forwarded
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	lim, now := l.lim, l.now
	l.mu.Unlock()
	return lim.AllowN(now(), 1)
}
