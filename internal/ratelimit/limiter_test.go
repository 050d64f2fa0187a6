package ratelimit

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestLimiterForwardsAtMostTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fps      int
		produced int
	}{
		{"30 of 100", 30, 100},
		{"15 of 60", 15, 60},
		{"24 of 240", 24, 240},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := &fakeClock{now: time.Unix(1000, 0)}
			l := New(tt.fps, WithClock(clock.Now))

			step := time.Second / time.Duration(tt.produced)
			forwarded := 0
			for i := 0; i < tt.produced; i++ {
				if l.Allow() {
					forwarded++
				}
				clock.Advance(step)
			}

			// The initially full bucket adds up to Burst frames. The lower
			// bound is loose because arrivals only land on multiples of step.
			assert.LessOrEqual(t, forwarded, tt.fps+Burst(tt.fps))
			assert.GreaterOrEqual(t, forwarded, tt.fps*3/4)
		})
	}
}

func TestLimiterSteadyStateRate(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	l := New(30, WithClock(clock.Now))

	// drain the initial bucket
	for l.Allow() {
	}

	forwarded := 0
	step := time.Second / 120
	for i := 0; i < 120*5; i++ {
		clock.Advance(step)
		if l.Allow() {
			forwarded++
		}
	}
	assert.InDelta(t, 150, forwarded, 1, "a fast producer settles at the target rate")
}

func TestLimiterPassesJitteryProducerAtTarget(t *testing.T) {
	t.Parallel()

	const (
		fps     = 30
		seconds = 3
	)
	tests := []struct {
		name   string
		jitter float64 // fraction of one frame interval
	}{
		{"exact", 0},
		{"10% jitter", 0.1},
		{"40% jitter", 0.4},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			base := time.Unix(500, 0)
			clock := &fakeClock{now: base}
			l := New(fps, WithClock(clock.Now))
			rng := rand.New(rand.NewSource(7))

			interval := time.Second / fps
			perSecond := make([]int, seconds)
			for i := 0; i < fps*seconds; i++ {
				offset := time.Duration((rng.Float64()*2 - 1) * tt.jitter * float64(interval))
				if i == 0 && offset < 0 {
					offset = 0
				}
				clock.Set(base.Add(time.Duration(i)*interval + offset))
				if l.Allow() {
					perSecond[i/fps]++
				}
			}

			for sec, n := range perSecond {
				assert.GreaterOrEqual(t, n, fps-1, "second %d", sec)
			}
		})
	}
}

func TestLimiterPassesSlowProducer(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	l := New(30, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(), "frame %d", i)
		clock.Advance(100 * time.Millisecond)
	}
}

func TestLimiterRearm(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	l := New(1, WithClock(clock.Now))

	assert.Equal(t, 2, Burst(1))
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	l.SetFPS(1000)
	assert.Equal(t, 1000, l.FPS())
	assert.True(t, l.Allow(), "re-armed limiter starts with a full bucket")
	clock.Advance(time.Millisecond)
	assert.True(t, l.Allow())
}

func TestBurst(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2, Burst(1))
	assert.Equal(t, 2, Burst(24))
	assert.Equal(t, 3, Burst(30))
	assert.Equal(t, 6, Burst(60))
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(0)
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow())
	}
}
