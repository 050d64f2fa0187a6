package framequeue

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"rapidenc/pkg/models"
)

// ErrClosed is returned by Take once the queue has been closed
var ErrClosed = errors.New("framequeue: closed")

// Queue is a fixed-capacity frame buffer between a capture producer and an
// encoder consumer. Offer never blocks; Take blocks until a frame arrives or
// the queue is closed.
type Queue struct {
	frames chan *models.Frame

	mu     sync.RWMutex
	done   chan struct{}
	closed bool
}

// New creates a queue holding at most capacity frames
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = models.DefaultQueueCapacity
	}
	return &Queue{
		frames: make(chan *models.Frame, capacity),
		done:   make(chan struct{}),
	}
}

// Offer enqueues a frame without blocking.
// It returns false when the queue is full or closed; the frame is dropped.
func (q *Queue) Offer(frame *models.Frame) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}

	select {
	case q.frames <- frame:
		return true
	default:
		return false
	}
}

// Take removes the oldest frame, waiting until one is available
func (q *Queue) Take(ctx context.Context) (*models.Frame, error) {
	q.mu.RLock()
	done, closed := q.done, q.closed
	q.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	select {
	case frame := <-q.frames:
		return frame, nil
	case <-done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Frames exposes the receive side for consumers that select over several sources
func (q *Queue) Frames() <-chan *models.Frame {
	return q.frames
}

// Done is closed when the queue is closed
func (q *Queue) Done() <-chan struct{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.done
}

// Close rejects further offers, discards queued frames and wakes blocked takers
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return q.drain()
}

// Reopen accepts offers again after Close
func (q *Queue) Reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.closed = false
		q.done = make(chan struct{})
	}
}

// Clear discards queued frames and returns how many were dropped
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drain()
}

func (q *Queue) drain() int {
	n := 0
	for {
		select {
		case <-q.frames:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued frames
func (q *Queue) Len() int {
	return len(q.frames)
}

// Cap returns the fixed capacity
func (q *Queue) Cap() int {
	return cap(q.frames)
}

// Closed reports whether the queue rejects offers
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
