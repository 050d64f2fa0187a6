// Package codec defines the encoder backend contract used by sessions and
// the registry that selects a backend for a configuration.
//
// The contract mirrors a buffer-queue encoder: callers dequeue an input
// buffer, fill and queue it, then dequeue output buffers and release them
// once consumed. Backends that can push events implement AsyncEncoder.
package codec

import (
	"time"

	"github.com/pkg/errors"

	"rapidenc/pkg/models"
)

// Special indexes returned by DequeueInputBuffer and DequeueOutputBuffer
const (
	InfoTryAgainLater       = -1 // nothing available within the timeout
	InfoOutputFormatChanged = -2 // OutputFormat has changed; no buffer was dequeued
)

var (
	// ErrInvalidState is returned when an operation does not fit the
	// backend's lifecycle state, e.g. draining after Stop
	ErrInvalidState = errors.New("codec: invalid state")
	// ErrFormatRejected is returned by Configure for unsupported formats
	ErrFormatRejected = errors.New("codec: format rejected")
	// ErrBadIndex is returned for buffer indexes the backend did not lend out
	ErrBadIndex = errors.New("codec: unknown buffer index")
)

// BufferInfo describes a dequeued output buffer
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              models.BufferFlags
}

// Parameters are live adjustments applied to a running encoder
type Parameters struct {
	Bitrate          int  // 0 leaves the bitrate unchanged
	RequestSyncFrame bool // encode the next frame as a key frame
}

// Encoder is a buffer-queue video encoder
type Encoder interface {
	Name() string
	Configure(format models.MediaFormat) error
	Start() error
	Stop() error
	Release()

	DequeueInputBuffer(timeout time.Duration) (int, error)
	InputBuffer(index int) ([]byte, error)
	QueueInputBuffer(index, size int, presentationTimeUs int64, flags models.BufferFlags) error

	DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error)
	OutputBuffer(index int) ([]byte, error)
	ReleaseOutputBuffer(index int) error
	OutputFormat() (models.MediaFormat, error)

	SetParameters(p Parameters) error
}

// Callback receives backend events. Implementations must not block for long;
// backends may invoke it from their own goroutines.
type Callback interface {
	OnInputBufferAvailable(index int)
	OnOutputBufferAvailable(index int, info BufferInfo)
	OnOutputFormatChanged(format models.MediaFormat)
	OnError(err error)
}

// AsyncEncoder is an Encoder that can push events instead of being polled.
// SetCallback must be called before Start; once set, the Dequeue methods are
// not used.
type AsyncEncoder interface {
	Encoder
	SetCallback(cb Callback)
}
