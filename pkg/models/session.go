package models

import (
	"fmt"
	"time"
)

// SessionState represents the lifecycle position of an encoder session
type SessionState int32

const (
	SessionUnconfigured SessionState = iota
	SessionConfigured
	SessionRunning
	SessionStopping
	SessionStopped
	SessionFailed // the worker exited on a backend error; Stop or Reset to recover
)

var sessionStateNames = [...]string{
	SessionUnconfigured: "unconfigured",
	SessionConfigured:   "configured",
	SessionRunning:      "running",
	SessionStopping:     "stopping",
	SessionStopped:      "stopped",
	SessionFailed:       "failed",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
	return sessionStateNames[s]
}

// MarshalText encodes the state by name
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Drop reasons recorded in SessionStats and metrics
const (
	DropQueueFull     = "queue_full"
	DropRateLimited   = "rate_limited"
	DropNotRunning    = "not_running"
	DropBadFrame      = "bad_frame"
	DropSubscriberLag = "subscriber_lag"
	DropEncoderFailed = "encoder_failed"
)

// SessionStats tracks session statistics
type SessionStats struct {
	FramesSubmitted    uint64            `json:"framesSubmitted"`
	FramesDropped      map[string]uint64 `json:"framesDropped"` // by reason
	FramesEncoded      uint64            `json:"framesEncoded"` // picture units delivered
	BytesOut           uint64            `json:"bytesOut"`
	KeyFrames          uint64            `json:"keyFrames"`
	ParameterSetsSent  uint64            `json:"parameterSetsSent"`
	Generation         uint64            `json:"generation"`
	LastPresentationUs int64             `json:"lastPresentationUs"`
	StartedAt          time.Time         `json:"startedAt,omitempty"`
}

// Clone returns a deep copy safe to hand out
func (s SessionStats) Clone() SessionStats {
	dropped := make(map[string]uint64, len(s.FramesDropped))
	for k, v := range s.FramesDropped {
		dropped[k] = v
	}
	s.FramesDropped = dropped
	return s
}

// TotalDropped sums drops over all reasons
func (s SessionStats) TotalDropped() uint64 {
	var n uint64
	for _, v := range s.FramesDropped {
		n += v
	}
	return n
}
