package session

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rapidenc/internal/codec"
)

// DriveMode selects how the worker talks to the encoder backend
type DriveMode string

const (
	// DriveAuto uses callbacks when the backend supports them
	DriveAuto     DriveMode = "auto"
	DriveCallback DriveMode = "callback"
	DrivePolling  DriveMode = "polling"
)

// ParseDriveMode parses a drive mode name; empty means auto
func ParseDriveMode(s string) (DriveMode, error) {
	switch DriveMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", DriveAuto:
		return DriveAuto, nil
	case DriveCallback:
		return DriveCallback, nil
	case DrivePolling:
		return DrivePolling, nil
	}
	return "", errors.Errorf("session: unknown drive mode %q", s)
}

const (
	defaultStopGrace    = 2 * time.Second
	defaultPollInterval = 10 * time.Millisecond
)

// Option configures a Session
type Option func(*Session)

// WithID sets the session ID instead of a random UUID
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// WithRegistry sets the encoders the session chooses from
func WithRegistry(r *codec.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the measurement recorder
func WithMetrics(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithDriveMode forces callback or polling mode. Callback mode falls back
// to polling for backends that cannot push events.
func WithDriveMode(m DriveMode) Option {
	return func(s *Session) {
		s.driveMode = m
	}
}

// WithStopGrace sets how long Stop waits for the worker before forcing it
func WithStopGrace(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithPollInterval sets how long the polling worker waits for a frame
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithClock replaces time.Now for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}
