package session

import "time"

// Recorder receives session measurements. internal/metrics implements it
// with prometheus collectors.
type Recorder interface {
	SessionStarted(codec string)
	SessionStopped(codec string, d time.Duration)
	FrameSubmitted()
	FrameDropped(reason string)
	FrameEncoded(size int, keyFrame bool)
	ParameterSetsDelivered(codec string)
	ParseFailure(source string)
	BackendError(op string)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(string)                {}
func (nopRecorder) SessionStopped(string, time.Duration) {}
func (nopRecorder) FrameSubmitted()                      {}
func (nopRecorder) FrameDropped(string)                  {}
func (nopRecorder) FrameEncoded(int, bool)               {}
func (nopRecorder) ParameterSetsDelivered(string)        {}
func (nopRecorder) ParseFailure(string)                  {}
func (nopRecorder) BackendError(string)                  {}
