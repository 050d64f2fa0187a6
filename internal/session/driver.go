package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rapidenc/internal/codec"
	"rapidenc/pkg/models"
)

// driver runs the single worker goroutine of a generation
type driver interface {
	run()
	// quit asks the worker to exit after the event at hand
	quit()
	// done is closed once the worker has exited
	done() <-chan struct{}
	mode() string
}

// lifecycle holds the quit/done channels shared by both drivers
type lifecycle struct {
	quitCh chan struct{}
	doneCh chan struct{}
}

func newLifecycle() lifecycle {
	return lifecycle{quitCh: make(chan struct{}), doneCh: make(chan struct{})}
}

func (l lifecycle) quit() {
	select {
	case <-l.quitCh:
	default:
		close(l.quitCh)
	}
}

func (l lifecycle) done() <-chan struct{} {
	return l.doneCh
}

type eventKind int

const (
	eventInput eventKind = iota
	eventOutput
	eventFormat
	eventError
)

type backendEvent struct {
	kind   eventKind
	index  int
	info   codec.BufferInfo
	format models.MediaFormat
	err    error
}

// callbackDriver receives backend callbacks on the backend's goroutines and
// hands them to the worker through a mailbox. Callbacks never block: the
// backlog is bounded by the buffers the backend has lent out, since each
// event reports one of them. The worker only pulls frames from the queue
// while it holds an input buffer.
type callbackDriver struct {
	lifecycle
	s      *Session
	gen    *generation
	inputs []int

	mu      sync.Mutex
	pending []backendEvent
	wake    chan struct{}
}

func newCallbackDriver(s *Session, gen *generation) *callbackDriver {
	return &callbackDriver{
		lifecycle: newLifecycle(),
		s:         s,
		gen:       gen,
		wake:      make(chan struct{}, 1),
	}
}

func (d *callbackDriver) mode() string { return string(DriveCallback) }

func (d *callbackDriver) post(ev backendEvent) {
	select {
	case <-d.doneCh:
		return
	default:
	}

	d.mu.Lock()
	d.pending = append(d.pending, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// takePending returns the events posted since the last call
func (d *callbackDriver) takePending() []backendEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	evs := d.pending
	d.pending = nil
	return evs
}

func (d *callbackDriver) OnInputBufferAvailable(index int) {
	d.post(backendEvent{kind: eventInput, index: index})
}

func (d *callbackDriver) OnOutputBufferAvailable(index int, info codec.BufferInfo) {
	d.post(backendEvent{kind: eventOutput, index: index, info: info})
}

func (d *callbackDriver) OnOutputFormatChanged(format models.MediaFormat) {
	d.post(backendEvent{kind: eventFormat, format: format})
}

func (d *callbackDriver) OnError(err error) {
	d.post(backendEvent{kind: eventError, err: err})
}

func (d *callbackDriver) run() {
	defer close(d.doneCh)
	defer d.s.workerExited(d.gen)

	for {
		var frames <-chan *models.Frame
		if len(d.inputs) > 0 {
			frames = d.s.queue.Frames()
		}

		select {
		case <-d.quitCh:
			return
		case <-d.wake:
			for _, ev := range d.takePending() {
				if !d.handle(ev) {
					return
				}
			}
		case f := <-frames:
			if !d.s.limiter.Allow() {
				d.s.dropFrame(models.DropRateLimited)
				continue
			}
			index := d.inputs[0]
			consumed, err := d.s.safeEncodeFrame(d.gen, index, f)
			if consumed {
				d.inputs = d.inputs[1:]
			}
			if err != nil {
				d.s.backendFailed("queue input", err)
				return
			}
		}
	}
}

// handle processes one backend event and reports whether the worker should go on
func (d *callbackDriver) handle(ev backendEvent) bool {
	switch ev.kind {
	case eventInput:
		if d.s.active(d.gen) {
			d.inputs = append(d.inputs, ev.index)
		}
	case eventOutput:
		d.s.safeHandleOutput(d.gen, ev.index, ev.info)
	case eventFormat:
		d.s.safeHandleFormat(d.gen, ev.format)
	case eventError:
		d.s.backendFailed("callback", ev.err)
		return false
	}
	return true
}

// pollingDriver dequeues input and output buffers with zero timeouts
type pollingDriver struct {
	lifecycle
	s   *Session
	gen *generation
}

func newPollingDriver(s *Session, gen *generation) *pollingDriver {
	return &pollingDriver{lifecycle: newLifecycle(), s: s, gen: gen}
}

func (d *pollingDriver) mode() string { return string(DrivePolling) }

func (d *pollingDriver) run() {
	defer close(d.doneCh)
	defer d.s.workerExited(d.gen)

	enc := d.gen.encoder
	pending := -1
	for {
		select {
		case <-d.quitCh:
			return
		default:
		}

		if pending < 0 {
			index, err := enc.DequeueInputBuffer(0)
			if err != nil {
				d.s.backendFailed("dequeue input", err)
				return
			}
			if index >= 0 {
				pending = index
			}
		}

		worked := false
		if pending >= 0 {
			if f := d.nextFrame(); f != nil {
				consumed, err := d.s.safeEncodeFrame(d.gen, pending, f)
				if consumed {
					pending = -1
				}
				if err != nil {
					d.s.backendFailed("queue input", err)
					return
				}
				worked = true
			}
		}

		drained, ok := d.drain(enc)
		if !ok {
			return
		}

		if pending < 0 && !worked && drained == 0 {
			select {
			case <-d.quitCh:
				return
			case <-time.After(d.s.pollInterval):
			}
		}
	}
}

// nextFrame waits up to one poll interval for a frame the limiter lets through
func (d *pollingDriver) nextFrame() *models.Frame {
	timer := time.NewTimer(d.s.pollInterval)
	defer timer.Stop()

	for {
		select {
		case f := <-d.s.queue.Frames():
			if d.s.limiter.Allow() {
				return f
			}
			d.s.dropFrame(models.DropRateLimited)
		case <-timer.C:
			return nil
		case <-d.quitCh:
			return nil
		}
	}
}

// drain handles every output the encoder has ready. It returns how many
// events it handled and false when the worker must exit.
func (d *pollingDriver) drain(enc codec.Encoder) (int, bool) {
	n := 0
	for {
		var info codec.BufferInfo
		index, err := enc.DequeueOutputBuffer(&info, 0)
		if err != nil {
			d.s.backendFailed("dequeue output", err)
			return n, false
		}

		switch {
		case index == codec.InfoTryAgainLater:
			return n, true
		case index == codec.InfoOutputFormatChanged:
			format, err := enc.OutputFormat()
			if err != nil {
				d.s.logger.Warn("read output format", zap.Error(err))
				break
			}
			d.s.safeHandleFormat(d.gen, format)
		case index >= 0:
			d.s.safeHandleOutput(d.gen, index, info)
		}
		n++
	}
}

// backendFailed logs the error that ends a worker. Errors caused by
// stopping the encoder are expected.
func (s *Session) backendFailed(op string, err error) {
	if s.State() != models.SessionRunning || errors.Is(err, codec.ErrInvalidState) {
		s.logger.Debug("encoder no longer running", zap.String("op", op), zap.Error(err))
		return
	}
	s.metrics.BackendError(op)
	s.logger.Error("encoder failed, worker exiting", zap.String("op", op), zap.Error(err))
}

// recoverHandler turns a panic in an event handler into a log line
func (s *Session) recoverHandler(op string) {
	if r := recover(); r != nil {
		s.metrics.BackendError(op)
		s.logger.Error("recovered panic in event handler",
			zap.String("op", op),
			zap.String("panic", fmt.Sprint(r)),
			zap.Stack("stack"))
	}
}

func (s *Session) safeEncodeFrame(gen *generation, index int, f *models.Frame) (consumed bool, err error) {
	defer s.recoverHandler("encode_frame")
	return s.encodeFrame(gen, index, f)
}

func (s *Session) safeHandleOutput(gen *generation, index int, info codec.BufferInfo) {
	defer s.recoverHandler("output")
	s.handleOutput(gen, index, info)
}

func (s *Session) safeHandleFormat(gen *generation, format models.MediaFormat) {
	defer s.recoverHandler("format")
	s.handleFormat(gen, format)
}

// encodeFrame transforms a frame into the lent input buffer and queues it.
// consumed reports whether the input buffer went back to the encoder.
func (s *Session) encodeFrame(gen *generation, index int, f *models.Frame) (bool, error) {
	if !s.active(gen) {
		return false, nil
	}

	out, err := gen.transformer.Apply(f)
	if err != nil {
		s.dropFrame(models.DropBadFrame)
		s.logger.Debug("dropping frame that cannot be transformed", zap.Error(err))
		return false, nil
	}
	defer gen.transformer.Recycle(out)

	data, err := out.Data()
	if err != nil {
		s.dropFrame(models.DropBadFrame)
		return false, nil
	}
	buf, err := gen.encoder.InputBuffer(index)
	if err != nil {
		return false, err
	}
	if len(data) > len(buf) {
		s.dropFrame(models.DropBadFrame)
		s.logger.Info("frame larger than encoder input buffer",
			zap.Int("frame", len(data)),
			zap.Int("buffer", len(buf)))
		return false, nil
	}

	n := copy(buf, data)
	pts := gen.elapsed(s.now())
	if err := gen.encoder.QueueInputBuffer(index, n, pts, 0); err != nil {
		return true, err
	}
	return true, nil
}

// handleFormat delivers newly negotiated parameter sets, then the format
func (s *Session) handleFormat(gen *generation, format models.MediaFormat) {
	if !s.active(gen) {
		return
	}

	sets, deliver, err := gen.extractor.FormatChanged(format)
	switch {
	case err != nil:
		s.metrics.ParseFailure("format")
		s.logger.Debug("no parameter sets in output format", zap.Error(err))
	case deliver:
		s.deliverParameterSets(sets)
	}
	s.sink.OnFormat(format)
}

// handleOutput delivers one encoded buffer; the buffer is released on every path
func (s *Session) handleOutput(gen *generation, index int, info codec.BufferInfo) {
	lease := leaseOutput(gen.encoder, index, s.logger)
	defer lease.Release()

	if !s.active(gen) {
		return
	}

	buf, err := gen.encoder.OutputBuffer(index)
	if err != nil {
		s.logger.Warn("read output buffer", zap.Int("index", index), zap.Error(err))
		return
	}
	end := info.Offset + info.Size
	if info.Offset < 0 || end > len(buf) || info.Size < 0 {
		s.logger.Warn("output buffer info out of range",
			zap.Int("offset", info.Offset),
			zap.Int("size", info.Size),
			zap.Int("len", len(buf)))
		return
	}
	data := buf[info.Offset:end]

	if info.Flags.IsCodecConfig() && !gen.extractor.Sent() {
		sets, deliver, err := gen.extractor.ConfigBuffer(data)
		switch {
		case err != nil:
			s.metrics.ParseFailure("config_buffer")
			s.logger.Debug("no parameter sets in config buffer", zap.Error(err))
		case deliver:
			s.deliverParameterSets(sets)
		}
	}

	unit := models.EncodedUnit{
		Data:               data,
		Flags:              info.Flags,
		PresentationTimeUs: gen.stamp(s.now()),
		Generation:         gen.id,
	}
	s.sink.OnEncodedUnit(unit)

	s.statsMu.Lock()
	s.stats.BytesOut += uint64(len(data))
	s.stats.LastPresentationUs = unit.PresentationTimeUs
	if !info.Flags.IsCodecConfig() {
		s.stats.FramesEncoded++
		if info.Flags.IsKeyFrame() {
			s.stats.KeyFrames++
		}
	}
	s.statsMu.Unlock()

	if !info.Flags.IsCodecConfig() {
		s.metrics.FrameEncoded(len(data), info.Flags.IsKeyFrame())
	}
}

func (s *Session) deliverParameterSets(sets models.ParameterSets) {
	s.sink.OnParameterSets(sets)
	s.metrics.ParameterSetsDelivered(string(sets.Codec))
	s.statsMu.Lock()
	s.stats.ParameterSetsSent++
	s.statsMu.Unlock()
	s.logger.Info("parameter sets delivered",
		zap.String("codec", string(sets.Codec)),
		zap.Int("bytes", len(sets.Bytes())))
}
