// Package codectest provides an in-memory encoder backend for tests.
package codectest

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"rapidenc/internal/codec"
	"rapidenc/internal/muxer"
	"rapidenc/pkg/models"
)

// Options control what the fake encoder emits
type Options struct {
	Name         string
	Codec        models.CodecType
	Hardware     bool
	ColorFormats []models.ColorFormat // defaults to semi-planar, planar

	// Polling hides SetCallback so sessions drive the encoder by polling
	Polling bool
	// EmitFormatChange reports parameter sets through a format change
	EmitFormatChange bool
	// EmitConfigBuffer emits a codec-config output buffer before the first unit
	EmitConfigBuffer bool
	// CorruptCSD makes the format change carry codec data without start codes
	CorruptCSD bool
	// GOP is the key frame period in frames; 0 means every 30 frames
	GOP int
	// InputBuffers is the number of input buffers; 0 means 4
	InputBuffers int
	// StallInput makes QueueInputBuffer block until Stop, like a write
	// into an encoder process that stopped reading
	StallInput bool

	ConfigureErr error
	StartErr     error
}

type event struct {
	index         int
	info          codec.BufferInfo
	formatChanged bool
	err           error
}

// Encoder is a fake codec.AsyncEncoder. Every queued frame produces one
// access unit whose payload carries the frame number.
type Encoder struct {
	opts Options

	mu       sync.Mutex
	state    string
	format   models.MediaFormat
	callback codec.Callback
	quit     chan struct{}
	wg       sync.WaitGroup
	freeIn   chan int
	events   chan event
	inputs   [][]byte
	outputs  map[int][]byte
	nextOut  int
	frames   int
	announce bool
	syncNext bool
	params   []codec.Parameters
	starts   int
	stalls   int
	released bool
}

// New creates a fake encoder
func New(opts Options) *Encoder {
	if opts.Codec == "" {
		opts.Codec = models.CodecH264
	}
	if opts.Name == "" {
		opts.Name = "fake." + string(opts.Codec)
	}
	if len(opts.ColorFormats) == 0 {
		opts.ColorFormats = []models.ColorFormat{models.ColorFormatSemiPlanar, models.ColorFormatPlanar}
	}
	if opts.GOP <= 0 {
		opts.GOP = 30
	}
	if opts.InputBuffers <= 0 {
		opts.InputBuffers = 4
	}
	return &Encoder{opts: opts, state: "uninitialized"}
}

// Name returns the configured name
func (e *Encoder) Name() string {
	return e.opts.Name
}

// SetCallback switches the fake to push mode
func (e *Encoder) SetCallback(cb codec.Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
}

// Configure stores the format
func (e *Encoder) Configure(format models.MediaFormat) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opts.ConfigureErr != nil {
		return e.opts.ConfigureErr
	}
	if format.Codec != e.opts.Codec {
		return errors.Wrapf(codec.ErrFormatRejected, "codec %s", format.Codec)
	}
	e.format = format
	e.state = "configured"
	return nil
}

// Start begins accepting input
func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opts.StartErr != nil {
		return e.opts.StartErr
	}
	if e.state != "configured" && e.state != "stopped" {
		return errors.Wrapf(codec.ErrInvalidState, "start in state %s", e.state)
	}

	size := e.format.Width * e.format.Height * 3 / 2
	e.inputs = make([][]byte, e.opts.InputBuffers)
	e.freeIn = make(chan int, e.opts.InputBuffers)
	for i := range e.inputs {
		e.inputs[i] = make([]byte, size)
		e.freeIn <- i
	}
	e.events = make(chan event, 1024)
	e.outputs = make(map[int][]byte)
	e.quit = make(chan struct{})
	e.frames = 0
	e.announce = true
	e.state = "running"
	e.starts++

	if e.callback != nil {
		e.wg.Add(1)
		go e.dispatch(e.callback, e.quit, e.freeIn, e.events)
	}
	return nil
}

func (e *Encoder) dispatch(cb codec.Callback, quit <-chan struct{}, freeIn <-chan int, events <-chan event) {
	defer e.wg.Done()
	for {
		select {
		case <-quit:
			return
		case index := <-freeIn:
			cb.OnInputBufferAvailable(index)
		case ev := <-events:
			switch {
			case ev.err != nil:
				cb.OnError(ev.err)
			case ev.formatChanged:
				format, _ := e.OutputFormat()
				cb.OnOutputFormatChanged(format)
			default:
				cb.OnOutputBufferAvailable(ev.index, ev.info)
			}
		}
	}
}

// Stop halts the fake; draining afterwards fails with codec.ErrInvalidState
func (e *Encoder) Stop() error {
	e.mu.Lock()
	if e.state != "running" {
		state := e.state
		e.mu.Unlock()
		return errors.Wrapf(codec.ErrInvalidState, "stop in state %s", state)
	}
	e.state = "stopped"
	close(e.quit)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// Release marks the fake as released
func (e *Encoder) Release() {
	e.mu.Lock()
	running := e.state == "running"
	e.mu.Unlock()
	if running {
		_ = e.Stop()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = "released"
	e.released = true
}

func (e *Encoder) running() (chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != "running" {
		return nil, errors.Wrapf(codec.ErrInvalidState, "state %s", e.state)
	}
	return e.quit, nil
}

// DequeueInputBuffer returns a free input index or codec.InfoTryAgainLater
func (e *Encoder) DequeueInputBuffer(timeout time.Duration) (int, error) {
	quit, err := e.running()
	if err != nil {
		return 0, err
	}
	var timer <-chan time.Time
	if timeout == 0 {
		select {
		case index := <-e.freeIn:
			return index, nil
		default:
			return codec.InfoTryAgainLater, nil
		}
	}
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case index := <-e.freeIn:
		return index, nil
	case <-timer:
		return codec.InfoTryAgainLater, nil
	case <-quit:
		return 0, codec.ErrInvalidState
	}
}

// InputBuffer returns the memory of an input index
func (e *Encoder) InputBuffer(index int) ([]byte, error) {
	if _, err := e.running(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.inputs) {
		return nil, errors.Wrapf(codec.ErrBadIndex, "input %d", index)
	}
	return e.inputs[index], nil
}

// QueueInputBuffer "encodes" the frame into one access unit
func (e *Encoder) QueueInputBuffer(index, size int, presentationTimeUs int64, flags models.BufferFlags) error {
	if e.opts.StallInput {
		return e.stall(index)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != "running" {
		return errors.Wrapf(codec.ErrInvalidState, "state %s", e.state)
	}
	if index < 0 || index >= len(e.inputs) {
		return errors.Wrapf(codec.ErrBadIndex, "input %d", index)
	}
	if size > len(e.inputs[index]) {
		return errors.Errorf("codectest: input of %d bytes exceeds buffer of %d", size, len(e.inputs[index]))
	}
	defer func() { e.freeIn <- index }()

	if flags&models.FlagEndOfStream != 0 && size == 0 {
		return nil
	}

	if e.announce {
		e.announce = false
		if e.opts.EmitFormatChange {
			e.events <- event{formatChanged: true}
		}
		if e.opts.EmitConfigBuffer {
			e.pushLocked(ParameterSets(e.format).Bytes(), models.FlagCodecConfig, 0)
		}
	}

	key := e.frames%e.opts.GOP == 0 || e.syncNext
	e.syncNext = false
	e.pushLocked(e.unit(e.frames, key), unitFlags(key), presentationTimeUs)
	e.frames++
	return nil
}

func (e *Encoder) stall(index int) error {
	e.mu.Lock()
	if e.state != "running" {
		state := e.state
		e.mu.Unlock()
		return errors.Wrapf(codec.ErrInvalidState, "state %s", state)
	}
	quit, freeIn := e.quit, e.freeIn
	e.stalls++
	e.mu.Unlock()

	<-quit
	freeIn <- index
	return errors.Wrap(codec.ErrInvalidState, "codectest: stopped while writing input")
}

func unitFlags(key bool) models.BufferFlags {
	if key {
		return models.FlagKeyFrame
	}
	return 0
}

// unit builds an Annex-B access unit carrying the frame number in ASCII
func (e *Encoder) unit(n int, key bool) []byte {
	var header []byte
	switch {
	case e.opts.Codec == models.CodecH265 && key:
		header = []byte{0x26, 0x01, 0xaf} // IDR_W_RADL
	case e.opts.Codec == models.CodecH265:
		header = []byte{0x02, 0x01, 0xd0} // TRAIL_R
	case key:
		header = []byte{0x65, 0x88} // IDR slice
	default:
		header = []byte{0x41, 0x9a} // non-IDR slice
	}
	nalu := strconv.AppendInt(header, int64(n), 10)
	return muxer.JoinAnnexB([][]byte{nalu})
}

func (e *Encoder) pushLocked(data []byte, flags models.BufferFlags, pts int64) {
	index := e.nextOut
	e.nextOut++
	e.outputs[index] = data
	e.events <- event{index: index, info: codec.BufferInfo{Size: len(data), PresentationTimeUs: pts, Flags: flags}}
}

// DequeueOutputBuffer returns the next output event
func (e *Encoder) DequeueOutputBuffer(info *codec.BufferInfo, timeout time.Duration) (int, error) {
	quit, err := e.running()
	if err != nil {
		return 0, err
	}

	var ev event
	if timeout == 0 {
		select {
		case ev = <-e.events:
		default:
			return codec.InfoTryAgainLater, nil
		}
	} else {
		var timer <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}
		select {
		case ev = <-e.events:
		case <-timer:
			return codec.InfoTryAgainLater, nil
		case <-quit:
			return 0, codec.ErrInvalidState
		}
	}

	switch {
	case ev.err != nil:
		return 0, ev.err
	case ev.formatChanged:
		return codec.InfoOutputFormatChanged, nil
	}
	*info = ev.info
	return ev.index, nil
}

// OutputBuffer returns the bytes of an output index
func (e *Encoder) OutputBuffer(index int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.outputs[index]
	if !ok {
		return nil, errors.Wrapf(codec.ErrBadIndex, "output %d", index)
	}
	return data, nil
}

// ReleaseOutputBuffer returns an output index
func (e *Encoder) ReleaseOutputBuffer(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.outputs[index]; !ok {
		return errors.Wrapf(codec.ErrBadIndex, "output %d", index)
	}
	delete(e.outputs, index)
	return nil
}

// OutputFormat returns the configured format with its codec-specific data
func (e *Encoder) OutputFormat() (models.MediaFormat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	format := e.format
	sets := ParameterSets(format)
	switch {
	case e.opts.CorruptCSD:
		format.CSD0 = []byte{0x67, 0x42, 0x00, 0x1f}
	case format.Codec == models.CodecH265:
		format.CSD0 = sets.Bytes()
	default:
		format.CSD0, format.CSD1 = sets.SPS, sets.PPS
	}
	return format, nil
}

// SetParameters records the adjustment
func (e *Encoder) SetParameters(p codec.Parameters) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != "running" {
		return errors.Wrapf(codec.ErrInvalidState, "state %s", e.state)
	}
	e.params = append(e.params, p)
	if p.Bitrate > 0 {
		e.format.Bitrate = p.Bitrate
	}
	if p.RequestSyncFrame {
		e.syncNext = true
	}
	return nil
}

// Fail injects an unrecoverable error into the output stream
func (e *Encoder) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == "running" {
		e.events <- event{err: err}
	}
}

// Format returns the format passed to Configure
func (e *Encoder) Format() models.MediaFormat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

// Frames returns the number of frames encoded since the last Start
func (e *Encoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Stalls returns how many QueueInputBuffer calls have blocked on StallInput
func (e *Encoder) Stalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stalls
}

// Parameters returns every SetParameters call
func (e *Encoder) Parameters() []codec.Parameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]codec.Parameters(nil), e.params...)
}

// Outstanding returns the number of output buffers not yet released
func (e *Encoder) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outputs)
}

// Released reports whether Release was called
func (e *Encoder) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// State returns the lifecycle state name
func (e *Encoder) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// pollingOnly hides SetCallback
type pollingOnly struct {
	codec.Encoder
}

// Backend creates fake encoders for a registry and keeps track of them
type Backend struct {
	opts Options

	mu      sync.Mutex
	created []*Encoder
}

// NewBackend creates a backend producing encoders with opts
func NewBackend(opts Options) *Backend {
	opts = New(opts).opts
	return &Backend{opts: opts}
}

// Info returns the registry entry for the backend
func (b *Backend) Info() codec.Info {
	return codec.Info{
		Name:         b.opts.Name,
		Codec:        b.opts.Codec,
		Hardware:     b.opts.Hardware,
		ColorFormats: b.opts.ColorFormats,
		New: func() (codec.Encoder, error) {
			enc := New(b.opts)
			b.mu.Lock()
			b.created = append(b.created, enc)
			b.mu.Unlock()
			if b.opts.Polling {
				return pollingOnly{enc}, nil
			}
			return enc, nil
		},
	}
}

// Last returns the most recently created encoder, or nil
func (b *Backend) Last() *Encoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.created) == 0 {
		return nil
	}
	return b.created[len(b.created)-1]
}

// Created returns how many encoders the backend has created
func (b *Backend) Created() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.created)
}

// Registry returns a registry holding the given backends
func Registry(backends ...*Backend) *codec.Registry {
	reg := codec.NewRegistry()
	for _, b := range backends {
		reg.Register(b.Info())
	}
	return reg
}
