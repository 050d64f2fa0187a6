package codec

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rapidenc/internal/muxer"
	"rapidenc/internal/paramsets"
	"rapidenc/pkg/models"
)

const (
	defaultInputBuffers = 4
	defaultOutputQueue  = 64
	processDrainTimeout = 2 * time.Second
	readChunkSize       = 64 * 1024
)

// FFmpegOptions configures ffmpeg-backed encoders
type FFmpegOptions struct {
	Path         string // ffmpeg binary, "ffmpeg" when empty
	InputBuffers int    // number of input buffers lent to callers
	OutputQueue  int    // encoded buffers held before the reader blocks
	Logger       *zap.Logger
}

func (o FFmpegOptions) withDefaults() FFmpegOptions {
	if o.Path == "" {
		o.Path = "ffmpeg"
	}
	if o.InputBuffers <= 0 {
		o.InputBuffers = defaultInputBuffers
	}
	if o.OutputQueue <= 0 {
		o.OutputQueue = defaultOutputQueue
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type ffState int

const (
	ffUninitialized ffState = iota
	ffConfigured
	ffRunning
	ffStopped
	ffReleased
)

type outputBuffer struct {
	data []byte
	info BufferInfo
}

// outputEvent is either a filled output buffer, a format change or a failure
type outputEvent struct {
	index         int
	info          BufferInfo
	formatChanged bool
	err           error
}

type ffmpegProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	done     chan struct{} // closed when stdout has been fully read
	expected atomic.Bool   // set when the process is being shut down on purpose
}

// FFmpegEncoder encodes raw frames by piping them through an ffmpeg process
// and reassembling the Annex-B output into access units.
type FFmpegEncoder struct {
	profile ffmpegProfile
	opts    FFmpegOptions
	logger  *zap.Logger

	mu        sync.Mutex
	state     ffState
	format    models.MediaFormat
	frameSize int
	proc      *ffmpegProcess
	callback  Callback
	quit      chan struct{}
	wg        sync.WaitGroup

	writeMu sync.Mutex // serializes stdin writes and process restarts

	inputs [][]byte
	freeIn chan int
	events chan outputEvent

	outMu     sync.Mutex
	outputs   map[int]*outputBuffer
	nextOut   int
	outFormat models.MediaFormat
	lastCSD   []byte
	pts       []int64
}

// NewFFmpegEncoder creates an encoder driving the named ffmpeg encoder
func NewFFmpegEncoder(name string, opts FFmpegOptions) (*FFmpegEncoder, error) {
	profile, ok := lookupProfile(name)
	if !ok {
		return nil, errors.Errorf("codec: unknown ffmpeg encoder %q", name)
	}
	opts = opts.withDefaults()
	return &FFmpegEncoder{
		profile: profile,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("encoder", name)),
	}, nil
}

// Name returns the ffmpeg encoder name
func (e *FFmpegEncoder) Name() string {
	return e.profile.name
}

// SetCallback switches the encoder to push mode
func (e *FFmpegEncoder) SetCallback(cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
}

// Configure validates and stores the input format
func (e *FFmpegEncoder) Configure(format models.MediaFormat) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != ffUninitialized && e.state != ffConfigured && e.state != ffStopped {
		return errors.Wrapf(ErrInvalidState, "configure in state %d", e.state)
	}
	if format.Codec != e.profile.codec {
		return errors.Wrapf(ErrFormatRejected, "%s encodes %s, not %s", e.profile.name, e.profile.codec, format.Codec)
	}
	if format.Width <= 0 || format.Height <= 0 || format.Width%2 != 0 || format.Height%2 != 0 {
		return errors.Wrapf(ErrFormatRejected, "dimensions %dx%d", format.Width, format.Height)
	}
	if format.ColorFormat != models.ColorFormatPlanar && format.ColorFormat != models.ColorFormatSemiPlanar {
		return errors.Wrapf(ErrFormatRejected, "color format %q", format.ColorFormat)
	}
	if format.Bitrate <= 0 || format.FrameRate <= 0 {
		return errors.Wrapf(ErrFormatRejected, "bitrate %d, frame rate %d", format.Bitrate, format.FrameRate)
	}

	e.format = format
	e.frameSize = format.Width*format.Height + format.Width*format.Height/2
	e.state = ffConfigured
	return nil
}

// Start launches the ffmpeg process
func (e *FFmpegEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != ffConfigured {
		return errors.Wrapf(ErrInvalidState, "start in state %d", e.state)
	}

	e.inputs = make([][]byte, e.opts.InputBuffers)
	e.freeIn = make(chan int, e.opts.InputBuffers)
	for i := range e.inputs {
		e.inputs[i] = make([]byte, e.frameSize)
		e.freeIn <- i
	}
	e.events = make(chan outputEvent, e.opts.OutputQueue)
	e.quit = make(chan struct{})

	e.outMu.Lock()
	e.outputs = make(map[int]*outputBuffer)
	e.outFormat = e.format
	e.lastCSD = nil
	e.pts = nil
	e.outMu.Unlock()

	proc, err := e.startProcess()
	if err != nil {
		return err
	}
	e.proc = proc
	e.state = ffRunning

	if e.callback != nil {
		e.wg.Add(1)
		go e.dispatch(e.callback, e.quit)
	}

	e.logger.Info("ffmpeg encoder started",
		zap.Int("width", e.format.Width),
		zap.Int("height", e.format.Height),
		zap.Int("bitrate", e.format.Bitrate),
		zap.Bool("async", e.callback != nil))
	return nil
}

func (e *FFmpegEncoder) startProcess() (*ffmpegProcess, error) {
	args := buildArgs(e.profile, e.format)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, e.opts.Path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "ffmpeg stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "ffmpeg stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "ffmpeg stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrapf(err, "start %s", e.opts.Path)
	}
	e.logger.Debug("ffmpeg process started", zap.Strings("args", args), zap.Int("pid", cmd.Process.Pid))

	proc := &ffmpegProcess{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			e.logger.Warn("ffmpeg", zap.String("stderr", scanner.Text()))
		}
	}()

	go e.readOutput(proc, stdout, e.quit)
	return proc, nil
}

// readOutput turns the ffmpeg stdout byte stream into output events
func (e *FFmpegEncoder) readOutput(proc *ffmpegProcess, stdout io.Reader, quit <-chan struct{}) {
	defer close(proc.done)

	scanner := muxer.NewScanner()
	assembler := muxer.NewAssembler(e.profile.codec)
	buf := make([]byte, readChunkSize)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, nalu := range scanner.Push(buf[:n]) {
				if au := assembler.Push(nalu); au != nil {
					e.emit(au, quit)
				}
			}
		}
		if err != nil {
			break
		}
	}

	for _, nalu := range scanner.Flush() {
		if au := assembler.Push(nalu); au != nil {
			e.emit(au, quit)
		}
	}
	if au := assembler.Flush(); au != nil {
		e.emit(au, quit)
	}

	waitErr := proc.cmd.Wait()
	if !proc.expected.Load() {
		if waitErr == nil {
			waitErr = io.ErrUnexpectedEOF
		}
		e.logger.Error("ffmpeg exited unexpectedly", zap.Error(waitErr))
		e.push(outputEvent{err: errors.Wrap(waitErr, "ffmpeg exited")}, quit)
	}
}

// emit splits parameter sets out of an access unit and queues the results
func (e *FFmpegEncoder) emit(au [][]byte, quit <-chan struct{}) {
	sets, rest := muxer.SplitParameterSets(e.profile.codec, au)

	if len(sets) > 0 {
		csd := muxer.JoinAnnexB(sets)

		e.outMu.Lock()
		changed := !bytes.Equal(csd, e.lastCSD)
		if changed {
			e.lastCSD = csd
			e.outFormat = e.describe(sets)
		}
		e.outMu.Unlock()

		if changed {
			e.push(outputEvent{formatChanged: true}, quit)
			e.pushBuffer(csd, models.FlagCodecConfig, 0, quit)
		}
	}

	if len(rest) > 0 {
		var flags models.BufferFlags
		if muxer.IsKeyFrame(e.profile.codec, au) {
			flags |= models.FlagKeyFrame
		}
		e.pushBuffer(muxer.JoinAnnexB(rest), flags, e.popPTS(), quit)
	}
}

// describe builds the output format for newly seen parameter sets
func (e *FFmpegEncoder) describe(sets [][]byte) models.MediaFormat {
	format := e.format
	ps := muxer.CollectParameterSets(e.profile.codec, sets)

	if e.profile.codec == models.CodecH264 {
		format.CSD0, format.CSD1 = ps.SPS, ps.PPS
	} else {
		format.CSD0, format.CSD1 = muxer.JoinAnnexB(sets), nil
	}

	if d, err := paramsets.Describe(ps); err == nil {
		d.Apply(&format)
	} else {
		e.logger.Debug("could not decode sps", zap.Error(err))
	}
	return format
}

func (e *FFmpegEncoder) pushBuffer(data []byte, flags models.BufferFlags, pts int64, quit <-chan struct{}) {
	info := BufferInfo{Size: len(data), PresentationTimeUs: pts, Flags: flags}

	e.outMu.Lock()
	index := e.nextOut
	e.nextOut++
	e.outputs[index] = &outputBuffer{data: data, info: info}
	e.outMu.Unlock()

	e.push(outputEvent{index: index, info: info}, quit)
}

func (e *FFmpegEncoder) push(ev outputEvent, quit <-chan struct{}) {
	select {
	case e.events <- ev:
	case <-quit:
	}
}

func (e *FFmpegEncoder) popPTS() int64 {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	if len(e.pts) == 0 {
		return 0
	}
	pts := e.pts[0]
	e.pts = e.pts[1:]
	return pts
}

// dispatch delivers events to the callback until quit is closed
func (e *FFmpegEncoder) dispatch(cb Callback, quit <-chan struct{}) {
	defer e.wg.Done()

	for {
		select {
		case <-quit:
			return
		case index := <-e.freeIn:
			cb.OnInputBufferAvailable(index)
		case ev := <-e.events:
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

// running returns the lifecycle channels when the encoder is running
func (e *FFmpegEncoder) running() (chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != ffRunning {
		return nil, errors.Wrapf(ErrInvalidState, "state %d", e.state)
	}
	return e.quit, nil
}

// DequeueInputBuffer returns the index of a free input buffer
func (e *FFmpegEncoder) DequeueInputBuffer(timeout time.Duration) (int, error) {
	quit, err := e.running()
	if err != nil {
		return 0, err
	}

	switch {
	case timeout == 0:
		select {
		case index := <-e.freeIn:
			return index, nil
		default:
			return InfoTryAgainLater, nil
		}
	case timeout < 0:
		select {
		case index := <-e.freeIn:
			return index, nil
		case <-quit:
			return 0, ErrInvalidState
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case index := <-e.freeIn:
		return index, nil
	case <-timer.C:
		return InfoTryAgainLater, nil
	case <-quit:
		return 0, ErrInvalidState
	}
}

// InputBuffer returns the memory of a dequeued input buffer
func (e *FFmpegEncoder) InputBuffer(index int) ([]byte, error) {
	if _, err := e.running(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.inputs) {
		return nil, errors.Wrapf(ErrBadIndex, "input %d", index)
	}
	return e.inputs[index], nil
}

// QueueInputBuffer writes a filled input buffer to ffmpeg
func (e *FFmpegEncoder) QueueInputBuffer(index, size int, presentationTimeUs int64, flags models.BufferFlags) error {
	if _, err := e.running(); err != nil {
		return err
	}
	if index < 0 || index >= len(e.inputs) {
		return errors.Wrapf(ErrBadIndex, "input %d", index)
	}
	defer func() { e.freeIn <- index }()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc == nil {
		return ErrInvalidState
	}

	if size > 0 {
		if size != e.frameSize {
			return errors.Errorf("codec: input of %d bytes, frame size is %d", size, e.frameSize)
		}
		e.outMu.Lock()
		e.pts = append(e.pts, presentationTimeUs)
		e.outMu.Unlock()

		if _, err := proc.stdin.Write(e.inputs[index][:size]); err != nil {
			return errors.Wrap(err, "write frame to ffmpeg")
		}
	}
	if flags&models.FlagEndOfStream != 0 {
		proc.expected.Store(true)
		return proc.stdin.Close()
	}
	return nil
}

// DequeueOutputBuffer returns the next encoded buffer, InfoOutputFormatChanged
// or InfoTryAgainLater
func (e *FFmpegEncoder) DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error) {
	quit, err := e.running()
	if err != nil {
		return 0, err
	}

	var ev outputEvent
	switch {
	case timeout == 0:
		select {
		case ev = <-e.events:
		default:
			return InfoTryAgainLater, nil
		}
	case timeout < 0:
		select {
		case ev = <-e.events:
		case <-quit:
			return 0, ErrInvalidState
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case ev = <-e.events:
		case <-timer.C:
			return InfoTryAgainLater, nil
		case <-quit:
			return 0, ErrInvalidState
		}
	}

	switch {
	case ev.err != nil:
		return 0, ev.err
	case ev.formatChanged:
		return InfoOutputFormatChanged, nil
	}
	*info = ev.info
	return ev.index, nil
}

// OutputBuffer returns the data of a dequeued output buffer
func (e *FFmpegEncoder) OutputBuffer(index int) ([]byte, error) {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	buf, ok := e.outputs[index]
	if !ok {
		return nil, errors.Wrapf(ErrBadIndex, "output %d", index)
	}
	return buf.data, nil
}

// ReleaseOutputBuffer hands an output buffer back to the encoder
func (e *FFmpegEncoder) ReleaseOutputBuffer(index int) error {
	e.outMu.Lock()
	defer e.outMu.Unlock()

	if _, ok := e.outputs[index]; !ok {
		return errors.Wrapf(ErrBadIndex, "output %d", index)
	}
	delete(e.outputs, index)
	return nil
}

// OutputFormat returns the format of the encoded stream
func (e *FFmpegEncoder) OutputFormat() (models.MediaFormat, error) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	return e.outFormat, nil
}

// SetParameters applies a bitrate change or key-frame request. ffmpeg cannot
// change either on a running pipe, so the process is restarted; the new
// process opens with a key frame and fresh parameter sets.
func (e *FFmpegEncoder) SetParameters(p Parameters) error {
	if _, err := e.running(); err != nil {
		return err
	}
	if p.Bitrate <= 0 && !p.RequestSyncFrame {
		return nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != ffRunning {
		return ErrInvalidState
	}
	if p.Bitrate > 0 {
		e.format.Bitrate = p.Bitrate
	}

	e.shutdownProcess(e.proc)
	proc, err := e.startProcess()
	if err != nil {
		e.proc = nil
		return err
	}
	e.proc = proc
	e.logger.Info("ffmpeg encoder restarted",
		zap.Int("bitrate", e.format.Bitrate),
		zap.Bool("syncFrame", p.RequestSyncFrame))
	return nil
}

// shutdownProcess closes stdin so ffmpeg flushes, then kills it if it does not exit in time
func (e *FFmpegEncoder) shutdownProcess(proc *ffmpegProcess) {
	if proc == nil {
		return
	}
	proc.expected.Store(true)
	_ = proc.stdin.Close()

	select {
	case <-proc.done:
	case <-time.After(processDrainTimeout):
		e.logger.Warn("ffmpeg did not drain in time, killing")
		proc.cancel()
	}
	proc.cancel()
}

// Stop terminates the ffmpeg process. The process is killed before writeMu
// is taken: a writer blocked on a full stdin pipe holds writeMu and only
// returns once the pipe breaks.
func (e *FFmpegEncoder) Stop() error {
	e.mu.Lock()
	if e.state != ffRunning {
		state := e.state
		e.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "stop in state %d", state)
	}
	e.state = ffStopped
	proc := e.proc
	e.proc = nil
	close(e.quit)
	e.mu.Unlock()

	if proc != nil {
		proc.expected.Store(true)
		_ = proc.stdin.Close()
		proc.cancel()
		select {
		case <-proc.done:
		case <-time.After(processDrainTimeout):
			e.logger.Warn("ffmpeg output still open after kill")
		}
	}

	// wait out any write still in flight
	e.writeMu.Lock()
	e.writeMu.Unlock()
	e.wg.Wait()

	e.logger.Info("ffmpeg encoder stopped")
	return nil
}

// Release frees all resources; the encoder cannot be used afterwards
func (e *FFmpegEncoder) Release() {
	e.mu.Lock()
	running := e.state == ffRunning
	e.mu.Unlock()

	if running {
		_ = e.Stop()
	}

	e.mu.Lock()
	e.state = ffReleased
	e.inputs = nil
	e.callback = nil
	e.mu.Unlock()

	e.outMu.Lock()
	e.outputs = nil
	e.outMu.Unlock()
}
