// Package session drives one encoder instance from raw frames to an encoded
// stream. A Session owns its frame queue, rate limiter, pixel transform and
// backend encoder; a single worker goroutine per generation feeds input and
// drains output.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rapidenc/internal/codec"
	"rapidenc/internal/framequeue"
	"rapidenc/internal/ratelimit"
	"rapidenc/internal/transform"
	"rapidenc/pkg/models"
)

// Session is an encoder session
type Session struct {
	id           string
	sink         Sink
	registry     *codec.Registry
	logger       *zap.Logger
	metrics      Recorder
	driveMode    DriveMode
	stopGrace    time.Duration
	pollInterval time.Duration
	now          func() time.Time

	state   atomic.Int32
	current atomic.Pointer[generation]
	queue   *framequeue.Queue
	limiter *ratelimit.Limiter

	// mu serializes lifecycle operations and guards the fields below
	mu          sync.Mutex
	cfg         models.EncoderConfig
	info        codec.Info
	encoder     codec.Encoder
	color       models.ColorFormat
	format      models.MediaFormat
	transformer *transform.Transformer
	driver      driver
	genSeq      uint64

	statsMu sync.Mutex
	stats   models.SessionStats
}

// New creates an unconfigured session. The configuration is defaulted and
// validated; encoder selection happens in Prepare.
func New(cfg models.EncoderConfig, sink Sink, opts ...Option) (*Session, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "session: invalid config")
	}
	if sink == nil {
		sink = nopSink{}
	}

	s := &Session{
		id:           uuid.New().String(),
		sink:         sink,
		logger:       zap.NewNop(),
		metrics:      nopRecorder{},
		driveMode:    DriveAuto,
		stopGrace:    defaultStopGrace,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		cfg:          cfg,
		stats:        models.SessionStats{FramesDropped: make(map[string]uint64)},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		return nil, ErrNoRegistry
	}

	s.logger = s.logger.With(zap.String("session", s.id))
	s.queue = framequeue.New(cfg.QueueCapacity)
	s.limiter = ratelimit.New(cfg.EffectiveLimitFPS(), ratelimit.WithClock(s.now))
	s.state.Store(int32(models.SessionUnconfigured))
	return s, nil
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// State returns the lifecycle state
func (s *Session) State() models.SessionState {
	return models.SessionState(s.state.Load())
}

func (s *Session) setState(st models.SessionState) {
	s.state.Store(int32(st))
}

// Config returns the current configuration
func (s *Session) Config() models.EncoderConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Prepare selects and configures an encoder. It is valid before the first
// Start and after Stop.
func (s *Session) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepareLocked()
}

func (s *Session) prepareLocked() error {
	switch st := s.State(); st {
	case models.SessionRunning, models.SessionStopping, models.SessionFailed:
		return errors.Wrapf(ErrInvalidState, "prepare while %s", st)
	case models.SessionConfigured:
		s.releaseEncoderLocked()
	}

	cfg := s.cfg
	info, err := s.registry.Choose(cfg.Codec, cfg.Policy, cfg.ColorFormat, cfg.Encoder)
	if err != nil {
		return configError("select encoder", err)
	}
	color, err := info.ResolveColorFormat(cfg.ColorFormat)
	if err != nil {
		return configError("resolve color format", err)
	}
	if err := transform.Supports(cfg.InputFormat, color); err != nil {
		return configError("check input format", err)
	}
	t, err := transform.New(color, cfg.SoftwareRotation)
	if err != nil {
		return configError("create transform", err)
	}

	format := mediaFormat(cfg, color)
	enc, err := info.New()
	if err != nil {
		return configError("create encoder", err)
	}
	if err := enc.Configure(format); err != nil {
		enc.Release()
		return configError("configure encoder", err)
	}

	s.info = info
	s.encoder = enc
	s.color = color
	s.format = format
	s.transformer = t
	s.setState(models.SessionConfigured)

	s.logger.Info("encoder prepared",
		zap.String("encoder", info.Name),
		zap.Bool("hardware", info.Hardware),
		zap.String("codec", string(cfg.Codec)),
		zap.String("colorFormat", string(color)),
		zap.Int("width", format.Width),
		zap.Int("height", format.Height),
		zap.Int("fps", cfg.FPS),
		zap.Int("bitrate", cfg.Bitrate))
	return nil
}

// mediaFormat builds the encoder input format. A 90 or 270 degree rotation
// hint swaps width and height.
func mediaFormat(cfg models.EncoderConfig, color models.ColorFormat) models.MediaFormat {
	width, height := cfg.Width, cfg.Height
	if cfg.Rotation == 90 || cfg.Rotation == 270 {
		width, height = height, width
	}
	format := models.MediaFormat{
		Codec:            cfg.Codec,
		Width:            width,
		Height:           height,
		ColorFormat:      color,
		Bitrate:          cfg.Bitrate,
		FrameRate:        cfg.FPS,
		KeyFrameInterval: cfg.KeyFrameInterval,
		Rotation:         cfg.Rotation,
	}
	if cfg.Profile > 0 && cfg.Level > 0 {
		format.Profile = cfg.Profile
		format.Level = cfg.Level
	}
	return format
}

// Start begins a new generation. It is only valid from Configured.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Session) startLocked() error {
	if st := s.State(); st != models.SessionConfigured {
		return errors.Wrapf(ErrInvalidState, "start while %s", st)
	}

	s.genSeq++
	gen := newGeneration(s.genSeq, s.now(), s.encoder, s.color, s.transformer, s.cfg.Codec)
	s.limiter.SetFPS(s.cfg.EffectiveLimitFPS())
	s.queue.Reopen()

	drv := s.newDriver(gen)
	if err := s.encoder.Start(); err != nil {
		s.metrics.BackendError("start")
		return configError("start encoder", err)
	}

	s.current.Store(gen)
	s.setState(models.SessionRunning)
	s.driver = drv
	go drv.run()

	s.statsMu.Lock()
	s.stats.Generation = gen.id
	s.stats.StartedAt = gen.start
	s.stats.LastPresentationUs = 0
	s.statsMu.Unlock()

	s.metrics.SessionStarted(string(s.cfg.Codec))
	s.logger.Info("session started",
		zap.Uint64("generation", gen.id),
		zap.String("mode", drv.mode()),
		zap.Int("limitFps", s.cfg.EffectiveLimitFPS()))
	return nil
}

// newDriver picks callback mode when the backend can push events and the
// drive mode allows it
func (s *Session) newDriver(gen *generation) driver {
	if async, ok := gen.encoder.(codec.AsyncEncoder); ok && s.driveMode != DrivePolling {
		d := newCallbackDriver(s, gen)
		async.SetCallback(d)
		return d
	}
	if s.driveMode == DriveCallback {
		s.logger.Warn("encoder cannot push events, polling instead", zap.String("encoder", gen.encoder.Name()))
	}
	return newPollingDriver(s, gen)
}

// Stop ends the running generation and releases the encoder. Stopping a
// configured session releases its encoder; other states are left alone.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *Session) stopLocked() {
	switch s.State() {
	case models.SessionConfigured:
		s.releaseEncoderLocked()
		s.setState(models.SessionStopped)
		return
	case models.SessionRunning, models.SessionFailed:
	default:
		return
	}

	s.setState(models.SessionStopping)
	if n := s.queue.Close(); n > 0 {
		s.logger.Debug("discarded queued frames", zap.Int("frames", n))
	}

	drv := s.driver
	forced := false
	drv.quit()
	select {
	case <-drv.done():
	case <-time.After(s.stopGrace):
		s.logger.Warn("worker did not exit in time, stopping encoder to unblock it",
			zap.Duration("grace", s.stopGrace))
		forced = true
		if err := s.encoder.Stop(); err != nil && !errors.Is(err, codec.ErrInvalidState) {
			s.logger.Warn("forced encoder stop failed", zap.Error(err))
		}
		<-drv.done()
	}

	if !forced {
		if err := s.encoder.Stop(); err != nil && !errors.Is(err, codec.ErrInvalidState) {
			s.metrics.BackendError("stop")
			s.logger.Warn("encoder stop failed", zap.Error(err))
		}
	}
	s.releaseEncoderLocked()
	s.driver = nil
	s.setState(models.SessionStopped)

	var duration time.Duration
	if gen := s.current.Load(); gen != nil {
		duration = s.now().Sub(gen.start)
	}
	s.metrics.SessionStopped(string(s.cfg.Codec), duration)
	s.logger.Info("session stopped", zap.Duration("duration", duration))
}

func (s *Session) releaseEncoderLocked() {
	if s.encoder == nil {
		return
	}
	s.encoder.Release()
	s.encoder = nil
}

// Reset stops the session, prepares a fresh encoder and starts it again
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if err := s.prepareLocked(); err != nil {
		return err
	}
	return s.startLocked()
}

// SetBitrate changes the target bitrate. A running encoder is adjusted
// live; otherwise the value applies from the next Prepare.
func (s *Session) SetBitrate(bps int) error {
	if bps <= 0 {
		return errors.Wrapf(models.ErrInvalidBitrate, "%d", bps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.Bitrate = bps
	if s.State() != models.SessionRunning {
		return nil
	}
	if err := s.encoder.SetParameters(codec.Parameters{Bitrate: bps}); err != nil {
		s.metrics.BackendError("set_bitrate")
		s.logger.Warn("encoder rejected bitrate change", zap.Int("bitrate", bps), zap.Error(err))
		return nil
	}
	s.format.Bitrate = bps
	s.logger.Info("bitrate changed", zap.Int("bitrate", bps))
	return nil
}

// SetFPS changes the input rate cap. Before Start it also sets the encoder
// frame rate used by the next Prepare.
func (s *Session) SetFPS(fps int) error {
	if fps <= 0 {
		return errors.Wrapf(models.ErrInvalidFPS, "%d", fps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.LimitFPS = fps
	if s.State() != models.SessionRunning {
		s.cfg.FPS = fps
		return nil
	}
	s.limiter.SetFPS(fps)
	s.logger.Info("input rate cap changed", zap.Int("fps", fps))
	return nil
}

// RequestKeyFrame asks a running encoder to make the next frame a key
// frame. It reports whether the request reached the encoder.
func (s *Session) RequestKeyFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != models.SessionRunning {
		return false
	}
	if err := s.encoder.SetParameters(codec.Parameters{RequestSyncFrame: true}); err != nil {
		s.metrics.BackendError("key_frame")
		s.logger.Warn("encoder rejected key frame request", zap.Error(err))
		return false
	}
	return true
}

// SubmitFrame hands a captured frame to the session. It never blocks and
// reports whether the frame was queued.
func (s *Session) SubmitFrame(f *models.Frame) bool {
	s.metrics.FrameSubmitted()
	s.statsMu.Lock()
	s.stats.FramesSubmitted++
	s.statsMu.Unlock()

	switch s.State() {
	case models.SessionRunning:
	case models.SessionFailed:
		s.dropFrame(models.DropEncoderFailed)
		return false
	default:
		s.dropFrame(models.DropNotRunning)
		return false
	}
	gen := s.current.Load()
	if f == nil || gen == nil {
		s.dropFrame(models.DropBadFrame)
		return false
	}
	if err := transform.Supports(f.Format, gen.color); err != nil {
		s.dropFrame(models.DropBadFrame)
		s.logger.Info("dropping frame", zap.String("format", string(f.Format)), zap.Error(err))
		return false
	}
	if !s.queue.Offer(f) {
		s.dropFrame(models.DropQueueFull)
		s.logger.Info("frame queue full, dropping frame", zap.Int("capacity", s.queue.Cap()))
		return false
	}
	return true
}

func (s *Session) dropFrame(reason string) {
	s.metrics.FrameDropped(reason)
	s.statsMu.Lock()
	s.stats.FramesDropped[reason]++
	s.statsMu.Unlock()
}

// workerExited moves a session whose worker ended on its own to Failed.
// A worker asked to quit by Stop finds the session already Stopping.
func (s *Session) workerExited(gen *generation) {
	if s.current.Load() != gen {
		return
	}
	if !s.state.CompareAndSwap(int32(models.SessionRunning), int32(models.SessionFailed)) {
		return
	}
	n := s.queue.Clear()
	for i := 0; i < n; i++ {
		s.dropFrame(models.DropEncoderFailed)
	}
	s.logger.Error("encoder worker exited, session failed", zap.Int("discarded", n))
}

// active reports whether events of gen should still be acted on
func (s *Session) active(gen *generation) bool {
	return s.State() == models.SessionRunning && s.current.Load() == gen
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() models.SessionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats.Clone()
}

// Info returns the API view of the session
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	cfg := s.cfg
	info := s.info
	color := s.color
	format := s.format
	s.mu.Unlock()

	state := s.State()
	stats := s.Stats()

	result := models.SessionInfo{
		ID:          s.id,
		State:       state.String(),
		Encoder:     info.Name,
		Hardware:    info.Hardware,
		Codec:       string(cfg.Codec),
		Resolution:  fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		ColorFormat: string(color),
		FPS:         cfg.FPS,
		Bitrate:     cfg.Bitrate,
		Config:      cfg,
		Stats:       stats,
	}
	if format.Width > 0 {
		result.Resolution = fmt.Sprintf("%dx%d", format.Width, format.Height)
	}
	if state == models.SessionRunning && !stats.StartedAt.IsZero() {
		result.Duration = int(s.now().Sub(stats.StartedAt).Seconds())
	}
	return result
}
