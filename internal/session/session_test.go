package session

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidenc/internal/codec"
	"rapidenc/internal/codec/codectest"
	"rapidenc/internal/paramsets"
	"rapidenc/internal/ratelimit"
	"rapidenc/pkg/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink keeps every sink call in order
type recordingSink struct {
	mu      sync.Mutex
	events  []string
	sets    []models.ParameterSets
	formats []models.MediaFormat
	units   []models.EncodedUnit
	panicOn int // panic on the n-th picture unit, 1-based
}

func (r *recordingSink) OnParameterSets(sets models.ParameterSets) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "sets")
	r.sets = append(r.sets, sets)
}

func (r *recordingSink) OnFormat(format models.MediaFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "format")
	r.formats = append(r.formats, format)
}

func (r *recordingSink) OnEncodedUnit(unit models.EncodedUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "unit")
	r.units = append(r.units, unit.Clone())
	if r.panicOn > 0 && r.pictures() == r.panicOn {
		panic("sink exploded")
	}
}

func (r *recordingSink) pictures() int {
	n := 0
	for _, u := range r.units {
		if !u.Flags.IsCodecConfig() {
			n++
		}
	}
	return n
}

func (r *recordingSink) Pictures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pictures()
}

func (r *recordingSink) Snapshot() ([]string, []models.ParameterSets, []models.MediaFormat, []models.EncodedUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...),
		append([]models.ParameterSets(nil), r.sets...),
		append([]models.MediaFormat(nil), r.formats...),
		append([]models.EncodedUnit(nil), r.units...)
}

func nv21Frame(w, h int) *models.Frame {
	return &models.Frame{
		Buffer: make([]byte, w*h*3/2),
		Format: models.PixelFormatNV21,
		Width:  w,
		Height: h,
	}
}

type fixture struct {
	session *Session
	sink    *recordingSink
	backend *codectest.Backend
	clock   *testClock
}

func newFixture(t *testing.T, cfg models.EncoderConfig, opts codectest.Options, sessionOpts ...Option) *fixture {
	t.Helper()

	backend := codectest.NewBackend(opts)
	sink := &recordingSink{}
	clock := newTestClock()

	all := append([]Option{
		WithRegistry(codectest.Registry(backend)),
		WithClock(clock.Now),
		WithStopGrace(time.Second),
		WithPollInterval(time.Millisecond),
	}, sessionOpts...)

	s, err := New(cfg, sink, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	return &fixture{session: s, sink: sink, backend: backend, clock: clock}
}

// encode submits a frame and waits until its unit reached the sink
func (f *fixture) encode(t *testing.T, frame *models.Frame) {
	t.Helper()
	want := f.sink.Pictures() + 1
	f.clock.Advance(100 * time.Millisecond)
	require.True(t, f.session.SubmitFrame(frame))
	require.Eventually(t, func() bool { return f.sink.Pictures() >= want }, 2*time.Second, time.Millisecond)
}

func TestSessionEndToEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		polling  bool
		drive    DriveMode
		wantMode string
	}{
		{name: "callback", wantMode: "callback"},
		{name: "polling backend", polling: true, wantMode: "polling"},
		{name: "forced polling", drive: DrivePolling, wantMode: "polling"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := models.EncoderConfig{
				Codec:       models.CodecH264,
				Width:       1280,
				Height:      720,
				FPS:         30,
				Bitrate:     2_000_000,
				ColorFormat: models.ColorFormatAuto,
			}
			var opts []Option
			if tt.drive != "" {
				opts = append(opts, WithDriveMode(tt.drive))
			}
			f := newFixture(t, cfg, codectest.Options{Polling: tt.polling, EmitFormatChange: true}, opts...)

			require.NoError(t, f.session.Prepare())
			assert.Equal(t, models.SessionConfigured, f.session.State())
			require.NoError(t, f.session.Start())
			assert.Equal(t, models.SessionRunning, f.session.State())
			assert.Equal(t, tt.wantMode, f.session.driver.mode())

			fake := f.backend.Last()
			require.NotNil(t, fake)
			format := fake.Format()
			assert.Equal(t, 1280, format.Width)
			assert.Equal(t, 720, format.Height)
			assert.Equal(t, 2_000_000, format.Bitrate)
			assert.Equal(t, 30, format.FrameRate)
			assert.Equal(t, models.ColorFormatSemiPlanar, format.ColorFormat, "auto resolves to the first advertised class")

			frame := nv21Frame(1280, 720)
			for i := 0; i < 45; i++ {
				f.encode(t, frame)
			}

			events, sets, formats, units := f.sink.Snapshot()
			require.Len(t, sets, 1, "parameter sets are delivered once")
			require.Len(t, formats, 1)
			assert.Equal(t, []string{"sets", "format", "unit"}, events[:3])

			want := codectest.AVCParameterSets(1280, 720)
			assert.True(t, want.Equal(sets[0]))
			desc, err := paramsets.Describe(sets[0])
			require.NoError(t, err)
			assert.Equal(t, 1280, desc.Width)
			assert.Equal(t, 720, desc.Height)

			require.Len(t, units, 45)
			var last int64 = -1
			keys := 0
			for i, u := range units {
				assert.GreaterOrEqual(t, u.PresentationTimeUs, last, "unit %d", i)
				last = u.PresentationTimeUs
				assert.Equal(t, uint64(1), u.Generation)
				if u.Flags.IsKeyFrame() {
					keys++
				}
			}
			assert.Equal(t, 2, keys, "GOP of 30 frames")
			assert.Eventually(t, func() bool { return fake.Outstanding() == 0 }, time.Second, time.Millisecond,
				"every output buffer is released")

			stats := f.session.Stats()
			assert.Equal(t, uint64(45), stats.FramesSubmitted)
			assert.Equal(t, uint64(45), stats.FramesEncoded)
			assert.Equal(t, uint64(2), stats.KeyFrames)
			assert.Equal(t, uint64(1), stats.ParameterSetsSent)

			require.NoError(t, f.session.Stop())
			assert.Equal(t, models.SessionStopped, f.session.State())
			assert.True(t, fake.Released())
		})
	}
}

func TestStopStartRedeliversParameterSets(t *testing.T) {
	t.Parallel()

	cfg := models.EncoderConfig{Width: 64, Height: 48, FPS: 30}
	f := newFixture(t, cfg, codectest.Options{EmitFormatChange: true})

	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())
	f.encode(t, nv21Frame(64, 48))
	first := f.backend.Last()

	require.NoError(t, f.session.Stop())
	assert.False(t, f.session.SubmitFrame(nv21Frame(64, 48)), "frames are dropped while stopped")
	assert.ErrorIs(t, f.session.Start(), ErrInvalidState, "a stopped session must be prepared again")

	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())
	f.encode(t, nv21Frame(64, 48))
	assert.NotSame(t, first, f.backend.Last())

	events, sets, _, units := f.sink.Snapshot()
	require.Len(t, sets, 2)
	assert.True(t, sets[0].Equal(sets[1]))
	assert.Equal(t, []string{"sets", "format", "unit", "sets", "format", "unit"}, events)
	assert.Equal(t, uint64(1), units[0].Generation)
	assert.Equal(t, uint64(2), units[1].Generation)
	assert.Equal(t, uint64(1), f.session.Stats().FramesDropped[models.DropNotRunning])
}

func TestReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, codectest.Options{EmitFormatChange: true})
	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())
	f.encode(t, nv21Frame(64, 48))

	require.NoError(t, f.session.Reset())
	assert.Equal(t, models.SessionRunning, f.session.State())
	assert.Equal(t, 2, f.backend.Created())
	assert.Equal(t, uint64(2), f.session.Stats().Generation)

	f.encode(t, nv21Frame(64, 48))
	_, sets, _, _ := f.sink.Snapshot()
	assert.Len(t, sets, 2)
}

func TestParameterSetSources(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       codectest.Options
		wantSets   int
		wantFormat int
	}{
		{name: "format change only", opts: codectest.Options{EmitFormatChange: true}, wantSets: 1, wantFormat: 1},
		{name: "config buffer only", opts: codectest.Options{EmitConfigBuffer: true}, wantSets: 1},
		{name: "both sources deliver once", opts: codectest.Options{EmitFormatChange: true, EmitConfigBuffer: true}, wantSets: 1, wantFormat: 1},
		{name: "corrupt format falls back to config buffer", opts: codectest.Options{EmitFormatChange: true, CorruptCSD: true, EmitConfigBuffer: true}, wantSets: 1, wantFormat: 1},
		{name: "corrupt format without fallback", opts: codectest.Options{EmitFormatChange: true, CorruptCSD: true}, wantSets: 0, wantFormat: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, tt.opts)
			require.NoError(t, f.session.Prepare())
			require.NoError(t, f.session.Start())
			for i := 0; i < 3; i++ {
				f.encode(t, nv21Frame(64, 48))
			}

			_, sets, formats, units := f.sink.Snapshot()
			assert.Len(t, sets, tt.wantSets)
			assert.Len(t, formats, tt.wantFormat)
			if tt.wantSets > 0 {
				assert.True(t, codectest.AVCParameterSets(64, 48).Equal(sets[0]))
			}

			configUnits := 0
			for _, u := range units {
				if u.Flags.IsCodecConfig() {
					configUnits++
				}
			}
			if tt.opts.EmitConfigBuffer {
				assert.Equal(t, 1, configUnits, "config buffers are still delivered as units")
			}
			assert.Equal(t, uint64(3), f.session.Stats().FramesEncoded)
		})
	}
}

func TestHEVCParameterSets(t *testing.T) {
	t.Parallel()

	cfg := models.EncoderConfig{Codec: models.CodecH265, Width: 64, Height: 48}
	f := newFixture(t, cfg, codectest.Options{Codec: models.CodecH265, EmitFormatChange: true})
	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())
	f.encode(t, nv21Frame(64, 48))

	_, sets, _, _ := f.sink.Snapshot()
	require.Len(t, sets, 1)
	want := codectest.HEVCParameterSets()
	assert.Equal(t, want.VPS, sets[0].VPS)
	assert.Equal(t, want.SPS, sets[0].SPS)
	assert.Equal(t, want.PPS, sets[0].PPS)
}

func TestPrepareErrors(t *testing.T) {
	t.Parallel()

	rejected := errors.New("rejected by hardware")
	tests := []struct {
		name    string
		cfg     models.EncoderConfig
		opts    codectest.Options
		wantErr error
	}{
		{
			name:    "no encoder for codec",
			cfg:     models.EncoderConfig{Codec: models.CodecH265, Width: 64, Height: 48},
			wantErr: codec.ErrNoCompatibleEncoder,
		},
		{
			name:    "policy excludes software encoder",
			cfg:     models.EncoderConfig{Width: 64, Height: 48, Policy: models.PolicyHardware},
			wantErr: codec.ErrNoCompatibleEncoder,
		},
		{
			name:    "color format not advertised",
			cfg:     models.EncoderConfig{Width: 64, Height: 48, ColorFormat: models.ColorFormatSemiPlanar},
			opts:    codectest.Options{ColorFormats: []models.ColorFormat{models.ColorFormatPlanar}},
			wantErr: codec.ErrNoCompatibleEncoder,
		},
		{
			name:    "configure fails",
			cfg:     models.EncoderConfig{Width: 64, Height: 48},
			opts:    codectest.Options{ConfigureErr: rejected},
			wantErr: rejected,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.cfg, tt.opts)
			err := f.session.Prepare()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsConfigurationError(err))
			assert.Equal(t, models.SessionUnconfigured, f.session.State())
		})
	}
}

func TestStartFailureIsConfigurationError(t *testing.T) {
	t.Parallel()

	broken := errors.New("no hardware session left")
	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, codectest.Options{StartErr: broken})
	require.NoError(t, f.session.Prepare())

	err := f.session.Start()
	assert.ErrorIs(t, err, broken)
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, models.SessionConfigured, f.session.State())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(models.EncoderConfig{Width: 63, Height: 48}, nil, WithRegistry(codec.NewRegistry()))
	assert.ErrorIs(t, err, models.ErrInvalidDimensions)

	_, err = New(models.EncoderConfig{Width: 64, Height: 48}, nil)
	assert.ErrorIs(t, err, ErrNoRegistry)
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, codectest.Options{})
	assert.ErrorIs(t, f.session.Start(), ErrInvalidState)
	require.NoError(t, f.session.Stop(), "stop before prepare is a no-op")
	assert.Equal(t, models.SessionUnconfigured, f.session.State())

	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Stop())
	assert.Equal(t, models.SessionStopped, f.session.State())
	assert.True(t, f.backend.Last().Released(), "stopping a configured session releases the encoder")

	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())
	assert.ErrorIs(t, f.session.Prepare(), ErrInvalidState)
	require.NoError(t, f.session.Stop())
	require.NoError(t, f.session.Stop())
	assert.Equal(t, models.SessionStopped, f.session.State())
}

func TestRotationHintSwapsDimensions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48, Rotation: 90}, codectest.Options{})
	require.NoError(t, f.session.Prepare())

	format := f.backend.Last().Format()
	assert.Equal(t, 48, format.Width)
	assert.Equal(t, 64, format.Height)
	assert.Equal(t, 90, format.Rotation)
}

func TestProfileAndLevelNeedBoth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48, Profile: 66}, codectest.Options{})
	require.NoError(t, f.session.Prepare())
	assert.Zero(t, f.backend.Last().Format().Profile)

	f = newFixture(t, models.EncoderConfig{Width: 64, Height: 48, Profile: 66, Level: 31}, codectest.Options{})
	require.NoError(t, f.session.Prepare())
	assert.Equal(t, 66, f.backend.Last().Format().Profile)
	assert.Equal(t, 31, f.backend.Last().Format().Level)
}

func TestSubmitFrameDrops(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, codectest.Options{})
	assert.False(t, f.session.SubmitFrame(nv21Frame(64, 48)))

	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())
	assert.False(t, f.session.SubmitFrame(nil))
	assert.False(t, f.session.SubmitFrame(&models.Frame{Format: "rgba", Width: 64, Height: 48}))

	short := nv21Frame(64, 48)
	short.Buffer = short.Buffer[:10]
	require.True(t, f.session.SubmitFrame(short), "size problems surface in the worker")
	require.Eventually(t, func() bool {
		return f.session.Stats().FramesDropped[models.DropBadFrame] == 3
	}, 2*time.Second, time.Millisecond)

	stats := f.session.Stats()
	assert.Equal(t, uint64(1), stats.FramesDropped[models.DropNotRunning])
	assert.Equal(t, uint64(4), stats.FramesSubmitted)
	assert.Equal(t, uint64(4), stats.TotalDropped())
}

func TestRateLimiterDropsExcessFrames(t *testing.T) {
	t.Parallel()

	cfg := models.EncoderConfig{Width: 64, Height: 48, FPS: 30, LimitFPS: 10}
	f := newFixture(t, cfg, codectest.Options{})
	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())

	// The clock stands still, so only the initial burst fits the budget.
	burst := ratelimit.Burst(10)
	for i := 0; i < 5; i++ {
		require.True(t, f.session.SubmitFrame(nv21Frame(64, 48)))
	}
	require.Eventually(t, func() bool {
		return f.session.Stats().FramesDropped[models.DropRateLimited] == uint64(5-burst)
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.backend.Last().Frames() == burst }, time.Second, time.Millisecond)

	require.NoError(t, f.session.SetFPS(1000))
	f.clock.Advance(time.Millisecond)
	f.encode(t, nv21Frame(64, 48))
	assert.Equal(t, 1000, f.session.Config().LimitFPS)
}

func TestLiveAdjustments(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, codectest.Options{GOP: 100})

	assert.False(t, f.session.RequestKeyFrame(), "no encoder to ask yet")
	require.NoError(t, f.session.SetBitrate(500_000))
	require.NoError(t, f.session.SetFPS(15))
	assert.Equal(t, 500_000, f.session.Config().Bitrate)
	assert.Equal(t, 15, f.session.Config().FPS)
	assert.ErrorIs(t, f.session.SetBitrate(0), models.ErrInvalidBitrate)
	assert.ErrorIs(t, f.session.SetFPS(-1), models.ErrInvalidFPS)

	require.NoError(t, f.session.Prepare())
	assert.Equal(t, 500_000, f.backend.Last().Format().Bitrate)
	assert.Equal(t, 15, f.backend.Last().Format().FrameRate)

	require.NoError(t, f.session.Start())
	f.encode(t, nv21Frame(64, 48))
	f.encode(t, nv21Frame(64, 48))

	require.NoError(t, f.session.SetBitrate(750_000))
	require.True(t, f.session.RequestKeyFrame())
	f.encode(t, nv21Frame(64, 48))

	params := f.backend.Last().Parameters()
	require.Len(t, params, 2)
	assert.Equal(t, 750_000, params[0].Bitrate)
	assert.True(t, params[1].RequestSyncFrame)

	_, _, _, units := f.sink.Snapshot()
	require.Len(t, units, 3)
	assert.True(t, units[0].Flags.IsKeyFrame())
	assert.False(t, units[1].Flags.IsKeyFrame())
	assert.True(t, units[2].Flags.IsKeyFrame(), "requested key frame")
}

func TestSinkPanicIsRecovered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, codectest.Options{})
	f.sink.panicOn = 1
	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())

	f.encode(t, nv21Frame(64, 48))
	f.encode(t, nv21Frame(64, 48))
	assert.Eventually(t, func() bool { return f.backend.Last().Outstanding() == 0 }, time.Second, time.Millisecond,
		"buffer released despite the panic")
	assert.Equal(t, models.SessionRunning, f.session.State())
}

func TestBackendErrorEndsWorker(t *testing.T) {
	t.Parallel()

	for _, polling := range []bool{false, true} {
		f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, codectest.Options{Polling: polling})
		require.NoError(t, f.session.Prepare())
		require.NoError(t, f.session.Start())
		f.encode(t, nv21Frame(64, 48))

		drv := f.session.driver
		f.backend.Last().Fail(errors.New("device lost"))
		select {
		case <-drv.done():
		case <-time.After(2 * time.Second):
			t.Fatalf("worker still running after backend error (polling=%v)", polling)
		}

		assert.Equal(t, models.SessionFailed, f.session.State())
		assert.Equal(t, "failed", f.session.Info().State)
		assert.False(t, f.session.SubmitFrame(nv21Frame(64, 48)))
		assert.Equal(t, uint64(1), f.session.Stats().FramesDropped[models.DropEncoderFailed])
		assert.False(t, f.session.RequestKeyFrame())
		assert.ErrorIs(t, f.session.Start(), ErrInvalidState)

		require.NoError(t, f.session.Stop())
		assert.Equal(t, models.SessionStopped, f.session.State())
		assert.True(t, f.backend.Last().Released())
	}
}

func TestResetRecoversFailedSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48}, codectest.Options{})
	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())
	f.encode(t, nv21Frame(64, 48))

	drv := f.session.driver
	f.backend.Last().Fail(errors.New("device lost"))
	<-drv.done()
	require.Equal(t, models.SessionFailed, f.session.State())

	require.NoError(t, f.session.Reset())
	assert.Equal(t, models.SessionRunning, f.session.State())
	assert.Equal(t, 2, f.backend.Created())
	f.encode(t, nv21Frame(64, 48))
}

func TestStopForcesStalledWorker(t *testing.T) {
	t.Parallel()

	for _, polling := range []bool{false, true} {
		polling := polling
		name := "callback"
		if polling {
			name = "polling"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			const grace = 100 * time.Millisecond
			f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48},
				codectest.Options{Polling: polling, StallInput: true}, WithStopGrace(grace))
			require.NoError(t, f.session.Prepare())
			require.NoError(t, f.session.Start())

			require.True(t, f.session.SubmitFrame(nv21Frame(64, 48)))
			fake := f.backend.Last()
			require.Eventually(t, func() bool { return fake.Stalls() == 1 }, 2*time.Second, time.Millisecond)

			stopped := make(chan time.Duration, 1)
			go func() {
				start := time.Now()
				_ = f.session.Stop()
				stopped <- time.Since(start)
			}()

			select {
			case took := <-stopped:
				assert.GreaterOrEqual(t, took, grace, "the worker gets its grace period first")
			case <-time.After(grace + 2*time.Second):
				t.Fatal("Stop did not return after the grace period")
			}
			assert.Equal(t, models.SessionStopped, f.session.State())
			assert.True(t, fake.Released())
			assert.NotEmpty(t, f.session.Info().ID, "session lock released")
		})
	}
}

func TestTargetRateFramesPassThrough(t *testing.T) {
	t.Parallel()

	// LimitFPS defaults to FPS; frames arrive one interval apart with
	// alternating early and late jitter
	cfg := models.EncoderConfig{Width: 64, Height: 48, FPS: 30}
	f := newFixture(t, cfg, codectest.Options{})
	require.NoError(t, f.session.Prepare())
	require.NoError(t, f.session.Start())

	interval := time.Second / 30
	jitter := interval / 4
	for i := 0; i < 60; i++ {
		step := interval - jitter
		if i%2 == 1 {
			step = interval + jitter
		}
		want := f.sink.Pictures() + 1
		f.clock.Advance(step)
		require.True(t, f.session.SubmitFrame(nv21Frame(64, 48)))
		require.Eventually(t, func() bool { return f.sink.Pictures() >= want }, 2*time.Second, time.Millisecond,
			"frame %d", i)
	}

	stats := f.session.Stats()
	assert.Zero(t, stats.FramesDropped[models.DropRateLimited])
	assert.Equal(t, uint64(60), stats.FramesEncoded)
}

func TestCallbacksNeverBlock(t *testing.T) {
	t.Parallel()

	d := newCallbackDriver(nil, nil)
	posted := make(chan struct{})
	go func() {
		defer close(posted)
		for i := 0; i < 1000; i++ {
			d.OnInputBufferAvailable(i)
		}
	}()
	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks blocked while the worker was busy")
	}
	assert.Len(t, d.takePending(), 1000)
	assert.Len(t, d.wake, 1)

	close(d.doneCh)
	d.OnOutputBufferAvailable(0, codec.BufferInfo{})
	assert.Empty(t, d.takePending(), "events after the worker exited are ignored")
}

func TestInfo(t *testing.T) {
	t.Parallel()

	f := newFixture(t, models.EncoderConfig{Width: 64, Height: 48, Bitrate: 800_000}, codectest.Options{Name: "fake.avc", Hardware: true}, WithID("cam-1"))
	require.NoError(t, f.session.Prepare())

	info := f.session.Info()
	assert.Equal(t, "cam-1", info.ID)
	assert.Equal(t, "configured", info.State)
	assert.Equal(t, "fake.avc", info.Encoder)
	assert.True(t, info.Hardware)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, "64x48", info.Resolution)
	assert.Equal(t, string(models.ColorFormatSemiPlanar), info.ColorFormat)
	assert.Equal(t, 800_000, info.Bitrate)
}

func TestGenerationStampIsMonotonic(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	g := newGeneration(1, start, nil, models.ColorFormatPlanar, nil, models.CodecH264)

	assert.Equal(t, int64(0), g.stamp(start.Add(-time.Second)))
	assert.Equal(t, int64(2000), g.stamp(start.Add(2*time.Millisecond)))
	assert.Equal(t, int64(2000), g.stamp(start.Add(time.Millisecond)), "clock going backwards is clamped")
	assert.Equal(t, int64(5000), g.stamp(start.Add(5*time.Millisecond)))
}
