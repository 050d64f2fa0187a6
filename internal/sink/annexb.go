// Package sink provides session sinks that write encoded output somewhere.
package sink

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rapidenc/internal/muxer"
	"rapidenc/pkg/models"
)

// Option configures an AnnexBWriter
type Option func(*AnnexBWriter)

// WithRepeatParameterSets prepends the last parameter sets to every key frame
func WithRepeatParameterSets() Option {
	return func(w *AnnexBWriter) { w.repeat = true }
}

// WithWaitForKeyFrame drops picture units until the first key frame
func WithWaitForKeyFrame() Option {
	return func(w *AnnexBWriter) { w.waitKey = true }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(w *AnnexBWriter) {
		if l != nil {
			w.logger = l
		}
	}
}

// AnnexBWriter writes a raw Annex-B elementary stream. Parameter sets are
// written in-band ahead of the pictures they configure; codec-config units
// are skipped once the sets have been written.
//
// Sink callbacks cannot fail, so the first write error is kept and every
// later write is skipped. Check Err once the session is stopped.
type AnnexBWriter struct {
	w       io.Writer
	repeat  bool
	waitKey bool
	logger  *zap.Logger

	mu        sync.Mutex
	sets      models.ParameterSets
	wroteSets bool // sets were written at least once
	fresh     bool // sets were written since the last picture
	keySeen   bool
	err       error
	bytes     int64
	units     int
}

// NewAnnexBWriter creates a writer on w
func NewAnnexBWriter(w io.Writer, opts ...Option) *AnnexBWriter {
	a := &AnnexBWriter{w: w, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnParameterSets implements session.Sink
func (a *AnnexBWriter) OnParameterSets(sets models.ParameterSets) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sets = models.ParameterSets{
		Codec: sets.Codec,
		VPS:   append([]byte(nil), sets.VPS...),
		SPS:   append([]byte(nil), sets.SPS...),
		PPS:   append([]byte(nil), sets.PPS...),
	}
	if a.write(sets.Bytes()) {
		a.wroteSets = true
		a.fresh = true
	}
}

// OnFormat implements session.Sink
func (a *AnnexBWriter) OnFormat(format models.MediaFormat) {
	a.logger.Debug("output format",
		zap.String("codec", string(format.Codec)),
		zap.Int("width", format.Width),
		zap.Int("height", format.Height))
}

// OnEncodedUnit implements session.Sink
func (a *AnnexBWriter) OnEncodedUnit(unit models.EncodedUnit) {
	if len(unit.Data) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if unit.Flags.IsCodecConfig() {
		if a.wroteSets {
			return
		}
		// no sets were extracted; the config buffer is the only copy
		if a.write(unit.Data) {
			a.wroteSets = true
			a.fresh = true
		}
		return
	}

	key := unit.Flags.IsKeyFrame()
	if a.waitKey && !a.keySeen {
		if !key {
			return
		}
		a.keySeen = true
	}

	data := unit.Data
	if key && a.repeat && !a.fresh {
		data = muxer.PrependParameterSets(a.sets, data)
	}
	if a.write(data) {
		a.units++
		a.fresh = false
	}
}

// WritePacket writes a hub packet and returns the first write error
func (a *AnnexBWriter) WritePacket(p *models.Packet) error {
	switch p.Kind {
	case models.PacketParameterSets:
		a.OnParameterSets(*p.ParameterSets)
	case models.PacketFormat:
		a.OnFormat(*p.Format)
	case models.PacketUnit:
		a.OnEncodedUnit(*p.Unit)
	}
	return a.Err()
}

func (a *AnnexBWriter) write(data []byte) bool {
	if a.err != nil {
		return false
	}
	n, err := a.w.Write(data)
	a.bytes += int64(n)
	if err != nil {
		a.err = errors.Wrap(err, "write elementary stream")
		a.logger.Warn("elementary stream write failed", zap.Error(err))
		return false
	}
	return true
}

// Err returns the first write error
func (a *AnnexBWriter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Bytes returns the number of bytes written
func (a *AnnexBWriter) Bytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// Units returns the number of picture units written
func (a *AnnexBWriter) Units() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.units
}
