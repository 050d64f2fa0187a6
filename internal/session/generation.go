package session

import (
	"sync/atomic"
	"time"

	"rapidenc/internal/codec"
	"rapidenc/internal/paramsets"
	"rapidenc/internal/transform"
	"rapidenc/pkg/models"
)

// generation is one Start..Stop span of a session. Everything a worker
// touches lives here so a stale worker can never reach a newer encoder.
type generation struct {
	id          uint64
	start       time.Time
	encoder     codec.Encoder
	color       models.ColorFormat
	transformer *transform.Transformer
	extractor   *paramsets.Extractor

	lastPTS atomic.Int64
}

func newGeneration(id uint64, start time.Time, enc codec.Encoder, color models.ColorFormat, t *transform.Transformer, codecType models.CodecType) *generation {
	return &generation{
		id:          id,
		start:       start,
		encoder:     enc,
		color:       color,
		transformer: t,
		extractor:   paramsets.NewExtractor(codecType),
	}
}

// elapsed returns microseconds since the generation started
func (g *generation) elapsed(now time.Time) int64 {
	us := now.Sub(g.start).Microseconds()
	if us < 0 {
		return 0
	}
	return us
}

// stamp returns the presentation time of an output unit, never smaller
// than the previous one
func (g *generation) stamp(now time.Time) int64 {
	pts := g.elapsed(now)
	for {
		last := g.lastPTS.Load()
		if pts < last {
			pts = last
		}
		if g.lastPTS.CompareAndSwap(last, pts) {
			return pts
		}
	}
}
