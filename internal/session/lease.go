package session

import (
	"go.uber.org/zap"

	"rapidenc/internal/codec"
)

// outputLease returns a dequeued output buffer to the encoder exactly once
type outputLease struct {
	enc      codec.Encoder
	index    int
	logger   *zap.Logger
	released bool
}

func leaseOutput(enc codec.Encoder, index int, logger *zap.Logger) *outputLease {
	return &outputLease{enc: enc, index: index, logger: logger}
}

func (l *outputLease) Release() {
	if l.released {
		return
	}
	l.released = true
	if err := l.enc.ReleaseOutputBuffer(l.index); err != nil {
		l.logger.Debug("release output buffer", zap.Int("index", l.index), zap.Error(err))
	}
}
