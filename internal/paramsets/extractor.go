package paramsets

import (
	"sync"
	"sync/atomic"

	"rapidenc/pkg/models"
)

// Extractor gates parameter-set delivery for one session generation.
// Sets are delivered at most once; the configuration-buffer fallback is
// skipped once they have been sent, and a format change only delivers again
// when the encoder actually renegotiated different sets.
type Extractor struct {
	codec models.CodecType
	sent  atomic.Bool

	mu   sync.Mutex
	last models.ParameterSets
}

// NewExtractor creates a gate for the given codec
func NewExtractor(codec models.CodecType) *Extractor {
	return &Extractor{codec: codec}
}

// Sent reports whether sets have been delivered in this generation
func (e *Extractor) Sent() bool {
	return e.sent.Load()
}

// FormatChanged handles a format-change event. It returns the sets to deliver
// and true, or false when nothing should be delivered. A parse failure
// re-arms the gate so a later configuration buffer can still succeed.
func (e *Extractor) FormatChanged(format models.MediaFormat) (models.ParameterSets, bool, error) {
	sets, err := FromFormat(e.codec, format)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.sent.Store(false)
		return models.ParameterSets{}, false, err
	}
	if e.sent.Load() && e.last.Equal(sets) {
		return models.ParameterSets{}, false, nil
	}
	e.last = sets
	e.sent.Store(true)
	return sets, true, nil
}

// ConfigBuffer handles an output buffer flagged as codec configuration.
// It only extracts while nothing has been sent in this generation.
func (e *Extractor) ConfigBuffer(buf []byte) (models.ParameterSets, bool, error) {
	if e.sent.Load() {
		return models.ParameterSets{}, false, nil
	}

	sets, err := FromConfigBuffer(e.codec, buf)
	if err != nil {
		return models.ParameterSets{}, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sent.CompareAndSwap(false, true) {
		return models.ParameterSets{}, false, nil
	}
	e.last = sets
	return sets, true, nil
}

// Last returns the most recently delivered sets
func (e *Extractor) Last() (models.ParameterSets, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.sent.Load()
}
