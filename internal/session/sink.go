package session

import "rapidenc/pkg/models"

// Sink receives the encoded stream of a session. Calls are made from the
// session worker, one at a time and in stream order: parameter sets before
// the first unit of a generation, and a format before the units it describes.
// Unit data is only valid until OnEncodedUnit returns.
type Sink interface {
	OnParameterSets(sets models.ParameterSets)
	OnFormat(format models.MediaFormat)
	OnEncodedUnit(unit models.EncodedUnit)
}

type nopSink struct{}

func (nopSink) OnParameterSets(models.ParameterSets) {}
func (nopSink) OnFormat(models.MediaFormat)          {}
func (nopSink) OnEncodedUnit(models.EncodedUnit)     {}
