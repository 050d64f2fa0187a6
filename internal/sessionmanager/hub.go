package sessionmanager

import (
	"sync"
	"sync/atomic"

	"rapidenc/pkg/models"
)

// DropRecorder counts packets a hub could not hand to a subscriber
type DropRecorder interface {
	FrameDropped(reason string)
}

// Hub is a session sink that fans every event out to subscriber channels.
// Subscribers that fall behind lose packets instead of stalling the encoder.
type Hub struct {
	sessionID string
	drops     DropRecorder

	mu          sync.RWMutex
	subscribers []chan *models.Packet
	closed      bool
	lastSets    *models.ParameterSets
	lastFormat  *models.MediaFormat

	dropped atomic.Uint64
}

func newHub(sessionID string, drops DropRecorder) *Hub {
	return &Hub{sessionID: sessionID, drops: drops}
}

// OnParameterSets implements session.Sink
func (h *Hub) OnParameterSets(sets models.ParameterSets) {
	sets = copySets(sets)
	h.mu.Lock()
	h.lastSets = &sets
	h.mu.Unlock()

	h.publish(&models.Packet{SessionID: h.sessionID, Kind: models.PacketParameterSets, ParameterSets: &sets})
}

// OnFormat implements session.Sink
func (h *Hub) OnFormat(format models.MediaFormat) {
	format.CSD0 = append([]byte(nil), format.CSD0...)
	format.CSD1 = append([]byte(nil), format.CSD1...)
	h.mu.Lock()
	h.lastFormat = &format
	h.mu.Unlock()

	h.publish(&models.Packet{SessionID: h.sessionID, Kind: models.PacketFormat, Format: &format})
}

// OnEncodedUnit implements session.Sink. The unit data is copied only when
// somebody is listening.
func (h *Hub) OnEncodedUnit(unit models.EncodedUnit) {
	if h.SubscriberCount() == 0 {
		return
	}
	u := unit.Clone()
	h.publish(&models.Packet{SessionID: h.sessionID, Kind: models.PacketUnit, Unit: &u})
}

func (h *Hub) publish(p *models.Packet) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- p:
		default:
			h.dropped.Add(1)
			if h.drops != nil {
				h.drops.FrameDropped(models.DropSubscriberLag)
			}
		}
	}
}

// Subscribe registers a subscriber. The last parameter sets and format, if
// any, are queued first so a late joiner can decode from the next key frame.
// The returned cleanup function unsubscribes and closes the channel.
func (h *Hub) Subscribe(bufferSize int) (<-chan *models.Packet, func()) {
	if bufferSize < 2 {
		bufferSize = 2
	}
	ch := make(chan *models.Packet, bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.lastSets != nil {
		ch <- &models.Packet{SessionID: h.sessionID, Kind: models.PacketParameterSets, ParameterSets: h.lastSets}
	}
	if h.lastFormat != nil {
		ch <- &models.Packet{SessionID: h.sessionID, Kind: models.PacketFormat, Format: h.lastFormat}
	}
	h.subscribers = append(h.subscribers, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(ch) })
	}
}

func (h *Hub) unsubscribe(ch chan *models.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subscribers {
		if sub == ch {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close closes every subscriber channel; later events are discarded
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = nil
}

// SubscriberCount returns the number of live subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many packets were dropped for slow subscribers
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// LastParameterSets returns the most recently delivered sets
func (h *Hub) LastParameterSets() (models.ParameterSets, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lastSets == nil {
		return models.ParameterSets{}, false
	}
	return *h.lastSets, true
}

func copySets(s models.ParameterSets) models.ParameterSets {
	return models.ParameterSets{
		Codec: s.Codec,
		VPS:   append([]byte(nil), s.VPS...),
		SPS:   append([]byte(nil), s.SPS...),
		PPS:   append([]byte(nil), s.PPS...),
	}
}
