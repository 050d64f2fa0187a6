// Package sessionmanager keeps the in-memory registry of encoder sessions
// served by the control API.
package sessionmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rapidenc/internal/codec"
	"rapidenc/internal/session"
	"rapidenc/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many concurrent sessions")
)

const defaultSubscriberBuffer = 256

// Options configures a Manager
type Options struct {
	MaxSessions      int // 0 means unlimited
	SubscriberBuffer int
	Logger           *zap.Logger
	Metrics          session.Recorder
	// SessionOptions are appended to every session the manager creates
	SessionOptions []session.Option
}

// Entry is a managed session together with its fan-out hub
type Entry struct {
	Session   *session.Session
	Hub       *Hub
	CreatedAt time.Time
}

// Info returns the API view of the session including its subscriber count
func (e *Entry) Info() models.SessionInfo {
	info := e.Session.Info()
	info.Subscribers = e.Hub.SubscriberCount()
	return info
}

// Subscribe taps the session's encoded stream
func (e *Entry) Subscribe(bufferSize int) (<-chan *models.Packet, func()) {
	return e.Hub.Subscribe(bufferSize)
}

// Manager handles session lifecycle and maintains the in-memory registry
type Manager struct {
	registry *codec.Registry
	opts     Options
	logger   *zap.Logger

	sessions map[string]*Entry // session ID -> entry
	mu       sync.RWMutex
}

// New creates a session manager selecting encoders from reg
func New(reg *codec.Registry, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	return &Manager{
		registry: reg,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Entry),
	}
}

// Registry returns the encoder registry sessions are created against
func (m *Manager) Registry() *codec.Registry {
	return m.registry
}

// SubscriberBuffer returns the default channel size for stream subscribers
func (m *Manager) SubscriberBuffer() int {
	return m.opts.SubscriberBuffer
}

// CreateSession creates a session and prepares its encoder. A session whose
// preparation fails is not registered.
func (m *Manager) CreateSession(cfg models.EncoderConfig) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		return nil, errors.Wrapf(ErrTooManySessions, "limit %d", m.opts.MaxSessions)
	}

	var drops DropRecorder
	opts := []session.Option{
		session.WithRegistry(m.registry),
		session.WithLogger(m.logger),
	}
	if m.opts.Metrics != nil {
		drops = m.opts.Metrics
		opts = append(opts, session.WithMetrics(m.opts.Metrics))
	}
	// the session ID is only known once the session exists
	hub := newHub("", drops)
	opts = append(opts, m.opts.SessionOptions...)

	s, err := session.New(cfg, hub, opts...)
	if err != nil {
		return nil, err
	}
	hub.sessionID = s.ID()

	if err := s.Prepare(); err != nil {
		return nil, err
	}

	entry := &Entry{Session: s, Hub: hub, CreatedAt: time.Now()}
	m.sessions[s.ID()] = entry
	m.logger.Info("session created",
		zap.String("session", s.ID()),
		zap.String("encoder", s.Info().Encoder))
	return entry, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.sessions[id]
	return entry, exists
}

// List returns all sessions, oldest first
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.sessions))
	for _, entry := range m.sessions {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Session.ID() < entries[j].Session.ID()
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RunningCount returns the number of sessions currently encoding
func (m *Manager) RunningCount() int {
	count := 0
	for _, entry := range m.List() {
		if entry.Session.State() == models.SessionRunning {
			count++
		}
	}
	return count
}

// Remove stops a session, closes its subscribers and drops it from the registry
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	entry, exists := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !exists {
		return errors.Wrap(ErrSessionNotFound, id)
	}

	err := entry.Session.Stop()
	entry.Hub.Close()
	m.logger.Info("session removed", zap.String("session", id))
	return err
}

// StopAll stops every session concurrently and empties the registry
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	entries := m.sessions
	m.sessions = make(map[string]*Entry)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for id, entry := range entries {
		id, entry := id, entry
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- entry.Session.Stop() }()

			select {
			case err := <-done:
				entry.Hub.Close()
				return errors.Wrapf(err, "stop session %s", id)
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
