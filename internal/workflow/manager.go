package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/miniminds/internal/media"
	"github.com/example/miniminds/internal/usecase"
)

// Manager keeps the sessions of all users and evicts idle ones.
type Manager struct {
	analyzer  Analyzer
	intake    *media.Intake
	previewer *media.Previewer
	observer  Observer
	logger    *zap.Logger
	ttl       time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option customizes a Manager.
type Option func(*Manager)

// WithObserver installs an observer on every session.
func WithObserver(observer Observer) Option {
	return func(m *Manager) { m.observer = observer }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a session manager.
func NewManager(analyzer Analyzer, intake *media.Intake, previewer *media.Previewer, ttl time.Duration, logger *zap.Logger, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	m := &Manager{
		analyzer:  analyzer,
		intake:    intake,
		previewer: previewer,
		logger:    logger.Named("workflow"),
		ttl:       ttl,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.observer == nil {
		m.observer = &logObserver{logger: m.logger}
	}
	return m
}

// Create starts an idle session owned by owner.
func (m *Manager) Create(owner string, variant usecase.Variant) (*Session, error) {
	if variant != usecase.VariantSingle && variant != usecase.VariantDual {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	id := uuid.NewString()
	s := &Session{
		id:        id,
		owner:     owner,
		variant:   variant,
		intake:    m.intake,
		previewer: m.previewer,
		analyzer:  m.analyzer,
		observer:  m.observer,
		logger:    m.logger.With(zap.String("session_id", id)),
		now:       m.now,
		slots:     make(map[media.Slot]*slotState),
		status:    StatusIdle,
		updatedAt: m.now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", id), zap.String("variant", string(variant)))
	return s, nil
}

// Get returns the session if it exists and belongs to owner.
func (m *Manager) Get(owner, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.owner != owner {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Evict drops sessions untouched for longer than the TTL. Sessions with a
// request outstanding are kept.
func (m *Manager) Evict() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		updated, busy := s.activity()
		if busy || updated.After(cutoff) {
			continue
		}
		expired = append(expired, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Clear()
	}
	if len(expired) > 0 {
		m.logger.Info("evicted idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run evicts idle sessions periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evict()
		}
	}
}

type logObserver struct {
	logger *zap.Logger
}

func (o *logObserver) PreviewUpdated(sessionID string, slot media.Slot, preview media.Preview) {
	o.logger.Debug("preview ready", zap.String("session_id", sessionID), zap.String("slot", string(slot)), zap.String("kind", string(preview.Kind)))
}

func (o *logObserver) StatusChanged(sessionID string, status Status) {
	o.logger.Debug("status changed", zap.String("session_id", sessionID), zap.String("status", string(status)))
}
