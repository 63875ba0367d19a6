package server

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pollviz/pollviz/internal/engine"
	"github.com/pollviz/pollviz/internal/lattice"
	"github.com/pollviz/pollviz/internal/session"
	"github.com/pollviz/pollviz/internal/store"
)

// Manager owns every session's runtime instance, lazily activating a
// session on first access after process start by building it, with fresh
// engines, from its stored row. A session that sleeps stays resident here
// and reloads its own state when it wakes.
type Manager struct {
	mu       sync.Mutex
	store    *store.Store
	sessions map[string]*session.Session
	opts     session.Options
}

// NewManager builds a Manager backed by st, using opts as the default
// runtime configuration for every session it activates.
func NewManager(st *store.Store, opts session.Options) *Manager {
	return &Manager{store: st, sessions: make(map[string]*session.Session), opts: opts}
}

func newSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Create validates and persists a new session, assigning its
// visualization ID, and activates its runtime.
func (m *Manager) Create(description string, cfg lattice.SessionConfig) (*store.SessionRow, error) {
	if cfg.Visualization.ID == "" {
		cfg.Visualization.ID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, engine.Wrap(engine.ConfigInvalid, "invalid session config", err)
	}

	id := uuid.NewString()
	row, err := m.store.CreateSession(id, newSlug(), description, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := m.activate(row); err != nil {
		return nil, err
	}
	return row, nil
}

// activate builds and starts a Session for a freshly loaded row, caching
// it for subsequent lookups.
func (m *Manager) activate(row *store.SessionRow) (*session.Session, error) {
	grouping := append(append([]lattice.GroupingQuestion{}, row.SessionConfig.Visualization.X...), row.SessionConfig.Visualization.Y...)
	lat, err := lattice.Build(grouping, len(row.SessionConfig.Visualization.X))
	if err != nil {
		return nil, engine.Wrap(engine.ConfigInvalid, "build lattice", err)
	}

	s := session.New(row.ID, m.store, lat, row.SessionConfig.Visualization, row.SessionConfig.QuestionOrder, m.opts)
	if !row.IsOpen {
		_ = s.SetOpen(false)
	}
	s.Start()

	m.mu.Lock()
	m.sessions[row.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns a session's runtime, activating it from the store if it is
// not currently resident in memory.
func (m *Manager) Get(id string) (*session.Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	row, err := m.store.GetSessionByID(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, engine.New(engine.NotFound, "session not found")
	}
	return m.activate(row)
}

// GetBySlug mirrors Get, looking up the session's ID by its public slug.
func (m *Manager) GetBySlug(slug string) (*session.Session, error) {
	row, err := m.store.GetSessionBySlug(slug)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, engine.New(engine.NotFound, "session not found")
	}
	return m.Get(row.ID)
}

// List returns every persisted session row, optionally filtered by
// isOpen.
func (m *Manager) List(isOpen *bool) ([]*store.SessionRow, error) {
	return m.store.ListSessions(isOpen)
}

// Row returns one session's persisted row, or NotFound.
func (m *Manager) Row(id string) (*store.SessionRow, error) {
	row, err := m.store.GetSessionByID(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, engine.New(engine.NotFound, "session not found")
	}
	return row, nil
}

// SetOpen toggles a session's open/closed status, in the store and (if
// resident) in its live runtime.
func (m *Manager) SetOpen(id string, isOpen bool) error {
	ok, err := m.store.SetSessionOpen(id, isOpen)
	if err != nil {
		return err
	}
	if !ok {
		return engine.New(engine.NotFound, "session not found")
	}

	m.mu.Lock()
	s, resident := m.sessions[id]
	m.mu.Unlock()
	if resident {
		return s.SetOpen(isOpen)
	}
	return nil
}

// Delete removes a session from the store and tears down its runtime.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, resident := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if resident {
		s.Delete()
	}

	ok, err := m.store.DeleteSession(id)
	if err != nil {
		return err
	}
	if !ok {
		return engine.New(engine.NotFound, "session not found")
	}
	return nil
}

// Shutdown broadcasts a relay-restart notice to every resident session's
// subscribers, then stops their tick loops.
func (m *Manager) Shutdown(ev session.Event) {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Broadcast(ev)
		s.Stop()
	}
}
