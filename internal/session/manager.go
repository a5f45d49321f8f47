package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/internal/logging"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// DefaultMaxSessions bounds the number of live sessions when no limit
// is configured.
const DefaultMaxSessions = 10

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	MaxSessions int
	Bus         *event.Bus
	AutoSave    *AutoSave
	// Configure runs once per created store, before the creation event
	// is published. Used to inject the side-effect callbacks.
	Configure func(*Store)
}

// Manager owns a bounded collection of session stores with
// streaming-aware LRU eviction and orderly teardown. The registry is
// the one structure shared across sessions; create/evict races are
// avoided by evicting synchronously before insertion.
type Manager struct {
	maxSessions int
	bus         *event.Bus
	autosave    *AutoSave
	configure   func(*Store)
	log         zerolog.Logger

	mu        sync.Mutex
	stores    map[string]*Store
	order     []string // LRU order, oldest first
	streaming map[string]bool
	unsubs    map[string]func()
}

// NewManager creates a session manager.
func NewManager(opts ManagerOptions) *Manager {
	max := opts.MaxSessions
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Manager{
		maxSessions: max,
		bus:         opts.Bus,
		autosave:    opts.AutoSave,
		configure:   opts.Configure,
		log:         logging.Component("manager"),
		stores:      make(map[string]*Store),
		streaming:   make(map[string]bool),
		unsubs:      make(map[string]func()),
	}
}

// GetOrCreate returns the session store for id, creating it if needed.
// An existing session is touched to most-recently-used. Creation at
// capacity evicts the least recently used non-streaming session first.
func (m *Manager) GetOrCreate(id string, opts *types.SessionOptions) *Store {
	m.mu.Lock()
	if st, ok := m.stores[id]; ok {
		m.touchLocked(id)
		m.mu.Unlock()
		return st
	}

	if len(m.stores) >= m.maxSessions {
		if !m.evictLocked() {
			m.log.Warn().
				Int("maxSessions", m.maxSessions).
				Msg("all sessions streaming, exceeding session limit")
		}
	}

	var o types.SessionOptions
	if opts != nil {
		o = *opts
	}
	st := NewStore(id, o, m.bus)
	m.stores[id] = st
	m.order = append(m.order, id)
	m.streaming[id] = false
	m.unsubs[id] = st.Subscribe(func(c Change) {
		if c.Kind == ChangeStatus {
			m.noteStatus(id, c.Status)
		}
		if m.autosave != nil {
			m.autosave.Schedule(st)
		}
	})
	if m.configure != nil {
		m.configure(st)
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionData{SessionID: id}})
	}
	return st
}

// Get returns an existing store without touching its LRU position.
func (m *Manager) Get(id string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stores[id]
	return st, ok
}

// Touch moves a session to most-recently-used.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(id)
}

func (m *Manager) touchLocked(id string) {
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			m.order = append(m.order, id)
			return
		}
	}
}

// noteStatus tracks streaming transitions from store status changes.
func (m *Manager) noteStatus(id string, status types.SessionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[id]; ok {
		m.streaming[id] = status == types.SessionStreaming || status == types.SessionAborting
	}
}

// evictLocked evicts the least recently used non-streaming session.
// Returns false if every tracked session is streaming, in which case
// the registry is permitted to exceed its bound rather than
// destroying in-flight work. Caller holds m.mu.
func (m *Manager) evictLocked() bool {
	for _, id := range m.order {
		if m.streaming[id] {
			continue
		}
		st := m.stores[id]
		if m.autosave != nil {
			if err := m.autosave.ForceImmediateSave(context.Background(), st); err != nil {
				m.log.Error().Err(err).Str("sessionID", id).Msg("save before eviction failed")
			}
			m.autosave.CancelPendingSave(id)
		}
		m.removeLocked(id)
		m.log.Info().Str("sessionID", id).Msg("session evicted")
		if m.bus != nil {
			m.bus.Publish(event.Event{Type: event.SessionEvicted, Data: event.SessionData{SessionID: id}})
		}
		return true
	}
	return false
}

// removeLocked unsubscribes and drops a session from all registry
// structures. Caller holds m.mu.
func (m *Manager) removeLocked(id string) {
	if unsub, ok := m.unsubs[id]; ok {
		unsub()
		delete(m.unsubs, id)
	}
	delete(m.stores, id)
	delete(m.streaming, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Destroy tears down one session. A streaming session is aborted
// first and only removed from the registry after the abort path
// resolves; state is never yanked out from under an in-flight stream.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	st, ok := m.stores[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if st.Status() == types.SessionStreaming {
		if err := st.AbortStream(ctx); err != nil {
			m.log.Error().Err(err).Str("sessionID", id).Msg("abort before destroy failed")
		}
	}
	if m.autosave != nil {
		m.autosave.CancelPendingSave(id)
	}

	m.mu.Lock()
	if _, still := m.stores[id]; !still {
		m.mu.Unlock()
		return nil
	}
	m.removeLocked(id)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(event.Event{Type: event.SessionDestroyed, Data: event.SessionData{SessionID: id}})
	}
	return nil
}

// DestroyAll destroys every tracked session concurrently.
func (m *Manager) DestroyAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.stores))
	for id := range m.stores {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Destroy(ctx, id)
		})
	}
	return g.Wait()
}

// ActiveStreamingSessions returns the ids of sessions with a live
// stream.
func (m *Manager) ActiveStreamingSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, streaming := range m.streaming {
		if streaming {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stores)
}
