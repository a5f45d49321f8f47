package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/chatcore-dev/chatcore/internal/logging"
)

const (
	// DefaultSaveThrottle is the default autosave throttle window.
	DefaultSaveThrottle = 2 * time.Second
	// saveRetries bounds retries of a failed deferred save.
	saveRetries = 3
)

// AutoSave throttles and coalesces calls to a session's persistence
// callback. The first mutation in a quiet period saves immediately;
// bursts after that collapse to a single trailing deferred save.
// State is keyed per session id, so sessions throttle independently.
type AutoSave struct {
	throttle time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	lastSave map[string]time.Time
	timers   map[string]*time.Timer
}

// NewAutoSave creates an AutoSave with the given throttle window.
func NewAutoSave(throttle time.Duration) *AutoSave {
	if throttle <= 0 {
		throttle = DefaultSaveThrottle
	}
	return &AutoSave{
		throttle: throttle,
		log:      logging.Component("autosave"),
		lastSave: make(map[string]time.Time),
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule requests a save for the store's session. If no save has run
// within the throttle window the save happens immediately; otherwise a
// single deferred save is (re)scheduled, replacing any pending one.
func (a *AutoSave) Schedule(store *Store) {
	id := store.ID()
	now := time.Now()

	a.mu.Lock()
	last, saved := a.lastSave[id]
	if !saved || now.Sub(last) >= a.throttle {
		a.lastSave[id] = now
		a.mu.Unlock()

		if err := store.SaveSession(context.Background()); err != nil {
			a.log.Error().Err(err).Str("sessionID", id).Msg("immediate autosave failed")
		}
		return
	}

	if t, ok := a.timers[id]; ok {
		t.Stop()
	}
	a.timers[id] = time.AfterFunc(a.throttle, func() {
		a.mu.Lock()
		delete(a.timers, id)
		a.lastSave[id] = time.Now()
		a.mu.Unlock()
		a.saveWithRetry(store)
	})
	a.mu.Unlock()
}

// saveWithRetry runs a deferred save. A deferred save has no caller to
// propagate failure to, so it retries with jittered backoff and logs.
func (a *AutoSave) saveWithRetry(store *Store) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	err := backoff.Retry(func() error {
		return store.SaveSession(context.Background())
	}, backoff.WithMaxRetries(b, saveRetries))
	if err != nil {
		a.log.Error().Err(err).Str("sessionID", store.ID()).Msg("deferred autosave failed")
	}
}

// ForceImmediateSave cancels any pending deferred save and saves now.
// Used at send/abort boundaries where stale data is unacceptable.
func (a *AutoSave) ForceImmediateSave(ctx context.Context, store *Store) error {
	id := store.ID()

	a.mu.Lock()
	if t, ok := a.timers[id]; ok {
		t.Stop()
		delete(a.timers, id)
	}
	a.lastSave[id] = time.Now()
	a.mu.Unlock()

	return store.SaveSession(ctx)
}

// CancelPendingSave drops any scheduled deferred save for a session.
func (a *AutoSave) CancelPendingSave(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[sessionID]; ok {
		t.Stop()
		delete(a.timers, sessionID)
	}
	delete(a.lastSave, sessionID)
}

// HasPendingSave reports whether a deferred save is scheduled.
func (a *AutoSave) HasPendingSave(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[sessionID]
	return ok
}
