// Package bridge turns the raw backend event stream into ordered
// session-store mutations: per-session sequence enforcement, typed
// handler dispatch, and chunk batching.
package bridge

import (
	"sync"

	"github.com/chatcore-dev/chatcore/internal/logging"
	"github.com/chatcore-dev/chatcore/internal/session"
)

// Handlers is the bundle of callbacks for one event type. Any subset
// may be implemented; the bridge supplies default behavior for the
// rest. OnStart returns the id of the block it opened, honoring the
// backend-provided id when one is given.
type Handlers struct {
	OnStart func(store *session.Store, messageID string, payload map[string]any, backendBlockID string) (string, error)
	OnChunk func(store *session.Store, blockID, chunk string) error
	OnEnd   func(store *session.Store, blockID string, result map[string]any) error
	OnError func(store *session.Store, blockID, errMsg string) error
}

// Registry is a name-keyed table of handler bundles. New event and
// content types are added by registering a bundle; the bridge itself
// never changes.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handlers
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handlers)}
}

// Register upserts a handler bundle, warning when an existing
// registration is overwritten.
func (r *Registry) Register(eventType string, h Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[eventType]; exists {
		logging.Warn().Str("eventType", eventType).Msg("overwriting registered event handler")
	}
	r.handlers[eventType] = h
}

// RegisterSilent upserts a handler bundle without the overwrite
// warning.
func (r *Registry) RegisterSilent(eventType string, h Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Lookup returns the handler bundle for an event type.
func (r *Registry) Lookup(eventType string) (Handlers, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types returns the registered event type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
