package bridge

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/internal/logging"
	"github.com/chatcore-dev/chatcore/internal/session"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// DefaultPendingCap bounds the out-of-order buffer per session. An
// indefinitely growing buffer indicates a stuck producer, so bounded
// memory wins over completeness: the oldest entry is evicted.
const DefaultPendingCap = 100

// Options tunes a Bridge.
type Options struct {
	// PendingCap overrides DefaultPendingCap when > 0.
	PendingCap int
}

// bridgeState is the per-session sequencing state.
type bridgeState struct {
	// lastSeq is -1 until the first tracked event, which is accepted
	// regardless of its sequence id.
	lastSeq  int64
	pending  map[int64]*types.BackendEvent
	blockCtx map[string]string // messageID -> most recently opened block
}

func newBridgeState() *bridgeState {
	return &bridgeState{
		lastSeq:  -1,
		pending:  make(map[int64]*types.BackendEvent),
		blockCtx: make(map[string]string),
	}
}

// Bridge consumes raw backend events, enforces per-session sequence
// ordering, resolves target block ids, and dispatches to registry
// handlers, routing high-frequency chunk phases through the chunk
// buffer.
type Bridge struct {
	registry   *Registry
	chunks     *ChunkBuffer
	bus        *event.Bus
	pendingCap int
	log        zerolog.Logger

	mu     sync.Mutex
	states map[string]*bridgeState
	unsubs []func()
}

// New creates a bridge. When a bus is given the bridge drops its
// sequencing state whenever a session is evicted or destroyed, so a
// recreated session starts from a fresh cursor instead of inheriting
// the old one.
func New(registry *Registry, chunks *ChunkBuffer, bus *event.Bus, opts Options) *Bridge {
	cap := opts.PendingCap
	if cap <= 0 {
		cap = DefaultPendingCap
	}
	b := &Bridge{
		registry:   registry,
		chunks:     chunks,
		bus:        bus,
		pendingCap: cap,
		log:        logging.Component("bridge"),
		states:     make(map[string]*bridgeState),
	}
	if bus != nil {
		reset := func(e event.Event) {
			if d, ok := e.Data.(event.SessionData); ok {
				b.Reset(d.SessionID)
			}
		}
		b.unsubs = append(b.unsubs,
			bus.Subscribe(event.SessionEvicted, reset),
			bus.Subscribe(event.SessionDestroyed, reset),
		)
	}
	return b
}

// Close detaches the bridge from the bus.
func (b *Bridge) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}

func (b *Bridge) stateFor(sessionID string) *bridgeState {
	st, ok := b.states[sessionID]
	if !ok {
		st = newBridgeState()
		b.states[sessionID] = st
	}
	return st
}

// Handle processes one backend event for a session. Events with a
// sequence id are applied in strict order regardless of arrival
// order; events without one are legacy/untracked and apply
// immediately. Handler side effects for an event complete before the
// next buffered event is considered.
func (b *Bridge) Handle(store *session.Store, ev *types.BackendEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.SequenceID == nil {
		return b.apply(store, b.stateFor(store.ID()), ev)
	}

	state := b.stateFor(store.ID())
	seq := *ev.SequenceID

	if seq <= state.lastSeq && state.lastSeq != -1 {
		b.dropStale(store.ID(), ev)
		return nil
	}

	if state.lastSeq != -1 && seq != state.lastSeq+1 {
		b.bufferPending(store.ID(), state, ev)
		return nil
	}

	// In-order event (or the first tracked event, accepted as-is).
	if err := b.applyTracked(store, state, ev, seq); err != nil {
		return err
	}

	// Cascade: drain consecutively buffered events.
	for {
		next, ok := state.pending[state.lastSeq+1]
		if !ok {
			break
		}
		delete(state.pending, state.lastSeq+1)
		if err := b.applyTracked(store, state, next, state.lastSeq+1); err != nil {
			return err
		}
	}
	return nil
}

// applyTracked applies an event and advances the sequence cursor. The
// cursor advances even when a handler errors: the event was consumed,
// and redelivery must remain idempotent.
func (b *Bridge) applyTracked(store *session.Store, state *bridgeState, ev *types.BackendEvent, seq int64) error {
	state.lastSeq = seq
	return b.apply(store, state, ev)
}

// dropStale drops an already-applied sequence id. Stale variant
// boundaries are more likely to indicate a protocol bug, so they get
// a diagnostic; ordinary content events are dropped silently.
func (b *Bridge) dropStale(sessionID string, ev *types.BackendEvent) {
	if ev.IsVariantLifecycle() {
		b.log.Warn().
			Str("sessionID", sessionID).
			Str("eventType", ev.Type).
			Int64("sequenceID", *ev.SequenceID).
			Msg("stale variant lifecycle event")
		if b.bus != nil {
			b.bus.Publish(event.Event{
				Type: event.BridgeStaleVariant,
				Data: event.BridgeDiagnosticData{
					SessionID:  sessionID,
					EventType:  ev.Type,
					SequenceID: ev.SequenceID,
				},
			})
		}
		return
	}
	b.log.Debug().
		Str("sessionID", sessionID).
		Int64("sequenceID", *ev.SequenceID).
		Msg("dropping stale event")
}

// bufferPending stores an out-of-order event, evicting the numerically
// oldest entry when the buffer is full.
func (b *Bridge) bufferPending(sessionID string, state *bridgeState, ev *types.BackendEvent) {
	if len(state.pending) >= b.pendingCap {
		oldest := int64(-1)
		for seq := range state.pending {
			if oldest == -1 || seq < oldest {
				oldest = seq
			}
		}
		delete(state.pending, oldest)
		b.log.Warn().
			Str("sessionID", sessionID).
			Int64("evictedSequenceID", oldest).
			Int("capacity", b.pendingCap).
			Msg("pending event buffer full, evicting oldest")
		if b.bus != nil {
			b.bus.Publish(event.Event{
				Type: event.BridgeBufferFull,
				Data: event.BridgeDiagnosticData{
					SessionID:  sessionID,
					SequenceID: &oldest,
					Detail:     "oldest pending event evicted",
				},
			})
		}
	}
	state.pending[*ev.SequenceID] = ev
}

// apply dispatches one ready event: variant boundaries go to the
// store's variant handling, everything else to the registry handler
// for the event's type and phase. Unknown types are a non-fatal
// diagnostic.
func (b *Bridge) apply(store *session.Store, state *bridgeState, ev *types.BackendEvent) error {
	switch ev.Type {
	case types.EventVariantStart:
		modelID, _ := ev.Payload["modelId"].(string)
		return store.HandleVariantStart(ev.MessageID, ev.VariantID, modelID)
	case types.EventVariantEnd:
		return store.HandleVariantEnd(ev.VariantID, ev.Error)
	}

	handlers, ok := b.registry.Lookup(ev.Type)
	if !ok {
		b.log.Warn().
			Str("sessionID", store.ID()).
			Str("eventType", ev.Type).
			Msg("no handler registered for event type, ignoring")
		if b.bus != nil {
			b.bus.Publish(event.Event{
				Type: event.BridgeUnknownType,
				Data: event.BridgeDiagnosticData{SessionID: store.ID(), EventType: ev.Type},
			})
		}
		return nil
	}

	switch ev.Phase {
	case types.PhaseStart:
		blockID, err := b.startBlock(store, handlers, ev)
		if err != nil {
			return err
		}
		state.blockCtx[ev.MessageID] = blockID
		if ev.VariantID != "" {
			return store.AddBlockToVariant(ev.MessageID, ev.VariantID, blockID)
		}
		return nil

	case types.PhaseChunk:
		blockID := b.resolveBlock(state, ev)
		if blockID == "" {
			b.log.Warn().
				Str("sessionID", store.ID()).
				Str("messageID", ev.MessageID).
				Msg("chunk event with no resolvable block, dropping")
			return nil
		}
		if handlers.OnChunk != nil {
			return handlers.OnChunk(store, blockID, ev.Chunk)
		}
		b.chunks.Push(store, blockID, ev.Chunk)
		return nil

	case types.PhaseEnd:
		blockID := b.resolveBlock(state, ev)
		if blockID == "" {
			return fmt.Errorf("end event for %s has no resolvable block", ev.Type)
		}
		b.chunks.FlushBlock(blockID)
		if handlers.OnEnd != nil {
			return handlers.OnEnd(store, blockID, ev.Result)
		}
		if ev.Result != nil {
			return store.SetBlockResult(blockID, ev.Result)
		}
		return store.UpdateBlockStatus(blockID, types.BlockSuccess)

	case types.PhaseError:
		blockID := b.resolveBlock(state, ev)
		if blockID == "" {
			return fmt.Errorf("error event for %s has no resolvable block", ev.Type)
		}
		b.chunks.FlushBlock(blockID)
		if handlers.OnError != nil {
			return handlers.OnError(store, blockID, ev.Error)
		}
		return store.SetBlockError(blockID, ev.Error)
	}

	return fmt.Errorf("unknown event phase %q", ev.Phase)
}

// startBlock opens the block for a start event, preferring the
// handler's OnStart (which may honor the backend-assigned id) and
// falling back to a plain block of the event's type.
func (b *Bridge) startBlock(store *session.Store, handlers Handlers, ev *types.BackendEvent) (string, error) {
	if handlers.OnStart != nil {
		return handlers.OnStart(store, ev.MessageID, ev.Payload, ev.BlockID)
	}
	if ev.BlockID != "" {
		return ev.BlockID, store.CreateBlockWithID(ev.BlockID, ev.MessageID, ev.Type)
	}
	return store.CreateBlock(ev.MessageID, ev.Type)
}

// resolveBlock resolves the target block for a non-start event:
// explicit id first, then the most recently opened block for the
// message.
func (b *Bridge) resolveBlock(state *bridgeState, ev *types.BackendEvent) string {
	if ev.BlockID != "" {
		return ev.BlockID
	}
	return state.blockCtx[ev.MessageID]
}

// HandleLifecycle processes a session-lifecycle channel event. All
// three lifecycle types reset the store to idle; buffered chunks are
// flushed first so no content is lost.
func (b *Bridge) HandleLifecycle(store *session.Store, lc *types.LifecycleEvent) {
	b.chunks.FlushSession(store.ID())
	store.CompleteStream(lc.EventType, lc.Error)
	b.log.Debug().
		Str("sessionID", store.ID()).
		Str("eventType", lc.EventType).
		Int64("durationMs", lc.DurationMs).
		Msg("stream lifecycle event")
}

// Reset drops the sequencing state for a session. Runs automatically
// on session eviction and destroy when the bridge shares a bus with
// the manager; exposed for callers that tear sessions down directly.
func (b *Bridge) Reset(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, sessionID)
}

// LastSequenceID reports the sequencing cursor for a session, -1 when
// untracked.
func (b *Bridge) LastSequenceID(sessionID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[sessionID]; ok {
		return st.lastSeq
	}
	return -1
}

// PendingCount reports how many out-of-order events are buffered for a
// session.
func (b *Bridge) PendingCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[sessionID]; ok {
		return len(st.pending)
	}
	return 0
}
