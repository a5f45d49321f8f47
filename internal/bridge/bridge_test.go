package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/internal/session"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// newStreamingStore returns a store mid-stream plus its assistant
// message id.
func newStreamingStore(t *testing.T) (*session.Store, string) {
	t.Helper()
	st := session.NewStore("s1", types.SessionOptions{}, nil)
	st.SetSendCallback(func(ctx context.Context, req session.SendRequest) error { return nil })
	_, assistantID, err := st.SendMessage(context.Background(), "q", nil)
	require.NoError(t, err)
	return st, assistantID
}

// directRegistry registers a text type whose chunks commit directly,
// bypassing the coalescing buffer, so assertions see content at once.
func directRegistry() *Registry {
	r := NewRegistry()
	h := TextHandlers("content")
	h.OnChunk = func(store *session.Store, blockID, chunk string) error {
		return store.UpdateBlockContent(blockID, chunk)
	}
	r.RegisterSilent("content", h)
	return r
}

func newTestBridge(opts Options) *Bridge {
	return New(directRegistry(), NewChunkBuffer(5*time.Millisecond), nil, opts)
}

func seq(n int64) *int64 { return &n }

func handle(t *testing.T, b *Bridge, st *session.Store, ev types.BackendEvent) {
	t.Helper()
	require.NoError(t, b.Handle(st, &ev))
}

func assistantContent(t *testing.T, st *session.Store, assistantID string) string {
	t.Helper()
	msg, ok := st.Message(assistantID)
	require.True(t, ok)
	var out string
	for _, bid := range msg.BlockIDs {
		if b, ok := st.Block(bid); ok {
			out += b.Content
		}
	}
	return out
}

func TestOutOfOrderEventsApplyInSequence(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID})
	// Sequence 2 arrives before 1: it must wait.
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(2), MessageID: assistantID, Chunk: "B"})
	assert.Equal(t, "", assistantContent(t, st, assistantID))
	assert.Equal(t, 1, b.PendingCount("s1"))

	// Sequence 1 unblocks the cascade.
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistantID, Chunk: "A"})
	assert.Equal(t, "AB", assistantContent(t, st, assistantID))
	assert.Equal(t, 0, b.PendingCount("s1"))
	assert.Equal(t, int64(2), b.LastSequenceID("s1"))
}

func TestFirstTrackedEventAcceptedAtAnySequence(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	// A fresh session accepts whatever sequence id arrives first.
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(41), MessageID: assistantID})
	assert.Equal(t, int64(41), b.LastSequenceID("s1"))

	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(42), MessageID: assistantID, Chunk: "x"})
	assert.Equal(t, "x", assistantContent(t, st, assistantID))
}

func TestStaleEventsDropped(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID})
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistantID, Chunk: "once"})

	// Redelivery of an applied sequence id is idempotent.
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistantID, Chunk: "once"})
	assert.Equal(t, "once", assistantContent(t, st, assistantID))
	assert.Equal(t, int64(1), b.LastSequenceID("s1"))
}

func TestStaleVariantLifecyclePublishesDiagnostic(t *testing.T) {
	st, assistantID := newStreamingStore(t)

	bus := event.NewBus()
	defer bus.Close()
	diags := make(chan event.Event, 1)
	unsub := bus.Subscribe(event.BridgeStaleVariant, func(e event.Event) {
		select {
		case diags <- e:
		default:
		}
	})
	defer unsub()

	b := New(directRegistry(), NewChunkBuffer(5*time.Millisecond), bus, Options{})
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID})
	handle(t, b, st, types.BackendEvent{Type: types.EventVariantStart, SequenceID: seq(0), MessageID: assistantID, VariantID: "v1"})

	select {
	case e := <-diags:
		data := e.Data.(event.BridgeDiagnosticData)
		assert.Equal(t, "s1", data.SessionID)
		assert.Equal(t, types.EventVariantStart, data.EventType)
	case <-time.After(time.Second):
		t.Fatal("no stale-variant diagnostic published")
	}

	// The stale boundary did not open a variant.
	_, ok := st.Variant("v1")
	assert.False(t, ok)
}

func TestPendingBufferEvictsOldest(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{PendingCap: 3})

	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID})

	// Four out-of-order chunks against a cap of three: the
	// numerically oldest pending entry is evicted.
	for _, n := range []int64{5, 6, 7, 8} {
		handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(n), MessageID: assistantID, Chunk: "x"})
	}
	assert.Equal(t, 3, b.PendingCount("s1"))

	// Filling the gap applies 1..4 never arrive; cascade starts at
	// the lowest surviving entry only when contiguous, so nothing
	// applies yet.
	assert.Equal(t, "", assistantContent(t, st, assistantID))
}

func TestUnknownEventTypeIsNonFatal(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	handle(t, b, st, types.BackendEvent{Type: "hologram", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID})
	// The cursor advanced despite the unknown type.
	assert.Equal(t, int64(0), b.LastSequenceID("s1"))

	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(1), MessageID: assistantID})
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(2), MessageID: assistantID, Chunk: "ok"})
	assert.Equal(t, "ok", assistantContent(t, st, assistantID))
}

func TestChunkResolvesBlockFromMessageContext(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	// No explicit block id anywhere: chunk and end resolve through
	// the most recently started block for the message.
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID})
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistantID, Chunk: "hello"})
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseEnd, SequenceID: seq(2), MessageID: assistantID})

	msg, _ := st.Message(assistantID)
	require.Len(t, msg.BlockIDs, 1)
	block, _ := st.Block(msg.BlockIDs[0])
	assert.Equal(t, "hello", block.Content)
	assert.Equal(t, types.BlockSuccess, block.Status)
}

func TestExplicitBlockIDWins(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID, BlockID: "blk-1"})
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistantID, BlockID: "blk-1", Chunk: "pinned"})

	block, ok := st.Block("blk-1")
	require.True(t, ok)
	assert.Equal(t, "pinned", block.Content)
}

func TestVariantEventsRouteToStore(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	handle(t, b, st, types.BackendEvent{
		Type: types.EventVariantStart, SequenceID: seq(0), MessageID: assistantID,
		VariantID: "v1", Payload: map[string]any{"modelId": "model-a"},
	})
	v, ok := st.Variant("v1")
	require.True(t, ok)
	assert.Equal(t, "model-a", v.ModelID)

	// A block started with a variant id is re-homed under the variant.
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(1), MessageID: assistantID, VariantID: "v1"})
	v, _ = st.Variant("v1")
	require.Len(t, v.BlockIDs, 1)

	handle(t, b, st, types.BackendEvent{Type: types.EventVariantEnd, SequenceID: seq(2), MessageID: assistantID, VariantID: "v1"})
	v, _ = st.Variant("v1")
	assert.Equal(t, types.VariantDone, v.Status)
}

func TestUntrackedEventsBypassOrdering(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	// Nil sequence id applies immediately and never moves the cursor.
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, MessageID: assistantID})
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, MessageID: assistantID, Chunk: "legacy"})
	assert.Equal(t, "legacy", assistantContent(t, st, assistantID))
	assert.Equal(t, int64(-1), b.LastSequenceID("s1"))
}

func TestLifecycleFlushesAndResolves(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	chunks := NewChunkBuffer(time.Minute) // never fires on its own
	b := New(DefaultRegistry(), chunks, nil, Options{})

	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID})
	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistantID, Chunk: "tail"})

	// Chunk still buffered.
	assert.Equal(t, 1, chunks.PendingBlocks())

	b.HandleLifecycle(st, &types.LifecycleEvent{SessionID: "s1", EventType: types.StreamComplete})

	assert.Equal(t, 0, chunks.PendingBlocks())
	assert.Equal(t, types.SessionIdle, st.Status())
	assert.Equal(t, "tail", assistantContent(t, st, assistantID))
}

func TestEvictionResetsSequencingState(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	mgr := session.NewManager(session.ManagerOptions{
		MaxSessions: 1,
		Bus:         bus,
		Configure: func(st *session.Store) {
			st.SetSendCallback(func(ctx context.Context, req session.SendRequest) error { return nil })
		},
	})
	b := New(directRegistry(), NewChunkBuffer(5*time.Millisecond), bus, Options{})
	defer b.Close()

	stA := mgr.GetOrCreate("a", nil)
	_, assistantA, err := stA.SendMessage(context.Background(), "q", nil)
	require.NoError(t, err)
	handle(t, b, stA, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantA})
	handle(t, b, stA, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistantA, Chunk: "old"})
	stA.CompleteStream(types.StreamComplete, "")
	require.Equal(t, int64(1), b.LastSequenceID("a"))

	// Filling the registry evicts "a" and must clear its cursor too.
	mgr.GetOrCreate("other", nil)
	deadline := time.Now().Add(2 * time.Second)
	for b.LastSequenceID("a") != -1 {
		if time.Now().After(deadline) {
			t.Fatal("sequencing state survived eviction")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A recreated session numbers its stream from zero again.
	stA2 := mgr.GetOrCreate("a", nil)
	_, assistant2, err := stA2.SendMessage(context.Background(), "q", nil)
	require.NoError(t, err)
	handle(t, b, stA2, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistant2})
	handle(t, b, stA2, types.BackendEvent{Type: "content", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistant2, Chunk: "new"})
	assert.Equal(t, "new", assistantContent(t, stA2, assistant2))
}

func TestResetDropsSequencingState(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := newTestBridge(Options{})

	handle(t, b, st, types.BackendEvent{Type: "content", Phase: types.PhaseStart, SequenceID: seq(7), MessageID: assistantID})
	require.Equal(t, int64(7), b.LastSequenceID("s1"))

	b.Reset("s1")
	assert.Equal(t, int64(-1), b.LastSequenceID("s1"))
	assert.Equal(t, 0, b.PendingCount("s1"))
}

func TestToolCallAccumulatesInput(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	b := New(DefaultRegistry(), NewChunkBuffer(time.Minute), nil, Options{})

	handle(t, b, st, types.BackendEvent{Type: "tool_call", Phase: types.PhaseStart, SequenceID: seq(0), MessageID: assistantID, BlockID: "tool-1"})
	// Tool input fragments bypass the chunk buffer.
	handle(t, b, st, types.BackendEvent{Type: "tool_call", Phase: types.PhaseChunk, SequenceID: seq(1), MessageID: assistantID, BlockID: "tool-1", Chunk: `{"path":`})
	handle(t, b, st, types.BackendEvent{Type: "tool_call", Phase: types.PhaseChunk, SequenceID: seq(2), MessageID: assistantID, BlockID: "tool-1", Chunk: `"/tmp"}`})
	handle(t, b, st, types.BackendEvent{
		Type: "tool_call", Phase: types.PhaseEnd, SequenceID: seq(3), MessageID: assistantID, BlockID: "tool-1",
		Result: map[string]any{"ok": true},
	})

	block, ok := st.Block("tool-1")
	require.True(t, ok)
	assert.Equal(t, types.BlockSuccess, block.Status)
	assert.Equal(t, "/tmp", block.ToolInput["path"])
	assert.Equal(t, true, block.ToolOutput["ok"])
}
