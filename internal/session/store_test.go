package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore-dev/chatcore/pkg/types"
)

func newIdleStore(t *testing.T) *Store {
	t.Helper()
	return NewStore("s1", types.SessionOptions{}, nil)
}

// newStreamingStore returns a store mid-stream with a pinned assistant
// message id.
func newStreamingStore(t *testing.T) (*Store, string) {
	t.Helper()
	st := newIdleStore(t)
	st.SetSendCallback(func(ctx context.Context, req SendRequest) error { return nil })
	_, assistantID, err := st.SendMessage(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, types.SessionStreaming, st.Status())
	return st, assistantID
}

func TestSendMessageCreatesPair(t *testing.T) {
	st := newIdleStore(t)

	var got SendRequest
	st.SetSendCallback(func(ctx context.Context, req SendRequest) error {
		got = req
		return nil
	})

	userID, assistantID, err := st.SendMessage(context.Background(), "hi there", nil)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserMessageID)
	assert.Equal(t, assistantID, got.AssistantMessageID)
	assert.Equal(t, "hi there", got.Content)

	msgs := st.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)

	// The user message carries a completed content block.
	require.Len(t, msgs[0].BlockIDs, 1)
	block, ok := st.Block(msgs[0].BlockIDs[0])
	require.True(t, ok)
	assert.Equal(t, "hi there", block.Content)
	assert.Equal(t, types.BlockSuccess, block.Status)

	// The assistant message starts empty and the session streams.
	assert.Empty(t, msgs[1].BlockIDs)
	assert.Equal(t, types.SessionStreaming, st.Status())
	assert.Equal(t, assistantID, st.StreamingMessageID())
}

func TestSendMessageWhileStreaming(t *testing.T) {
	st, _ := newStreamingStore(t)

	_, _, err := st.SendMessage(context.Background(), "again", nil)
	assert.ErrorIs(t, err, ErrNotIdle)
	assert.Len(t, st.Messages(), 2)
}

func TestSendMessageNilCallback(t *testing.T) {
	st := newIdleStore(t)

	// No callback injected: messages are still created, no panic.
	_, _, err := st.SendMessage(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Len(t, st.Messages(), 2)
	assert.Equal(t, types.SessionStreaming, st.Status())
}

func TestSendCallbackFailureRollsBack(t *testing.T) {
	st := newIdleStore(t)
	st.SetSendCallback(func(ctx context.Context, req SendRequest) error {
		return errors.New("connection refused")
	})

	_, assistantID, err := st.SendMessage(context.Background(), "hi", nil)
	require.Error(t, err)

	assert.Equal(t, types.SessionIdle, st.Status())
	assert.Empty(t, st.StreamingMessageID())

	// The assistant message gained an error block for the UI.
	msg, ok := st.Message(assistantID)
	require.True(t, ok)
	require.Len(t, msg.BlockIDs, 1)
	block, _ := st.Block(msg.BlockIDs[0])
	assert.Equal(t, types.BlockError, block.Status)
	assert.Contains(t, block.Error, "connection refused")
}

func TestGuards(t *testing.T) {
	st := newIdleStore(t)
	assert.True(t, st.CanSend())
	assert.False(t, st.CanAbort())

	st2, assistantID := newStreamingStore(t)
	assert.False(t, st2.CanSend())
	assert.True(t, st2.CanAbort())

	// An active block locks its message.
	blockID, err := st2.CreateBlock(assistantID, "content")
	require.NoError(t, err)
	assert.True(t, st2.IsBlockLocked(blockID))
	assert.True(t, st2.IsMessageLocked(assistantID))
	assert.False(t, st2.CanEdit(assistantID))
	assert.False(t, st2.CanDelete(assistantID))

	// Terminal status unlocks.
	require.NoError(t, st2.UpdateBlockStatus(blockID, types.BlockSuccess))
	assert.False(t, st2.IsBlockLocked(blockID))
	assert.False(t, st2.IsMessageLocked(assistantID))
}

func TestBlockStatusForwardOnly(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	blockID, err := st.CreateBlock(assistantID, "content")
	require.NoError(t, err)

	require.NoError(t, st.UpdateBlockContent(blockID, "abc"))
	block, _ := st.Block(blockID)
	assert.Equal(t, types.BlockRunning, block.Status)

	require.NoError(t, st.UpdateBlockStatus(blockID, types.BlockSuccess))

	// Backward transition rejected, repeated terminal is a no-op.
	assert.Error(t, st.UpdateBlockStatus(blockID, types.BlockRunning))
	assert.NoError(t, st.UpdateBlockStatus(blockID, types.BlockSuccess))

	block, _ = st.Block(blockID)
	assert.NotNil(t, block.EndedAt)
}

func TestRetryValidation(t *testing.T) {
	st := newIdleStore(t)
	st.SetSendCallback(func(ctx context.Context, req SendRequest) error { return nil })
	userID, assistantID, err := st.SendMessage(context.Background(), "q", nil)
	require.NoError(t, err)
	st.CompleteStream(types.StreamComplete, "")

	ctx := context.Background()

	// No retry callback injected.
	assert.ErrorIs(t, st.RetryMessage(ctx, assistantID, ""), ErrNoRetryCallback)

	var retried RetryRequest
	st.SetRetryCallback(func(ctx context.Context, req RetryRequest) error {
		retried = req
		return nil
	})

	// Unknown and non-assistant targets.
	assert.ErrorIs(t, st.RetryMessage(ctx, "missing", ""), ErrMessageNotFound)
	assert.ErrorIs(t, st.RetryMessage(ctx, userID, ""), ErrNotAssistant)

	require.NoError(t, st.RetryMessage(ctx, assistantID, "model-x"))
	assert.Equal(t, assistantID, retried.AssistantMessageID)
	assert.Equal(t, "model-x", retried.ModelOverride)
	assert.Equal(t, types.SessionStreaming, st.Status())

	// Retry while streaming is rejected.
	assert.ErrorIs(t, st.RetryMessage(ctx, assistantID, ""), ErrNotIdle)
}

func TestRetryClearsPreviousBlocks(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	blockID, err := st.CreateBlock(assistantID, "content")
	require.NoError(t, err)
	require.NoError(t, st.UpdateBlockContent(blockID, "old answer"))
	st.CompleteStream(types.StreamComplete, "")

	st.SetRetryCallback(func(ctx context.Context, req RetryRequest) error { return nil })
	require.NoError(t, st.RetryMessage(context.Background(), assistantID, ""))

	msg, _ := st.Message(assistantID)
	assert.Empty(t, msg.BlockIDs, "old blocks cleared before regeneration")
	_, ok := st.Block(blockID)
	assert.False(t, ok)
}

func TestRetryCallbackFailure(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	st.CompleteStream(types.StreamComplete, "")

	st.SetRetryCallback(func(ctx context.Context, req RetryRequest) error {
		return errors.New("backend down")
	})
	err := st.RetryMessage(context.Background(), assistantID, "")
	require.Error(t, err)
	assert.Equal(t, types.SessionIdle, st.Status())

	msg, _ := st.Message(assistantID)
	require.NotEmpty(t, msg.BlockIDs)
	block, _ := st.Block(msg.BlockIDs[len(msg.BlockIDs)-1])
	assert.Equal(t, types.BlockError, block.Status)
}

func TestAbortStream(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	blockID, err := st.CreateBlock(assistantID, "content")
	require.NoError(t, err)

	var aborted string
	var statusDuringAbort types.SessionStatus
	st.SetAbortCallback(func(ctx context.Context, sessionID string) error {
		aborted = sessionID
		statusDuringAbort = st.Status()
		return nil
	})

	require.NoError(t, st.AbortStream(context.Background()))
	assert.Equal(t, "s1", aborted)
	assert.Equal(t, types.SessionAborting, statusDuringAbort)
	assert.Equal(t, types.SessionIdle, st.Status())

	block, _ := st.Block(blockID)
	assert.Equal(t, types.BlockError, block.Status)
	assert.Equal(t, "aborted", block.Error)
}

func TestAbortWithoutStream(t *testing.T) {
	st := newIdleStore(t)
	assert.ErrorIs(t, st.AbortStream(context.Background()), ErrNoActiveStream)
}

func TestAbortCallbackErrorStillResolves(t *testing.T) {
	st, _ := newStreamingStore(t)
	st.SetAbortCallback(func(ctx context.Context, sessionID string) error {
		return errors.New("timeout")
	})

	err := st.AbortStream(context.Background())
	assert.Error(t, err)
	// Local state is cleaned up regardless of the callback outcome.
	assert.Equal(t, types.SessionIdle, st.Status())
}

func TestCompleteStreamVariantsOfLifecycle(t *testing.T) {
	cases := []struct {
		eventType string
		errMsg    string
		status    types.BlockStatus
		blockErr  string
	}{
		{types.StreamComplete, "", types.BlockSuccess, ""},
		{types.StreamError, "model overloaded", types.BlockError, "model overloaded"},
		{types.StreamCancelled, "", types.BlockError, "cancelled"},
	}
	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			st, assistantID := newStreamingStore(t)
			blockID, err := st.CreateBlock(assistantID, "content")
			require.NoError(t, err)

			st.CompleteStream(tc.eventType, tc.errMsg)

			assert.Equal(t, types.SessionIdle, st.Status())
			assert.Empty(t, st.StreamingMessageID())
			block, _ := st.Block(blockID)
			assert.Equal(t, tc.status, block.Status)
			assert.Equal(t, tc.blockErr, block.Error)
		})
	}
}

func TestEditMessage(t *testing.T) {
	st := newIdleStore(t)
	st.SetSendCallback(func(ctx context.Context, req SendRequest) error { return nil })
	userID, assistantID, err := st.SendMessage(context.Background(), "original", nil)
	require.NoError(t, err)

	// Locked while streaming: assistant has an active block.
	blockID, err := st.CreateBlock(assistantID, "content")
	require.NoError(t, err)
	assert.ErrorIs(t, st.EditMessage(assistantID, "nope"), ErrMessageLocked)

	require.NoError(t, st.UpdateBlockStatus(blockID, types.BlockSuccess))
	st.CompleteStream(types.StreamComplete, "")

	require.NoError(t, st.EditMessage(userID, "edited"))
	msg, _ := st.Message(userID)
	block, _ := st.Block(msg.BlockIDs[0])
	assert.Equal(t, "edited", block.Content)
}

func TestDeleteMessage(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	blockID, err := st.CreateBlock(assistantID, "content")
	require.NoError(t, err)

	assert.ErrorIs(t, st.DeleteMessage(assistantID), ErrMessageLocked)

	require.NoError(t, st.UpdateBlockStatus(blockID, types.BlockSuccess))
	st.CompleteStream(types.StreamComplete, "")

	require.NoError(t, st.DeleteMessage(assistantID))
	_, ok := st.Message(assistantID)
	assert.False(t, ok)
	_, ok = st.Block(blockID)
	assert.False(t, ok)
	assert.Len(t, st.Messages(), 1)

	assert.ErrorIs(t, st.DeleteMessage("missing"), ErrMessageNotFound)
}

func TestVariantLifecycle(t *testing.T) {
	st, assistantID := newStreamingStore(t)

	require.NoError(t, st.HandleVariantStart(assistantID, "v1", "model-a"))
	// Duplicate boundary is a no-op.
	require.NoError(t, st.HandleVariantStart(assistantID, "v1", "model-a"))

	blockID, err := st.CreateBlock(assistantID, "content")
	require.NoError(t, err)
	require.NoError(t, st.AddBlockToVariant(assistantID, "v1", blockID))

	// Variant owns the block now; it no longer sits on the message
	// directly.
	msg, _ := st.Message(assistantID)
	assert.NotContains(t, msg.BlockIDs, blockID)
	v, ok := st.Variant("v1")
	require.True(t, ok)
	assert.Contains(t, v.BlockIDs, blockID)
	assert.Equal(t, types.VariantRunning, v.Status)

	// The variant-owned active block still locks the message.
	assert.True(t, st.IsMessageLocked(assistantID))

	require.NoError(t, st.UpdateBlockStatus(blockID, types.BlockSuccess))
	require.NoError(t, st.HandleVariantEnd("v1", ""))
	v, _ = st.Variant("v1")
	assert.Equal(t, types.VariantDone, v.Status)

	require.NoError(t, st.HandleVariantStart(assistantID, "v2", "model-b"))
	require.NoError(t, st.HandleVariantEnd("v2", "model crashed"))
	v2, _ := st.Variant("v2")
	assert.Equal(t, types.VariantFailed, v2.Status)
}

func TestSnapshotRoundTrip(t *testing.T) {
	st, assistantID := newStreamingStore(t)
	blockID, err := st.CreateBlock(assistantID, "content")
	require.NoError(t, err)
	require.NoError(t, st.UpdateBlockContent(blockID, "partial answer"))

	snap := st.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Len(t, snap.MessageOrder, 2)

	// Mutating the snapshot must not touch the store.
	snap.Blocks[blockID].Content = "tampered"
	orig, _ := st.Block(blockID)
	assert.Equal(t, "partial answer", orig.Content)

	// Restore into a fresh store: content survives, stream state does
	// not.
	st2 := NewStore("s1", types.SessionOptions{}, nil)
	st2.RestoreFromBackend(st.Snapshot())

	assert.Equal(t, types.SessionIdle, st2.Status())
	assert.Empty(t, st2.StreamingMessageID())
	restored, ok := st2.Block(blockID)
	require.True(t, ok)
	assert.Equal(t, "partial answer", restored.Content)

	// The restored mid-stream block is still non-terminal, so the
	// message stays locked until a lifecycle event resolves it.
	assert.True(t, st2.IsMessageLocked(assistantID))
	st2.CompleteStream(types.StreamError, "restored after crash")
	assert.False(t, st2.IsMessageLocked(assistantID))
}

func TestSnapshotCarriesPanelVisibility(t *testing.T) {
	st := NewStore("s1", types.SessionOptions{PanelVisible: true}, nil)
	assert.True(t, st.PanelVisible())

	snap := st.Snapshot()
	require.True(t, snap.PanelVisible)

	st2 := NewStore("s1", types.SessionOptions{}, nil)
	st2.RestoreFromBackend(snap)
	assert.True(t, st2.PanelVisible())
}

func TestSaveSession(t *testing.T) {
	st, _ := newStreamingStore(t)

	// Nil callback: warn and no-op.
	require.NoError(t, st.SaveSession(context.Background()))

	var saved *types.Snapshot
	st.SetSaveCallback(func(ctx context.Context, snap *types.Snapshot) error {
		saved = snap
		return nil
	})
	require.NoError(t, st.SaveSession(context.Background()))
	require.NotNil(t, saved)
	assert.Equal(t, "s1", saved.SessionID)

	st.SetSaveCallback(func(ctx context.Context, snap *types.Snapshot) error {
		return errors.New("disk full")
	})
	err := st.SaveSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestLoadSession(t *testing.T) {
	donor, _ := newStreamingStore(t)
	snap := donor.Snapshot()

	st := newIdleStore(t)
	st.SetLoadCallback(func(ctx context.Context, sessionID string) (*types.Snapshot, error) {
		assert.Equal(t, "s1", sessionID)
		return snap, nil
	})
	require.NoError(t, st.LoadSession(context.Background()))
	assert.Len(t, st.Messages(), 2)

	st.SetLoadCallback(func(ctx context.Context, sessionID string) (*types.Snapshot, error) {
		return nil, errors.New("corrupt record")
	})
	assert.Error(t, st.LoadSession(context.Background()))
}

func TestSubscribeNotifications(t *testing.T) {
	st := newIdleStore(t)
	st.SetSendCallback(func(ctx context.Context, req SendRequest) error { return nil })

	var kinds []ChangeKind
	unsub := st.Subscribe(func(c Change) {
		kinds = append(kinds, c.Kind)
	})

	_, _, err := st.SendMessage(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Contains(t, kinds, ChangeMessage)
	assert.Contains(t, kinds, ChangeStatus)

	// After unsubscribe no further notifications arrive.
	n := len(kinds)
	unsub()
	st.CompleteStream(types.StreamComplete, "")
	assert.Len(t, kinds, n)
}
