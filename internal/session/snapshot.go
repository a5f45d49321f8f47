package session

import (
	"time"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// Snapshot produces a deep copy of the session in its persisted
// shape. The result is sufficient to fully reconstruct the in-memory
// model via RestoreFromBackend.
func (s *Store) Snapshot() *types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &types.Snapshot{
		SessionID:    s.id,
		MessageOrder: append([]string(nil), s.messageOrder...),
		Messages:     make(map[string]*types.Message, len(s.messages)),
		Blocks:       make(map[string]*types.Block, len(s.blocks)),
		Params:       s.params,
		Features:     append([]string(nil), s.features...),
		PanelVisible: s.panelVisible,
		UpdatedAt:    time.Now().UnixMilli(),
	}
	for id, m := range s.messages {
		cp := *m
		cp.BlockIDs = append([]string(nil), m.BlockIDs...)
		cp.VariantIDs = append([]string(nil), m.VariantIDs...)
		snap.Messages[id] = &cp
	}
	for id, b := range s.blocks {
		cp := *b
		snap.Blocks[id] = &cp
	}
	if len(s.variants) > 0 {
		snap.Variants = make(map[string]*types.Variant, len(s.variants))
		for id, v := range s.variants {
			cp := *v
			cp.BlockIDs = append([]string(nil), v.BlockIDs...)
			snap.Variants[id] = &cp
		}
	}
	return snap
}

// RestoreFromBackend replaces the in-memory model with a persisted
// snapshot. The session comes back idle; the active-block set is
// recomputed from block statuses so the lock invariant holds after a
// restore of a snapshot taken mid-stream.
func (s *Store) RestoreFromBackend(snap *types.Snapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	s.messageOrder = append([]string(nil), snap.MessageOrder...)
	s.messages = make(map[string]*types.Message, len(snap.Messages))
	for id, m := range snap.Messages {
		cp := *m
		cp.BlockIDs = append([]string(nil), m.BlockIDs...)
		cp.VariantIDs = append([]string(nil), m.VariantIDs...)
		s.messages[id] = &cp
	}
	s.blocks = make(map[string]*types.Block, len(snap.Blocks))
	s.activeBlocks = make(map[string]struct{})
	for id, b := range snap.Blocks {
		cp := *b
		s.blocks[id] = &cp
		if !cp.Status.Terminal() {
			s.activeBlocks[id] = struct{}{}
		}
	}
	s.variants = make(map[string]*types.Variant)
	for id, v := range snap.Variants {
		cp := *v
		cp.BlockIDs = append([]string(nil), v.BlockIDs...)
		s.variants[id] = &cp
	}
	s.params = snap.Params
	if len(snap.Features) > 0 {
		s.features = append([]string(nil), snap.Features...)
	}
	s.panelVisible = snap.PanelVisible
	s.status = types.SessionIdle
	s.streamingMessage = ""
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeRestored}},
		[]event.Event{{Type: event.SessionUpdated, Data: event.SessionData{SessionID: s.id}}},
	)
}
