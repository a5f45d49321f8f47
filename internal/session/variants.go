package session

import (
	"fmt"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// Variants returns copies of the session's variants.
func (s *Store) Variants() []*types.Variant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Variant, 0, len(s.variants))
	for _, v := range s.variants {
		cp := *v
		out = append(out, &cp)
	}
	return out
}

// Variant returns a copy of one variant.
func (s *Store) Variant(id string) (*types.Variant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, false
	}
	cp := *v
	return &cp, true
}

// HandleVariantStart opens a variant under a message. Multi-model
// mode opens one variant per participating model.
func (s *Store) HandleVariantStart(messageID, variantID, modelID string) error {
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("variant start in %s: %w", messageID, ErrMessageNotFound)
	}
	if _, exists := s.variants[variantID]; exists {
		s.mu.Unlock()
		return nil // duplicate boundary, already open
	}

	v := &types.Variant{
		ID:        variantID,
		MessageID: messageID,
		ModelID:   modelID,
		Status:    types.VariantRunning,
	}
	s.variants[variantID] = v
	msg.VariantIDs = append(msg.VariantIDs, variantID)
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeVariant, VariantID: variantID, MessageID: messageID}},
		[]event.Event{{Type: event.VariantUpdated, Data: event.VariantUpdatedData{SessionID: s.id, Variant: v}}},
	)
	return nil
}

// HandleVariantEnd closes a variant.
func (s *Store) HandleVariantEnd(variantID, errMsg string) error {
	s.mu.Lock()
	v, ok := s.variants[variantID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("variant end %s: %w", variantID, ErrVariantNotFound)
	}
	if errMsg != "" {
		v.Status = types.VariantFailed
	} else {
		v.Status = types.VariantDone
	}
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeVariant, VariantID: variantID, MessageID: v.MessageID}},
		[]event.Event{{Type: event.VariantUpdated, Data: event.VariantUpdatedData{SessionID: s.id, Variant: v}}},
	)
	return nil
}

// AddBlockToVariant re-homes a block under a variant so parallel
// model answers render as siblings instead of interleaving under the
// message.
func (s *Store) AddBlockToVariant(messageID, variantID, blockID string) error {
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("attach %s: %w", blockID, ErrMessageNotFound)
	}
	v, ok := s.variants[variantID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("attach %s to %s: %w", blockID, variantID, ErrVariantNotFound)
	}
	b, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("attach %s: %w", blockID, ErrBlockNotFound)
	}

	b.VariantID = variantID
	for i, id := range msg.BlockIDs {
		if id == blockID {
			msg.BlockIDs = append(msg.BlockIDs[:i], msg.BlockIDs[i+1:]...)
			break
		}
	}
	v.BlockIDs = append(v.BlockIDs, blockID)
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeVariant, VariantID: variantID, MessageID: messageID, BlockID: blockID}},
		[]event.Event{{Type: event.VariantUpdated, Data: event.VariantUpdatedData{SessionID: s.id, Variant: v}}},
	)
	return nil
}
