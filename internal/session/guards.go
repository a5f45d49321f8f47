package session

import "github.com/chatcore-dev/chatcore/pkg/types"

// Guard predicates. Exposed for the UI and orchestration layers to
// query before acting; the mutating methods still validate.

// CanSend reports whether a new message can be sent.
func (s *Store) CanSend() bool {
	return s.Status() == types.SessionIdle
}

// CanAbort reports whether there is a stream to abort.
func (s *Store) CanAbort() bool {
	return s.Status() == types.SessionStreaming
}

// IsBlockLocked reports whether a block is still open (pending or
// running). Unknown blocks are not locked.
func (s *Store) IsBlockLocked(blockID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[blockID]
	return ok && !b.Status.Terminal()
}

// IsMessageLocked reports whether any of the message's blocks,
// including variant-owned ones, is still open.
func (s *Store) IsMessageLocked(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageLockedLocked(messageID)
}

// messageLockedLocked is IsMessageLocked with s.mu already held.
func (s *Store) messageLockedLocked(messageID string) bool {
	msg, ok := s.messages[messageID]
	if !ok {
		return false
	}
	for _, bid := range msg.BlockIDs {
		if _, active := s.activeBlocks[bid]; active {
			return true
		}
	}
	for _, vid := range msg.VariantIDs {
		v, ok := s.variants[vid]
		if !ok {
			continue
		}
		for _, bid := range v.BlockIDs {
			if _, active := s.activeBlocks[bid]; active {
				return true
			}
		}
	}
	return false
}

// CanEdit reports whether a message can be edited.
func (s *Store) CanEdit(messageID string) bool {
	return !s.IsMessageLocked(messageID)
}

// CanDelete reports whether a message can be deleted.
func (s *Store) CanDelete(messageID string) bool {
	return !s.IsMessageLocked(messageID)
}
