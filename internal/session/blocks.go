package session

import (
	"fmt"
	"time"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// Messages returns the session's messages in order.
func (s *Store) Messages() []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Message, 0, len(s.messageOrder))
	for _, id := range s.messageOrder {
		if m, ok := s.messages[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

// Message returns a copy of one message.
func (s *Store) Message(id string) (*types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// Block returns a copy of one block.
func (s *Store) Block(id string) (*types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, false
	}
	cp := *b
	return &cp, true
}

// CreateBlock opens a new pending block under a message and returns
// its generated id.
func (s *Store) CreateBlock(messageID, blockType string) (string, error) {
	id := generateID()
	if err := s.CreateBlockWithID(id, messageID, blockType); err != nil {
		return "", err
	}
	return id, nil
}

// CreateBlockWithID opens a new pending block with a caller-assigned
// id. Backend-assigned ids are what disambiguate concurrently running
// tool calls within one message.
func (s *Store) CreateBlockWithID(blockID, messageID, blockType string) error {
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("create block in %s: %w", messageID, ErrMessageNotFound)
	}
	if _, ok := s.blocks[blockID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("create block %s: %w", blockID, ErrBlockExists)
	}

	b := &types.Block{
		ID:        blockID,
		MessageID: messageID,
		Type:      blockType,
		Status:    types.BlockPending,
		StartedAt: time.Now().UnixMilli(),
	}
	s.blocks[blockID] = b
	s.activeBlocks[blockID] = struct{}{}
	msg.BlockIDs = append(msg.BlockIDs, blockID)
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeBlock, BlockID: blockID, MessageID: messageID}},
		[]event.Event{{Type: event.BlockUpdated, Data: event.BlockUpdatedData{SessionID: s.id, Block: b}}},
	)
	return nil
}

// UpdateBlockContent appends a content delta to a block. The first
// delta moves a pending block to running.
func (s *Store) UpdateBlockContent(blockID, delta string) error {
	s.mu.Lock()
	b, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update block %s: %w", blockID, ErrBlockNotFound)
	}
	b.Content += delta
	if b.Status == types.BlockPending {
		b.Status = types.BlockRunning
	}
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeBlock, BlockID: blockID, MessageID: b.MessageID}},
		[]event.Event{{Type: event.BlockUpdated, Data: event.BlockUpdatedData{SessionID: s.id, Block: b, Delta: delta}}},
	)
	return nil
}

// UpdateBlockStatus moves a block's status forward. Backward
// transitions are rejected; setting the current status is a no-op.
func (s *Store) UpdateBlockStatus(blockID string, status types.BlockStatus) error {
	s.mu.Lock()
	b, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update block %s: %w", blockID, ErrBlockNotFound)
	}
	if b.Status == status {
		s.mu.Unlock()
		return nil
	}
	if !b.Status.CanTransitionTo(status) {
		s.mu.Unlock()
		return fmt.Errorf("block %s: illegal status transition %s -> %s", blockID, b.Status, status)
	}
	b.Status = status
	if status.Terminal() {
		now := time.Now().UnixMilli()
		b.EndedAt = &now
		delete(s.activeBlocks, blockID)
	}
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeBlock, BlockID: blockID, MessageID: b.MessageID}},
		[]event.Event{{Type: event.BlockUpdated, Data: event.BlockUpdatedData{SessionID: s.id, Block: b}}},
	)
	return nil
}

// SetBlockResult stores a tool result and resolves the block.
func (s *Store) SetBlockResult(blockID string, result map[string]any) error {
	s.mu.Lock()
	b, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set result on %s: %w", blockID, ErrBlockNotFound)
	}
	b.ToolOutput = result
	s.mu.Unlock()
	return s.UpdateBlockStatus(blockID, types.BlockSuccess)
}

// SetBlockError attaches an error and resolves the block.
func (s *Store) SetBlockError(blockID, errMsg string) error {
	s.mu.Lock()
	b, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set error on %s: %w", blockID, ErrBlockNotFound)
	}
	b.Error = errMsg
	s.mu.Unlock()
	return s.UpdateBlockStatus(blockID, types.BlockError)
}

// SetBlockToolInput stores the accumulated input of a tool block and
// marks it running.
func (s *Store) SetBlockToolInput(blockID string, input map[string]any) error {
	s.mu.Lock()
	b, ok := s.blocks[blockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set input on %s: %w", blockID, ErrBlockNotFound)
	}
	b.ToolInput = input
	if b.Status == types.BlockPending {
		b.Status = types.BlockRunning
	}
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeBlock, BlockID: blockID, MessageID: b.MessageID}},
		[]event.Event{{Type: event.BlockUpdated, Data: event.BlockUpdatedData{SessionID: s.id, Block: b}}},
	)
	return nil
}

// EditMessage replaces the text of a message's content block. Locked
// messages cannot be edited.
func (s *Store) EditMessage(messageID, content string) error {
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("edit %s: %w", messageID, ErrMessageNotFound)
	}
	if s.messageLockedLocked(messageID) {
		s.mu.Unlock()
		return fmt.Errorf("edit %s: %w", messageID, ErrMessageLocked)
	}

	var edited *types.Block
	for _, bid := range msg.BlockIDs {
		if b, ok := s.blocks[bid]; ok && b.Type == "content" {
			b.Content = content
			edited = b
			break
		}
	}
	if edited == nil {
		now := time.Now().UnixMilli()
		edited = &types.Block{
			ID:        generateID(),
			MessageID: messageID,
			Type:      "content",
			Status:    types.BlockSuccess,
			Content:   content,
			StartedAt: now,
			EndedAt:   &now,
		}
		s.blocks[edited.ID] = edited
		msg.BlockIDs = append(msg.BlockIDs, edited.ID)
	}
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeMessage, MessageID: messageID}, {Kind: ChangeBlock, BlockID: edited.ID, MessageID: messageID}},
		[]event.Event{
			{Type: event.MessageUpdated, Data: event.MessageData{SessionID: s.id, Info: msg}},
			{Type: event.BlockUpdated, Data: event.BlockUpdatedData{SessionID: s.id, Block: edited}},
		},
	)
	return nil
}

// DeleteMessage removes a message together with its blocks and
// variants. Locked messages cannot be deleted.
func (s *Store) DeleteMessage(messageID string) error {
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", messageID, ErrMessageNotFound)
	}
	if s.messageLockedLocked(messageID) {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", messageID, ErrMessageLocked)
	}

	s.clearMessageBlocksLocked(msg)
	delete(s.messages, messageID)
	for i, id := range s.messageOrder {
		if id == messageID {
			s.messageOrder = append(s.messageOrder[:i], s.messageOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeMessage, MessageID: messageID}},
		[]event.Event{{Type: event.MessageRemoved, Data: event.MessageData{SessionID: s.id, MessageID: messageID}}},
	)
	return nil
}

// clearMessageBlocksLocked removes all blocks and variants owned by a
// message. Caller holds s.mu.
func (s *Store) clearMessageBlocksLocked(msg *types.Message) {
	for _, bid := range msg.BlockIDs {
		delete(s.blocks, bid)
		delete(s.activeBlocks, bid)
	}
	msg.BlockIDs = nil
	for _, vid := range msg.VariantIDs {
		if v, ok := s.variants[vid]; ok {
			for _, bid := range v.BlockIDs {
				delete(s.blocks, bid)
				delete(s.activeBlocks, bid)
			}
			delete(s.variants, vid)
		}
	}
	msg.VariantIDs = nil
}
