// Package session provides the per-conversation state container, the
// bounded multi-session registry, and the throttled auto-save
// middleware.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chatcore-dev/chatcore/internal/event"
	"github.com/chatcore-dev/chatcore/internal/logging"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// ChangeKind classifies a store change notification.
type ChangeKind string

const (
	ChangeStatus   ChangeKind = "status"
	ChangeMessage  ChangeKind = "message"
	ChangeBlock    ChangeKind = "block"
	ChangeVariant  ChangeKind = "variant"
	ChangeRestored ChangeKind = "restored"
)

// Change describes one mutation of the store, delivered synchronously
// to subscribers after the mutation has been applied.
type Change struct {
	Kind      ChangeKind
	Status    types.SessionStatus
	MessageID string
	BlockID   string
	VariantID string
}

// SendRequest carries everything an injected send callback needs to
// start a stream. The message ids are fixed before the callback runs
// so the event stream and the store agree on identity.
type SendRequest struct {
	SessionID          string
	Content            string
	Attachments        []types.Attachment
	UserMessageID      string
	AssistantMessageID string
}

// RetryRequest carries everything an injected retry callback needs.
type RetryRequest struct {
	SessionID          string
	AssistantMessageID string
	ModelOverride      string
}

// Injected side-effect callbacks. The store never calls a concrete
// transport or storage API; it calls whatever was injected. A nil
// callback is a valid state: the store warns and no-ops.
type (
	SendCallback  func(ctx context.Context, req SendRequest) error
	RetryCallback func(ctx context.Context, req RetryRequest) error
	AbortCallback func(ctx context.Context, sessionID string) error
	SaveCallback  func(ctx context.Context, snap *types.Snapshot) error
	LoadCallback  func(ctx context.Context, sessionID string) (*types.Snapshot, error)
)

type subEntry struct {
	id uint64
	fn func(Change)
}

// Store is the state container for one conversation: messages,
// blocks, variants, status, and guard predicates. A store is mutated
// only by the event bridge and by direct user-action methods; both
// paths funnel through the store's own mutex, so there is a single
// mutation authority per session.
type Store struct {
	id  string
	bus *event.Bus
	log zerolog.Logger

	mu               sync.RWMutex
	status           types.SessionStatus
	messageOrder     []string
	messages         map[string]*types.Message
	blocks           map[string]*types.Block
	activeBlocks     map[string]struct{}
	variants         map[string]*types.Variant
	streamingMessage string

	params       types.ChatParams
	features     []string
	panelVisible bool

	send  SendCallback
	retry RetryCallback
	abort AbortCallback
	save  SaveCallback
	load  LoadCallback

	subMu     sync.Mutex
	subs      []subEntry
	nextSubID uint64
}

// NewStore creates an idle store for the given session id. The bus is
// optional; when present the store publishes typed events on every
// mutation for the rendering layer to consume.
func NewStore(id string, opts types.SessionOptions, bus *event.Bus) *Store {
	return &Store{
		id:           id,
		bus:          bus,
		log:          logging.Component("session").With().Str("sessionID", id).Logger(),
		status:       types.SessionIdle,
		messages:     make(map[string]*types.Message),
		blocks:       make(map[string]*types.Block),
		activeBlocks: make(map[string]struct{}),
		variants:     make(map[string]*types.Variant),
		params:       opts.Params,
		features:     opts.Features,
		panelVisible: opts.PanelVisible,
	}
}

// ID returns the session id.
func (s *Store) ID() string { return s.id }

// Status returns the session's current lifecycle status.
func (s *Store) Status() types.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// StreamingMessageID returns the id of the assistant message currently
// receiving stream output, or "" when idle.
func (s *Store) StreamingMessageID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamingMessage
}

// Params returns the session's chat parameters.
func (s *Store) Params() types.ChatParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// PanelVisible reports whether the session's side panel is shown.
func (s *Store) PanelVisible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.panelVisible
}

// Subscribe registers a change listener and returns an unsubscribe
// function. Listeners run synchronously, outside the store's lock.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, subEntry{id: id, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, e := range s.subs {
			if e.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
	}
}

// SetSendCallback injects the callback that starts a stream.
func (s *Store) SetSendCallback(fn SendCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = fn
}

// SetRetryCallback injects the callback that restarts a stream.
func (s *Store) SetRetryCallback(fn RetryCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = fn
}

// SetAbortCallback injects the callback that cancels a stream.
func (s *Store) SetAbortCallback(fn AbortCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abort = fn
}

// SetSaveCallback injects the persistence callback.
func (s *Store) SetSaveCallback(fn SaveCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.save = fn
}

// SetLoadCallback injects the hydration callback.
func (s *Store) SetLoadCallback(fn LoadCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load = fn
}

// notify delivers changes to subscribers and publishes the matching
// bus events. Must be called without holding s.mu.
func (s *Store) notify(changes []Change, events []event.Event) {
	s.subMu.Lock()
	subs := make([]subEntry, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, c := range changes {
		for _, e := range subs {
			e.fn(c)
		}
	}
	if s.bus != nil {
		for _, ev := range events {
			s.bus.Publish(ev)
		}
	}
}

// SendMessage appends a user message, opens an assistant reply, and
// invokes the injected send callback. Generated ids are returned so
// callers can correlate subsequent backend events.
func (s *Store) SendMessage(ctx context.Context, content string, attachments []types.Attachment) (userID, assistantID string, err error) {
	userID = generateID()
	assistantID = generateID()
	err = s.SendMessageWithIDs(ctx, content, attachments, userID, assistantID)
	return userID, assistantID, err
}

// SendMessageWithIDs is SendMessage with caller-pinned message ids,
// required by retry flows where identity must be agreed before the
// first backend event arrives.
func (s *Store) SendMessageWithIDs(ctx context.Context, content string, attachments []types.Attachment, userID, assistantID string) error {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	if s.status != types.SessionIdle {
		s.mu.Unlock()
		return fmt.Errorf("send: %w (status %s)", ErrNotIdle, s.status)
	}

	userMsg := &types.Message{ID: userID, Role: types.RoleUser, Timestamp: now}
	contentBlock := &types.Block{
		ID:        generateID(),
		MessageID: userID,
		Type:      "content",
		Status:    types.BlockSuccess,
		Content:   content,
		StartedAt: now,
		EndedAt:   &now,
	}
	userMsg.BlockIDs = []string{contentBlock.ID}
	s.messages[userID] = userMsg
	s.blocks[contentBlock.ID] = contentBlock
	s.messageOrder = append(s.messageOrder, userID)

	assistantMsg := &types.Message{ID: assistantID, Role: types.RoleAssistant, Timestamp: now}
	s.messages[assistantID] = assistantMsg
	s.messageOrder = append(s.messageOrder, assistantID)

	s.status = types.SessionStreaming
	s.streamingMessage = assistantID
	send := s.send
	s.mu.Unlock()

	s.notify(
		[]Change{
			{Kind: ChangeMessage, MessageID: userID},
			{Kind: ChangeMessage, MessageID: assistantID},
			{Kind: ChangeStatus, Status: types.SessionStreaming},
		},
		[]event.Event{
			{Type: event.MessageCreated, Data: event.MessageData{SessionID: s.id, Info: userMsg}},
			{Type: event.MessageCreated, Data: event.MessageData{SessionID: s.id, Info: assistantMsg}},
			{Type: event.SessionUpdated, Data: event.SessionData{SessionID: s.id, Streaming: true}},
		},
	)

	if send == nil {
		s.log.Warn().Msg("no send callback injected, stream will not start")
		return nil
	}

	err := send(ctx, SendRequest{
		SessionID:          s.id,
		Content:            content,
		Attachments:        attachments,
		UserMessageID:      userID,
		AssistantMessageID: assistantID,
	})
	if err != nil {
		s.failStream(assistantID, err)
		return fmt.Errorf("send callback: %w", err)
	}
	return nil
}

// RetryMessage regenerates an assistant message. The target must be an
// unlocked assistant message, the session must be idle, and a retry
// callback must be injected. Existing blocks of the target are cleared
// before the callback runs.
func (s *Store) RetryMessage(ctx context.Context, assistantMessageID string, modelOverride string) error {
	s.mu.Lock()
	msg, ok := s.messages[assistantMessageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("retry %s: %w", assistantMessageID, ErrMessageNotFound)
	}
	if msg.Role != types.RoleAssistant {
		s.mu.Unlock()
		return fmt.Errorf("retry %s: %w", assistantMessageID, ErrNotAssistant)
	}
	if s.messageLockedLocked(assistantMessageID) {
		s.mu.Unlock()
		return fmt.Errorf("retry %s: %w", assistantMessageID, ErrMessageLocked)
	}
	if s.retry == nil {
		s.mu.Unlock()
		return fmt.Errorf("retry %s: %w", assistantMessageID, ErrNoRetryCallback)
	}
	if s.status != types.SessionIdle {
		s.mu.Unlock()
		return fmt.Errorf("retry: %w (status %s)", ErrNotIdle, s.status)
	}

	s.clearMessageBlocksLocked(msg)
	s.status = types.SessionStreaming
	s.streamingMessage = assistantMessageID
	retry := s.retry
	s.mu.Unlock()

	s.notify(
		[]Change{
			{Kind: ChangeMessage, MessageID: assistantMessageID},
			{Kind: ChangeStatus, Status: types.SessionStreaming},
		},
		[]event.Event{
			{Type: event.MessageUpdated, Data: event.MessageData{SessionID: s.id, Info: msg}},
			{Type: event.SessionUpdated, Data: event.SessionData{SessionID: s.id, Streaming: true}},
		},
	)

	err := retry(ctx, RetryRequest{
		SessionID:          s.id,
		AssistantMessageID: assistantMessageID,
		ModelOverride:      modelOverride,
	})
	if err != nil {
		s.failStream(assistantMessageID, err)
		return fmt.Errorf("retry callback: %w", err)
	}
	return nil
}

// failStream rolls the session back to idle after a send/retry
// callback failure and attaches an error block to the assistant
// message so the UI can render a retry affordance.
func (s *Store) failStream(assistantMessageID string, cause error) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	s.status = types.SessionIdle
	s.streamingMessage = ""

	var errBlock *types.Block
	if msg, ok := s.messages[assistantMessageID]; ok {
		errBlock = &types.Block{
			ID:        generateID(),
			MessageID: assistantMessageID,
			Type:      "content",
			Status:    types.BlockError,
			Error:     cause.Error(),
			StartedAt: now,
			EndedAt:   &now,
		}
		s.blocks[errBlock.ID] = errBlock
		msg.BlockIDs = append(msg.BlockIDs, errBlock.ID)
	}
	s.mu.Unlock()

	changes := []Change{{Kind: ChangeStatus, Status: types.SessionIdle}}
	events := []event.Event{
		{Type: event.SessionUpdated, Data: event.SessionData{SessionID: s.id}},
	}
	if errBlock != nil {
		changes = append(changes, Change{Kind: ChangeBlock, BlockID: errBlock.ID, MessageID: assistantMessageID})
		events = append(events, event.Event{
			Type: event.BlockUpdated,
			Data: event.BlockUpdatedData{SessionID: s.id, Block: errBlock},
		})
	}
	s.notify(changes, events)
}

// AbortStream cancels the active stream. The injected abort callback
// is awaited before any state is torn down; active blocks are then
// resolved as errors and the session returns to idle.
func (s *Store) AbortStream(ctx context.Context) error {
	s.mu.Lock()
	if s.status != types.SessionStreaming {
		s.mu.Unlock()
		return fmt.Errorf("abort: %w", ErrNoActiveStream)
	}
	s.status = types.SessionAborting
	abort := s.abort
	s.mu.Unlock()

	s.notify(
		[]Change{{Kind: ChangeStatus, Status: types.SessionAborting}},
		[]event.Event{{Type: event.SessionUpdated, Data: event.SessionData{SessionID: s.id, Streaming: true}}},
	)

	var cbErr error
	if abort != nil {
		cbErr = abort(ctx, s.id)
		if cbErr != nil {
			s.log.Error().Err(cbErr).Msg("abort callback failed")
		}
	} else {
		s.log.Warn().Msg("no abort callback injected")
	}

	s.resolveStream(types.BlockError, "aborted")
	return cbErr
}

// CompleteStream resolves any blocks still active and returns the
// session to idle. The bridge calls this for every lifecycle channel
// event: stream_complete, stream_error, and stream_cancelled all end
// the stream; the final status of leftover blocks differs.
func (s *Store) CompleteStream(eventType, errMsg string) {
	switch eventType {
	case types.StreamComplete:
		s.resolveStream(types.BlockSuccess, "")
	case types.StreamCancelled:
		s.resolveStream(types.BlockError, "cancelled")
	default:
		if errMsg == "" {
			errMsg = "stream error"
		}
		s.resolveStream(types.BlockError, errMsg)
	}
}

// resolveStream moves every active block to a terminal status and
// resets the session to idle.
func (s *Store) resolveStream(status types.BlockStatus, errMsg string) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	var resolved []*types.Block
	for id := range s.activeBlocks {
		b, ok := s.blocks[id]
		if !ok {
			continue
		}
		b.Status = status
		b.EndedAt = &now
		if errMsg != "" {
			b.Error = errMsg
		}
		resolved = append(resolved, b)
	}
	s.activeBlocks = make(map[string]struct{})
	s.status = types.SessionIdle
	s.streamingMessage = ""
	s.mu.Unlock()

	changes := []Change{{Kind: ChangeStatus, Status: types.SessionIdle}}
	events := []event.Event{{Type: event.SessionUpdated, Data: event.SessionData{SessionID: s.id}}}
	for _, b := range resolved {
		changes = append(changes, Change{Kind: ChangeBlock, BlockID: b.ID, MessageID: b.MessageID})
		events = append(events, event.Event{
			Type: event.BlockUpdated,
			Data: event.BlockUpdatedData{SessionID: s.id, Block: b},
		})
	}
	s.notify(changes, events)
}

// SaveSession snapshots the session and hands it to the injected
// persistence callback. Callback failures propagate to the caller.
func (s *Store) SaveSession(ctx context.Context) error {
	s.mu.RLock()
	save := s.save
	s.mu.RUnlock()

	if save == nil {
		s.log.Warn().Msg("no save callback injected, skipping save")
		return nil
	}

	snap := s.Snapshot()
	if err := save(ctx, snap); err != nil {
		return fmt.Errorf("save session %s: %w", s.id, err)
	}
	if s.bus != nil {
		s.bus.Publish(event.Event{
			Type: event.SessionSaved,
			Data: event.SessionSavedData{SessionID: s.id, UpdatedAt: snap.UpdatedAt},
		})
	}
	return nil
}

// LoadSession hydrates the session through the injected load callback.
func (s *Store) LoadSession(ctx context.Context) error {
	s.mu.RLock()
	load := s.load
	s.mu.RUnlock()

	if load == nil {
		s.log.Warn().Msg("no load callback injected, skipping load")
		return nil
	}

	snap, err := load(ctx, s.id)
	if err != nil {
		return fmt.Errorf("load session %s: %w", s.id, err)
	}
	s.RestoreFromBackend(snap)
	return nil
}

// generateID returns a new ULID.
func generateID() string {
	return ulid.Make().String()
}
