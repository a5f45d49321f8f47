package event

import "github.com/chatcore-dev/chatcore/pkg/types"

// SessionData is the payload of session lifecycle events
// (created/destroyed/evicted).
type SessionData struct {
	SessionID string `json:"sessionID"`
	Streaming bool   `json:"streaming,omitempty"`
}

// SessionSavedData is the payload of session.saved events.
type SessionSavedData struct {
	SessionID string `json:"sessionID"`
	UpdatedAt int64  `json:"updatedAt"`
}

// MessageData is the payload of message lifecycle events.
type MessageData struct {
	SessionID string         `json:"sessionID"`
	Info      *types.Message `json:"info,omitempty"`
	MessageID string         `json:"messageID,omitempty"`
}

// BlockUpdatedData is the payload of block.updated events. Delta
// carries the batched text appended since the last notification.
type BlockUpdatedData struct {
	SessionID string       `json:"sessionID"`
	Block     *types.Block `json:"block"`
	Delta     string       `json:"delta,omitempty"`
}

// VariantUpdatedData is the payload of variant.updated events.
type VariantUpdatedData struct {
	SessionID string         `json:"sessionID"`
	Variant   *types.Variant `json:"variant"`
}

// FlowCancelData is the payload of flow.cancel_requested events.
type FlowCancelData struct {
	FlowID    string `json:"flowID"`
	SessionID string `json:"sessionID"`
	Kind      string `json:"kind"`
}

// BridgeDiagnosticData is the payload of bridge.* diagnostic events.
type BridgeDiagnosticData struct {
	SessionID  string `json:"sessionID"`
	EventType  string `json:"eventType,omitempty"`
	SequenceID *int64 `json:"sequenceID,omitempty"`
	Detail     string `json:"detail,omitempty"`
}
