// Package types provides the core data types for the chatcore server.
package types

// SessionStatus is the lifecycle status of a conversation session.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionStreaming SessionStatus = "streaming"
	SessionAborting  SessionStatus = "aborting"
)

// ChatParams holds the model parameters configured for a session.
type ChatParams struct {
	ModelID     string   `json:"modelID,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

// SessionOptions configures a session at creation time.
type SessionOptions struct {
	Params       ChatParams `json:"params"`
	Features     []string   `json:"features,omitempty"`
	PanelVisible bool       `json:"panelVisible,omitempty"`
}

// Snapshot is the persisted shape of a session. It carries everything
// needed to reconstruct the in-memory model.
type Snapshot struct {
	SessionID    string              `json:"sessionID"`
	MessageOrder []string            `json:"messageOrder"`
	Messages     map[string]*Message `json:"messages"`
	Blocks       map[string]*Block   `json:"blocks"`
	Variants     map[string]*Variant `json:"variants,omitempty"`
	Params       ChatParams          `json:"params"`
	Features     []string            `json:"features,omitempty"`
	PanelVisible bool                `json:"panelVisible,omitempty"`
	UpdatedAt    int64               `json:"updatedAt"`
}
