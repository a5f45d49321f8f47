package types

// EventPhase is the lifecycle phase of a backend content event.
type EventPhase string

const (
	PhaseStart EventPhase = "start"
	PhaseChunk EventPhase = "chunk"
	PhaseEnd   EventPhase = "end"
	PhaseError EventPhase = "error"
)

// Variant-lifecycle event type names. These are routed to the session
// store's variant handling instead of a registry handler.
const (
	EventVariantStart = "variant_start"
	EventVariantEnd   = "variant_end"
)

// BackendEvent is one event pushed by the transport layer for a
// session's content channel. SequenceID is monotonically increasing
// per session; a nil SequenceID marks a legacy/untracked event that
// bypasses ordering.
type BackendEvent struct {
	Type       string         `json:"type"`
	Phase      EventPhase     `json:"phase"`
	SequenceID *int64         `json:"sequenceId,omitempty"`
	MessageID  string         `json:"messageId,omitempty"`
	BlockID    string         `json:"blockId,omitempty"`
	VariantID  string         `json:"variantId,omitempty"`
	Chunk      string         `json:"chunk,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// IsVariantLifecycle reports whether the event is a variant boundary.
func (e *BackendEvent) IsVariantLifecycle() bool {
	return e.Type == EventVariantStart || e.Type == EventVariantEnd
}

// Lifecycle event types for the per-session lifecycle channel. All
// three reset the session to idle.
const (
	StreamComplete  = "stream_complete"
	StreamError     = "stream_error"
	StreamCancelled = "stream_cancelled"
)

// LifecycleEvent is one event pushed by the transport layer on a
// session's lifecycle channel.
type LifecycleEvent struct {
	SessionID  string `json:"sessionId"`
	EventType  string `json:"eventType"`
	MessageID  string `json:"messageId,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}
