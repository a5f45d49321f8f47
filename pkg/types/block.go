package types

// BlockStatus is the lifecycle status of a block. Status only ever
// moves forward: pending -> running -> success|error.
type BlockStatus string

const (
	BlockPending BlockStatus = "pending"
	BlockRunning BlockStatus = "running"
	BlockSuccess BlockStatus = "success"
	BlockError   BlockStatus = "error"
)

// Terminal reports whether the status is a final state.
func (s BlockStatus) Terminal() bool {
	return s == BlockSuccess || s == BlockError
}

// rank orders statuses for forward-only transition checks.
func (s BlockStatus) rank() int {
	switch s {
	case BlockPending:
		return 0
	case BlockRunning:
		return 1
	case BlockSuccess, BlockError:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next respects the
// forward-only status lifecycle.
func (s BlockStatus) CanTransitionTo(next BlockStatus) bool {
	return next.rank() > s.rank()
}

// Block is an addressable unit of assistant output within a message:
// model text, extended thinking, a tool invocation, and so on. The
// type tag is open-ended; unknown tags are carried verbatim.
type Block struct {
	ID         string         `json:"id"`
	MessageID  string         `json:"messageID"`
	Type       string         `json:"type"`
	Status     BlockStatus    `json:"status"`
	Content    string         `json:"content,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ToolOutput map[string]any `json:"toolOutput,omitempty"`
	Error      string         `json:"error,omitempty"`
	VariantID  string         `json:"variantID,omitempty"`
	StartedAt  int64          `json:"startedAt,omitempty"`
	EndedAt    *int64         `json:"endedAt,omitempty"`
}

// VariantStatus is the lifecycle status of a variant.
type VariantStatus string

const (
	VariantRunning VariantStatus = "running"
	VariantDone    VariantStatus = "done"
	VariantFailed  VariantStatus = "failed"
)

// Variant is one of several parallel model responses generated for a
// single user message in multi-model mode. Blocks attached to a
// variant render as siblings of the other variants' blocks rather
// than being interleaved under the message.
type Variant struct {
	ID        string        `json:"id"`
	MessageID string        `json:"messageID"`
	ModelID   string        `json:"modelID,omitempty"`
	Status    VariantStatus `json:"status"`
	BlockIDs  []string      `json:"blockIDs"`
}
