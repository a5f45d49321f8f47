package types

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one entry in a conversation. Block content lives in the
// session's block table; a message only orders its block ids.
type Message struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Timestamp int64       `json:"timestamp"`
	BlockIDs  []string    `json:"blockIDs"`
	// VariantIDs lists the variants attached to this message in
	// multi-model mode, in creation order.
	VariantIDs []string `json:"variantIDs,omitempty"`
}

// Attachment is an opaque file reference sent with a user message.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}
