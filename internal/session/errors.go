package session

import "errors"

// Guard violations are returned synchronously with a descriptive
// reason. The store enforces every guard itself; the exported guard
// predicates only let callers fail earlier.
var (
	ErrNotIdle         = errors.New("session is not idle")
	ErrNoActiveStream  = errors.New("session has no active stream")
	ErrMessageLocked   = errors.New("message is locked by an active block")
	ErrMessageNotFound = errors.New("message not found")
	ErrBlockNotFound   = errors.New("block not found")
	ErrBlockExists     = errors.New("block already exists")
	ErrVariantNotFound = errors.New("variant not found")
	ErrNotAssistant    = errors.New("retry target is not an assistant message")
	ErrNoRetryCallback = errors.New("no retry callback injected")
)
