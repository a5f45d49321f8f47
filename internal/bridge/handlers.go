package bridge

import (
	"encoding/json"

	"github.com/chatcore-dev/chatcore/internal/session"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

// DefaultRegistry returns a registry preloaded with the built-in
// content types. Plugins extend it with Register.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterSilent("content", TextHandlers("content"))
	r.RegisterSilent("thinking", TextHandlers("thinking"))
	r.RegisterSilent("tool_call", ToolCallHandlers())
	return r
}

// TextHandlers builds the bundle for streamed-text block types.
// OnChunk is left nil so the bridge batches chunks through the chunk
// buffer.
func TextHandlers(blockType string) Handlers {
	return Handlers{
		OnStart: func(store *session.Store, messageID string, payload map[string]any, backendBlockID string) (string, error) {
			if backendBlockID != "" {
				return backendBlockID, store.CreateBlockWithID(backendBlockID, messageID, blockType)
			}
			return store.CreateBlock(messageID, blockType)
		},
		OnEnd: func(store *session.Store, blockID string, result map[string]any) error {
			return store.UpdateBlockStatus(blockID, types.BlockSuccess)
		},
		OnError: func(store *session.Store, blockID, errMsg string) error {
			return store.SetBlockError(blockID, errMsg)
		},
	}
}

// ToolCallHandlers builds the bundle for tool invocation blocks.
// Input arrives as JSON fragments on the chunk phase and accumulates
// in the block's content; the end phase parses the accumulated input
// and records the tool result.
func ToolCallHandlers() Handlers {
	return Handlers{
		OnStart: func(store *session.Store, messageID string, payload map[string]any, backendBlockID string) (string, error) {
			var blockID string
			var err error
			if backendBlockID != "" {
				blockID, err = backendBlockID, store.CreateBlockWithID(backendBlockID, messageID, "tool_call")
			} else {
				blockID, err = store.CreateBlock(messageID, "tool_call")
			}
			if err != nil {
				return "", err
			}
			if input, ok := payload["input"].(map[string]any); ok {
				if err := store.SetBlockToolInput(blockID, input); err != nil {
					return blockID, err
				}
			}
			return blockID, nil
		},
		// Tool input fragments are low-frequency and must be complete
		// before execution, so they bypass the chunk buffer.
		OnChunk: func(store *session.Store, blockID, chunk string) error {
			return store.UpdateBlockContent(blockID, chunk)
		},
		OnEnd: func(store *session.Store, blockID string, result map[string]any) error {
			if b, ok := store.Block(blockID); ok && b.ToolInput == nil && b.Content != "" {
				var input map[string]any
				if err := json.Unmarshal([]byte(b.Content), &input); err == nil {
					if err := store.SetBlockToolInput(blockID, input); err != nil {
						return err
					}
				}
			}
			if result != nil {
				return store.SetBlockResult(blockID, result)
			}
			return store.UpdateBlockStatus(blockID, types.BlockSuccess)
		},
		OnError: func(store *session.Store, blockID, errMsg string) error {
			return store.SetBlockError(blockID, errMsg)
		},
	}
}
