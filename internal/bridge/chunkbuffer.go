package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatcore-dev/chatcore/internal/logging"
	"github.com/chatcore-dev/chatcore/internal/session"
)

// DefaultFlushInterval is the coalescing window for buffered chunks.
const DefaultFlushInterval = 50 * time.Millisecond

// ChunkBuffer accumulates per-block text fragments and commits them in
// batches: one updateBlockContent call per block per flush, however
// many chunks arrived. This decouples chunk arrival rate from store
// mutation rate and downstream re-render cost.
type ChunkBuffer struct {
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingBlock
	sessions map[string]map[string]struct{}
	timers   map[string]*time.Timer
}

type pendingBlock struct {
	store     *session.Store
	sessionID string
	buf       strings.Builder
}

// NewChunkBuffer creates a buffer with the given coalescing window.
func NewChunkBuffer(interval time.Duration) *ChunkBuffer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &ChunkBuffer{
		interval: interval,
		log:      logging.Component("chunkbuffer"),
		pending:  make(map[string]*pendingBlock),
		sessions: make(map[string]map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Push appends a chunk to a block's accumulator and schedules a flush
// for the session if none is pending.
func (c *ChunkBuffer) Push(store *session.Store, blockID, chunk string) {
	sessionID := store.ID()

	c.mu.Lock()
	pb, ok := c.pending[blockID]
	if !ok {
		pb = &pendingBlock{store: store, sessionID: sessionID}
		c.pending[blockID] = pb
		blocks, ok := c.sessions[sessionID]
		if !ok {
			blocks = make(map[string]struct{})
			c.sessions[sessionID] = blocks
		}
		blocks[blockID] = struct{}{}
	}
	pb.buf.WriteString(chunk)

	if _, scheduled := c.timers[sessionID]; !scheduled {
		c.timers[sessionID] = time.AfterFunc(c.interval, func() {
			c.FlushSession(sessionID)
		})
	}
	c.mu.Unlock()
}

// FlushSession immediately commits every buffered block for a session.
// Called on the coalescing timer and forced at stream completion and
// abort so no buffered content is lost.
func (c *ChunkBuffer) FlushSession(sessionID string) {
	c.mu.Lock()
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
	blocks := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	var flush []*pendingBlock
	var ids []string
	for blockID := range blocks {
		if pb, ok := c.pending[blockID]; ok {
			flush = append(flush, pb)
			ids = append(ids, blockID)
			delete(c.pending, blockID)
		}
	}
	c.mu.Unlock()

	for i, pb := range flush {
		if err := pb.store.UpdateBlockContent(ids[i], pb.buf.String()); err != nil {
			c.log.Warn().Err(err).Str("blockID", ids[i]).Msg("dropping buffered chunks")
		}
	}
}

// FlushBlock immediately commits one block's buffered chunks. Used
// before terminal events so the final content is complete.
func (c *ChunkBuffer) FlushBlock(blockID string) {
	c.mu.Lock()
	pb, ok := c.pending[blockID]
	if ok {
		delete(c.pending, blockID)
		if blocks, ok := c.sessions[pb.sessionID]; ok {
			delete(blocks, blockID)
			if len(blocks) == 0 {
				delete(c.sessions, pb.sessionID)
				if t, ok := c.timers[pb.sessionID]; ok {
					t.Stop()
					delete(c.timers, pb.sessionID)
				}
			}
		}
	}
	c.mu.Unlock()

	if ok {
		if err := pb.store.UpdateBlockContent(blockID, pb.buf.String()); err != nil {
			c.log.Warn().Err(err).Str("blockID", blockID).Msg("dropping buffered chunks")
		}
	}
}

// PendingBlocks reports how many blocks currently hold buffered
// chunks.
func (c *ChunkBuffer) PendingBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
