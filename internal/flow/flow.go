// Package flow wraps long-running request/response exchanges (grading,
// card generation) so that exactly one of success, error, cancel, or
// timeout settles the outcome, exactly once.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatcore-dev/chatcore/internal/logging"
)

// Default timeout windows for the known flow kinds.
const (
	GradingTimeout        = 120 * time.Second
	CardGenerationTimeout = 300 * time.Second
)

// Result is the settled outcome of a flow. A timeout is a terminal
// state, not an exception: TimedOut lets the caller distinguish
// "backend never responded" from "backend explicitly failed".
type Result struct {
	Payload   map[string]any
	Err       string
	TimedOut  bool
	Cancelled bool
}

// Flow is one in-flight exchange. Every completion path checks the
// settled flag under the lock before acting, so a late backend event
// and a firing timeout can never both win.
type Flow struct {
	id       string
	onCancel func(context.Context)

	mu         sync.Mutex
	settled    bool
	cancelSent bool
	timer      *time.Timer
	done       chan Result
}

// Start begins a flow with a timeout. onCancel, if non-nil, is the
// best-effort backend cancellation; it is invoked at most once, in a
// goroutine, and its acknowledgement is never awaited.
func Start(id string, timeout time.Duration, onCancel func(context.Context)) *Flow {
	f := &Flow{
		id:       id,
		onCancel: onCancel,
		done:     make(chan Result, 1),
	}
	// Assign under the lock: with a tiny timeout the callback can fire
	// before AfterFunc returns, and settle reads f.timer.
	f.mu.Lock()
	f.timer = time.AfterFunc(timeout, func() {
		if f.settle(Result{TimedOut: true, Err: fmt.Sprintf("timeout after %s", timeout)}) {
			f.sendCancel()
		}
	})
	f.mu.Unlock()
	return f
}

// settle records the outcome if nothing settled first. Reports whether
// this call won.
func (f *Flow) settle(r Result) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.timer.Stop()
	f.mu.Unlock()

	f.done <- r
	return true
}

// sendCancel issues the best-effort backend cancel at most once.
func (f *Flow) sendCancel() {
	f.mu.Lock()
	if f.cancelSent || f.onCancel == nil {
		f.mu.Unlock()
		return
	}
	f.cancelSent = true
	f.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f.onCancel(ctx)
	}()
}

// Complete settles the flow successfully. Reports whether this call
// won the race against other completion paths.
func (f *Flow) Complete(payload map[string]any) bool {
	return f.settle(Result{Payload: payload})
}

// Fail settles the flow with a backend error.
func (f *Flow) Fail(errMsg string) bool {
	return f.settle(Result{Err: errMsg})
}

// Cancel settles the flow as cancelled and issues the best-effort
// backend cancel.
func (f *Flow) Cancel() bool {
	if f.settle(Result{Cancelled: true, Err: "cancelled"}) {
		f.sendCancel()
		return true
	}
	return false
}

// Settled reports whether an outcome has been recorded.
func (f *Flow) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Done returns the channel carrying the single settled result.
func (f *Flow) Done() <-chan Result {
	return f.done
}

// Wait blocks for the outcome or context cancellation. Context
// cancellation cancels the flow.
func (f *Flow) Wait(ctx context.Context) Result {
	select {
	case r := <-f.done:
		return r
	case <-ctx.Done():
		f.Cancel()
		return Result{Cancelled: true, Err: ctx.Err().Error()}
	}
}

// Tracker keys in-flight flows so backend events can settle them by
// id. A flow is removed once settled.
type Tracker struct {
	mu    sync.Mutex
	flows map[string]*Flow
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{flows: make(map[string]*Flow)}
}

// Begin starts and registers a flow. Beginning an id that is already
// in flight swaps the registration in one critical section and then
// cancels the displaced flow, so no concurrent Begin can leave a flow
// registered nowhere yet unsettled.
func (t *Tracker) Begin(id string, timeout time.Duration, onCancel func(context.Context)) *Flow {
	f := Start(id, timeout, onCancel)

	t.mu.Lock()
	old := t.flows[id]
	t.flows[id] = f
	t.mu.Unlock()

	if old != nil {
		logging.Warn().Str("flowID", id).Msg("flow already in flight, cancelling stale flow")
		old.Cancel()
	}
	return f
}

// Get returns the in-flight flow for an id.
func (t *Tracker) Get(id string) (*Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[id]
	return f, ok
}

// Resolve settles the flow for an id and removes it. Settling an
// unknown or already-settled id is a no-op returning false.
func (t *Tracker) Resolve(id string, r Result) bool {
	t.mu.Lock()
	f, ok := t.flows[id]
	if ok {
		delete(t.flows, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return f.settle(r)
}

// Remove drops a flow without settling it, for teardown after the
// caller consumed the result.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, id)
}
