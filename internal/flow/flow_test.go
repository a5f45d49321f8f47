package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowComplete(t *testing.T) {
	f := Start("grade-1", time.Second, nil)
	require.True(t, f.Complete(map[string]any{"score": 0.9}))

	r := <-f.Done()
	assert.Equal(t, 0.9, r.Payload["score"])
	assert.False(t, r.TimedOut)
	assert.Empty(t, r.Err)
}

func TestFlowSettlesOnce(t *testing.T) {
	f := Start("grade-1", time.Second, nil)
	require.True(t, f.Complete(map[string]any{"ok": true}))
	assert.False(t, f.Fail("too late"))
	assert.False(t, f.Cancel())
	assert.False(t, f.Complete(nil))

	r := <-f.Done()
	assert.Equal(t, true, r.Payload["ok"])
}

func TestFlowTimeoutSendsCancelOnce(t *testing.T) {
	var cancels atomic.Int32
	done := make(chan struct{})
	f := Start("grade-1", 20*time.Millisecond, func(ctx context.Context) {
		cancels.Add(1)
		close(done)
	})

	r := <-f.Done()
	assert.True(t, r.TimedOut)
	assert.Contains(t, r.Err, "timeout")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel callback never invoked")
	}

	// A user cancel after the timeout must not fire a second backend
	// cancel.
	assert.False(t, f.Cancel())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), cancels.Load())
}

func TestFlowLateEventAfterTimeout(t *testing.T) {
	f := Start("grade-1", 10*time.Millisecond, nil)
	r := <-f.Done()
	require.True(t, r.TimedOut)

	assert.False(t, f.Complete(map[string]any{"score": 1.0}))
	assert.True(t, f.Settled())
}

func TestFlowCancelBeforeTimeout(t *testing.T) {
	var cancels atomic.Int32
	f := Start("cards-1", time.Second, func(ctx context.Context) {
		cancels.Add(1)
	})
	require.True(t, f.Cancel())

	r := <-f.Done()
	assert.True(t, r.Cancelled)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), cancels.Load())
}

func TestFlowWaitContextCancel(t *testing.T) {
	f := Start("cards-1", time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := f.Wait(ctx)
	assert.True(t, r.Cancelled)
	assert.True(t, f.Settled())
}

func TestFlowConcurrentSettle(t *testing.T) {
	f := Start("grade-1", time.Minute, nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				if f.Complete(nil) {
					wins.Add(1)
				}
			} else {
				if f.Fail("boom") {
					wins.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	<-f.Done()
}

func TestTrackerResolve(t *testing.T) {
	tr := NewTracker()
	f := tr.Begin("grade-1", time.Minute, nil)

	require.True(t, tr.Resolve("grade-1", Result{Payload: map[string]any{"done": true}}))
	r := <-f.Done()
	assert.Equal(t, true, r.Payload["done"])

	_, ok := tr.Get("grade-1")
	assert.False(t, ok)
	assert.False(t, tr.Resolve("grade-1", Result{}))
}

func TestTrackerBeginCancelsStale(t *testing.T) {
	tr := NewTracker()
	old := tr.Begin("grade-1", time.Minute, nil)
	fresh := tr.Begin("grade-1", time.Minute, nil)

	r := <-old.Done()
	assert.True(t, r.Cancelled)
	assert.False(t, fresh.Settled())

	fresh.Complete(nil)
}

func TestFlowImmediateTimeout(t *testing.T) {
	// A non-positive timeout fires the timer callback as soon as it is
	// armed; the flow must still settle cleanly as timed out.
	f := Start("grade-1", 0, nil)

	select {
	case r := <-f.Done():
		assert.True(t, r.TimedOut)
	case <-time.After(time.Second):
		t.Fatal("flow never settled")
	}
	assert.True(t, f.Settled())
}

func TestTrackerConcurrentBeginLeavesOneLiveFlow(t *testing.T) {
	tr := NewTracker()
	const n = 16
	flows := make([]*Flow, n)

	var wg sync.WaitGroup
	for i := range flows {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flows[i] = tr.Begin("grade-1", time.Minute, nil)
		}(i)
	}
	wg.Wait()

	winner, ok := tr.Get("grade-1")
	require.True(t, ok)
	assert.False(t, winner.Settled())

	// Every displaced flow was cancelled by the Begin that replaced it;
	// none is left registered nowhere and unsettled.
	for _, f := range flows {
		if f == winner {
			continue
		}
		assert.True(t, f.Settled())
	}

	winner.Complete(nil)
}
