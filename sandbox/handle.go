package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentrun/types"
)

// Handle controls one persistent run. Stop raises a cooperative flag the
// script observes through isStopped and early-wakes any in-flight sleep;
// the script itself decides when to unwind. Wait and Done expose the final
// result once the run exits.
type Handle struct {
	TaskID    string
	StartedAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	doneCh   chan *types.ExecutionResult
	sink     *LogSink
}

func newHandle(taskID string, sink *LogSink) *Handle {
	return &Handle{
		TaskID:    taskID,
		StartedAt: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan *types.ExecutionResult, 1),
		sink:      sink,
	}
}

// Stop requests a cooperative shutdown. Safe to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		close(h.stopCh)
	})
}

// Stopped reports whether Stop has been requested.
func (h *Handle) Stopped() bool {
	return h.stopped.Load()
}

// Done returns a channel that receives the final result when the run
// exits. The channel is buffered, so the run never blocks on delivery.
func (h *Handle) Done() <-chan *types.ExecutionResult {
	return h.doneCh
}

// Wait blocks until the run exits or the context is canceled.
func (h *Handle) Wait(ctx context.Context) (*types.ExecutionResult, error) {
	select {
	case res := <-h.doneCh:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Logs returns a snapshot of the run's buffered log entries.
func (h *Handle) Logs() []types.LogEntry {
	return h.sink.Entries()
}
