package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Constructor ---

func TestNewFileWatcher_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)
	require.NotNil(t, w)

	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, time.Second, w.pollInterval)
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
}

func TestNewFileWatcher_WithOptions(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0644))

	logger := zap.NewNop()
	w, err := NewFileWatcher([]string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(500*time.Millisecond),
		WithWatcherLogger(logger),
	)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, w.pollInterval)
	assert.Equal(t, 500*time.Millisecond, w.debounceDelay)
}

func TestNewFileWatcher_NonExistentPathWarns(t *testing.T) {
	// A missing path is not an error; the poll loop reports the file
	// once it appears.
	w, err := NewFileWatcher([]string{"/nonexistent/path/config.yaml"})
	require.NoError(t, err)
	require.NotNil(t, w)
}

// --- FileOp ---

func TestFileOp_String(t *testing.T) {
	tests := []struct {
		op       FileOp
		expected string
	}{
		{FileOpCreate, "CREATE"},
		{FileOpWrite, "WRITE"},
		{FileOpRemove, "REMOVE"},
		{FileOpRename, "RENAME"},
		{FileOpChmod, "CHMOD"},
		{FileOp(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.op.String())
		})
	}
}

// --- AddPath / RemovePath / Paths ---

func TestFileWatcher_AddPath(t *testing.T) {
	tmpDir := t.TempDir()
	f1 := filepath.Join(tmpDir, "a.yaml")
	f2 := filepath.Join(tmpDir, "b.yaml")
	require.NoError(t, os.WriteFile(f1, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(f2, []byte("b"), 0644))

	w, err := NewFileWatcher([]string{f1})
	require.NoError(t, err)

	require.NoError(t, w.AddPath(f2))
	assert.Len(t, w.Paths(), 2)

	// Adding the same path again is a no-op
	require.NoError(t, w.AddPath(f2))
	assert.Len(t, w.Paths(), 2)
}

func TestFileWatcher_RemovePath(t *testing.T) {
	tmpDir := t.TempDir()
	f1 := filepath.Join(tmpDir, "a.yaml")
	f2 := filepath.Join(tmpDir, "b.yaml")
	require.NoError(t, os.WriteFile(f1, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(f2, []byte("b"), 0644))

	w, err := NewFileWatcher([]string{f1})
	require.NoError(t, err)
	require.NoError(t, w.AddPath(f2))

	require.NoError(t, w.RemovePath(f2))
	assert.Len(t, w.Paths(), 1)
}

func TestFileWatcher_RemovePath_NotFound(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "a.yaml")
	require.NoError(t, os.WriteFile(f, []byte("a"), 0644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)

	err = w.RemovePath(filepath.Join(tmpDir, "nonexistent.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path not found")
}

// --- Start / Stop / IsRunning lifecycle ---

func TestFileWatcher_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0644))

	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	assert.False(t, w.IsRunning())

	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	// Double start should error
	err = w.Start(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())

	// Stop when already stopped is a no-op
	require.NoError(t, w.Stop())
}

// --- OnChange callback ---

func TestFileWatcher_OnChange_Callback(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []FileEvent
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	// Modify the file with an mtime bump the poll loop cannot miss
	require.NoError(t, os.WriteFile(f, []byte("v2"), 0644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(f, future, future))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 1
	}, 3*time.Second, 10*time.Millisecond, "should detect at least one change")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, f, events[0].Path)
	assert.Equal(t, FileOpWrite, events[0].Op)
}

func TestFileWatcher_DetectsRemove(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var ops []FileOp
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		ops = append(ops, evt.Op)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	require.NoError(t, os.Remove(f))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, op := range ops {
			if op == FileOpRemove {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "should report the removal")
}

func TestFileWatcher_DetectsCreate(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "late.yaml")

	// Watch a path that does not exist yet
	w, err := NewFileWatcher([]string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var ops []FileOp
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		ops = append(ops, evt.Op)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	require.NoError(t, os.WriteFile(f, []byte("born"), 0644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, op := range ops {
			if op == FileOpCreate {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "should report the creation")
}

// --- Debounce behavior ---

// TestFileWatcher_Coalesces verifies that multiple events for the same
// path inside one debounce window collapse into a single dispatch.
func TestFileWatcher_Coalesces(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "coalesce.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v0"), 0644))

	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	callCount := 0
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		callCount++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	// Feed events directly, faster than the debounce window
	for i := 0; i < 3; i++ {
		w.eventChan <- FileEvent{
			Path:      f,
			Op:        FileOpWrite,
			Timestamp: time.Now(),
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Wait for the debounce to flush
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, callCount,
		"events for the same path should be coalesced into a single dispatch")
}

// TestFileWatcher_RapidEvents floods the event channel to make sure the
// dispatch loop keeps up and stays race free; all pending-map access
// happens on the dispatch goroutine.
func TestFileWatcher_RapidEvents(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "race.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v0"), 0644))

	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	var dispatched []FileEvent
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		dispatched = append(dispatched, evt)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	for i := 0; i < 50; i++ {
		w.eventChan <- FileEvent{
			Path:      f,
			Op:        FileOpWrite,
			Timestamp: time.Now(),
		}
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispatched) >= 1
	}, 2*time.Second, 10*time.Millisecond,
		"expected at least 1 dispatched event after rapid writes")
}

// --- Context cancellation stops watcher ---

func TestFileWatcher_ContextCancel(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	// Canceling the context stops the goroutines; the running flag only
	// flips on an explicit Stop.
	cancel()
	time.Sleep(100 * time.Millisecond)
	assert.True(t, w.IsRunning())

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}
