package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/store"
)

// countingRepo counts GetAll calls on top of a memory repository.
type countingRepo struct {
	inner store.StateRepository
	loads atomic.Int64
}

func (r *countingRepo) GetAll(ctx context.Context, taskID string) (map[string]any, error) {
	r.loads.Add(1)
	return r.inner.GetAll(ctx, taskID)
}

func (r *countingRepo) Set(ctx context.Context, entry store.StateEntry) error {
	return r.inner.Set(ctx, entry)
}

// outageRepo fails every call until healed.
type outageRepo struct {
	inner store.StateRepository
	mu    sync.Mutex
	down  bool
}

func (r *outageRepo) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *outageRepo) GetAll(ctx context.Context, taskID string) (map[string]any, error) {
	r.mu.Lock()
	down := r.down
	r.mu.Unlock()
	if down {
		return nil, errors.New("storage unavailable")
	}
	return r.inner.GetAll(ctx, taskID)
}

func (r *outageRepo) Set(ctx context.Context, entry store.StateEntry) error {
	r.mu.Lock()
	down := r.down
	r.mu.Unlock()
	if down {
		return errors.New("storage unavailable")
	}
	return r.inner.Set(ctx, entry)
}

func TestStore_RoundTripWithoutRepository(t *testing.T) {
	s := New(nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "task-1", "user-1", "count", 42))
	require.NoError(t, s.Set(ctx, "task-1", "user-1", "flag", true))
	require.NoError(t, s.Set(ctx, "task-1", "user-1", "obj", map[string]any{"x": "y"}))

	// values are normalized through JSON, so numbers read back as float64
	assert.Equal(t, float64(42), s.Get(ctx, "task-1", "count"))
	assert.Equal(t, true, s.Get(ctx, "task-1", "flag"))
	assert.Equal(t, map[string]any{"x": "y"}, s.Get(ctx, "task-1", "obj"))

	assert.Nil(t, s.Get(ctx, "task-1", "never-written"))
	assert.Nil(t, s.Get(ctx, "other-task", "count"))
}

func TestStore_LazyLoadFromRepository(t *testing.T) {
	repo := store.NewMemoryStateRepository()
	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, store.StateEntry{TaskID: "task-1", UserID: "u", Key: "seeded", Value: "durable"}))

	s := New(repo, nil, nil)

	assert.False(t, s.Loaded("task-1"))
	assert.Equal(t, "durable", s.Get(ctx, "task-1", "seeded"))
	assert.True(t, s.Loaded("task-1"))
}

func TestStore_LoadHappensOnce(t *testing.T) {
	repo := &countingRepo{inner: store.NewMemoryStateRepository()}
	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, store.StateEntry{TaskID: "task-1", UserID: "u", Key: "k", Value: 1}))

	s := New(repo, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Get(ctx, "task-1", "k")
		}()
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		_ = s.Get(ctx, "task-1", "k")
	}

	assert.EqualValues(t, 1, repo.loads.Load(), "durable rows should load exactly once")
}

func TestStore_InProcessWritesWinAfterOutage(t *testing.T) {
	inner := store.NewMemoryStateRepository()
	ctx := context.Background()
	require.NoError(t, inner.Set(ctx, store.StateEntry{TaskID: "task-1", UserID: "u", Key: "k1", Value: "stale"}))
	require.NoError(t, inner.Set(ctx, store.StateEntry{TaskID: "task-1", UserID: "u", Key: "k2", Value: "only-durable"}))

	repo := &outageRepo{inner: inner, down: true}
	s := New(repo, nil, nil)

	// written while storage is down: cached, durable write swallowed
	require.NoError(t, s.Set(ctx, "task-1", "u", "k1", "fresh"))
	assert.Equal(t, "fresh", s.Get(ctx, "task-1", "k1"))
	assert.False(t, s.Loaded("task-1"), "a failed load must not be marked done")

	repo.setDown(false)

	// the retried load fills the gaps but never clobbers in-process writes
	assert.Equal(t, "only-durable", s.Get(ctx, "task-1", "k2"))
	assert.Equal(t, "fresh", s.Get(ctx, "task-1", "k1"))
	assert.True(t, s.Loaded("task-1"))
}

func TestStore_FireAndForgetThroughWriterPool(t *testing.T) {
	repo := store.NewMemoryStateRepository()
	writer := pool.New(pool.Config{Workers: 2, QueueSize: 16}, nil, nil)
	defer writer.Close()

	s := New(repo, writer, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "task-1", "user-1", "k", "v"))

	// read-your-writes is immediate
	assert.Equal(t, "v", s.Get(ctx, "task-1", "k"))

	// the durable row lands asynchronously
	require.Eventually(t, func() bool {
		rows, err := repo.GetAll(ctx, "task-1")
		return err == nil && rows["k"] == "v"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_DurableWriteFailureIsSwallowed(t *testing.T) {
	repo := &outageRepo{inner: store.NewMemoryStateRepository()}
	s := New(repo, nil, nil)
	ctx := context.Background()

	// load succeeds (repo up), then writes start failing
	_ = s.Get(ctx, "task-1", "warmup")
	repo.setDown(true)

	require.NoError(t, s.Set(ctx, "task-1", "u", "k", "v"), "a durable write failure must not surface")
	assert.Equal(t, "v", s.Get(ctx, "task-1", "k"))
}

func TestStore_RejectsBadInput(t *testing.T) {
	s := New(nil, nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Set(ctx, "", "u", "k", 1), store.ErrInvalidInput)
	assert.ErrorIs(t, s.Set(ctx, "t", "u", "", 1), store.ErrInvalidInput)

	err := s.Set(ctx, "t", "u", "fn", func() {})
	assert.Error(t, err, "non-JSON values are rejected before caching")
	assert.Nil(t, s.Get(ctx, "t", "fn"))
}
