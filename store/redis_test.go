package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStateRepository) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	repo, err := NewRedisStateRepository(cfg)
	require.NoError(t, err)

	return mr, repo
}

func TestRedisStateRepository_SetAndGetAll(t *testing.T) {
	mr, repo := setupTestRedis(t)
	defer mr.Close()
	defer repo.Close()

	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, StateEntry{TaskID: "task-1", UserID: "user-1", Key: "count", Value: 3}))
	require.NoError(t, repo.Set(ctx, StateEntry{TaskID: "task-1", UserID: "user-1", Key: "label", Value: "hot"}))
	require.NoError(t, repo.Set(ctx, StateEntry{TaskID: "task-2", UserID: "user-1", Key: "count", Value: 99}))

	got, err := repo.GetAll(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float64(3), got["count"])
	assert.Equal(t, "hot", got["label"])

	other, err := repo.GetAll(ctx, "task-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, float64(99), other["count"])
}

func TestRedisStateRepository_Overwrite(t *testing.T) {
	mr, repo := setupTestRedis(t)
	defer mr.Close()
	defer repo.Close()

	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, StateEntry{TaskID: "t", Key: "k", Value: "old"}))
	require.NoError(t, repo.Set(ctx, StateEntry{TaskID: "t", Key: "k", Value: map[string]any{"v": 2.0}}))

	got, err := repo.GetAll(ctx, "t")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"v": 2.0}, got["k"])
}

func TestRedisStateRepository_EmptyTask(t *testing.T) {
	mr, repo := setupTestRedis(t)
	defer mr.Close()
	defer repo.Close()

	got, err := repo.GetAll(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStateRepository_KeyNaming(t *testing.T) {
	mr, repo := setupTestRedis(t)
	defer mr.Close()
	defer repo.Close()

	ctx := context.Background()
	require.NoError(t, repo.Set(ctx, StateEntry{TaskID: "task-9", Key: "k", Value: 1}))

	// state lives in one hash per task
	assert.True(t, mr.Exists("agentrun:state:task-9"))
	assert.Equal(t, "1", mr.HGet("agentrun:state:task-9", "k"))
}

func TestRedisStateRepository_InvalidInput(t *testing.T) {
	mr, repo := setupTestRedis(t)
	defer mr.Close()
	defer repo.Close()

	ctx := context.Background()
	assert.ErrorIs(t, repo.Set(ctx, StateEntry{TaskID: "", Key: "k"}), ErrInvalidInput)
	assert.ErrorIs(t, repo.Set(ctx, StateEntry{TaskID: "t", Key: ""}), ErrInvalidInput)
}

func TestRedisStateRepository_ConnectFailure(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1" // nothing listens here

	_, err := NewRedisStateRepository(cfg)
	assert.Error(t, err)
}
