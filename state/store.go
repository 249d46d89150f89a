// Package state provides the per-task key/value store used by running
// scripts. Reads are served from an in-memory cache that is
// authoritative for the lifetime of the process; the durable
// repository is authoritative across restarts. Writes land in the
// cache synchronously and reach the repository asynchronously, so a
// storage outage degrades durability to best effort without ever
// blocking a run.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/store"
)

// Store is the process-wide state cache. Construct one per runtime and
// share it; the zero value is not usable.
type Store struct {
	repo   store.StateRepository
	writer *pool.WriterPool
	logger *zap.Logger

	mu     sync.RWMutex
	cache  map[string]map[string]any
	loaded map[string]bool

	// collapses concurrent first reads of one task into a single load
	group singleflight.Group
}

// New creates a state store. repo may be nil for a memory-only store;
// writer may be nil to write durably inline instead of through the
// worker pool. logger may be nil.
func New(repo store.StateRepository, writer *pool.WriterPool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		repo:   repo,
		writer: writer,
		logger: logger,
		cache:  make(map[string]map[string]any),
		loaded: make(map[string]bool),
	}
}

// Get returns the value stored under key for the task, or nil when the
// key has never been written. The first access for a task id loads the
// durable rows into the cache exactly once.
func (s *Store) Get(ctx context.Context, taskID, key string) any {
	s.ensureLoaded(ctx, taskID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[taskID][key]
}

// Set stores value under key for the task. The value must survive a
// JSON round trip; it is normalized through one before caching so that
// reads give back the same shapes before and after a restart. The
// durable write is fire-and-forget.
func (s *Store) Set(ctx context.Context, taskID, userID, key string, value any) error {
	if taskID == "" || key == "" {
		return store.ErrInvalidInput
	}

	normalized, err := normalize(value)
	if err != nil {
		return err
	}

	s.ensureLoaded(ctx, taskID)

	s.mu.Lock()
	if s.cache[taskID] == nil {
		s.cache[taskID] = make(map[string]any)
	}
	s.cache[taskID][key] = normalized
	s.mu.Unlock()

	if s.repo == nil {
		return nil
	}

	entry := store.StateEntry{TaskID: taskID, UserID: userID, Key: key, Value: normalized}
	write := func(ctx context.Context) error {
		return s.repo.Set(ctx, entry)
	}

	if s.writer != nil {
		// failures are counted and logged by the pool
		_ = s.writer.Submit("state", write)
		return nil
	}

	if err := write(ctx); err != nil {
		s.logger.Warn("durable state write failed",
			zap.String("task_id", taskID),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return nil
}

// Loaded reports whether the durable rows for the task are in the cache.
func (s *Store) Loaded(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded[taskID]
}

// ensureLoaded performs the lazy one-shot durable load for a task id.
// A failed load is logged and left unmarked so the next access retries;
// reads in the meantime see only in-process writes.
func (s *Store) ensureLoaded(ctx context.Context, taskID string) {
	s.mu.RLock()
	done := s.loaded[taskID]
	s.mu.RUnlock()
	if done {
		return
	}

	if s.repo == nil {
		s.mu.Lock()
		s.loaded[taskID] = true
		s.mu.Unlock()
		return
	}

	_, _, _ = s.group.Do(taskID, func() (any, error) {
		s.mu.RLock()
		done := s.loaded[taskID]
		s.mu.RUnlock()
		if done {
			return nil, nil
		}

		rows, err := s.repo.GetAll(ctx, taskID)
		if err != nil {
			s.logger.Warn("state load failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
			return nil, nil
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.loaded[taskID] {
			return nil, nil
		}

		m := s.cache[taskID]
		if m == nil {
			m = make(map[string]any, len(rows))
			s.cache[taskID] = m
		}
		// in-process writes win over durable rows
		for k, v := range rows {
			if _, exists := m[k]; !exists {
				m[k] = v
			}
		}
		s.loaded[taskID] = true
		return nil, nil
	})
}

// normalize runs value through a JSON round trip.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("state value is not JSON-encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("state value round trip failed: %w", err)
	}
	return out, nil
}
