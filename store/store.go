// Package store provides the durable repositories behind the agent
// runtime: task definitions, per-task key/value state, execution logs
// and execution history.
//
// Each repository is a small interface so the runtime never depends on
// a concrete backend. Three families of implementations ship with the
// package:
//   - Memory: for development and testing (default)
//   - Database: GORM-backed, for postgres, mysql and sqlite
//   - Redis: state repository only, for shared-nothing deployments
//
// All implementations return owned values; mutating a returned Task or
// record never changes what the store holds.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentrun/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Backend identifies a repository backend.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendDatabase Backend = "database"
	BackendRedis    Backend = "redis"
)

// StateEntry is one durable key/value pair scoped to a task.
// Value must survive a JSON round trip; backends encode it as JSON.
type StateEntry struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
	Key    string `json:"key"`
	Value  any    `json:"value"`
}

// LogRecord is one durable execution log line.
type LogRecord struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRecord is one execution history row. Start inserts it with
// Status "running"; Finish fills in the terminal fields.
type HistoryRecord struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	UserID        string     `json:"user_id"`
	Trigger       string     `json:"trigger"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMs    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
	ResultPreview string     `json:"result_preview,omitempty"`
}

// TaskRepository stores task definitions.
type TaskRepository interface {
	// Create persists a new task. A missing ID is generated.
	Create(ctx context.Context, task *types.Task) error

	// GetByID retrieves a task by id, ErrNotFound when absent.
	GetByID(ctx context.Context, id string) (*types.Task, error)

	// Update overwrites an existing task.
	Update(ctx context.Context, task *types.Task) error

	// Delete removes a task by id. Database-backed implementations also
	// drop the task's state, log and history rows.
	Delete(ctx context.Context, id string) error

	// ListActive returns every task with Active set, in creation order.
	ListActive(ctx context.Context) ([]*types.Task, error)

	// SetActive flips only the Active flag.
	SetActive(ctx context.Context, id string, active bool) error

	// SetLastError records the most recent execution error ("" clears it).
	SetLastError(ctx context.Context, id string, msg string) error
}

// StateRepository stores per-task key/value state.
type StateRepository interface {
	// GetAll loads every key for one task.
	GetAll(ctx context.Context, taskID string) (map[string]any, error)

	// Set upserts a single entry.
	Set(ctx context.Context, entry StateEntry) error
}

// LogRepository stores execution log lines.
type LogRepository interface {
	Insert(ctx context.Context, rec LogRecord) error

	// GetByTask returns the newest records first.
	GetByTask(ctx context.Context, taskID string, limit, offset int) ([]LogRecord, error)

	// GetByUser returns the newest records first across all of a user's tasks.
	GetByUser(ctx context.Context, userID string, limit, offset int) ([]LogRecord, error)
}

// HistoryRepository stores execution history rows.
type HistoryRepository interface {
	// Start inserts a "running" row and returns its id.
	Start(ctx context.Context, taskID, userID, trigger string) (string, error)

	// Finish closes the row with the run's outcome.
	Finish(ctx context.Context, historyID, status string, duration time.Duration, errMsg, preview string) error
}

// Stores bundles one repository of each kind plus a shared Close.
type Stores struct {
	Tasks   TaskRepository
	State   StateRepository
	Logs    LogRepository
	History HistoryRepository

	closers []func() error
}

// Close releases every backend resource the bundle owns.
func (s *Stores) Close() error {
	var errs []error
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
