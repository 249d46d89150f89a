package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentrun/types"
)

// MemoryTaskRepository is an in-memory TaskRepository.
// Suitable for development and testing. Data is lost on restart.
type MemoryTaskRepository struct {
	tasks  map[string]*types.Task
	mu     sync.RWMutex
	closed bool
}

// NewMemoryTaskRepository creates an empty in-memory task repository.
func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{tasks: make(map[string]*types.Task)}
}

// Close closes the repository.
func (r *MemoryTaskRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Create persists a new task, generating an id when missing.
func (r *MemoryTaskRepository) Create(ctx context.Context, task *types.Task) error {
	if task == nil {
		return ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	cp := *task
	r.tasks[task.ID] = &cp

	return nil
}

// GetByID retrieves a task by id.
func (r *MemoryTaskRepository) GetByID(ctx context.Context, id string) (*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreClosed
	}

	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *task
	return &cp, nil
}

// Update overwrites an existing task.
func (r *MemoryTaskRepository) Update(ctx context.Context, task *types.Task) error {
	if task == nil || task.ID == "" {
		return ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	prev, ok := r.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}

	cp := *task
	cp.CreatedAt = prev.CreatedAt
	cp.UpdatedAt = time.Now()
	r.tasks[task.ID] = &cp

	return nil
}

// Delete removes a task by id.
func (r *MemoryTaskRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	if _, ok := r.tasks[id]; !ok {
		return ErrNotFound
	}

	delete(r.tasks, id)
	return nil
}

// ListActive returns every active task in creation order.
func (r *MemoryTaskRepository) ListActive(ctx context.Context) ([]*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Task, 0)
	for _, task := range r.tasks {
		if task.Active {
			cp := *task
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// SetActive flips only the Active flag.
func (r *MemoryTaskRepository) SetActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	task, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}

	task.Active = active
	task.UpdatedAt = time.Now()
	return nil
}

// SetLastError records the most recent execution error.
func (r *MemoryTaskRepository) SetLastError(ctx context.Context, id string, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	task, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}

	task.LastError = msg
	task.UpdatedAt = time.Now()
	return nil
}

// MemoryStateRepository is an in-memory StateRepository. Values pass
// through a JSON round trip so scripts see the same shapes the durable
// backends would hand back.
type MemoryStateRepository struct {
	state  map[string]map[string]any
	mu     sync.RWMutex
	closed bool
}

// NewMemoryStateRepository creates an empty in-memory state repository.
func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{state: make(map[string]map[string]any)}
}

// Close closes the repository.
func (r *MemoryStateRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// GetAll loads every key for one task.
func (r *MemoryStateRepository) GetAll(ctx context.Context, taskID string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreClosed
	}

	result := make(map[string]any, len(r.state[taskID]))
	for k, v := range r.state[taskID] {
		result[k] = v
	}
	return result, nil
}

// Set upserts a single entry.
func (r *MemoryStateRepository) Set(ctx context.Context, entry StateEntry) error {
	if entry.TaskID == "" || entry.Key == "" {
		return ErrInvalidInput
	}

	encoded, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("state value is not JSON-encodable: %w", err)
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return fmt.Errorf("state value round trip failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	if r.state[entry.TaskID] == nil {
		r.state[entry.TaskID] = make(map[string]any)
	}
	r.state[entry.TaskID][entry.Key] = value
	return nil
}

// MemoryLogRepository is an in-memory LogRepository.
type MemoryLogRepository struct {
	records []LogRecord
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryLogRepository creates an empty in-memory log repository.
func NewMemoryLogRepository() *MemoryLogRepository {
	return &MemoryLogRepository{}
}

// Close closes the repository.
func (r *MemoryLogRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Insert appends one log record, generating id and timestamp when missing.
func (r *MemoryLogRepository) Insert(ctx context.Context, rec LogRecord) error {
	if rec.TaskID == "" {
		return ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	r.records = append(r.records, rec)
	return nil
}

// GetByTask returns the newest records for one task first.
func (r *MemoryLogRepository) GetByTask(ctx context.Context, taskID string, limit, offset int) ([]LogRecord, error) {
	return r.query(func(rec LogRecord) bool { return rec.TaskID == taskID }, limit, offset)
}

// GetByUser returns the newest records across a user's tasks first.
func (r *MemoryLogRepository) GetByUser(ctx context.Context, userID string, limit, offset int) ([]LogRecord, error) {
	return r.query(func(rec LogRecord) bool { return rec.UserID == userID }, limit, offset)
}

func (r *MemoryLogRepository) query(match func(LogRecord) bool, limit, offset int) ([]LogRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreClosed
	}

	result := make([]LogRecord, 0)
	// append order is chronological; walk backwards for newest-first
	for i := len(r.records) - 1; i >= 0; i-- {
		if match(r.records[i]) {
			result = append(result, r.records[i])
		}
	}

	if offset > 0 {
		if offset >= len(result) {
			return []LogRecord{}, nil
		}
		result = result[offset:]
	}
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}

	return result, nil
}

// MemoryHistoryRepository is an in-memory HistoryRepository.
type MemoryHistoryRepository struct {
	rows   map[string]*HistoryRecord
	mu     sync.RWMutex
	closed bool
}

// NewMemoryHistoryRepository creates an empty in-memory history repository.
func NewMemoryHistoryRepository() *MemoryHistoryRepository {
	return &MemoryHistoryRepository{rows: make(map[string]*HistoryRecord)}
}

// Close closes the repository.
func (r *MemoryHistoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Start inserts a "running" row and returns its id.
func (r *MemoryHistoryRepository) Start(ctx context.Context, taskID, userID, trigger string) (string, error) {
	if taskID == "" {
		return "", ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrStoreClosed
	}

	id := uuid.New().String()
	r.rows[id] = &HistoryRecord{
		ID:        id,
		TaskID:    taskID,
		UserID:    userID,
		Trigger:   trigger,
		Status:    "running",
		StartedAt: time.Now(),
	}
	return id, nil
}

// Finish closes the row with the run's outcome.
func (r *MemoryHistoryRepository) Finish(ctx context.Context, historyID, status string, duration time.Duration, errMsg, preview string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	row, ok := r.rows[historyID]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	row.Status = status
	row.FinishedAt = &now
	row.DurationMs = duration.Milliseconds()
	row.Error = errMsg
	row.ResultPreview = preview
	return nil
}

// Get retrieves one history row, for tests and debugging.
func (r *MemoryHistoryRepository) Get(historyID string) (*HistoryRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[historyID]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}

// NewMemoryStores bundles one in-memory repository of each kind.
func NewMemoryStores() *Stores {
	tasks := NewMemoryTaskRepository()
	state := NewMemoryStateRepository()
	logs := NewMemoryLogRepository()
	history := NewMemoryHistoryRepository()
	return &Stores{
		Tasks:   tasks,
		State:   state,
		Logs:    logs,
		History: history,
		closers: []func() error{tasks.Close, state.Close, logs.Close, history.Close},
	}
}

// Interface conformance
var (
	_ TaskRepository    = (*MemoryTaskRepository)(nil)
	_ StateRepository   = (*MemoryStateRepository)(nil)
	_ LogRepository     = (*MemoryLogRepository)(nil)
	_ HistoryRepository = (*MemoryHistoryRepository)(nil)
)
