package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentrun/types"
)

// TaskModel is the GORM mapping for a task definition.
type TaskModel struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	UserID     string    `gorm:"size:64;not null;index:idx_tasks_user" json:"user_id"`
	Name       string    `gorm:"size:200;not null" json:"name"`
	Code       string    `gorm:"type:text;not null" json:"code"`
	Trigger    string    `gorm:"size:20;not null" json:"trigger"`
	IntervalMs int64     `gorm:"default:0" json:"interval_ms"`
	Active     bool      `gorm:"default:false;index:idx_tasks_active" json:"active"`
	LastError  string    `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName pins the table name.
func (TaskModel) TableName() string { return "agent_tasks" }

// StateModel is the GORM mapping for one key/value state entry.
// Value holds the JSON encoding of the stored value.
type StateModel struct {
	TaskID    string    `gorm:"primaryKey;size:64" json:"task_id"`
	Key       string    `gorm:"primaryKey;size:200;column:key" json:"key"`
	UserID    string    `gorm:"size:64;index:idx_state_user" json:"user_id"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name.
func (StateModel) TableName() string { return "agent_state" }

// LogModel is the GORM mapping for one execution log line.
type LogModel struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	TaskID    string    `gorm:"size:64;not null;index:idx_logs_task" json:"task_id"`
	UserID    string    `gorm:"size:64;index:idx_logs_user" json:"user_id"`
	Level     string    `gorm:"size:10;not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Detail    string    `gorm:"type:text" json:"detail"`
	CreatedAt time.Time `gorm:"index:idx_logs_created" json:"created_at"`
}

// TableName pins the table name.
func (LogModel) TableName() string { return "agent_logs" }

// ExecutionModel is the GORM mapping for one execution history row.
type ExecutionModel struct {
	ID            string     `gorm:"primaryKey;size:64" json:"id"`
	TaskID        string     `gorm:"size:64;not null;index:idx_exec_task" json:"task_id"`
	UserID        string     `gorm:"size:64;index:idx_exec_user" json:"user_id"`
	Trigger       string     `gorm:"size:20;not null" json:"trigger"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `gorm:"default:0" json:"duration_ms"`
	Error         string     `gorm:"type:text" json:"error"`
	ResultPreview string     `gorm:"type:text" json:"result_preview"`
}

// TableName pins the table name.
func (ExecutionModel) TableName() string { return "agent_executions" }

// AutoMigrate creates or updates every runtime table.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&TaskModel{},
		&StateModel{},
		&LogModel{},
		&ExecutionModel{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

func taskToModel(task *types.Task) *TaskModel {
	return &TaskModel{
		ID:         task.ID,
		UserID:     task.UserID,
		Name:       task.Name,
		Code:       task.Code,
		Trigger:    string(task.Trigger),
		IntervalMs: task.IntervalMs,
		Active:     task.Active,
		LastError:  task.LastError,
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
	}
}

func modelToTask(m *TaskModel) *types.Task {
	return &types.Task{
		ID:         m.ID,
		UserID:     m.UserID,
		Name:       m.Name,
		Code:       m.Code,
		Trigger:    types.TriggerMode(m.Trigger),
		IntervalMs: m.IntervalMs,
		Active:     m.Active,
		LastError:  m.LastError,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// GormTaskRepository is the database-backed TaskRepository.
type GormTaskRepository struct {
	db *gorm.DB
}

// NewGormTaskRepository wraps an open GORM handle.
func NewGormTaskRepository(db *gorm.DB) *GormTaskRepository {
	return &GormTaskRepository{db: db}
}

// Create persists a new task, generating an id when missing.
func (r *GormTaskRepository) Create(ctx context.Context, task *types.Task) error {
	if task == nil {
		return ErrInvalidInput
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(taskToModel(task)).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetByID retrieves a task by id.
func (r *GormTaskRepository) GetByID(ctx context.Context, id string) (*types.Task, error) {
	var m TaskModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return modelToTask(&m), nil
}

// Update overwrites an existing task.
func (r *GormTaskRepository) Update(ctx context.Context, task *types.Task) error {
	if task == nil || task.ID == "" {
		return ErrInvalidInput
	}

	task.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).Model(&TaskModel{}).Where("id = ?", task.ID).
		Select("user_id", "name", "code", "trigger", "interval_ms", "active", "last_error", "updated_at").
		Updates(taskToModel(task))
	if res.Error != nil {
		return fmt.Errorf("update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a task together with its state, logs and history in
// one transaction, so a deleted task never leaves orphaned rows behind.
func (r *GormTaskRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&TaskModel{})
		if res.Error != nil {
			return fmt.Errorf("delete task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		for _, model := range []any{&StateModel{}, &LogModel{}, &ExecutionModel{}} {
			if err := tx.Where("task_id = ?", id).Delete(model).Error; err != nil {
				return fmt.Errorf("delete task dependents: %w", err)
			}
		}
		return nil
	})
}

// ListActive returns every active task in creation order.
func (r *GormTaskRepository) ListActive(ctx context.Context) ([]*types.Task, error) {
	var models []TaskModel
	err := r.db.WithContext(ctx).Where("active = ?", true).
		Order("created_at ASC").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}

	result := make([]*types.Task, 0, len(models))
	for i := range models {
		result = append(result, modelToTask(&models[i]))
	}
	return result, nil
}

// SetActive flips only the Active flag.
func (r *GormTaskRepository) SetActive(ctx context.Context, id string, active bool) error {
	res := r.db.WithContext(ctx).Model(&TaskModel{}).Where("id = ?", id).
		Updates(map[string]any{"active": active, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("set task active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastError records the most recent execution error.
func (r *GormTaskRepository) SetLastError(ctx context.Context, id string, msg string) error {
	res := r.db.WithContext(ctx).Model(&TaskModel{}).Where("id = ?", id).
		Updates(map[string]any{"last_error": msg, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("set task last error: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GormStateRepository is the database-backed StateRepository.
type GormStateRepository struct {
	db *gorm.DB
}

// NewGormStateRepository wraps an open GORM handle.
func NewGormStateRepository(db *gorm.DB) *GormStateRepository {
	return &GormStateRepository{db: db}
}

// GetAll loads and decodes every key for one task.
func (r *GormStateRepository) GetAll(ctx context.Context, taskID string) (map[string]any, error) {
	var models []StateModel
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	result := make(map[string]any, len(models))
	for _, m := range models {
		var value any
		if err := json.Unmarshal([]byte(m.Value), &value); err != nil {
			return nil, fmt.Errorf("decode state key %q: %w", m.Key, err)
		}
		result[m.Key] = value
	}
	return result, nil
}

// Set upserts a single entry, JSON-encoding the value.
func (r *GormStateRepository) Set(ctx context.Context, entry StateEntry) error {
	if entry.TaskID == "" || entry.Key == "" {
		return ErrInvalidInput
	}

	encoded, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encode state value: %w", err)
	}

	m := StateModel{
		TaskID:    entry.TaskID,
		Key:       entry.Key,
		UserID:    entry.UserID,
		Value:     string(encoded),
		UpdatedAt: time.Now(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "value", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// GormLogRepository is the database-backed LogRepository.
type GormLogRepository struct {
	db *gorm.DB
}

// NewGormLogRepository wraps an open GORM handle.
func NewGormLogRepository(db *gorm.DB) *GormLogRepository {
	return &GormLogRepository{db: db}
}

// Insert appends one log record.
func (r *GormLogRepository) Insert(ctx context.Context, rec LogRecord) error {
	if rec.TaskID == "" {
		return ErrInvalidInput
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	m := LogModel{
		ID:        rec.ID,
		TaskID:    rec.TaskID,
		UserID:    rec.UserID,
		Level:     rec.Level,
		Message:   rec.Message,
		Detail:    rec.Detail,
		CreatedAt: rec.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// GetByTask returns the newest records for one task first.
func (r *GormLogRepository) GetByTask(ctx context.Context, taskID string, limit, offset int) ([]LogRecord, error) {
	return r.query(ctx, "task_id = ?", taskID, limit, offset)
}

// GetByUser returns the newest records across a user's tasks first.
func (r *GormLogRepository) GetByUser(ctx context.Context, userID string, limit, offset int) ([]LogRecord, error) {
	return r.query(ctx, "user_id = ?", userID, limit, offset)
}

func (r *GormLogRepository) query(ctx context.Context, cond string, arg any, limit, offset int) ([]LogRecord, error) {
	q := r.db.WithContext(ctx).Where(cond, arg).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var models []LogModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}

	result := make([]LogRecord, 0, len(models))
	for _, m := range models {
		result = append(result, LogRecord{
			ID:        m.ID,
			TaskID:    m.TaskID,
			UserID:    m.UserID,
			Level:     m.Level,
			Message:   m.Message,
			Detail:    m.Detail,
			CreatedAt: m.CreatedAt,
		})
	}
	return result, nil
}

// GormHistoryRepository is the database-backed HistoryRepository.
type GormHistoryRepository struct {
	db *gorm.DB
}

// NewGormHistoryRepository wraps an open GORM handle.
func NewGormHistoryRepository(db *gorm.DB) *GormHistoryRepository {
	return &GormHistoryRepository{db: db}
}

// Start inserts a "running" row and returns its id.
func (r *GormHistoryRepository) Start(ctx context.Context, taskID, userID, trigger string) (string, error) {
	if taskID == "" {
		return "", ErrInvalidInput
	}

	m := ExecutionModel{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		UserID:    userID,
		Trigger:   trigger,
		Status:    "running",
		StartedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return "", fmt.Errorf("start execution history: %w", err)
	}
	return m.ID, nil
}

// Finish closes the row with the run's outcome.
func (r *GormHistoryRepository) Finish(ctx context.Context, historyID, status string, duration time.Duration, errMsg, preview string) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&ExecutionModel{}).Where("id = ?", historyID).
		Updates(map[string]any{
			"status":         status,
			"finished_at":    &now,
			"duration_ms":    duration.Milliseconds(),
			"error":          errMsg,
			"result_preview": preview,
		})
	if res.Error != nil {
		return fmt.Errorf("finish execution history: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// NewGormStores bundles database-backed repositories over one handle.
// The caller owns the handle; Close on the bundle is a no-op for it.
func NewGormStores(db *gorm.DB) *Stores {
	return &Stores{
		Tasks:   NewGormTaskRepository(db),
		State:   NewGormStateRepository(db),
		Logs:    NewGormLogRepository(db),
		History: NewGormHistoryRepository(db),
	}
}

// Interface conformance
var (
	_ TaskRepository    = (*GormTaskRepository)(nil)
	_ StateRepository   = (*GormStateRepository)(nil)
	_ LogRepository     = (*GormLogRepository)(nil)
	_ HistoryRepository = (*GormHistoryRepository)(nil)
)
