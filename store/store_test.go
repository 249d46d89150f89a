package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentrun/types"
)

// TestMemoryTaskRepository tests the in-memory task repository
func TestMemoryTaskRepository(t *testing.T) {
	repo := NewMemoryTaskRepository()
	defer repo.Close()

	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		task := &types.Task{
			UserID:  "user-1",
			Name:    "price watcher",
			Code:    "console.log('hi')",
			Trigger: types.TriggerManual,
		}

		if err := repo.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if task.ID == "" {
			t.Fatal("Create should generate an ID")
		}
		if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
			t.Error("Create should set timestamps")
		}

		got, err := repo.GetByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Name != task.Name || got.Code != task.Code {
			t.Errorf("retrieved task mismatch: got %+v", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "no-such-id")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ReturnsOwnedCopies", func(t *testing.T) {
		task := &types.Task{UserID: "user-1", Name: "original", Code: "x", Trigger: types.TriggerManual}
		if err := repo.Create(ctx, task); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, _ := repo.GetByID(ctx, task.ID)
		got.Name = "mutated"

		again, _ := repo.GetByID(ctx, task.ID)
		if again.Name != "original" {
			t.Error("mutating a returned task should not change the store")
		}
	})

	t.Run("Update", func(t *testing.T) {
		task := &types.Task{UserID: "user-1", Name: "before", Code: "x", Trigger: types.TriggerManual}
		repo.Create(ctx, task)

		task.Name = "after"
		task.IntervalMs = 5000
		if err := repo.Update(ctx, task); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		got, _ := repo.GetByID(ctx, task.ID)
		if got.Name != "after" || got.IntervalMs != 5000 {
			t.Errorf("update not applied: %+v", got)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		err := repo.Update(ctx, &types.Task{ID: "ghost", Name: "x"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListActive", func(t *testing.T) {
		base := time.Now().Add(-time.Hour)
		for i, name := range []string{"first", "second", "third"} {
			task := &types.Task{
				UserID:    "user-2",
				Name:      name,
				Code:      "x",
				Trigger:   types.TriggerInterval,
				Active:    name != "second",
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			if err := repo.Create(ctx, task); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		active, err := repo.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive failed: %v", err)
		}

		names := make([]string, 0)
		for _, task := range active {
			if task.UserID == "user-2" {
				names = append(names, task.Name)
			}
		}
		if len(names) != 2 || names[0] != "first" || names[1] != "third" {
			t.Errorf("expected [first third] in creation order, got %v", names)
		}
	})

	t.Run("SetActiveAndLastError", func(t *testing.T) {
		task := &types.Task{UserID: "user-3", Name: "flagged", Code: "x", Trigger: types.TriggerManual}
		repo.Create(ctx, task)

		if err := repo.SetActive(ctx, task.ID, true); err != nil {
			t.Fatalf("SetActive failed: %v", err)
		}
		if err := repo.SetLastError(ctx, task.ID, "boom"); err != nil {
			t.Fatalf("SetLastError failed: %v", err)
		}

		got, _ := repo.GetByID(ctx, task.ID)
		if !got.Active {
			t.Error("Active should be set")
		}
		if got.LastError != "boom" {
			t.Errorf("LastError = %q, want boom", got.LastError)
		}

		if err := repo.SetLastError(ctx, task.ID, ""); err != nil {
			t.Fatalf("SetLastError clear failed: %v", err)
		}
		got, _ = repo.GetByID(ctx, task.ID)
		if got.LastError != "" {
			t.Error("empty message should clear LastError")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		task := &types.Task{UserID: "user-4", Name: "doomed", Code: "x", Trigger: types.TriggerManual}
		repo.Create(ctx, task)

		if err := repo.Delete(ctx, task.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.GetByID(ctx, task.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, task.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("double delete should return ErrNotFound, got %v", err)
		}
	})
}

func TestMemoryTaskRepository_Closed(t *testing.T) {
	repo := NewMemoryTaskRepository()
	repo.Close()

	ctx := context.Background()

	if err := repo.Create(ctx, &types.Task{Name: "x"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Create on closed store: expected ErrStoreClosed, got %v", err)
	}
	if _, err := repo.GetByID(ctx, "x"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetByID on closed store: expected ErrStoreClosed, got %v", err)
	}
}

// TestMemoryStateRepository tests the in-memory state repository
func TestMemoryStateRepository(t *testing.T) {
	repo := NewMemoryStateRepository()
	defer repo.Close()

	ctx := context.Background()

	t.Run("SetAndGetAll", func(t *testing.T) {
		entries := []StateEntry{
			{TaskID: "task-1", UserID: "user-1", Key: "count", Value: 42},
			{TaskID: "task-1", UserID: "user-1", Key: "label", Value: "hello"},
			{TaskID: "task-1", UserID: "user-1", Key: "nested", Value: map[string]any{"a": true}},
		}
		for _, e := range entries {
			if err := repo.Set(ctx, e); err != nil {
				t.Fatalf("Set %s failed: %v", e.Key, err)
			}
		}

		got, err := repo.GetAll(ctx, "task-1")
		if err != nil {
			t.Fatalf("GetAll failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 keys, got %d", len(got))
		}

		// values pass through JSON, so numbers come back as float64
		if got["count"] != float64(42) {
			t.Errorf("count = %v (%T), want float64(42)", got["count"], got["count"])
		}
		if got["label"] != "hello" {
			t.Errorf("label = %v, want hello", got["label"])
		}
		nested, ok := got["nested"].(map[string]any)
		if !ok || nested["a"] != true {
			t.Errorf("nested = %v, want map with a=true", got["nested"])
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		repo.Set(ctx, StateEntry{TaskID: "task-2", Key: "k", Value: "old"})
		repo.Set(ctx, StateEntry{TaskID: "task-2", Key: "k", Value: "new"})

		got, _ := repo.GetAll(ctx, "task-2")
		if got["k"] != "new" {
			t.Errorf("k = %v, want new", got["k"])
		}
	})

	t.Run("TasksAreIsolated", func(t *testing.T) {
		repo.Set(ctx, StateEntry{TaskID: "task-a", Key: "k", Value: 1})

		got, _ := repo.GetAll(ctx, "task-b-unused")
		if len(got) != 0 {
			t.Errorf("expected empty state for unknown task, got %v", got)
		}
	})

	t.Run("RejectsInvalidInput", func(t *testing.T) {
		if err := repo.Set(ctx, StateEntry{TaskID: "", Key: "k"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty task id, got %v", err)
		}
		if err := repo.Set(ctx, StateEntry{TaskID: "t", Key: ""}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty key, got %v", err)
		}
	})

	t.Run("RejectsUnencodableValue", func(t *testing.T) {
		err := repo.Set(ctx, StateEntry{TaskID: "t", Key: "fn", Value: func() {}})
		if err == nil {
			t.Error("expected an error for a non-JSON value")
		}
	})
}

// TestMemoryLogRepository tests the in-memory log repository
func TestMemoryLogRepository(t *testing.T) {
	repo := NewMemoryLogRepository()
	defer repo.Close()

	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := LogRecord{
			TaskID:    "task-1",
			UserID:    "user-1",
			Level:     "info",
			Message:   string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	repo.Insert(ctx, LogRecord{TaskID: "task-2", UserID: "user-2", Level: "error", Message: "other"})

	t.Run("GetByTaskNewestFirst", func(t *testing.T) {
		got, err := repo.GetByTask(ctx, "task-1", 0, 0)
		if err != nil {
			t.Fatalf("GetByTask failed: %v", err)
		}
		if len(got) != 5 {
			t.Fatalf("expected 5 records, got %d", len(got))
		}
		if got[0].Message != "e" || got[4].Message != "a" {
			t.Errorf("expected newest first, got %s..%s", got[0].Message, got[4].Message)
		}
	})

	t.Run("LimitAndOffset", func(t *testing.T) {
		got, err := repo.GetByTask(ctx, "task-1", 2, 1)
		if err != nil {
			t.Fatalf("GetByTask failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 records, got %d", len(got))
		}
		if got[0].Message != "d" || got[1].Message != "c" {
			t.Errorf("expected [d c], got [%s %s]", got[0].Message, got[1].Message)
		}
	})

	t.Run("OffsetPastEnd", func(t *testing.T) {
		got, err := repo.GetByTask(ctx, "task-1", 10, 100)
		if err != nil {
			t.Fatalf("GetByTask failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no records, got %d", len(got))
		}
	})

	t.Run("GetByUser", func(t *testing.T) {
		got, err := repo.GetByUser(ctx, "user-2", 0, 0)
		if err != nil {
			t.Fatalf("GetByUser failed: %v", err)
		}
		if len(got) != 1 || got[0].Message != "other" {
			t.Errorf("expected the one user-2 record, got %v", got)
		}
	})

	t.Run("GeneratesIDAndTimestamp", func(t *testing.T) {
		repo.Insert(ctx, LogRecord{TaskID: "task-3", Message: "bare"})
		got, _ := repo.GetByTask(ctx, "task-3", 0, 0)
		if len(got) != 1 {
			t.Fatal("record not stored")
		}
		if got[0].ID == "" || got[0].CreatedAt.IsZero() {
			t.Error("Insert should fill ID and CreatedAt")
		}
	})
}

// TestMemoryHistoryRepository tests the in-memory history repository
func TestMemoryHistoryRepository(t *testing.T) {
	repo := NewMemoryHistoryRepository()
	defer repo.Close()

	ctx := context.Background()

	t.Run("StartAndFinish", func(t *testing.T) {
		id, err := repo.Start(ctx, "task-1", "user-1", "manual")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if id == "" {
			t.Fatal("Start should return an id")
		}

		row, ok := repo.Get(id)
		if !ok {
			t.Fatal("row not stored")
		}
		if row.Status != "running" || row.StartedAt.IsZero() {
			t.Errorf("fresh row should be running with a start time: %+v", row)
		}

		err = repo.Finish(ctx, id, "success", 1500*time.Millisecond, "", `{"ok":true}`)
		if err != nil {
			t.Fatalf("Finish failed: %v", err)
		}

		row, _ = repo.Get(id)
		if row.Status != "success" {
			t.Errorf("Status = %q, want success", row.Status)
		}
		if row.DurationMs != 1500 {
			t.Errorf("DurationMs = %d, want 1500", row.DurationMs)
		}
		if row.FinishedAt == nil {
			t.Error("FinishedAt should be set")
		}
		if row.ResultPreview != `{"ok":true}` {
			t.Errorf("ResultPreview = %q", row.ResultPreview)
		}
	})

	t.Run("FinishMissing", func(t *testing.T) {
		err := repo.Finish(ctx, "ghost", "error", 0, "x", "")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("StartRequiresTaskID", func(t *testing.T) {
		_, err := repo.Start(ctx, "", "u", "manual")
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestNewMemoryStores(t *testing.T) {
	stores := NewMemoryStores()

	if stores.Tasks == nil || stores.State == nil || stores.Logs == nil || stores.History == nil {
		t.Fatal("every repository should be populated")
	}

	if err := stores.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := stores.State.Set(context.Background(), StateEntry{TaskID: "t", Key: "k", Value: 1}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed after bundle close, got %v", err)
	}
}
