// Package scheduler owns the lifecycle of task executions: it dispatches
// runs by trigger mode, serializes start/stop transitions per task id,
// enforces the global admission limit and answers status queries that
// outlive the runs themselves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

var (
	// ErrAlreadyRunning is returned by a manual Start for a task id that
	// already has a run in flight.
	ErrAlreadyRunning = errors.New("task is already running")

	// ErrNotRunning is returned by Stop for a task id with no live run.
	ErrNotRunning = errors.New("task is not running")

	// ErrUnknownTrigger is returned for trigger modes the registry cannot
	// dispatch.
	ErrUnknownTrigger = errors.New("unknown trigger mode")

	// ErrAtCapacity is returned when the concurrent run limit leaves no
	// room for another run. Callers retry later; nothing is queued.
	ErrAtCapacity = errors.New("runtime is at its concurrent run limit")
)

const (
	// DefaultTimeout bounds manual and interval runs. Persistent runs are
	// exempt: they are stopped cooperatively, not by the clock.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxConcurrentRuns caps script executions across all tasks.
	DefaultMaxConcurrentRuns = 16
)

// Config shapes run admission and the wall-clock budget of bounded runs.
type Config struct {
	// Timeout is the wall-clock budget for manual and interval runs.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxConcurrentRuns caps how many scripts execute at once. Work that
	// arrives at the limit is skipped or rejected, never queued.
	MaxConcurrentRuns int64 `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`

	// LogBufferSize is the per-task in-memory log ring handed to runs.
	LogBufferSize int `yaml:"log_buffer_size" json:"log_buffer_size"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		MaxConcurrentRuns: DefaultMaxConcurrentRuns,
		LogBufferSize:     sandbox.DefaultLogBufferSize,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.LogBufferSize <= 0 {
		c.LogBufferSize = sandbox.DefaultLogBufferSize
	}
	return c
}

// entry is what the registry remembers about a task id. It survives the
// run itself, so Status keeps answering after a Stop or a self-exit.
type entry struct {
	taskID    string
	status    types.RunStatus
	startedAt time.Time
	lastError string
	sink      *sandbox.LogSink
}

// runState is the live attachment of one running task: the cancel lever
// for its context plus, for persistent runs, the cooperative stop handle.
// Completion paths compare pointers against the registry maps before
// touching status, so a superseded run can never stomp its successor.
type runState struct {
	taskID   string
	trigger  types.TriggerMode
	ctx      context.Context
	cancel   context.CancelFunc
	handle   *sandbox.Handle
	inFlight bool
}

// Registry starts, stops and observes task runs. All transitions for a
// task id are serialized under one mutex; run bodies execute outside it.
type Registry struct {
	config   Config
	executor *sandbox.Executor
	tasks    store.TaskRepository
	logger   *zap.Logger
	metrics  *metrics.Collector
	sem      *semaphore.Weighted

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	statuses map[string]*entry
	runs     map[string]*runState
}

// New creates a task registry around the given executor. The task
// repository may be nil, which disables Toggle and Recover. A nil logger
// falls back to a no-op logger.
func New(cfg Config, executor *sandbox.Executor, tasks store.TaskRepository, logger *zap.Logger, collector *metrics.Collector) *Registry {
	cfg = cfg.withDefaults()
	if executor == nil {
		executor = sandbox.New(sandbox.DefaultConfig(), sandbox.Deps{Tasks: tasks, Logger: logger})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Registry{
		config:     cfg,
		executor:   executor,
		tasks:      tasks,
		logger:     logger.With(zap.String("component", "scheduler")),
		metrics:    collector,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		statuses:   make(map[string]*entry),
		runs:       make(map[string]*runState),
	}
}

// Start dispatches a task by its trigger mode. Manual runs execute
// synchronously and return their result. Interval and persistent starts
// attach the run and return immediately with a nil result; starting a
// task that already has an attachment supersedes it.
func (r *Registry) Start(ctx context.Context, task *types.Task) (*types.ExecutionResult, error) {
	if task == nil || task.ID == "" {
		return nil, fmt.Errorf("scheduler: a task with an id is required")
	}
	switch task.Trigger {
	case types.TriggerManual:
		return r.startManual(ctx, task)
	case types.TriggerInterval:
		return nil, r.startInterval(task)
	case types.TriggerPersistent:
		return nil, r.startPersistent(task)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, task.Trigger)
	}
}

// startManual runs the task once on the caller's goroutine, bounded by
// the configured timeout.
func (r *Registry) startManual(ctx context.Context, task *types.Task) (*types.ExecutionResult, error) {
	sink := sandbox.NewLogSink(r.config.LogBufferSize)

	r.mu.Lock()
	if cur, ok := r.statuses[task.ID]; ok && cur.status.Live() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, task.ID)
	}
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (max %d)", ErrAtCapacity, r.config.MaxConcurrentRuns)
	}
	r.teardownLocked(task.ID)
	e := &entry{taskID: task.ID, status: types.StatusRunning, startedAt: time.Now(), sink: sink}
	r.statuses[task.ID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	defer r.wg.Done()
	defer r.sem.Release(1)

	// Manual runs answer a live caller, so they follow the caller's
	// context and additionally die with the registry.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(r.rootCtx, cancel)
	defer unwatch()

	res, err := r.executor.Execute(runCtx, &sandbox.Request{
		TaskID:  task.ID,
		UserID:  task.UserID,
		Code:    task.Code,
		Trigger: string(types.TriggerManual),
		Timeout: r.config.Timeout,
		Sink:    sink,
	})
	if err != nil {
		r.completeRun(e, nil, types.StatusError, err.Error())
		return nil, err
	}
	status := types.StatusIdle
	if !res.Success {
		status = types.StatusError
	}
	r.completeRun(e, nil, status, res.Error)
	return res, nil
}

// startInterval attaches a ticker loop that runs the task immediately
// and then once per interval. The loop lives on the registry's root
// context, not the caller's, so it outlives the request that started it.
func (r *Registry) startInterval(task *types.Task) error {
	if task.IntervalMs <= 0 {
		return fmt.Errorf("scheduler: interval task %s needs a positive interval", task.ID)
	}
	sink := sandbox.NewLogSink(r.config.LogBufferSize)
	runCtx, cancel := context.WithCancel(r.rootCtx)
	e := &entry{taskID: task.ID, status: types.StatusRunning, startedAt: time.Now(), sink: sink}
	rs := &runState{taskID: task.ID, trigger: types.TriggerInterval, ctx: runCtx, cancel: cancel}
	taskCopy := *task

	r.mu.Lock()
	r.teardownLocked(task.ID)
	r.statuses[task.ID] = e
	r.runs[task.ID] = rs
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("interval task attached",
		zap.String("task_id", task.ID),
		zap.Duration("interval", task.Interval()))
	go r.intervalLoop(rs, e, &taskCopy)
	return nil
}

func (r *Registry) intervalLoop(rs *runState, e *entry, task *types.Task) {
	defer r.wg.Done()
	ticker := time.NewTicker(task.Interval())
	defer ticker.Stop()

	r.tick(rs, e, task)
	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			r.tick(rs, e, task)
		}
	}
}

// tick performs one interval execution unless the previous one is still
// in flight or the runtime is at its admission limit. Missed ticks are
// dropped, never queued.
func (r *Registry) tick(rs *runState, e *entry, task *types.Task) {
	r.mu.Lock()
	if rs.inFlight {
		r.mu.Unlock()
		r.logger.Debug("tick skipped: previous run still in flight", zap.String("task_id", task.ID))
		return
	}
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		r.logger.Warn("tick skipped: at the concurrent run limit",
			zap.String("task_id", task.ID),
			zap.Int64("max_concurrent_runs", r.config.MaxConcurrentRuns))
		return
	}
	rs.inFlight = true
	r.mu.Unlock()

	res, err := r.executor.Execute(rs.ctx, &sandbox.Request{
		TaskID:  task.ID,
		UserID:  task.UserID,
		Code:    task.Code,
		Trigger: string(types.TriggerInterval),
		Timeout: r.config.Timeout,
		Sink:    e.sink,
	})
	r.sem.Release(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	rs.inFlight = false
	switch {
	case errors.Is(err, sandbox.ErrCodeRejected):
		// The code cannot change between ticks, so rejection repeats
		// forever. Detach the loop and surface the error instead.
		if r.runs[task.ID] == rs {
			delete(r.runs, task.ID)
		}
		if r.statuses[task.ID] == e {
			e.status = types.StatusError
			e.lastError = err.Error()
		}
		rs.cancel()
		r.logger.Warn("interval task detached: code rejected",
			zap.String("task_id", task.ID), zap.Error(err))
	case err != nil:
		if r.statuses[task.ID] == e {
			e.lastError = err.Error()
		}
	case !res.Success:
		if r.statuses[task.ID] == e {
			e.lastError = res.Error
		}
	default:
		if r.statuses[task.ID] == e {
			e.lastError = ""
		}
	}
}

// startPersistent launches the script once with the cooperative stop
// capabilities installed and returns as soon as it is attached. The run
// holds one admission slot for its whole lifetime.
func (r *Registry) startPersistent(task *types.Task) error {
	if !r.sem.TryAcquire(1) {
		return fmt.Errorf("%w (max %d)", ErrAtCapacity, r.config.MaxConcurrentRuns)
	}
	sink := sandbox.NewLogSink(r.config.LogBufferSize)
	runCtx, cancel := context.WithCancel(r.rootCtx)
	e := &entry{taskID: task.ID, status: types.StatusRunning, startedAt: time.Now(), sink: sink}
	rs := &runState{taskID: task.ID, trigger: types.TriggerPersistent, ctx: runCtx, cancel: cancel}

	r.mu.Lock()
	r.teardownLocked(task.ID)
	r.statuses[task.ID] = e
	r.runs[task.ID] = rs
	r.wg.Add(1)
	r.mu.Unlock()

	onExit := func(res *types.ExecutionResult) {
		status := types.StatusIdle
		msg := ""
		if !res.Success {
			status = types.StatusError
			msg = res.Error
		}
		r.completeRun(e, rs, status, msg)
		cancel()
		r.sem.Release(1)
		r.wg.Done()
		r.logger.Info("persistent task exited",
			zap.String("task_id", rs.taskID),
			zap.Bool("success", res.Success),
			zap.Duration("uptime", res.Duration))
	}

	handle, err := r.executor.ExecutePersistent(runCtx, &sandbox.Request{
		TaskID:  task.ID,
		UserID:  task.UserID,
		Code:    task.Code,
		Trigger: string(types.TriggerPersistent),
		Sink:    sink,
	}, onExit)
	if err != nil {
		r.mu.Lock()
		if r.runs[task.ID] == rs {
			delete(r.runs, task.ID)
		}
		if r.statuses[task.ID] == e {
			e.status = types.StatusError
			e.lastError = err.Error()
		}
		r.mu.Unlock()
		cancel()
		r.sem.Release(1)
		r.wg.Done()
		return err
	}

	r.mu.Lock()
	if r.runs[task.ID] == rs {
		rs.handle = handle
	} else {
		// Superseded between launch and attach. The new owner already
		// canceled our context; make the stop explicit as well.
		handle.Stop()
	}
	r.mu.Unlock()

	r.logger.Info("persistent task started", zap.String("task_id", task.ID))
	return nil
}

// Stop halts the live run for a task id: interval loops are canceled,
// persistent scripts are asked to stop cooperatively. The task's status
// becomes paused either way. Stopping a task with no live attachment
// returns ErrNotRunning and mutates nothing.
func (r *Registry) Stop(taskID string) error {
	r.mu.Lock()
	rs, ok := r.runs[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	delete(r.runs, taskID)
	if e, ok := r.statuses[taskID]; ok {
		e.status = types.StatusPaused
	}
	r.mu.Unlock()

	if rs.handle != nil {
		rs.handle.Stop()
	} else {
		rs.cancel()
	}
	r.logger.Info("task stopped",
		zap.String("task_id", taskID),
		zap.String("trigger", string(rs.trigger)))
	return nil
}

// Status reports the registry's view of a task id. Unknown ids are idle.
func (r *Registry) Status(taskID string) types.RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked(taskID)
}

// ListRunning returns a RunInfo for every task with a live attachment,
// ordered by task id.
func (r *Registry) ListRunning() []types.RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.RunInfo, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, r.infoLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (r *Registry) infoLocked(taskID string) types.RunInfo {
	info := types.RunInfo{TaskID: taskID, Status: types.StatusIdle}
	e, ok := r.statuses[taskID]
	if !ok {
		return info
	}
	info.Status = e.status
	info.LastError = e.lastError
	info.BufferedLogs = e.sink.Len()
	_, info.SchedulerAttached = r.runs[taskID]
	if e.status.Live() {
		info.StartedAt = e.startedAt
		info.Uptime = time.Since(e.startedAt)
	}
	return info
}

// Logs returns up to limit buffered log entries for a task, newest
// first. Tasks the registry has never run yield nil.
func (r *Registry) Logs(taskID string, limit int) []types.LogEntry {
	r.mu.Lock()
	e, ok := r.statuses[taskID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	entries := e.sink.Entries()
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Toggle flips the task's durable Active flag and starts or stops the
// task to match. The current flag is read from the repository rather
// than the in-memory registry, so it behaves correctly right after a
// process restart. It returns the new flag value.
func (r *Registry) Toggle(ctx context.Context, taskID string) (bool, error) {
	if r.tasks == nil {
		return false, fmt.Errorf("scheduler: no task repository configured")
	}
	task, err := r.tasks.GetByID(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if !task.Trigger.Schedulable() {
		return false, fmt.Errorf("scheduler: %s task %s cannot be toggled, run it directly", task.Trigger, taskID)
	}
	next := !task.Active
	if err := r.tasks.SetActive(ctx, taskID, next); err != nil {
		return false, fmt.Errorf("updating active flag for %s: %w", taskID, err)
	}
	if next {
		task.Active = true
		if _, err := r.Start(ctx, task); err != nil {
			return true, err
		}
		return true, nil
	}
	if err := r.Stop(taskID); err != nil && !errors.Is(err, ErrNotRunning) {
		return false, err
	}
	return false, nil
}

// Shutdown stops every live run, cooperatively where possible, and waits
// for run goroutines to drain until the context expires. Stragglers are
// then cut off hard through the root context.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for id, rs := range r.runs {
		delete(r.runs, id)
		if e, ok := r.statuses[id]; ok {
			e.status = types.StatusPaused
		}
		if rs.handle != nil {
			rs.handle.Stop()
		} else {
			rs.cancel()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.rootCancel()
		return nil
	case <-ctx.Done():
		r.rootCancel()
		return ctx.Err()
	}
}

// completeRun applies a run's terminal status. Pointer identity against
// the registry maps guards against a stale run finishing after its task
// was stopped or restarted: such a run must not overwrite the state its
// successor owns.
func (r *Registry) completeRun(e *entry, rs *runState, status types.RunStatus, lastErr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs != nil {
		if r.runs[rs.taskID] != rs {
			return
		}
		delete(r.runs, rs.taskID)
	}
	if r.statuses[e.taskID] != e {
		return
	}
	e.status = status
	e.lastError = lastErr
}

// teardownLocked detaches any prior run for the id: interval loops are
// canceled, persistent scripts stopped cooperatively so they can wind
// down on their own. Callers hold r.mu.
func (r *Registry) teardownLocked(taskID string) {
	rs, ok := r.runs[taskID]
	if !ok {
		return
	}
	delete(r.runs, taskID)
	if rs.handle != nil {
		rs.handle.Stop()
	} else {
		rs.cancel()
	}
}
