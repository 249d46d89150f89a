// Package agentrun provides a top-level convenience entry point for
// embedding the script runtime with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/agentrun"
//
//	rt := agentrun.New()
//	rt := agentrun.New(agentrun.WithLogger(logger), agentrun.WithStores(stores))
//	defer rt.Close(context.Background())
//
// The zero-option runtime keeps everything in memory: tasks, state, logs
// and history live in process, scripts are scanned and executed exactly as
// under `agentrun serve`, and nothing needs a database. Durable backends
// are injected with [WithStores] using a bundle built by [store.Open].
package agentrun

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/mailbox"
	"github.com/BaSui01/agentrun/market"
	"github.com/BaSui01/agentrun/notify"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/scanner"
	"github.com/BaSui01/agentrun/scheduler"
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// Re-export the core types so embedding callers never need to import
// subpackages for the common path.

// Task is a user-authored script plus its trigger configuration.
type Task = types.Task

// ExecutionResult reports one finished script run.
type ExecutionResult = types.ExecutionResult

// RunInfo is the observable status of a task id.
type RunInfo = types.RunInfo

// LogEntry is one script log line.
type LogEntry = types.LogEntry

// Trigger modes accepted on Task.Trigger.
const (
	TriggerManual     = types.TriggerManual
	TriggerInterval   = types.TriggerInterval
	TriggerPersistent = types.TriggerPersistent
)

// Option configures the runtime created by [New].
type Option func(*options)

type options struct {
	logger    *zap.Logger
	stores    *store.Stores
	notifier  notify.Notifier
	market    *market.Client
	scanner   *scanner.Scanner
	sandbox   sandbox.Config
	scheduler scheduler.Config
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStores injects repository backends, usually built by [store.Open].
// The runtime does not take ownership: callers that hand in a bundle
// close it themselves after [Runtime.Close].
func WithStores(stores *store.Stores) Option {
	return func(o *options) { o.stores = stores }
}

// WithNotifier routes script notify(...) calls. Defaults to a notifier
// that drops everything.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithMarket enables the market data globals (getTonBalance, getPrice).
// Without it those calls throw "market data is not configured".
func WithMarket(c *market.Client) Option {
	return func(o *options) { o.market = c }
}

// WithScanner overrides the threat scanner, e.g. one built with custom
// patterns via [scanner.New].
func WithScanner(s *scanner.Scanner) Option {
	return func(o *options) { o.scanner = s }
}

// WithSandboxConfig bounds per-run resource use (fetch rate, body size,
// log buffer, notify length). Zero fields keep their defaults.
func WithSandboxConfig(cfg sandbox.Config) Option {
	return func(o *options) { o.sandbox = cfg }
}

// WithSchedulerConfig shapes run admission (timeout, concurrency cap).
// Zero fields keep their defaults.
func WithSchedulerConfig(cfg scheduler.Config) Option {
	return func(o *options) { o.scheduler = cfg }
}

// Runtime bundles the scanner, sandbox executor and scheduler registry
// behind one handle. Safe for concurrent use.
type Runtime struct {
	executor  *sandbox.Executor
	registry  *scheduler.Registry
	stores    *store.Stores
	ownStores bool
	writer    *pool.WriterPool
	logger    *zap.Logger
}

// New assembles a runtime. Without options everything is in-memory and
// the call cannot fail.
func New(opts ...Option) *Runtime {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	stores := o.stores
	ownStores := false
	if stores == nil {
		stores = store.NewMemoryStores()
		ownStores = true
	}

	// Async writes go through a private pool so slow durable backends
	// never block a run. Close drains it.
	writer := pool.New(pool.Config{}, o.logger, nil)

	executor := sandbox.New(o.sandbox, sandbox.Deps{
		Scanner:  o.scanner,
		State:    state.New(stores.State, writer, o.logger),
		Mailbox:  mailbox.New(o.logger, nil),
		Market:   o.market,
		Notifier: o.notifier,
		Tasks:    stores.Tasks,
		Logs:     stores.Logs,
		History:  stores.History,
		Writer:   writer,
		Logger:   o.logger,
	})

	registry := scheduler.New(o.scheduler, executor, stores.Tasks, o.logger, nil)

	return &Runtime{
		executor:  executor,
		registry:  registry,
		stores:    stores,
		ownStores: ownStores,
		writer:    writer,
		logger:    o.logger,
	}
}

// Stores exposes the repository bundle, e.g. to create tasks before
// starting them.
func (r *Runtime) Stores() *store.Stores {
	return r.stores
}

// Start dispatches a task by its trigger mode. Manual runs execute
// synchronously and return their result; interval and persistent starts
// return immediately with a nil result.
func (r *Runtime) Start(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return r.registry.Start(ctx, task)
}

// Stop halts a running task: interval loops are closed, persistent runs
// are asked to stop cooperatively. Unknown or stopped ids return
// [scheduler.ErrNotRunning].
func (r *Runtime) Stop(taskID string) error {
	return r.registry.Stop(taskID)
}

// Status reports the observable state of a task id, including after it
// stopped.
func (r *Runtime) Status(taskID string) RunInfo {
	return r.registry.Status(taskID)
}

// ListRunning returns the ids currently running with a live attachment.
func (r *Runtime) ListRunning() []RunInfo {
	return r.registry.ListRunning()
}

// Logs returns up to limit entries from the task's in-memory log buffer,
// oldest first.
func (r *Runtime) Logs(taskID string, limit int) []LogEntry {
	return r.registry.Logs(taskID, limit)
}

// Toggle flips the task's durable Active flag and starts or stops it
// accordingly. It reads the flag from the repository, so it does the
// right thing even right after a restart.
func (r *Runtime) Toggle(ctx context.Context, taskID string) (bool, error) {
	return r.registry.Toggle(ctx, taskID)
}

// Recover restarts every schedulable task left active in the repository
// and heals the rest. Call once after New when using durable stores.
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	return r.registry.Recover(ctx)
}

// Execute runs one script directly, without a stored task or registry
// bookkeeping. The request must carry a task id, user id and code.
func (r *Runtime) Execute(ctx context.Context, req *sandbox.Request) (*ExecutionResult, error) {
	return r.executor.Execute(ctx, req)
}

// Close shuts the runtime down: running tasks are stopped and drained,
// queued durable writes are flushed, and owned in-memory stores are
// released. Stores injected with [WithStores] are left open.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	r.writer.Close()
	if r.ownStores {
		if err := r.stores.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
