// Package sandbox executes untrusted JavaScript automation scripts in an
// isolated goja interpreter. Every invocation gets a fresh VM with a fixed
// capability surface; code passes a security quick-scan before the VM is
// built and is interrupted when it exceeds its wall-clock budget.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/internal/tlsutil"
	"github.com/BaSui01/agentrun/mailbox"
	"github.com/BaSui01/agentrun/market"
	"github.com/BaSui01/agentrun/notify"
	"github.com/BaSui01/agentrun/scanner"
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

var (
	// ErrCodeRejected marks code that failed the pre-execution security
	// scan. Use errors.Is against it; the concrete error is a
	// *RejectionError carrying the findings.
	ErrCodeRejected = errors.New("code rejected by security scan")

	errTimeout           = errors.New("execution timed out")
	errMarketUnavailable = errors.New("market data is not configured for this runtime")
)

// RejectionError carries the quick-scan findings behind ErrCodeRejected.
type RejectionError struct {
	Issues []string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCodeRejected, strings.Join(e.Issues, "; "))
}

func (e *RejectionError) Unwrap() error { return ErrCodeRejected }

// Defaults for Config fields left zero.
const (
	DefaultNotifyMaxLen  = 4096
	DefaultLogBufferSize = 256
	DefaultFetchRPS      = 5
	DefaultFetchBurst    = 10
	DefaultMaxFetchBody  = 1 << 20
	DefaultHTTPTimeout   = 15 * time.Second

	maxSleep         = 24 * time.Hour
	resultPreviewMax = 512
)

// Config bounds a single invocation's resource use.
type Config struct {
	// NotifyMaxLen caps notification text, in runes.
	NotifyMaxLen int `yaml:"notify_max_len" json:"notify_max_len"`
	// LogBufferSize caps the per-run in-memory log buffer.
	LogBufferSize int `yaml:"log_buffer_size" json:"log_buffer_size"`
	// FetchRPS and FetchBurst shape the per-run fetch rate limiter.
	FetchRPS   float64 `yaml:"fetch_rps" json:"fetch_rps"`
	FetchBurst int     `yaml:"fetch_burst" json:"fetch_burst"`
	// MaxFetchBody caps how much of a response body fetch reads, in bytes.
	MaxFetchBody int64 `yaml:"max_fetch_body" json:"max_fetch_body"`
	// HTTPTimeout bounds each individual fetch call.
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		NotifyMaxLen:  DefaultNotifyMaxLen,
		LogBufferSize: DefaultLogBufferSize,
		FetchRPS:      DefaultFetchRPS,
		FetchBurst:    DefaultFetchBurst,
		MaxFetchBody:  DefaultMaxFetchBody,
		HTTPTimeout:   DefaultHTTPTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NotifyMaxLen <= 0 {
		c.NotifyMaxLen = d.NotifyMaxLen
	}
	if c.LogBufferSize <= 0 {
		c.LogBufferSize = d.LogBufferSize
	}
	if c.FetchRPS <= 0 {
		c.FetchRPS = d.FetchRPS
	}
	if c.FetchBurst <= 0 {
		c.FetchBurst = d.FetchBurst
	}
	if c.MaxFetchBody <= 0 {
		c.MaxFetchBody = d.MaxFetchBody
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	return c
}

// Request describes one script invocation.
type Request struct {
	TaskID  string
	UserID  string
	Code    string
	Config  map[string]any
	Trigger string
	// Timeout, when positive, interrupts the VM after that much wall
	// clock. The scheduler sets it for manual and interval runs and
	// leaves it zero for persistent runs.
	Timeout time.Duration
	// Sink, when set, receives the run's log entries as they are
	// emitted, so live logs are visible mid-run. When nil the executor
	// creates a private buffer.
	Sink *LogSink
}

// Deps are the collaborators scripts reach through the capability surface
// plus the repositories execution bookkeeping writes to. Scanner, State,
// Mailbox, Notifier and Logger are replaced with working defaults when
// nil; every other nil dependency degrades to a no-op (no durable rows,
// no market data, no async writes, no metrics).
type Deps struct {
	Scanner  *scanner.Scanner
	State    *state.Store
	Mailbox  *mailbox.Mailbox
	Market   *market.Client
	Notifier notify.Notifier
	Tasks    store.TaskRepository
	Logs     store.LogRepository
	History  store.HistoryRepository
	Writer   *pool.WriterPool
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Executor runs scripts through the scan, normalize, execute pipeline.
// Safe for concurrent use; each invocation is fully isolated in its own
// VM.
type Executor struct {
	config     Config
	scanner    *scanner.Scanner
	state      *state.Store
	mailbox    *mailbox.Mailbox
	market     *market.Client
	notifier   notify.Notifier
	tasks      store.TaskRepository
	logs       store.LogRepository
	history    store.HistoryRepository
	writer     *pool.WriterPool
	metrics    *metrics.Collector
	logger     *zap.Logger
	httpClient *http.Client
	tracer     trace.Tracer
}

// New creates an executor. Zero Config fields fall back to defaults.
func New(cfg Config, deps Deps) *Executor {
	cfg = cfg.withDefaults()
	if deps.Scanner == nil {
		deps.Scanner = scanner.New(nil)
	}
	if deps.State == nil {
		deps.State = state.New(nil, nil, nil)
	}
	if deps.Mailbox == nil {
		deps.Mailbox = mailbox.New(nil, nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Executor{
		config:     cfg,
		scanner:    deps.Scanner,
		state:      deps.State,
		mailbox:    deps.Mailbox,
		market:     deps.Market,
		notifier:   deps.Notifier,
		tasks:      deps.Tasks,
		logs:       deps.Logs,
		history:    deps.History,
		writer:     deps.Writer,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		httpClient: tlsutil.SecureHTTPClient(cfg.HTTPTimeout),
		tracer:     otel.Tracer("agentrun/sandbox"),
	}
}

// Execute runs one script synchronously and reports its outcome. The only
// error returns are request validation and quick-scan rejection;
// everything that happens inside the VM is reported through the result.
func (e *Executor) Execute(ctx context.Context, req *Request) (*types.ExecutionResult, error) {
	if err := e.gate(req); err != nil {
		return nil, err
	}
	return e.run(ctx, req, nil), nil
}

// ExecutePersistent starts a long-lived run on its own goroutine and
// returns a control handle immediately. The script polls isStopped and
// sleeps between iterations; there is no wall-clock timeout. onExit, when
// non-nil, fires exactly once with the final result after the run
// unwinds.
func (e *Executor) ExecutePersistent(ctx context.Context, req *Request, onExit func(*types.ExecutionResult)) (*Handle, error) {
	if err := e.gate(req); err != nil {
		return nil, err
	}

	r := *req
	r.Timeout = 0
	if r.Sink == nil {
		r.Sink = NewLogSink(e.config.LogBufferSize)
	}
	handle := newHandle(r.TaskID, r.Sink)

	go func() {
		result := e.run(ctx, &r, handle)
		handle.doneCh <- result
		if onExit != nil {
			onExit(result)
		}
	}()
	return handle, nil
}

// gate validates the request and rejects unsafe code before any VM work.
func (e *Executor) gate(req *Request) error {
	if req == nil || req.TaskID == "" || strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("sandbox: task id and code are required")
	}
	quick := e.scanner.QuickScan(req.Code)
	e.metrics.RecordScan("quick", quick.Safe)
	if !quick.Safe {
		e.logger.Warn("code rejected before execution",
			zap.String("task_id", req.TaskID),
			zap.Strings("issues", quick.Issues))
		return &RejectionError{Issues: quick.Issues}
	}
	return nil
}

// run owns the whole lifecycle of one invocation: span, history row,
// interpreter, result assembly and bookkeeping.
func (e *Executor) run(ctx context.Context, req *Request, handle *Handle) *types.ExecutionResult {
	sink := req.Sink
	if sink == nil {
		sink = NewLogSink(e.config.LogBufferSize)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = string(types.TriggerManual)
	}

	ctx, span := e.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("task.trigger", trigger),
	))
	defer span.End()

	historyID := e.startHistory(ctx, req, trigger)
	e.metrics.IncActiveRuns()
	started := time.Now()

	value, runErr := e.invoke(ctx, req, sink, handle)

	duration := time.Since(started)
	e.metrics.DecActiveRuns()

	result := &types.ExecutionResult{Duration: duration}
	if runErr != nil {
		result.Error = scriptFault(runErr)
		entry := types.NewLogEntry(types.LogError, "execution failed: "+result.Error)
		sink.Append(entry)
		e.mirrorLog(req, entry)
		e.setLastError(req.TaskID, result.Error)
		span.RecordError(errors.New(result.Error))
		span.SetStatus(codes.Error, "execution fault")
		e.logger.Warn("execution failed",
			zap.String("task_id", req.TaskID),
			zap.String("trigger", trigger),
			zap.Duration("duration", duration),
			zap.String("error", result.Error))
	} else {
		result.Success = true
		result.Result = export(value)
		entry := types.NewLogEntry(types.LogSuccess, "execution completed")
		entry.Detail = result.Result
		sink.Append(entry)
		e.mirrorLog(req, entry)
		e.setLastError(req.TaskID, "")
		span.SetStatus(codes.Ok, "")
		e.logger.Info("execution completed",
			zap.String("task_id", req.TaskID),
			zap.String("trigger", trigger),
			zap.Duration("duration", duration))
	}
	span.SetAttributes(attribute.Bool("task.success", result.Success))

	result.Logs = sink.Entries()
	status := "success"
	if !result.Success {
		status = "error"
	}
	e.metrics.RecordRun(trigger, status, duration)
	e.finishHistory(req, historyID, status, result)
	return result
}

// invoke builds the VM, arms the interrupt sources and runs the script. A
// panic anywhere inside the interpreter or a capability is converted into
// an execution fault rather than taking down the process; state and
// mailbox effects committed before the panic stay committed.
func (e *Executor) invoke(ctx context.Context, req *Request, sink *LogSink, handle *Handle) (value goja.Value, err error) {
	env := e.newRuntime(ctx, req, sink, handle)

	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("sandbox panic: %v", r)
			e.logger.Error("recovered from sandbox panic",
				zap.String("task_id", req.TaskID),
				zap.Any("panic", r))
		}
	}()

	if req.Timeout > 0 {
		timer := time.AfterFunc(req.Timeout, func() { env.vm.Interrupt(errTimeout) })
		defer timer.Stop()
	}
	unwatch := context.AfterFunc(ctx, func() {
		env.vm.Interrupt(fmt.Errorf("execution canceled: %w", context.Cause(ctx)))
	})
	defer unwatch()

	return env.runScript()
}

// scriptFault renders a run error as the message stored on the result and
// the task row. Interrupts carry their cause; thrown JS values render the
// way the script saw them.
func scriptFault(err error) string {
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		if cause, ok := intr.Value().(error); ok {
			return cause.Error()
		}
		return fmt.Sprintf("interrupted: %v", intr.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			return v.String()
		}
	}
	return err.Error()
}

// export converts the script's final value into plain Go data.
func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// mirrorLog ships one run-log entry to the durable log repository, through
// the writer pool when one is wired and inline best-effort otherwise. The
// run's own context is never used: entries emitted by a dying run still
// deserve a write attempt.
func (e *Executor) mirrorLog(req *Request, entry types.LogEntry) {
	if e.logs == nil {
		return
	}
	rec := store.LogRecord{
		TaskID:    req.TaskID,
		UserID:    req.UserID,
		Level:     string(entry.Level),
		Message:   entry.Message,
		CreatedAt: entry.Time,
	}
	if entry.Detail != nil {
		if b, err := json.Marshal(entry.Detail); err == nil {
			rec.Detail = string(b)
		}
	}
	write := func(ctx context.Context) error { return e.logs.Insert(ctx, rec) }
	if e.writer != nil {
		_ = e.writer.Submit("log", write)
		return
	}
	if err := write(context.Background()); err != nil {
		e.logger.Warn("log mirror failed",
			zap.String("task_id", req.TaskID), zap.Error(err))
	}
}

// setLastError records the run outcome on the task row ("" clears a
// previous error). Missing rows are ignored: ad hoc runs have no stored
// task.
func (e *Executor) setLastError(taskID, msg string) {
	if e.tasks == nil {
		return
	}
	write := func(ctx context.Context) error {
		if err := e.tasks.SetLastError(ctx, taskID, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	}
	if e.writer != nil {
		_ = e.writer.Submit("task", write)
		return
	}
	if err := write(context.Background()); err != nil {
		e.logger.Warn("recording last error failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func (e *Executor) startHistory(ctx context.Context, req *Request, trigger string) string {
	if e.history == nil {
		return ""
	}
	id, err := e.history.Start(ctx, req.TaskID, req.UserID, trigger)
	if err != nil {
		e.logger.Warn("history start failed",
			zap.String("task_id", req.TaskID), zap.Error(err))
		return ""
	}
	return id
}

// finishHistory completes the execution history row fire-and-forget.
func (e *Executor) finishHistory(req *Request, historyID, status string, result *types.ExecutionResult) {
	if e.history == nil || historyID == "" {
		return
	}
	duration := result.Duration
	errMsg := result.Error
	preview := result.ResultPreview(resultPreviewMax)
	write := func(ctx context.Context) error {
		return e.history.Finish(ctx, historyID, status, duration, errMsg, preview)
	}
	if e.writer != nil {
		_ = e.writer.Submit("history", write)
		return
	}
	if err := write(context.Background()); err != nil {
		e.logger.Warn("history finish failed",
			zap.String("task_id", req.TaskID), zap.Error(err))
	}
}
