package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentrun/types"
)

// runEnv binds one VM invocation to its task identity, its collaborators
// and its log buffer. Capabilities close over the env; nothing else from
// the host process is reachable from script code.
type runEnv struct {
	exec    *Executor
	ctx     context.Context
	req     *Request
	vm      *goja.Runtime
	sink    *LogSink
	limiter *rate.Limiter
	handle  *Handle // non-nil only for persistent runs
}

func (e *Executor) newRuntime(ctx context.Context, req *Request, sink *LogSink, handle *Handle) *runEnv {
	env := &runEnv{
		exec:    e,
		ctx:     ctx,
		req:     req,
		vm:      goja.New(),
		sink:    sink,
		limiter: rate.NewLimiter(rate.Limit(e.config.FetchRPS), e.config.FetchBurst),
		handle:  handle,
	}
	env.install()
	return env
}

// install wires the capability surface. Everything a script can touch is
// registered here; beyond it goja exposes only ECMAScript builtins.
func (env *runEnv) install() {
	vm := env.vm
	_ = vm.Set("fetch", env.fetch)
	_ = vm.Set("notify", env.notify)
	_ = vm.Set("getState", env.getState)
	_ = vm.Set("setState", env.setState)
	_ = vm.Set("getTonBalance", env.getTonBalance)
	_ = vm.Set("getPrice", env.getPrice)
	_ = vm.Set("agent_send", env.agentSend)
	_ = vm.Set("agent_receive", env.agentReceive)
	env.installConsole()
	if env.handle != nil {
		_ = vm.Set("sleep", env.sleep)
		_ = vm.Set("isStopped", env.isStopped)
	}
}

// record appends one run-log entry and mirrors it to the durable log
// repository without blocking the script.
func (env *runEnv) record(level types.LogLevel, message string, detail any) {
	entry := types.NewLogEntry(level, message)
	entry.Detail = detail
	env.sink.Append(entry)
	env.exec.mirrorLog(env.req, entry)
}

// fetch performs a blocking HTTP request on behalf of the script. The VM
// goroutine is dedicated to this run, so blocking here stalls nobody else.
// Scripts usually write `await fetch(...)`; awaiting the plain response
// object resolves immediately.
func (env *runEnv) fetch(call goja.FunctionCall) goja.Value {
	vm := env.vm
	urlArg := call.Argument(0)
	if goja.IsUndefined(urlArg) || urlArg.String() == "" {
		panic(vm.NewTypeError("fetch: url is required"))
	}
	rawURL := urlArg.String()

	if err := env.limiter.Wait(env.ctx); err != nil {
		panic(vm.NewGoError(fmt.Errorf("fetch %s: rate limiter: %w", rawURL, err)))
	}

	method := http.MethodGet
	headers := map[string]string{}
	var body io.Reader
	if opts, ok := call.Argument(1).Export().(map[string]any); ok {
		if m, ok := opts["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
		if hs, ok := opts["headers"].(map[string]any); ok {
			for k, v := range hs {
				headers[k] = fmt.Sprintf("%v", v)
			}
		}
		switch b := opts["body"].(type) {
		case nil:
		case string:
			body = strings.NewReader(b)
		default:
			enc, err := json.Marshal(b)
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("fetch %s: body is not JSON-encodable: %w", rawURL, err)))
			}
			body = bytes.NewReader(enc)
			if !hasHeader(headers, "Content-Type") {
				headers["Content-Type"] = "application/json"
			}
		}
	}

	httpReq, err := http.NewRequestWithContext(env.ctx, method, rawURL, body)
	if err != nil {
		panic(vm.NewGoError(fmt.Errorf("fetch %s: %w", rawURL, err)))
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := env.exec.httpClient.Do(httpReq)
	if err != nil {
		panic(vm.NewGoError(fmt.Errorf("fetch %s: %w", rawURL, err)))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, env.exec.config.MaxFetchBody))
	if err != nil {
		panic(vm.NewGoError(fmt.Errorf("fetch %s: reading body: %w", rawURL, err)))
	}
	return env.responseObject(resp, data)
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// responseObject builds the fetch return value: ok, status, statusText,
// headers (lower-cased names) plus text() and json() accessors over the
// already-read body.
func (env *runEnv) responseObject(resp *http.Response, data []byte) goja.Value {
	vm := env.vm
	obj := vm.NewObject()
	_ = obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	_ = obj.Set("status", resp.StatusCode)
	_ = obj.Set("statusText", http.StatusText(resp.StatusCode))

	headers := vm.NewObject()
	for name := range resp.Header {
		_ = headers.Set(strings.ToLower(name), resp.Header.Get(name))
	}
	_ = obj.Set("headers", headers)

	text := string(data)
	_ = obj.Set("text", func() string { return text })
	_ = obj.Set("json", func() (any, error) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("response body is not valid JSON: %w", err)
		}
		return v, nil
	})
	return obj
}

// notify delivers a message to the task's owner. Delivery failures are
// logged and counted but never thrown: a lost notification must not fail
// the run.
func (env *runEnv) notify(text string) {
	text = truncateRunes(text, env.exec.config.NotifyMaxLen)
	if err := env.exec.notifier.Notify(env.ctx, env.req.UserID, text); err != nil {
		env.exec.logger.Warn("notify failed",
			zap.String("task_id", env.req.TaskID),
			zap.String("user_id", env.req.UserID),
			zap.Error(err))
		env.exec.metrics.RecordNotifyFailure()
		env.record(types.LogWarn, "notification failed: "+err.Error(), nil)
	}
}

func (env *runEnv) getState(key string) any {
	return env.exec.state.Get(env.ctx, env.req.TaskID, key)
}

func (env *runEnv) setState(key string, value goja.Value) error {
	var exported any
	if value != nil {
		exported = value.Export()
	}
	return env.exec.state.Set(env.ctx, env.req.TaskID, env.req.UserID, key, exported)
}

func (env *runEnv) getTonBalance(address string) (float64, error) {
	if env.exec.market == nil {
		return 0, errMarketUnavailable
	}
	return env.exec.market.GetTonBalance(env.ctx, address)
}

func (env *runEnv) getPrice(symbol string) (float64, error) {
	if env.exec.market == nil {
		return 0, errMarketUnavailable
	}
	return env.exec.market.GetPrice(env.ctx, symbol)
}

func (env *runEnv) agentSend(to string, data goja.Value) error {
	if to == "" {
		return fmt.Errorf("agent_send: destination task id is required")
	}
	var exported any
	if data != nil {
		exported = data.Export()
	}
	env.exec.mailbox.Send(env.req.TaskID, to, exported)
	return nil
}

func (env *runEnv) agentReceive() []map[string]any {
	msgs := env.exec.mailbox.Receive(env.req.TaskID)
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"from":   m.From,
			"data":   m.Data,
			"sentAt": m.SentAt.UnixMilli(),
		})
	}
	return out
}

// sleep pauses the script without holding the VM busy. The stop channel
// wins over the timer, so a stopping task wakes immediately.
func (env *runEnv) sleep(ms float64) {
	d := time.Duration(ms) * time.Millisecond
	if d < 0 {
		d = 0
	}
	if d > maxSleep {
		d = maxSleep
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-env.handle.stopCh:
	case <-env.ctx.Done():
	}
}

func (env *runEnv) isStopped() bool {
	return env.handle.Stopped() || env.ctx.Err() != nil
}

func (env *runEnv) installConsole() {
	console := env.vm.NewObject()
	emit := func(level types.LogLevel) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			env.record(level, consoleFormat(call.Arguments), nil)
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit(types.LogInfo))
	_ = console.Set("info", emit(types.LogInfo))
	_ = console.Set("warn", emit(types.LogWarn))
	_ = console.Set("error", emit(types.LogError))
	_ = env.vm.Set("console", console)
}

func consoleFormat(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, formatValue(a))
	}
	return strings.Join(parts, " ")
}

// formatValue renders objects as JSON and everything else via its string
// conversion, so console.log('user', {id: 1}) reads naturally in the log.
func formatValue(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if b, err := obj.MarshalJSON(); err == nil {
			return string(b)
		}
	}
	return v.String()
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
