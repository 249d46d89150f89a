package sandbox

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// entryNames are probed in order on the global object after the top-level
// body has run. The first one bound to a callable becomes the run's entry
// point; with none present the top-level body itself is the run.
var entryNames = [...]string{"agent", "main", "run"}

var errSuspended = errors.New("script suspended on an unresolved promise")

// runScript compiles and runs the normalized source, probes for an entry
// function and settles the final value. Returned errors are script faults:
// syntax errors, thrown values, interrupts, or an entry that never settles.
func (env *runEnv) runScript() (goja.Value, error) {
	prog, err := goja.Compile(env.req.TaskID+".js", Normalize(env.req.Code), false)
	if err != nil {
		return nil, fmt.Errorf("syntax error: %w", err)
	}

	value, err := env.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}

	if entry, ok := env.findEntry(); ok {
		value, err = entry(goja.Undefined(), env.entryArg())
		if err != nil {
			return nil, err
		}
	}
	return env.settle(value)
}

func (env *runEnv) findEntry() (goja.Callable, bool) {
	for _, name := range entryNames {
		if fn, ok := goja.AssertFunction(env.vm.Get(name)); ok {
			return fn, true
		}
	}
	return nil, false
}

// entryArg builds the single context argument passed to the entry function.
func (env *runEnv) entryArg() goja.Value {
	arg := env.vm.NewObject()
	_ = arg.Set("userId", env.req.UserID)
	_ = arg.Set("taskId", env.req.TaskID)
	cfg := env.req.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	_ = arg.Set("config", cfg)
	return arg
}

// settle unwraps a Promise returned by the entry point. goja drains the
// microtask queue before the outer call returns, so a promise still
// pending here can never make progress again and is reported as a fault.
func (env *runEnv) settle(value goja.Value) (goja.Value, error) {
	if value == nil {
		return goja.Undefined(), nil
	}
	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return value, nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		return nil, errors.New(rejectionMessage(promise.Result()))
	default:
		return nil, errSuspended
	}
}

func rejectionMessage(reason goja.Value) string {
	if reason == nil {
		return "promise rejected"
	}
	return reason.String()
}
