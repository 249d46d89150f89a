package agentrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/scheduler"
	"github.com/BaSui01/agentrun/types"
)

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt := New(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return rt
}

func TestNew_Defaults(t *testing.T) {
	rt := newTestRuntime(t)

	require.NotNil(t, rt.Stores())
	require.NotNil(t, rt.Stores().Tasks)

	info := rt.Status("never-seen")
	assert.Equal(t, types.StatusIdle, info.Status)
	assert.Empty(t, rt.ListRunning())
}

func TestRuntime_ManualRun(t *testing.T) {
	rt := newTestRuntime(t)

	res, err := rt.Start(context.Background(), &Task{
		ID:      "t-facade",
		UserID:  "u-1",
		Code:    `async function agent(ctx) { return {success: true, result: 1 + 1}; }`,
		Trigger: TriggerManual,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	result, ok := res.Result.(map[string]any)
	require.True(t, ok, "result should be the returned object, got %T", res.Result)
	assert.EqualValues(t, 2, result["result"])

	assert.Equal(t, types.StatusIdle, rt.Status("t-facade").Status)
	assert.NotEmpty(t, rt.Logs("t-facade", 10))
}

func TestRuntime_ExecuteDirect(t *testing.T) {
	rt := newTestRuntime(t)

	res, err := rt.Execute(context.Background(), &sandbox.Request{
		TaskID:  "t-direct",
		UserID:  "u-1",
		Code:    `async function agent() { return 'direct'; }`,
		Trigger: "manual",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "direct", res.Result)
}

func TestRuntime_StateRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start(context.Background(), &Task{
		ID:      "t-state",
		UserID:  "u-1",
		Code:    `async function agent() { setState('count', 41); return getState('count') + 1; }`,
		Trigger: TriggerManual,
	})
	require.NoError(t, err)

	res, err := rt.Start(context.Background(), &Task{
		ID:      "t-state",
		UserID:  "u-1",
		Code:    `async function agent() { return getState('count'); }`,
		Trigger: TriggerManual,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.EqualValues(t, 41, res.Result, "state written by the first run should be visible to the second")
}

func TestRuntime_StopNotRunning(t *testing.T) {
	rt := newTestRuntime(t)

	err := rt.Stop("ghost")
	assert.ErrorIs(t, err, scheduler.ErrNotRunning)
}

func TestRuntime_PersistentStop(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Start(context.Background(), &Task{
		ID:     "t-loop",
		UserID: "u-1",
		Code: `
			async function agent() {
				while (!isStopped()) {
					await sleep(20);
				}
				return 'stopped';
			}`,
		Trigger: TriggerPersistent,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return rt.Status("t-loop").Status == types.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.Stop("t-loop"))

	assert.Eventually(t, func() bool {
		return rt.Status("t-loop").Status == types.StatusPaused
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRuntime_ToggleThroughRepository(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	task := &Task{
		ID:         "t-toggle",
		UserID:     "u-1",
		Code:       `async function agent() { return 'tick'; }`,
		Trigger:    TriggerInterval,
		IntervalMs: (50 * time.Millisecond).Milliseconds(),
	}
	require.NoError(t, rt.Stores().Tasks.Create(ctx, task))

	active, err := rt.Toggle(ctx, "t-toggle")
	require.NoError(t, err)
	assert.True(t, active)

	assert.Eventually(t, func() bool {
		return rt.Status("t-toggle").SchedulerAttached
	}, 3*time.Second, 10*time.Millisecond)

	active, err = rt.Toggle(ctx, "t-toggle")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRuntime_RecoverWithOwnedStores(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	// An active manual task is an inconsistency recovery must heal.
	require.NoError(t, rt.Stores().Tasks.Create(ctx, &Task{
		ID:      "t-stale",
		UserID:  "u-1",
		Code:    `async function agent() { return 'once'; }`,
		Trigger: TriggerManual,
		Active:  true,
	}))

	recovered, err := rt.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	healed, err := rt.Stores().Tasks.GetByID(ctx, "t-stale")
	require.NoError(t, err)
	assert.False(t, healed.Active)
}

func TestRuntime_CloseIsClean(t *testing.T) {
	rt := New(WithLogger(zaptest.NewLogger(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Close(ctx))
}

func TestRuntime_WithSchedulerConfig(t *testing.T) {
	rt := newTestRuntime(t, WithSchedulerConfig(scheduler.Config{
		Timeout: 50 * time.Millisecond,
	}))

	res, err := rt.Start(context.Background(), &Task{
		ID:      "t-slow",
		UserID:  "u-1",
		Code:    `async function agent() { while (true) {} }`,
		Trigger: TriggerManual,
	})
	require.NoError(t, err)
	assert.False(t, res.Success, "run past the configured timeout should fail")
	assert.Contains(t, res.Error, "timed out")
}
