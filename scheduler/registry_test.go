package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentrun/notify"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

func newTestRegistry(t *testing.T, cfg Config, repo store.TaskRepository, notifier notify.Notifier) *Registry {
	t.Helper()
	exec := sandbox.New(sandbox.DefaultConfig(), sandbox.Deps{
		Tasks:    repo,
		Notifier: notifier,
		Logger:   zaptest.NewLogger(t),
	})
	reg := New(cfg, exec, repo, zaptest.NewLogger(t), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg
}

// blockingServer signals on started when the first request arrives and
// holds every request open until release is called.
func blockingServer(t *testing.T) (url string, started <-chan struct{}, release func()) {
	t.Helper()
	startedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	var startOnce, releaseOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		startOnce.Do(func() { close(startedCh) })
		<-releaseCh
		w.WriteHeader(http.StatusOK)
	}))
	release = func() { releaseOnce.Do(func() { close(releaseCh) }) }
	t.Cleanup(func() {
		release()
		srv.Close()
	})
	return srv.URL, startedCh, release
}

// countingNotifier tracks how many runs are in flight at once through
// paired begin/end notifications.
type countingNotifier struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	runs        int
}

func (n *countingNotifier) Notify(_ context.Context, _ string, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch text {
	case "begin":
		n.inFlight++
		n.runs++
		if n.inFlight > n.maxInFlight {
			n.maxInFlight = n.inFlight
		}
	case "end":
		n.inFlight--
	}
	return nil
}

func (n *countingNotifier) snapshot() (runs, maxInFlight int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.runs, n.maxInFlight
}

// textNotifier records every notification text it sees.
type textNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *textNotifier) Notify(_ context.Context, _ string, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *textNotifier) count(text string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, got := range n.texts {
		if got == text {
			c++
		}
	}
	return c
}

func manualTask(id, code string) *types.Task {
	return &types.Task{ID: id, UserID: "u-1", Code: code, Trigger: types.TriggerManual}
}

func intervalTask(id, code string, every time.Duration) *types.Task {
	return &types.Task{ID: id, UserID: "u-1", Code: code, Trigger: types.TriggerInterval, IntervalMs: every.Milliseconds()}
}

func persistentTask(id, code string) *types.Task {
	return &types.Task{ID: id, UserID: "u-1", Code: code, Trigger: types.TriggerPersistent}
}

const stopPollingScript = `
async function agent() {
	let beats = 0;
	while (!isStopped()) {
		beats += 1;
		await sleep(20);
	}
	notify('stopped');
	return beats;
}`

func TestStart_ManualRunsSynchronously(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	res, err := reg.Start(context.Background(), manualTask("t-manual", `
		async function agent() { return 'ok'; }`))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Result)

	info := reg.Status("t-manual")
	assert.Equal(t, types.StatusIdle, info.Status)
	assert.False(t, info.SchedulerAttached)
	assert.Positive(t, info.BufferedLogs)
}

func TestStart_SecondManualStartIsRejected(t *testing.T) {
	url, started, release := blockingServer(t)
	reg := newTestRegistry(t, Config{}, nil, nil)

	task := manualTask("t-busy", fmt.Sprintf(`
		async function agent() {
			await fetch(%q);
			return 'done';
		}`, url))

	type outcome struct {
		res *types.ExecutionResult
		err error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		res, err := reg.Start(context.Background(), task)
		firstDone <- outcome{res, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the blocking fetch")
	}
	assert.Equal(t, types.StatusRunning, reg.Status("t-busy").Status)

	_, err := reg.Start(context.Background(), task)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	release()
	first := <-firstDone
	require.NoError(t, first.err)
	require.True(t, first.res.Success)
	assert.Equal(t, types.StatusIdle, reg.Status("t-busy").Status)
}

func TestStart_ManualFailureMarksError(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	res, err := reg.Start(context.Background(), manualTask("t-fail", `
		async function agent() { throw new Error('broken wheel'); }`))
	require.NoError(t, err)
	require.False(t, res.Success)

	info := reg.Status("t-fail")
	assert.Equal(t, types.StatusError, info.Status)
	assert.Contains(t, info.LastError, "broken wheel")
}

func TestStart_UnknownTrigger(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	_, err := reg.Start(context.Background(), &types.Task{ID: "t-odd", Code: "1", Trigger: "yearly"})
	require.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestStart_RequiresTaskWithID(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	_, err := reg.Start(context.Background(), nil)
	require.Error(t, err)

	_, err = reg.Start(context.Background(), &types.Task{Code: "1", Trigger: types.TriggerManual})
	require.Error(t, err)
}

func TestInterval_RunsImmediately(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	// One minute between ticks: anything we observe below came from the
	// immediate first run, not the timer.
	_, err := reg.Start(context.Background(), intervalTask("t-iv", `
		async function agent() { console.log('first pass'); }`, time.Minute))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reg.Status("t-iv").BufferedLogs > 0
	}, 3*time.Second, 10*time.Millisecond)

	info := reg.Status("t-iv")
	assert.Equal(t, types.StatusRunning, info.Status)
	assert.True(t, info.SchedulerAttached)
	assert.Positive(t, info.Uptime)
}

func TestInterval_TicksRepeatedly(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	_, err := reg.Start(context.Background(), intervalTask("t-tick", `
		async function agent() { console.log('ran'); }`, 25*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n := 0
		for _, entry := range reg.Logs("t-tick", 0) {
			if entry.Message == "ran" {
				n++
			}
		}
		return n >= 3
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInterval_SlowRunSkipsTicks(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(120 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	counter := &countingNotifier{}
	reg := newTestRegistry(t, Config{}, nil, counter)

	// Ticks every 20ms while each run takes ~120ms: overlapping ticks
	// must be skipped, so at most one run is ever in flight.
	_, err := reg.Start(context.Background(), intervalTask("t-slow", fmt.Sprintf(`
		async function agent() {
			notify('begin');
			await fetch(%q);
			notify('end');
		}`, slow.URL), 20*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runs, _ := counter.snapshot()
		return runs >= 2
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, reg.Stop("t-slow"))

	_, maxInFlight := counter.snapshot()
	assert.Equal(t, 1, maxInFlight)
}

func TestInterval_RejectedCodeDetaches(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	_, err := reg.Start(context.Background(), intervalTask("t-evil", `
		async function agent() { eval('1'); }`, 20*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reg.Status("t-evil").Status == types.StatusError
	}, 3*time.Second, 10*time.Millisecond)

	info := reg.Status("t-evil")
	assert.False(t, info.SchedulerAttached)
	assert.Contains(t, info.LastError, "rejected")
}

func TestStop_IntervalLoop(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	_, err := reg.Start(context.Background(), intervalTask("t-stop", `
		async function agent() { console.log('beat'); }`, 20*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return reg.Status("t-stop").BufferedLogs > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Stop("t-stop"))

	info := reg.Status("t-stop")
	assert.Equal(t, types.StatusPaused, info.Status)
	assert.False(t, info.SchedulerAttached)

	// Give any in-flight run a moment to settle, then confirm the loop
	// is really dead.
	time.Sleep(150 * time.Millisecond)
	before := reg.Status("t-stop").BufferedLogs
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, before, reg.Status("t-stop").BufferedLogs)

	require.ErrorIs(t, reg.Stop("t-stop"), ErrNotRunning)
}

func TestStop_NeverStarted(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)
	require.ErrorIs(t, reg.Stop("ghost"), ErrNotRunning)
}

func TestPersistent_StopIsObservedCooperatively(t *testing.T) {
	notifier := &textNotifier{}
	reg := newTestRegistry(t, Config{}, nil, notifier)

	_, err := reg.Start(context.Background(), persistentTask("t-p", stopPollingScript))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info := reg.Status("t-p")
		return info.Status == types.StatusRunning && info.SchedulerAttached
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Stop("t-p"))
	assert.Equal(t, types.StatusPaused, reg.Status("t-p").Status)

	// The script notices the flag on its next sleep poll and exits on
	// its own.
	require.Eventually(t, func() bool {
		return notifier.count("stopped") == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The self-exit of a stopped run must not overwrite the paused
	// status the user asked for.
	time.Sleep(100 * time.Millisecond)
	info := reg.Status("t-p")
	assert.Equal(t, types.StatusPaused, info.Status)
	assert.False(t, info.SchedulerAttached)
}

func TestPersistent_SelfExitMarksIdle(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	_, err := reg.Start(context.Background(), persistentTask("t-short", `
		async function agent() { return 'bye'; }`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info := reg.Status("t-short")
		return info.Status == types.StatusIdle && !info.SchedulerAttached
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPersistent_CrashMarksErrorAndPersistsIt(t *testing.T) {
	repo := store.NewMemoryTaskRepository()
	task := persistentTask("t-crash", `
		async function agent() { throw new Error('kaput'); }`)
	require.NoError(t, repo.Create(context.Background(), task))

	reg := newTestRegistry(t, Config{}, repo, nil)
	_, err := reg.Start(context.Background(), task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reg.Status("t-crash").Status == types.StatusError
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, reg.Status("t-crash").LastError, "kaput")

	stored, err := repo.GetByID(context.Background(), "t-crash")
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "kaput")
}

func TestPersistent_RestartSupersedes(t *testing.T) {
	notifier := &textNotifier{}
	reg := newTestRegistry(t, Config{}, nil, notifier)

	first := persistentTask("t-gen", `
		async function agent() {
			while (!isStopped()) { await sleep(20); }
			notify('first-exited');
		}`)
	_, err := reg.Start(context.Background(), first)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return reg.Status("t-gen").Status == types.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)

	second := persistentTask("t-gen", `
		async function agent() {
			notify('second-alive');
			while (!isStopped()) { await sleep(20); }
		}`)
	_, err = reg.Start(context.Background(), second)
	require.NoError(t, err)

	// The superseded run exits, the replacement keeps going.
	require.Eventually(t, func() bool {
		return notifier.count("first-exited") == 1 && notifier.count("second-alive") == 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	info := reg.Status("t-gen")
	assert.Equal(t, types.StatusRunning, info.Status)
	assert.True(t, info.SchedulerAttached)

	require.NoError(t, reg.Stop("t-gen"))
}

func TestStart_AtCapacity(t *testing.T) {
	reg := newTestRegistry(t, Config{MaxConcurrentRuns: 1}, nil, nil)

	_, err := reg.Start(context.Background(), persistentTask("t-hold", stopPollingScript))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return reg.Status("t-hold").Status == types.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)

	_, err = reg.Start(context.Background(), manualTask("t-wait", `async function agent() { return 1; }`))
	require.ErrorIs(t, err, ErrAtCapacity)

	// Stopping the persistent run frees its slot once the script exits.
	require.NoError(t, reg.Stop("t-hold"))
	require.Eventually(t, func() bool {
		res, err := reg.Start(context.Background(), manualTask("t-wait", `async function agent() { return 1; }`))
		return err == nil && res.Success
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLogs_NewestFirstAndCapped(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	_, err := reg.Start(context.Background(), manualTask("t-logs", `
		async function agent() {
			for (let i = 1; i <= 5; i++) { console.log('line ' + i); }
		}`))
	require.NoError(t, err)

	got := reg.Logs("t-logs", 3)
	require.Len(t, got, 3)
	// Newest first: the completion entry, then the last console lines.
	assert.Equal(t, types.LogSuccess, got[0].Level)
	assert.Equal(t, "line 5", got[1].Message)
	assert.Equal(t, "line 4", got[2].Message)

	assert.Nil(t, reg.Logs("ghost", 10))
}

func TestToggle(t *testing.T) {
	t.Run("starts and stops an interval task", func(t *testing.T) {
		repo := store.NewMemoryTaskRepository()
		task := intervalTask("t-flip", `async function agent() { return 1; }`, 50*time.Millisecond)
		require.NoError(t, repo.Create(context.Background(), task))

		reg := newTestRegistry(t, Config{}, repo, nil)

		active, err := reg.Toggle(context.Background(), "t-flip")
		require.NoError(t, err)
		assert.True(t, active)

		stored, err := repo.GetByID(context.Background(), "t-flip")
		require.NoError(t, err)
		assert.True(t, stored.Active)
		require.Eventually(t, func() bool {
			return reg.Status("t-flip").Status == types.StatusRunning
		}, 3*time.Second, 10*time.Millisecond)

		active, err = reg.Toggle(context.Background(), "t-flip")
		require.NoError(t, err)
		assert.False(t, active)

		stored, err = repo.GetByID(context.Background(), "t-flip")
		require.NoError(t, err)
		assert.False(t, stored.Active)
		assert.Equal(t, types.StatusPaused, reg.Status("t-flip").Status)
	})

	t.Run("rejects manual tasks", func(t *testing.T) {
		repo := store.NewMemoryTaskRepository()
		task := manualTask("t-man", `async function agent() { return 1; }`)
		require.NoError(t, repo.Create(context.Background(), task))

		reg := newTestRegistry(t, Config{}, repo, nil)

		_, err := reg.Toggle(context.Background(), "t-man")
		require.ErrorContains(t, err, "cannot be toggled")

		stored, err := repo.GetByID(context.Background(), "t-man")
		require.NoError(t, err)
		assert.False(t, stored.Active)
	})

	t.Run("unknown task", func(t *testing.T) {
		reg := newTestRegistry(t, Config{}, store.NewMemoryTaskRepository(), nil)

		_, err := reg.Toggle(context.Background(), "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryTaskRepository()

	healMe := manualTask("t-heal", `async function agent() { return 1; }`)
	healMe.Active = true
	require.NoError(t, repo.Create(ctx, healMe))

	iv := intervalTask("t-iv", `async function agent() { return 1; }`, 50*time.Millisecond)
	iv.Active = true
	require.NoError(t, repo.Create(ctx, iv))

	p := persistentTask("t-p", stopPollingScript)
	p.Active = true
	require.NoError(t, repo.Create(ctx, p))

	idle := intervalTask("t-idle", `async function agent() { return 1; }`, 50*time.Millisecond)
	require.NoError(t, repo.Create(ctx, idle))

	reg := newTestRegistry(t, Config{}, repo, nil)

	restored, err := reg.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	// The manual task's stray flag is healed, not restarted.
	stored, err := repo.GetByID(ctx, "t-heal")
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.False(t, reg.Status("t-heal").SchedulerAttached)

	require.Eventually(t, func() bool {
		return reg.Status("t-iv").Status == types.StatusRunning &&
			reg.Status("t-p").Status == types.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.StatusIdle, reg.Status("t-idle").Status)
}

func TestRecover_WithoutRepository(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	restored, err := reg.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestListRunning(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	for _, id := range []string{"t-b", "t-a"} {
		_, err := reg.Start(context.Background(), intervalTask(id, `
			async function agent() { return 1; }`, time.Minute))
		require.NoError(t, err)
	}

	infos := reg.ListRunning()
	require.Len(t, infos, 2)
	assert.Equal(t, "t-a", infos[0].TaskID)
	assert.Equal(t, "t-b", infos[1].TaskID)
	for _, info := range infos {
		assert.Equal(t, types.StatusRunning, info.Status)
		assert.True(t, info.SchedulerAttached)
	}
}

func TestShutdown_StopsEverything(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil, nil)

	_, err := reg.Start(context.Background(), intervalTask("t-iv", `
		async function agent() { return 1; }`, 20*time.Millisecond))
	require.NoError(t, err)
	_, err = reg.Start(context.Background(), persistentTask("t-p", stopPollingScript))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(reg.ListRunning()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))

	assert.Empty(t, reg.ListRunning())
	assert.Equal(t, types.StatusPaused, reg.Status("t-iv").Status)
	assert.Equal(t, types.StatusPaused, reg.Status("t-p").Status)
}
