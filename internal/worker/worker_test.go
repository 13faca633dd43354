package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codrlabs/codr/internal/adapter/broker/redisbroker"
	"github.com/codrlabs/codr/internal/adapter/repo/redisjobs"
	"github.com/codrlabs/codr/internal/domain"
)

type fakeSandbox struct {
	result domain.ExecutionResult
	err    error
	calls  int
}

func (f *fakeSandbox) Execute(_ context.Context, _, _ string) (domain.ExecutionResult, error) {
	f.calls++
	return f.result, f.err
}

type workerEnv struct {
	w     *Worker
	store *redisjobs.Store
	queue *redisbroker.Queue
	bus   *redisbroker.Bus
	box   *fakeSandbox
	mr    *miniredis.Miniredis
}

func newWorkerEnv(t *testing.T, box *fakeSandbox) workerEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := redisbroker.NewFromClient(rdb)
	store := redisjobs.New(b)
	queue := redisbroker.NewQueue(b)
	bus := redisbroker.NewBus(b)
	w := &Worker{
		Lang:       domain.LangPython,
		Store:      store,
		Queue:      queue,
		Bus:        bus,
		Sandbox:    box,
		Ping:       b.Ping,
		PopTimeout: 100 * time.Millisecond,
		MaxIdle:    time.Hour,
	}
	return workerEnv{w: w, store: store, queue: queue, bus: bus, box: box, mr: mr}
}

func createJob(t *testing.T, e workerEnv, id string, lang domain.Language) {
	t.Helper()
	require.NoError(t, e.store.Create(context.Background(), domain.Job{
		ID: id, Code: "print(1)", Language: lang, Filename: "main.py",
		Status: domain.JobQueued, CreatedAt: time.Now().Unix(),
	}))
}

func TestProcess_CommitsCompletedBeforePublishing(t *testing.T) {
	box := &fakeSandbox{result: domain.ExecutionResult{
		Success: true, Stdout: "1\n", ExitCode: 0, ExecutionTime: 0.01,
	}}
	e := newWorkerEnv(t, box)
	ctx := context.Background()
	createJob(t, e, "j-ok", domain.LangPython)

	sub, err := e.bus.SubscribeUpdates(ctx, "j-ok")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	e.w.process(ctx, "j-ok")

	// Every published terminal update must be readable from the store at
	// the moment it arrives.
	deadline := time.After(2 * time.Second)
	for {
		var u domain.JobUpdate
		select {
		case msg := <-sub.Messages():
			require.NoError(t, json.Unmarshal(msg, &u))
		case <-deadline:
			t.Fatal("terminal update never published")
		}
		if !u.Status.Terminal() {
			assert.Equal(t, domain.JobProcessing, u.Status)
			continue
		}
		assert.Equal(t, domain.JobCompleted, u.Status)
		require.NotNil(t, u.Result)
		assert.True(t, u.Result.Success)

		job, found, err := e.store.Get(ctx, "j-ok")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, domain.JobCompleted, job.Status)
		assert.NotZero(t, job.CompletedAt)

		var res domain.ExecutionResult
		require.NoError(t, json.Unmarshal([]byte(job.Result), &res))
		assert.Equal(t, "1\n", res.Stdout)
		return
	}
}

func TestProcess_NonZeroExitStillCompletes(t *testing.T) {
	box := &fakeSandbox{result: domain.ExecutionResult{
		Success: false, Stderr: "boom", ExitCode: 1, ExecutionTime: 0.02,
	}}
	e := newWorkerEnv(t, box)
	ctx := context.Background()
	createJob(t, e, "j-exit", domain.LangPython)

	e.w.process(ctx, "j-exit")

	job, _, err := e.store.Get(ctx, "j-exit")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)
	var res domain.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(job.Result), &res))
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
}

func TestProcess_SandboxErrorFailsJob(t *testing.T) {
	box := &fakeSandbox{err: errors.New("no interpreter")}
	e := newWorkerEnv(t, box)
	ctx := context.Background()
	createJob(t, e, "j-err", domain.LangPython)

	e.w.process(ctx, "j-err")

	job, _, err := e.store.Get(ctx, "j-err")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Contains(t, job.Error, "no interpreter")
}

func TestProcess_WrongLanguageSkippedWithoutMutation(t *testing.T) {
	box := &fakeSandbox{result: domain.ExecutionResult{Success: true}}
	e := newWorkerEnv(t, box)
	ctx := context.Background()
	createJob(t, e, "j-lang", domain.LangRust)

	e.w.process(ctx, "j-lang")

	// A job on the wrong queue is not this worker's to own: no execution,
	// no transition.
	assert.Zero(t, box.calls)
	job, found, err := e.store.Get(ctx, "j-lang")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Empty(t, job.Error)
}

func TestProcess_ExpiredRecordIsSkipped(t *testing.T) {
	box := &fakeSandbox{result: domain.ExecutionResult{Success: true}}
	e := newWorkerEnv(t, box)

	e.w.process(context.Background(), "j-gone")
	assert.Zero(t, box.calls)
}

func TestProcess_MalformedIDIsDiscarded(t *testing.T) {
	box := &fakeSandbox{result: domain.ExecutionResult{Success: true}}
	e := newWorkerEnv(t, box)

	e.w.process(context.Background(), "ha/../ck")
	assert.Zero(t, box.calls)
}

func TestProcess_TerminalJobNotReExecuted(t *testing.T) {
	box := &fakeSandbox{result: domain.ExecutionResult{Success: true}}
	e := newWorkerEnv(t, box)
	ctx := context.Background()
	createJob(t, e, "j-done", domain.LangPython)
	require.NoError(t, e.store.Transition(ctx, "j-done", domain.JobCompleted, nil))

	e.w.process(ctx, "j-done")
	assert.Zero(t, box.calls)
}

func TestRun_IdleExit(t *testing.T) {
	box := &fakeSandbox{}
	e := newWorkerEnv(t, box)
	e.w.PopTimeout = 50 * time.Millisecond
	e.w.MaxIdle = 10 * time.Millisecond

	err := e.w.Run(context.Background())
	assert.ErrorIs(t, err, ErrIdle)
}

func TestRun_DrainsQueueThenIdles(t *testing.T) {
	box := &fakeSandbox{result: domain.ExecutionResult{Success: true, ExitCode: 0}}
	e := newWorkerEnv(t, box)
	e.w.PopTimeout = 50 * time.Millisecond
	e.w.MaxIdle = 10 * time.Millisecond
	ctx := context.Background()

	createJob(t, e, "j-run", domain.LangPython)
	require.NoError(t, e.queue.Enqueue(ctx, domain.LangPython, "j-run"))

	err := e.w.Run(ctx)
	assert.ErrorIs(t, err, ErrIdle)
	assert.Equal(t, 1, box.calls)

	job, _, err2 := e.store.Get(ctx, "j-run")
	require.NoError(t, err2)
	assert.Equal(t, domain.JobCompleted, job.Status)
}
