package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codrlabs/codr/internal/adapter/repo/redisjobs"
	"github.com/codrlabs/codr/internal/domain"
)

func TestResultGet_UnknownJob(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)

	view, err := svc.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, domain.JobUnknown, view.Status)
	assert.Nil(t, view.Result)
}

func TestResultGet_MalformedID(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)

	_, err := svc.Get(context.Background(), "not/a/valid/id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestResultGet_ActiveJobHasNoResult(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)
	ctx := context.Background()

	require.NoError(t, d.store.Create(ctx, domain.Job{
		ID: "j-act", Status: domain.JobProcessing, CreatedAt: 1,
	}))

	view, err := svc.Get(ctx, "j-act")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, view.Status)
	assert.Nil(t, view.Result)
}

func TestResultGet_DecodesStoredResult(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)
	ctx := context.Background()

	require.NoError(t, d.store.Create(ctx, domain.Job{ID: "j-done", Status: domain.JobQueued, CreatedAt: 1}))
	extra := redisjobs.ResultFields(`{"success":true,"stdout":"hi\n","exit_code":0}`, time.Now())
	require.NoError(t, d.store.Transition(ctx, "j-done", domain.JobCompleted, extra))

	view, err := svc.Get(ctx, "j-done")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, view.Status)

	m, ok := view.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "hi\n", m["stdout"])
}

func TestResultGet_DecodesDoublyEncodedResult(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)
	ctx := context.Background()

	inner := `{"success":true,"exit_code":0}`
	doubled, err := json.Marshal(inner)
	require.NoError(t, err)

	require.NoError(t, d.store.Create(ctx, domain.Job{ID: "j-dbl", Status: domain.JobQueued, CreatedAt: 1}))
	require.NoError(t, d.store.Transition(ctx, "j-dbl", domain.JobCompleted,
		redisjobs.ResultFields(string(doubled), time.Now())))

	view, err := svc.Get(ctx, "j-dbl")
	require.NoError(t, err)
	m, ok := view.Result.(map[string]any)
	require.True(t, ok, "doubly encoded result should still decode to a map")
	assert.Equal(t, true, m["success"])
}

func TestResultGet_SelfHealsFailedWithSuccessfulResult(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)
	ctx := context.Background()

	require.NoError(t, d.store.Create(ctx, domain.Job{ID: "j-heal", Status: domain.JobQueued, CreatedAt: 1}))
	require.NoError(t, d.store.Transition(ctx, "j-heal", domain.JobFailed,
		redisjobs.ResultFields(`{"success":true,"exit_code":0}`, time.Now())))

	view, err := svc.Get(ctx, "j-heal")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, view.Status)
	assert.Empty(t, view.Error)

	// The reconciliation is persisted, not just reported.
	job, found, err := d.store.Get(ctx, "j-heal")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.JobCompleted, job.Status)
}

func TestResultGet_FailedWithUnsuccessfulResultStaysFailed(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)
	ctx := context.Background()

	require.NoError(t, d.store.Create(ctx, domain.Job{ID: "j-fail", Status: domain.JobQueued, CreatedAt: 1}))
	require.NoError(t, d.store.Transition(ctx, "j-fail", domain.JobFailed,
		redisjobs.ResultFields(`{"success":false,"exit_code":1}`, time.Now())))

	view, err := svc.Get(ctx, "j-fail")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, view.Status)
}

func TestResultGet_ServesCachedViewAfterRecordExpiry(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)
	ctx := context.Background()

	require.NoError(t, d.store.Create(ctx, domain.Job{ID: "j-c", Status: domain.JobQueued, CreatedAt: 1}))
	require.NoError(t, d.store.Transition(ctx, "j-c", domain.JobCompleted,
		redisjobs.ResultFields(`{"success":true}`, time.Now())))

	first, err := svc.Get(ctx, "j-c")
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, first.Status)

	// Drop the record; the cached view keeps answering until its own TTL.
	d.mr.Del("job:j-c")
	second, err := svc.Get(ctx, "j-c")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, second.Status)
}

func TestCacheStatsAndClear(t *testing.T) {
	d := newTestDeps(t)
	svc := NewResultService(d.store, d.broker)
	ctx := context.Background()

	require.NoError(t, d.store.Create(ctx, domain.Job{ID: "j-s", Status: domain.JobQueued, CreatedAt: 1}))
	_, err := svc.Get(ctx, "j-s")
	require.NoError(t, err)

	stats, err := svc.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["entries"])

	require.NoError(t, svc.ClearCache(ctx, "j-s"))
	stats, err = svc.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats["entries"])
}
