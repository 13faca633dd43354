package redisjobs

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codrlabs/codr/internal/adapter/broker/redisbroker"
	"github.com/codrlabs/codr/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(redisbroker.NewFromClient(rdb)), mr
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	job := domain.Job{
		ID:        "j-1",
		Code:      "print(1)",
		Language:  domain.LangPython,
		Filename:  "main.py",
		Status:    domain.JobQueued,
		CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, s.Create(ctx, job))

	got, found, err := s.Get(ctx, "j-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Code, got.Code)
	assert.Equal(t, job.Language, got.Language)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, job.CreatedAt, got.CreatedAt)
	assert.Zero(t, got.CompletedAt)

	assert.Greater(t, mr.TTL("job:j-1"), time.Duration(0))
}

func TestGetAbsentRecord(t *testing.T) {
	s, _ := newTestStore(t)
	_, found, err := s.Get(context.Background(), "never-created")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecordExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, domain.Job{ID: "j-2", Status: domain.JobQueued, CreatedAt: 1}))
	mr.FastForward(domain.JobTTL + time.Second)

	_, found, err := s.Get(ctx, "j-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTransitionToCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, domain.Job{
		ID: "j-3", Code: "x", Language: domain.LangGo, Status: domain.JobQueued, CreatedAt: 10,
	}))
	require.NoError(t, s.Transition(ctx, "j-3", domain.JobProcessing, nil))

	got, found, err := s.Get(ctx, "j-3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.JobProcessing, got.Status)

	done := time.Now()
	extra := ResultFields(`{"success":true,"exit_code":0}`, done)
	require.NoError(t, s.Transition(ctx, "j-3", domain.JobCompleted, extra))

	got, _, err = s.Get(ctx, "j-3")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, `{"success":true,"exit_code":0}`, got.Result)
	assert.Equal(t, done.Unix(), got.CompletedAt)
	// Untouched fields survive the transition.
	assert.Equal(t, "x", got.Code)
	assert.Equal(t, int64(10), got.CreatedAt)
}

func TestTransitionToFailed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, domain.Job{ID: "j-4", Status: domain.JobQueued, CreatedAt: 1}))
	require.NoError(t, s.Transition(ctx, "j-4", domain.JobFailed, FailureFields("sandbox failure: boom", time.Now())))

	got, _, err := s.Get(ctx, "j-4")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "sandbox failure: boom", got.Error)
	assert.NotZero(t, got.CompletedAt)
}
