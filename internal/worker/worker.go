// Package worker runs the single-language execution loop: pop a job id,
// load the record, execute, commit the terminal status, then announce it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/adapter/repo/redisjobs"
	"github.com/codrlabs/codr/internal/domain"
)

// ErrIdle means no work arrived within the idle limit. The process exits
// cleanly on it so the autoscaler's stop/start cycle stays cheap.
var ErrIdle = errors.New("idle limit reached")

const (
	brokerRetryInterval = 2 * time.Second
	brokerRetryMax      = 5
)

// Worker consumes one language queue.
type Worker struct {
	Lang    domain.Language
	Store   domain.JobStore
	Queue   domain.JobQueue
	Bus     domain.UpdateBus
	Sandbox domain.Sandbox

	// Ping checks broker liveness during outage recovery.
	Ping func(ctx context.Context) error

	PopTimeout time.Duration
	MaxIdle    time.Duration
}

// Run loops until the context ends, the idle limit is hit (ErrIdle), or
// the broker stays down past the retry budget.
func (w *Worker) Run(ctx context.Context) error {
	idleSince := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jobID, ok, err := w.Queue.Dequeue(ctx, w.Lang, w.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("queue pop failed", slog.Any("error", err))
			if err := w.waitForBroker(ctx); err != nil {
				return err
			}
			continue
		}
		if !ok {
			if time.Since(idleSince) >= w.MaxIdle {
				slog.Info("no work within idle limit, shutting down",
					slog.String("language", string(w.Lang)),
					slog.Duration("max_idle", w.MaxIdle))
				return ErrIdle
			}
			continue
		}
		idleSince = time.Now()
		// A claimed id is never re-queued, so the in-flight job is drained
		// even when a shutdown signal lands mid-execution.
		w.process(context.WithoutCancel(ctx), jobID)
	}
}

// waitForBroker pings with a fixed interval until the broker answers or
// the retry budget runs out.
func (w *Worker) waitForBroker(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(brokerRetryInterval), brokerRetryMax),
		ctx,
	)
	err := backoff.Retry(func() error {
		observability.BrokerRetriesTotal.Inc()
		return w.Ping(ctx)
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: broker unreachable after %d retries: %v",
			domain.ErrBrokerUnavailable, brokerRetryMax, err)
	}
	slog.Info("broker connection recovered")
	return nil
}

// process takes one popped job id to a terminal status. The pop already
// consumed the id, so every exit path here is final for this job.
func (w *Worker) process(ctx context.Context, jobID string) {
	lg := slog.With(slog.String("job_id", jobID), slog.String("language", string(w.Lang)))

	if !domain.ValidJobID(jobID) {
		lg.Warn("discarding malformed id from queue")
		return
	}
	job, found, err := w.Store.Get(ctx, jobID)
	if err != nil {
		lg.Error("record read failed", slog.Any("error", err))
		return
	}
	if !found {
		lg.Warn("record expired before execution")
		return
	}
	if job.Status.Terminal() {
		lg.Warn("job already terminal, skipping", slog.String("status", string(job.Status)))
		return
	}
	if job.Language != w.Lang {
		// Not this worker's job to own; the record stays untouched.
		lg.Warn("job routed to wrong queue, skipping", slog.String("job_language", string(job.Language)))
		return
	}

	if err := w.Store.Transition(ctx, jobID, domain.JobProcessing, nil); err != nil {
		lg.Error("processing transition failed", slog.Any("error", err))
		return
	}
	w.announce(ctx, domain.JobUpdate{
		Type:   domain.UpdateTypeStatus,
		JobID:  jobID,
		Status: domain.JobProcessing,
	})

	result, err := w.Sandbox.Execute(ctx, job.Code, job.Filename)
	if err != nil {
		lg.Error("sandbox failure", slog.Any("error", err))
		w.fail(ctx, jobID, fmt.Sprintf("sandbox failure: %v", err))
		return
	}

	// A non-zero exit is still a completed execution; "failed" is reserved
	// for jobs the system could not run at all.
	payload, err := json.Marshal(result)
	if err != nil {
		w.fail(ctx, jobID, fmt.Sprintf("encode result: %v", err))
		return
	}
	extra := redisjobs.ResultFields(string(payload), time.Now())
	if err := w.Store.Transition(ctx, jobID, domain.JobCompleted, extra); err != nil {
		lg.Error("terminal transition failed", slog.Any("error", err))
		return
	}
	// The committed record is the source of truth; the update is published
	// only after the write lands so no subscriber can outrun the store.
	w.announce(ctx, domain.JobUpdate{
		Type:   domain.UpdateTypeStatus,
		JobID:  jobID,
		Status: domain.JobCompleted,
		Result: &result,
	})

	observability.JobsCompletedTotal.WithLabelValues(string(w.Lang), string(domain.JobCompleted)).Inc()
	observability.JobExecutionDuration.WithLabelValues(string(w.Lang)).Observe(result.ExecutionTime)
	lg.Info("job completed",
		slog.Bool("success", result.Success),
		slog.Int("exit_code", result.ExitCode),
		slog.Float64("execution_time", result.ExecutionTime))
}

func (w *Worker) fail(ctx context.Context, jobID, reason string) {
	extra := redisjobs.FailureFields(reason, time.Now())
	if err := w.Store.Transition(ctx, jobID, domain.JobFailed, extra); err != nil {
		slog.Error("failed transition did not commit", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	w.announce(ctx, domain.JobUpdate{
		Type:   domain.UpdateTypeStatus,
		JobID:  jobID,
		Status: domain.JobFailed,
		Error:  reason,
	})
	observability.JobsCompletedTotal.WithLabelValues(string(w.Lang), string(domain.JobFailed)).Inc()
}

// announce publishes a status update. The channel is advisory, so a
// publish failure is logged and swallowed.
func (w *Worker) announce(ctx context.Context, u domain.JobUpdate) {
	if err := w.Bus.PublishUpdate(ctx, u); err != nil {
		slog.Warn("status publish failed", slog.String("job_id", u.JobID), slog.Any("error", err))
	}
}
