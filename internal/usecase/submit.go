// Package usecase wires the admission, submission, result and token
// services together over the domain ports.
package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/domain"
	"github.com/codrlabs/codr/internal/service/screening"
)

// SecurityRecorder appends audit entries for rejected submissions.
type SecurityRecorder interface {
	RecordSecurityEvent(ctx context.Context, event string, details map[string]any) error
}

// SubmitService accepts screened submissions, persists the job record and
// enqueues it. The record is always written before the id appears on a
// queue; the enqueue notification is best-effort.
type SubmitService struct {
	Store domain.JobStore
	Queue domain.JobQueue
	Bus   domain.UpdateBus
	// Auditor, when set, records screening rejections. Audit failures are
	// logged and never surfaced to the client.
	Auditor SecurityRecorder
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(store domain.JobStore, queue domain.JobQueue, bus domain.UpdateBus) SubmitService {
	return SubmitService{Store: store, Queue: queue, Bus: bus}
}

// Submit runs static screening, creates the job and enqueues it.
// Returns the new job id.
func (s SubmitService) Submit(ctx context.Context, sub domain.CodeSubmission) (string, error) {
	if err := screening.Screen(sub); err != nil {
		if s.Auditor != nil && errors.Is(err, domain.ErrScreeningRejected) {
			auditErr := s.Auditor.RecordSecurityEvent(ctx, "screening_rejected", map[string]any{
				"language": sub.Language,
				"reason":   err.Error(),
			})
			if auditErr != nil {
				slog.Warn("security event write failed", slog.Any("error", auditErr))
			}
		}
		return "", err
	}

	job := domain.Job{
		ID:        uuid.NewString(),
		Code:      sub.Code,
		Language:  domain.Language(sub.Language),
		Filename:  sub.Filename,
		Status:    domain.JobQueued,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.Store.Create(ctx, job); err != nil {
		// The record never existed, so nothing can be enqueued; the client
		// simply retries.
		return "", err
	}
	if err := s.Queue.Enqueue(ctx, job.Language, job.ID); err != nil {
		// Orphaned record expires with its TTL.
		return "", err
	}
	if err := s.Bus.NotifyEnqueued(ctx, job.Language); err != nil {
		// The autoscaler's pull path covers missed notifications.
		slog.Warn("enqueue notification failed",
			slog.String("job_id", job.ID),
			slog.String("language", string(job.Language)),
			slog.Any("error", err))
	}
	observability.JobsSubmittedTotal.WithLabelValues(string(job.Language)).Inc()
	slog.Info("job queued",
		slog.String("job_id", job.ID),
		slog.String("language", string(job.Language)))
	return job.ID, nil
}
