// Package redisjobs persists job records as broker hashes under job:<id>
// with a one hour TTL. It is the single persistence layer of the service.
package redisjobs

import (
	"context"
	"strconv"
	"time"

	"github.com/codrlabs/codr/internal/adapter/broker/redisbroker"
	"github.com/codrlabs/codr/internal/domain"
)

// Hash field names, fixed by the broker keyspace contract.
const (
	fieldID          = "id"
	fieldCode        = "code"
	fieldLanguage    = "language"
	fieldFilename    = "filename"
	fieldStatus      = "status"
	fieldCreatedAt   = "created_at"
	fieldCompletedAt = "completed_at"
	fieldResult      = "result"
	fieldError       = "error"
)

// Store implements domain.JobStore.
type Store struct {
	b *redisbroker.Broker
}

// New builds the job store over the broker.
func New(b *redisbroker.Broker) *Store { return &Store{b: b} }

func jobKey(id string) string { return "job:" + id }

// Create writes every field in one round trip and arms the record TTL.
// The record must exist before the id is pushed onto any queue.
func (s *Store) Create(ctx context.Context, j domain.Job) error {
	fields := map[string]string{
		fieldID:        j.ID,
		fieldCode:      j.Code,
		fieldLanguage:  string(j.Language),
		fieldFilename:  j.Filename,
		fieldStatus:    string(j.Status),
		fieldCreatedAt: strconv.FormatInt(j.CreatedAt, 10),
	}
	return s.b.HashSet(ctx, jobKey(j.ID), fields, domain.JobTTL)
}

// Get reads the record; ok=false when absent or expired. Absence is the
// normal fate of every record one hour after creation, never an error.
func (s *Store) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	m, err := s.b.HashGetAll(ctx, jobKey(id))
	if err != nil {
		return domain.Job{}, false, err
	}
	if len(m) == 0 {
		return domain.Job{}, false, nil
	}
	j := domain.Job{
		ID:       m[fieldID],
		Code:     m[fieldCode],
		Language: domain.Language(m[fieldLanguage]),
		Filename: m[fieldFilename],
		Status:   domain.JobStatus(m[fieldStatus]),
		Result:   m[fieldResult],
		Error:    m[fieldError],
	}
	if j.Status == "" {
		j.Status = domain.JobUnknown
	}
	j.CreatedAt, _ = strconv.ParseInt(m[fieldCreatedAt], 10, 64)
	j.CompletedAt, _ = strconv.ParseInt(m[fieldCompletedAt], 10, 64)
	return j, true, nil
}

// Transition sets the status plus any extra fields in one pipelined write.
// Writing the same terminal status twice is a logical no-op; monotonicity
// is the worker protocol's responsibility, not the store's.
func (s *Store) Transition(ctx context.Context, id string, to domain.JobStatus, extra map[string]string) error {
	fields := map[string]string{fieldStatus: string(to)}
	for k, v := range extra {
		fields[k] = v
	}
	// TTL is not refreshed: records expire one hour after creation.
	return s.b.HashSet(ctx, jobKey(id), fields, 0)
}

// CompletedAtField renders a completed_at extra field for Transition.
func CompletedAtField(t time.Time) map[string]string {
	return map[string]string{fieldCompletedAt: strconv.FormatInt(t.Unix(), 10)}
}

// ResultFields renders the extra fields for a completed transition.
func ResultFields(resultJSON string, completedAt time.Time) map[string]string {
	f := CompletedAtField(completedAt)
	f[fieldResult] = resultJSON
	return f
}

// FailureFields renders the extra fields for a failed transition.
func FailureFields(reason string, completedAt time.Time) map[string]string {
	f := CompletedAtField(completedAt)
	f[fieldError] = reason
	return f
}
