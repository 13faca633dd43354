package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codrlabs/codr/internal/adapter/broker/redisbroker"
	"github.com/codrlabs/codr/internal/domain"
)

const (
	cachePrefix      = "cache:"
	cacheTTLTerminal = 300 * time.Second
	cacheTTLActive   = 30 * time.Second
)

// ResultView is the response shape for result lookups. Result is the
// decoded execution result when terminal, nil otherwise.
type ResultView struct {
	Status domain.JobStatus `json:"status"`
	Result any              `json:"result"`
	Error  string           `json:"error,omitempty"`
}

type cacheEntry struct {
	Timestamp float64    `json:"timestamp"`
	Data      ResultView `json:"data"`
}

// ResultService serves job status and decoded results through a
// broker-backed read-through cache. The stored job record stays
// authoritative; the cache only absorbs repeat pollers.
type ResultService struct {
	Store  domain.JobStore
	Broker *redisbroker.Broker
}

// NewResultService constructs a ResultService.
func NewResultService(store domain.JobStore, broker *redisbroker.Broker) ResultService {
	return ResultService{Store: store, Broker: broker}
}

// Get returns the current view for a job. An absent record maps to status
// "unknown" with a nil result, not an error.
func (s ResultService) Get(ctx context.Context, jobID string) (ResultView, error) {
	if !domain.ValidJobID(jobID) {
		return ResultView{}, fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument)
	}

	if view, ok := s.cacheGet(ctx, jobID); ok {
		return view, nil
	}

	job, found, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return ResultView{}, err
	}
	if !found {
		return ResultView{Status: domain.JobUnknown}, nil
	}

	view := ResultView{Status: job.Status, Error: job.Error}
	if job.Status.Terminal() && job.Result != "" {
		decoded := decodeResult(job.Result)
		view.Result = decoded

		// A stored "failed" carrying a successful result is a legacy worker
		// artifact; reconcile the record. This is the single allowed
		// non-monotonic transition.
		if job.Status == domain.JobFailed && resultSuccess(decoded) {
			if err := s.Store.Transition(ctx, jobID, domain.JobCompleted, nil); err != nil {
				slog.Warn("self-heal transition failed", slog.String("job_id", jobID), slog.Any("error", err))
			} else {
				slog.Info("self-healed failed job with successful result", slog.String("job_id", jobID))
				view.Status = domain.JobCompleted
				view.Error = ""
			}
		}
	}

	s.cachePut(ctx, jobID, view)
	return view, nil
}

// decodeResult peels at most two layers of JSON encoding. Legacy workers
// occasionally stored doubly encoded results; anything undecodable passes
// through as the raw string.
func decodeResult(raw string) any {
	var first any
	if err := json.Unmarshal([]byte(raw), &first); err != nil {
		return raw
	}
	if inner, ok := first.(string); ok {
		var second any
		if err := json.Unmarshal([]byte(inner), &second); err == nil {
			return second
		}
		return inner
	}
	return first
}

func resultSuccess(decoded any) bool {
	m, ok := decoded.(map[string]any)
	if !ok {
		return false
	}
	success, ok := m["success"].(bool)
	return ok && success
}

func (s ResultService) cacheGet(ctx context.Context, jobID string) (ResultView, bool) {
	raw, found, err := s.Broker.GetString(ctx, cachePrefix+jobID)
	if err != nil || !found {
		return ResultView{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return ResultView{}, false
	}
	return entry.Data, true
}

func (s ResultService) cachePut(ctx context.Context, jobID string, view ResultView) {
	ttl := cacheTTLActive
	if view.Status.Terminal() {
		ttl = cacheTTLTerminal
	}
	entry := cacheEntry{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Data:      view,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.Broker.SetWithTTL(ctx, cachePrefix+jobID, string(payload), ttl); err != nil {
		slog.Warn("result cache write failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// CacheStats reports the advisory state of the result cache.
func (s ResultService) CacheStats(ctx context.Context) (map[string]any, error) {
	keys, err := s.Broker.KeysByPrefix(ctx, cachePrefix)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"entries":      len(keys),
		"ttl_terminal": cacheTTLTerminal.Seconds(),
		"ttl_active":   cacheTTLActive.Seconds(),
	}, nil
}

// ClearCache drops the cached view for one job. Absent entries are a no-op.
func (s ResultService) ClearCache(ctx context.Context, jobID string) error {
	if !domain.ValidJobID(jobID) {
		return fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument)
	}
	return s.Broker.Delete(ctx, cachePrefix+jobID)
}

// Snapshot returns the current stored job for the stream handshake. It
// bypasses the cache so newly joined subscribers always see the live record.
func (s ResultService) Snapshot(ctx context.Context, jobID string) (domain.Job, bool, error) {
	return s.Store.Get(ctx, jobID)
}
