package redisbroker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/codrlabs/codr/internal/domain"
)

// Broker keyspace.
const (
	queuePrefix          = "queue:"
	notificationsChannel = "job_notifications"
	updatesSuffix        = ":updates"
	jobKeyPrefix         = "job:"
	securityEventsKey    = "security_events"
	securityEventsMax    = 1000
)

// QueueKey renders the list key for a language queue.
func QueueKey(lang domain.Language) string { return queuePrefix + string(lang) }

// UpdatesChannel renders the per-job update channel name.
func UpdatesChannel(jobID string) string { return jobKeyPrefix + jobID + updatesSuffix }

// Queue implements domain.JobQueue over broker lists. Producers left-push,
// consumers blocking-right-pop, so each language queue is FIFO and a job id
// is popped at most once.
type Queue struct {
	b *Broker
}

// NewQueue builds the queue view of the broker.
func NewQueue(b *Broker) *Queue { return &Queue{b: b} }

func (q *Queue) Enqueue(ctx context.Context, lang domain.Language, jobID string) error {
	return q.b.LeftPush(ctx, QueueKey(lang), jobID)
}

func (q *Queue) Dequeue(ctx context.Context, lang domain.Language, timeout time.Duration) (string, bool, error) {
	return q.b.BlockingRightPop(ctx, QueueKey(lang), timeout)
}

func (q *Queue) Depths(ctx context.Context, langs []domain.Language) (map[domain.Language]int64, error) {
	keys := make([]string, len(langs))
	for i, l := range langs {
		keys[i] = QueueKey(l)
	}
	lens, err := q.b.QueueLengths(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Language]int64, len(langs))
	for i, l := range langs {
		out[l] = lens[i]
	}
	return out, nil
}

// Bus implements domain.UpdateBus over broker pub/sub. Both channels are
// advisory: the stored job record stays authoritative.
type Bus struct {
	b *Broker
}

// NewBus builds the pub/sub view of the broker.
func NewBus(b *Broker) *Bus { return &Bus{b: b} }

func (bus *Bus) PublishUpdate(ctx context.Context, u domain.JobUpdate) error {
	if u.Timestamp == 0 {
		u.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return bus.b.Publish(ctx, UpdatesChannel(u.JobID), payload)
}

func (bus *Bus) NotifyEnqueued(ctx context.Context, lang domain.Language) error {
	return bus.b.Publish(ctx, notificationsChannel, []byte(lang))
}

func (bus *Bus) SubscribeUpdates(ctx context.Context, jobID string) (domain.Subscription, error) {
	return bus.b.Subscribe(ctx, UpdatesChannel(jobID))
}

func (bus *Bus) SubscribeNotifications(ctx context.Context) (domain.Subscription, error) {
	return bus.b.Subscribe(ctx, notificationsChannel)
}

// RecordSecurityEvent appends an audit entry to the capped security_events
// list. Failures are the caller's to log; auditing never blocks a request.
func (b *Broker) RecordSecurityEvent(ctx context.Context, event string, details map[string]any) error {
	entry := map[string]any{
		"event_type": event,
		"timestamp":  float64(time.Now().UnixNano()) / 1e9,
	}
	for k, v := range details {
		entry[k] = v
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.PushCapped(ctx, securityEventsKey, string(payload), securityEventsMax)
}
