// Package redisbroker is the typed adapter over the shared key-value broker.
// All cross-process coordination (job hashes, language queues, pub/sub
// channels, rate-limit counters) goes through this package.
package redisbroker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/domain"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
	retryMaxAttempts     = 4
)

// Broker exposes the typed operations the rest of the system needs.
// Transient transport errors are retried with bounded exponential backoff;
// anything else surfaces as domain.ErrBrokerUnavailable.
type Broker struct {
	rdb *redis.Client
}

// Options configure the underlying client.
type Options struct {
	Addr     string
	Password string
	TLS      bool
}

// New dials the broker and verifies connectivity.
func New(ctx context.Context, opts Options) (*Broker, error) {
	ro := &redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DialTimeout: 5 * time.Second,
	}
	if opts.TLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(ro)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping: %v", domain.ErrBrokerUnavailable, err)
	}
	return &Broker{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Broker { return &Broker{rdb: rdb} }

// Close releases the underlying connection pool.
func (b *Broker) Close() error { return b.rdb.Close() }

// Ping checks broker liveness.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

func transient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Connection pool exhaustion and broken pipes come through as plain errors.
	return errors.Is(err, redis.ErrClosed)
}

// retry runs op, retrying transient transport errors a bounded number of
// times. Permanent failures are wrapped as ErrBrokerUnavailable.
func (b *Broker) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts), ctx)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, redis.Nil) {
			return nil
		}
		if transient(err) {
			observability.BrokerRetriesTotal.Inc()
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// HashGetAll returns every field of a hash; empty map when the key is absent.
func (b *Broker) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := b.retry(ctx, func() error {
		m, err := b.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// HashSet writes the given fields and refreshes the key TTL in one pipeline.
// A zero ttl leaves the current expiry untouched.
func (b *Broker) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	return b.retry(ctx, func() error {
		pipe := b.rdb.Pipeline()
		args := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, key, args...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// SetWithTTL stores a plain value with an expiry (SETEX).
func (b *Broker) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.retry(ctx, func() error {
		return b.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// GetString reads a plain value; ok=false when the key is absent.
func (b *Broker) GetString(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := b.retry(ctx, func() error {
		v, err := b.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

// LeftPush appends to the head of a list (producer side of the queues).
func (b *Broker) LeftPush(ctx context.Context, key, value string) error {
	return b.retry(ctx, func() error {
		return b.rdb.LPush(ctx, key, value).Err()
	})
}

// BlockingRightPop pops the tail of a list, blocking up to timeout.
// ok=false means the timeout elapsed with nothing to claim. The pop is
// atomic on the broker, which is what makes job claims at-most-once.
func (b *Broker) BlockingRightPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	res, err := b.rdb.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: brpop: %v", domain.ErrBrokerUnavailable, err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

// QueueLengths pipelines LLEN over the given keys.
func (b *Broker) QueueLengths(ctx context.Context, keys []string) ([]int64, error) {
	var out []int64
	err := b.retry(ctx, func() error {
		pipe := b.rdb.Pipeline()
		cmds := make([]*redis.IntCmd, len(keys))
		for i, k := range keys {
			cmds[i] = pipe.LLen(ctx, k)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = make([]int64, len(keys))
		for i, c := range cmds {
			out[i] = c.Val()
		}
		return nil
	})
	return out, err
}

// IncrWithWindow atomically increments a counter and arms its TTL on first
// write. Returns the post-increment value.
func (b *Broker) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := b.retry(ctx, func() error {
		pipe := b.rdb.Pipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		count = incr.Val()
		return nil
	})
	return count, err
}

// IncrPairWithWindow increments two counters and arms both TTLs in a
// single pipeline. Returns the post-increment values in argument order.
func (b *Broker) IncrPairWithWindow(ctx context.Context, first, second string, window time.Duration) (int64, int64, error) {
	var c1, c2 int64
	err := b.retry(ctx, func() error {
		pipe := b.rdb.Pipeline()
		i1 := pipe.Incr(ctx, first)
		pipe.ExpireNX(ctx, first, window)
		i2 := pipe.Incr(ctx, second)
		pipe.ExpireNX(ctx, second, window)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		c1, c2 = i1.Val(), i2.Val()
		return nil
	})
	return c1, c2, err
}

// Publish sends a payload on a pub/sub channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.retry(ctx, func() error {
		return b.rdb.Publish(ctx, channel, payload).Err()
	})
}

// KeysByPrefix scans for keys matching prefix*.
func (b *Broker) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.retry(ctx, func() error {
		keys = keys[:0]
		iter := b.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

// Delete removes a key; absent keys are a no-op.
func (b *Broker) Delete(ctx context.Context, key string) error {
	return b.retry(ctx, func() error {
		return b.rdb.Del(ctx, key).Err()
	})
}

// PushCapped left-pushes onto a list and trims it to the newest max entries.
func (b *Broker) PushCapped(ctx context.Context, key, payload string, max int64) error {
	return b.retry(ctx, func() error {
		pipe := b.rdb.Pipeline()
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, max-1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// subscription adapts a go-redis PubSub to domain.Subscription.
type subscription struct {
	sub    *redis.PubSub
	msgs   chan []byte
	cancel context.CancelFunc
}

func (s *subscription) Messages() <-chan []byte { return s.msgs }

func (s *subscription) Close() error {
	s.cancel()
	return s.sub.Close()
}

// Subscribe opens a pub/sub stream on channel. The returned subscription
// delivers raw payloads until Close or context cancellation.
func (b *Broker) Subscribe(ctx context.Context, channel string) (domain.Subscription, error) {
	sub := b.rdb.Subscribe(ctx, channel)
	// Confirm the subscription actually started before handing it out.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrBrokerUnavailable, channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{sub: sub, msgs: make(chan []byte, 64), cancel: cancel}
	go func() {
		defer close(s.msgs)
		ch := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				select {
				case s.msgs <- []byte(m.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return s, nil
}
