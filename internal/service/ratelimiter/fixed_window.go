// Package ratelimiter implements the admission rate limits as fixed-window
// counters on the broker: ratelimit:ip:<ip>:<minute> and
// ratelimit:apikey:<hash>:<minute>, both with a two minute TTL.
//
// Bursts of up to twice the limit across a window boundary are an accepted
// trade-off against the complexity of a sliding window.
package ratelimiter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/codrlabs/codr/internal/adapter/broker/redisbroker"
	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/domain"
)

const counterWindow = 120 * time.Second

// FixedWindow counts requests per IP and per API key in one-minute buckets.
type FixedWindow struct {
	b        *redisbroker.Broker
	ipLimit  int64
	keyLimit int64
	// hashSecret keys the HMAC that masks API keys in counter names.
	hashSecret []byte
}

// New builds the limiter. ipLimit and keyLimit are per minute.
func New(b *redisbroker.Broker, ipLimit, keyLimit int, hashSecret string) *FixedWindow {
	return &FixedWindow{
		b:          b,
		ipLimit:    int64(ipLimit),
		keyLimit:   int64(keyLimit),
		hashSecret: []byte(hashSecret),
	}
}

// hashKey masks the API key so raw secrets never land in the keyspace.
func (l *FixedWindow) hashKey(apiKey string) string {
	mac := hmac.New(sha256.New, l.hashSecret)
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Allow increments the IP counter and, when apiKey is non-empty, the key
// counter, both in one broker round trip. It returns ErrRateLimited on
// breach. Broker errors degrade to allow: availability wins over
// strictness on the admission path.
func (l *FixedWindow) Allow(ctx context.Context, ip, apiKey string) error {
	minute := time.Now().Unix() / 60
	ipKey := fmt.Sprintf("ratelimit:ip:%s:%d", ip, minute)

	if apiKey == "" {
		ipCount, err := l.b.IncrWithWindow(ctx, ipKey, counterWindow)
		if err != nil {
			slog.Warn("rate limiter degraded to allow", slog.Any("error", err))
			return nil
		}
		return l.check(ipCount, 0)
	}

	keyKey := fmt.Sprintf("ratelimit:apikey:%s:%d", l.hashKey(apiKey), minute)
	ipCount, keyCount, err := l.b.IncrPairWithWindow(ctx, ipKey, keyKey, counterWindow)
	if err != nil {
		slog.Warn("rate limiter degraded to allow", slog.Any("error", err))
		return nil
	}
	return l.check(ipCount, keyCount)
}

func (l *FixedWindow) check(ipCount, keyCount int64) error {
	if ipCount > l.ipLimit {
		observability.RateLimitRejectionsTotal.WithLabelValues("ip").Inc()
		return fmt.Errorf("%w: ip exceeded %d/min", domain.ErrRateLimited, l.ipLimit)
	}
	if keyCount > l.keyLimit {
		observability.RateLimitRejectionsTotal.WithLabelValues("apikey").Inc()
		return fmt.Errorf("%w: api key exceeded %d/min", domain.ErrRateLimited, l.keyLimit)
	}
	return nil
}
