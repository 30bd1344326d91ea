/**
 * @description
 * Distributed webhook deduplication on Redis. Every ledger handler is already
 * idempotent through guarded updates; the dedup marker sits in front of them
 * as a cheap first filter so redelivered events skip provider verify calls.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventDeduper records seen webhook event ids with a TTL'd SETNX marker.
// It is strictly best-effort: a Redis outage must never block a webhook, so
// every error path reports the event as unseen.
type RedisEventDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisEventDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisEventDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "ghost:webhook_seen"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisEventDeduper{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

// MarkSeen atomically claims an event id. It returns true if this delivery is
// the first sighting, false if the id was already claimed.
func (d *RedisEventDeduper) MarkSeen(ctx context.Context, provider, eventID string) bool {
	if d == nil || d.client == nil {
		return true
	}
	normalizedID := strings.TrimSpace(eventID)
	if normalizedID == "" {
		return true
	}

	key := fmt.Sprintf("%s:%s:%s", d.prefix, provider, normalizedID)
	first, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		log.Printf("level=warn component=event_dedup provider=%s event_id=%s msg=\"redis setnx failed; treating as unseen\" err=%v", provider, normalizedID, err)
		return true
	}
	return first
}

// Forget releases a claimed event id. Called when processing fails after the
// claim, so the processor's retry is not swallowed as a duplicate.
func (d *RedisEventDeduper) Forget(ctx context.Context, provider, eventID string) {
	if d == nil || d.client == nil {
		return
	}
	normalizedID := strings.TrimSpace(eventID)
	if normalizedID == "" {
		return
	}

	key := fmt.Sprintf("%s:%s:%s", d.prefix, provider, normalizedID)
	if err := d.client.Del(ctx, key).Err(); err != nil {
		log.Printf("level=warn component=event_dedup provider=%s event_id=%s msg=\"redis del failed; marker expires by ttl\" err=%v", provider, normalizedID, err)
	}
}
