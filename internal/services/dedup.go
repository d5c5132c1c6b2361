package services

import (
	"context"
	"sync"
	"time"

	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
)

const dedupTTL = 24 * time.Hour

// NotificationDedup drops notifications whose UUID was already
// processed. Apple delivers at-least-once with no ordering guarantee,
// so a redelivered notification must not be reapplied. Backed by Redis
// when available so dedup survives restarts; falls back to a
// process-local map otherwise.
type NotificationDedup struct {
	client *redis.Client

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewNotificationDedup(client *redis.Client) *NotificationDedup {
	return &NotificationDedup{
		client: client,
		seen:   make(map[string]time.Time),
	}
}

// IsDuplicate records the UUID and reports whether it was seen within
// the TTL. An empty UUID cannot be checked and is allowed through.
func (d *NotificationDedup) IsDuplicate(ctx context.Context, notificationUUID string) bool {
	if notificationUUID == "" {
		logging.Infof("Notification UUID is empty, skipping dedup check")
		return false
	}

	if d.client != nil {
		key := "appstore:notification:" + notificationUUID
		ok, err := d.client.SetNX(ctx, key, 1, dedupTTL).Result()
		if err == nil {
			return !ok
		}
		logging.Warnf("Redis dedup check failed, falling back to local map: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if processed, exists := d.seen[notificationUUID]; exists && now.Sub(processed) < dedupTTL {
		return true
	}

	// Prune expired entries while we hold the lock
	for uuid, processed := range d.seen {
		if now.Sub(processed) >= dedupTTL {
			delete(d.seen, uuid)
		}
	}

	d.seen[notificationUUID] = now
	return false
}
