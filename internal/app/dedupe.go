package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers notification fingerprints for a while.
type Deduper interface {
	// Claim returns true the first time a key is seen within the TTL.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets a key so a failed ingestion can be retried.
	Release(ctx context.Context, key string) error
}

// RedisDeduper implements Deduper with SET NX.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "settlement:notification"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: trimmed, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+":"+key, 1, d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+":"+key).Err()
}

// fingerprint identifies a notification independent of the id the device
// assigned, so the same banner delivered twice collapses to one key. A
// missing posted_at stays missing.
func fingerprint(n domain.IncomingNotification) string {
	h := sha256.New()
	h.Write([]byte(n.TraderID.String()))
	h.Write([]byte{0})
	if n.DeviceID != nil {
		h.Write([]byte(n.DeviceID.String()))
	}
	h.Write([]byte{0})
	h.Write([]byte(n.PackageName))
	h.Write([]byte{0})
	h.Write([]byte(n.Text))
	h.Write([]byte{0})
	if !n.PostedAt.IsZero() {
		h.Write([]byte(n.PostedAt.UTC().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
