package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// releaseScript deletes a key only while it still holds the reservation
// marker, so a completed sale is never dropped.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Connect opens a Redis client from a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore remembers processed sales in Redis so every issuer replica
// shares one dedup set.
type RedisStore struct {
	client         *redis.Client
	prefix         string
	retention      time.Duration
	reservationTTL time.Duration
}

// NewRedisStore creates a Redis-backed sale store. A zero retention keeps
// sales forever.
func NewRedisStore(client *redis.Client, prefix string, retention, reservationTTL time.Duration) *RedisStore {
	if reservationTTL <= 0 {
		reservationTTL = 30 * time.Second
	}
	return &RedisStore{
		client:         client,
		prefix:         prefix,
		retention:      retention,
		reservationTTL: reservationTTL,
	}
}

func (s *RedisStore) key(saleID string) string {
	return s.prefix + saleID
}

func (s *RedisStore) Reserve(ctx context.Context, saleID string) (*Sale, bool, error) {
	key := s.key(saleID)

	ok, err := s.client.SetNX(ctx, key, pendingMarker, s.reservationTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserve sale: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// The reservation expired between SETNX and GET.
			return nil, false, ErrSaleInFlight
		}
		return nil, false, fmt.Errorf("load sale: %w", err)
	}
	if raw == pendingMarker {
		return nil, false, ErrSaleInFlight
	}

	var sale Sale
	if err := json.Unmarshal([]byte(raw), &sale); err != nil {
		return nil, false, fmt.Errorf("decode sale %s: %w", saleID, err)
	}
	return &sale, false, nil
}

func (s *RedisStore) Put(ctx context.Context, sale Sale) error {
	raw, err := json.Marshal(sale)
	if err != nil {
		return fmt.Errorf("encode sale: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sale.SaleID), raw, s.retention).Err(); err != nil {
		return fmt.Errorf("store sale: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, saleID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(saleID)}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release sale: %w", err)
	}
	return nil
}
