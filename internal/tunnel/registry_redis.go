package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReservations backs Registry.Reservations with Redis SETNX so a
// fleet of server instances can share id uniqueness without sharing any
// tunnel state: sockets, pools, and listeners always stay local to the
// instance that accepted them. Only the id namespace is shared.
type RedisReservations struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReservations dials addr and pings it once so configuration
// mistakes fail fast at startup instead of on the first Create call.
func NewRedisReservations(addr, password string, db int) (*RedisReservations, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("tunnel: redis connection failed: %w", err)
	}
	return &RedisReservations{client: rdb, ttl: 24 * time.Hour}, nil
}

const reservationKeyPrefix = "localtunnel:id:"

// Reserve atomically claims id cluster-wide. The reservation expires after
// ttl so a crashed instance doesn't permanently squat an id; a live tunnel
// refreshes it via Refresh.
func (r *RedisReservations) Reserve(id string) (bool, error) {
	ctx := context.Background()
	ok, err := r.client.SetNX(ctx, reservationKeyPrefix+id, "1", r.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release frees id so another instance (or this one) may reuse it.
func (r *RedisReservations) Release(id string) error {
	ctx := context.Background()
	return r.client.Del(ctx, reservationKeyPrefix+id).Err()
}

// Refresh extends id's TTL; callers should invoke this periodically for
// every locally-owned tunnel so long-lived tunnels don't lose their
// reservation out from under them.
func (r *RedisReservations) Refresh(id string) error {
	ctx := context.Background()
	return r.client.Expire(ctx, reservationKeyPrefix+id, r.ttl).Err()
}

// Close releases the underlying Redis client.
func (r *RedisReservations) Close() error {
	return r.client.Close()
}
