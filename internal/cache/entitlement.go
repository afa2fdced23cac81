package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EntitlementCache remembers positive entitlement answers only. PAID is terminal,
// so a cached "yes" never goes stale; a "no" is always read from the ledger.
type EntitlementCache interface {
	Granted(ctx context.Context, buyerID, productID string) (bool, error)
	Grant(ctx context.Context, buyerID, productID string) error
}

const keyEntitlement = "entitlement:%s:%s"

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

type RedisEntitlements struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisEntitlements(rdb *redis.Client, ttl time.Duration) *RedisEntitlements {
	return &RedisEntitlements{rdb: rdb, ttl: ttl}
}

func (c *RedisEntitlements) Granted(ctx context.Context, buyerID, productID string) (bool, error) {
	_, err := c.rdb.Get(ctx, fmt.Sprintf(keyEntitlement, buyerID, productID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisEntitlements) Grant(ctx context.Context, buyerID, productID string) error {
	return c.rdb.Set(ctx, fmt.Sprintf(keyEntitlement, buyerID, productID), "1", c.ttl).Err()
}

// Nop never remembers anything.
type Nop struct{}

func (Nop) Granted(context.Context, string, string) (bool, error) { return false, nil }
func (Nop) Grant(context.Context, string, string) error           { return nil }
