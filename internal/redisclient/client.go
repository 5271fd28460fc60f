package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned when a cached value is absent
var ErrCacheMiss = errors.New("cache miss")

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MarkOnce records an idempotency key with TTL. It returns false when the key
// was already recorded.
func (c *Client) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", key), "1", ttl).Result()
}

// ForgetKey drops an idempotency key so the operation can be repeated
func (c *Client) ForgetKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

func sellerAccountKey(sellerID int64) string {
	return fmt.Sprintf("seller-account:%d", sellerID)
}

// GetSellerAccount reads a cached payout account
func (c *Client) GetSellerAccount(ctx context.Context, sellerID int64) (*models.SellerAccount, error) {
	raw, err := c.rdb.Get(ctx, sellerAccountKey(sellerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var account models.SellerAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("failed to decode cached seller account: %w", err)
	}
	return &account, nil
}

// SetSellerAccount caches a payout account with TTL
func (c *Client) SetSellerAccount(ctx context.Context, account *models.SellerAccount, ttl time.Duration) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sellerAccountKey(account.SellerID), raw, ttl).Err()
}

// InvalidateSellerAccount drops a cached payout account
func (c *Client) InvalidateSellerAccount(ctx context.Context, sellerID int64) error {
	return c.rdb.Del(ctx, sellerAccountKey(sellerID)).Err()
}
