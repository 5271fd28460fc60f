package service

import (
	"context"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// SellerAccountCache is the read-through cache in front of seller_accounts
type SellerAccountCache interface {
	GetSellerAccount(ctx context.Context, sellerID int64) (*models.SellerAccount, error)
	SetSellerAccount(ctx context.Context, account *models.SellerAccount, ttl time.Duration) error
}

type sellerAccountSource interface {
	GetSellerAccount(ctx context.Context, sellerID int64) (*models.SellerAccount, error)
}

// CachedPayoutAccounts looks seller accounts up in the cache first and falls
// back to the database. Cache errors only cost a database read.
type CachedPayoutAccounts struct {
	source sellerAccountSource
	cache  SellerAccountCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedPayoutAccounts creates a payout account lookup. cache may be nil.
func NewCachedPayoutAccounts(source sellerAccountSource, cache SellerAccountCache, ttl time.Duration) *CachedPayoutAccounts {
	return &CachedPayoutAccounts{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: util.ComponentLogger("payout-accounts"),
	}
}

func (c *CachedPayoutAccounts) SellerAccount(ctx context.Context, sellerID int64) (*models.SellerAccount, error) {
	if c.cache != nil {
		if account, err := c.cache.GetSellerAccount(ctx, sellerID); err == nil {
			return account, nil
		}
	}

	account, err := c.source.GetSellerAccount(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetSellerAccount(ctx, account, c.ttl); err != nil {
			c.logger.Warn("Failed to cache seller account", zap.Int64("seller_id", sellerID), zap.Error(err))
		}
	}
	return account, nil
}
