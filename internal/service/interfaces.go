package service

import (
	"context"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/store"
)

// Ledger is the repository plus its unit of work
type Ledger interface {
	store.Repository
	WithinTx(ctx context.Context, fn func(repo store.Repository) error) error
}

// Notifier delivers user-facing messages. It never fails a caller.
type Notifier interface {
	Notify(ctx context.Context, userIDs []int64, message, subjectKind string, subjectID int64)
}

// EventPublisher emits committed ledger changes
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
	PublishAuctionSettled(ctx context.Context, event *models.AuctionSettledEvent) error
	PublishDisputeEvent(ctx context.Context, event *models.DisputeEvent) error
}

// PayoutAccounts resolves where a seller is paid
type PayoutAccounts interface {
	SellerAccount(ctx context.Context, sellerID int64) (*models.SellerAccount, error)
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
