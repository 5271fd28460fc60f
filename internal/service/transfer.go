package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"settlement-service/config"
	"settlement-service/internal/gateway"
	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const transferWorker = "transfer-scheduler"

// TransferScheduler pays sellers once their payments come due
type TransferScheduler struct {
	ledger   Ledger
	gateway  gateway.Gateway
	accounts PayoutAccounts
	notifier Notifier
	events   EventPublisher
	clock    Clock
	cfg      config.SettlementConfig
	logger   *zap.Logger
}

// NewTransferScheduler creates a new transfer scheduler
func NewTransferScheduler(
	ledger Ledger,
	gw gateway.Gateway,
	accounts PayoutAccounts,
	notifier Notifier,
	events EventPublisher,
	clock Clock,
	cfg config.SettlementConfig,
) *TransferScheduler {
	return &TransferScheduler{
		ledger:   ledger,
		gateway:  gw,
		accounts: accounts,
		notifier: notifier,
		events:   events,
		clock:    clock,
		cfg:      cfg,
		logger:   util.ComponentLogger(transferWorker),
	}
}

// Tick attempts one transfer for every payment that is due
func (ts *TransferScheduler) Tick(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "TransferScheduler.Tick")
	defer span.End()

	payments, err := ts.ledger.ListPaymentsDueForTransfer(ctx, ts.clock.Now(), ts.cfg.MaxTransferAttempts, ts.cfg.BatchSize)
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to list payments due for transfer: %w", err)
	}

	for _, payment := range payments {
		if ctx.Err() != nil {
			return nil
		}
		paymentID := payment.ID
		_ = worker.RunUnit(transferWorker, ts.logger.With(zap.Int64("payment_id", paymentID)), func() error {
			_, err := ts.TransferPayment(context.WithoutCancel(ctx), paymentID)
			return err
		})
	}
	return nil
}

// TransferPayment makes one transfer attempt for a due payment. The attempt
// and its outcome are committed together with the payment row locked, so a
// concurrent dispute waits for the transfer to finish. A payment that is no
// longer due is returned unchanged.
func (ts *TransferScheduler) TransferPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "TransferScheduler.TransferPayment", attribute.Int64("payment.id", paymentID))
	defer span.End()

	logger := ts.logger.With(zap.Int64("payment_id", paymentID))

	var (
		payment   *models.Payment
		result    gateway.Result
		attempted bool
		failed    bool
	)

	err := ts.ledger.WithinTx(ctx, func(repo store.Repository) error {
		p, err := repo.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		payment = p

		now := ts.clock.Now()
		if !ts.due(p, now) {
			return nil
		}

		if err := ledger.RecordTransferAttempt(p); err != nil {
			return err
		}
		attempted = true

		result = ts.transfer(ctx, p, logger)
		util.TransferAttemptsTotal.WithLabelValues(result.Outcome.String()).Inc()

		now = ts.clock.Now()
		switch {
		case result.OK():
			if err := ledger.MarkTransferred(p, result.Ref, now); err != nil {
				return err
			}
		case result.Outcome == gateway.OutcomePermanent || p.TransferAttempts >= ts.cfg.MaxTransferAttempts:
			if err := ledger.MarkTransferFailed(p, now, result.Reason()); err != nil {
				return err
			}
			failed = true
		default:
			ledger.DeferTransfer(p, now, ts.cfg.TransferCooldown, result.Reason())
		}

		return repo.UpdatePayment(ctx, p)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("transfer of payment %d: %w", paymentID, err)
	}
	if !attempted {
		return payment, nil
	}

	switch {
	case result.OK():
		logger.Info("Seller paid",
			zap.String("transfer_ref", payment.TransferRef),
			zap.Int64("amount", payment.SellerAmount),
			zap.Int("attempt", payment.TransferAttempts))
		ts.publish(ctx, models.EventTypeTransferCompleted, payment, "", logger)
		ts.notifier.Notify(ctx, []int64{payment.SellerID},
			fmt.Sprintf("Payout of %s has been sent", formatAmount(payment.SellerAmount, payment.Currency)),
			models.SubjectPayment, payment.ID)
	case failed:
		util.TransfersFailedTotal.Inc()
		logger.Error("Transfer failed permanently",
			zap.Int("attempts", payment.TransferAttempts),
			zap.String("reason", result.Reason()))
		ts.publish(ctx, models.EventTypeTransferFailed, payment, result.Reason(), logger)
		ts.notifier.Notify(ctx, []int64{payment.SellerID},
			"We could not send your payout; our team has been notified",
			models.SubjectPayment, payment.ID)
	default:
		logger.Warn("Transfer deferred",
			zap.Int("attempt", payment.TransferAttempts),
			zap.Timep("retry_at", payment.ScheduledTransferDate),
			zap.String("reason", result.Reason()))
		ts.publish(ctx, models.EventTypeTransferDeferred, payment, result.Reason(), logger)
	}
	return payment, nil
}

func (ts *TransferScheduler) due(p *models.Payment, now time.Time) bool {
	return p.AwaitingTransfer() &&
		p.TransferTrigger == models.TransferTriggerTimeBased &&
		p.ScheduledTransferDate != nil && !p.ScheduledTransferDate.After(now) &&
		p.TransferAttempts < ts.cfg.MaxTransferAttempts
}

func (ts *TransferScheduler) transfer(ctx context.Context, p *models.Payment, logger *zap.Logger) gateway.Result {
	if p.SellerAmount == 0 {
		return gateway.Success("none")
	}

	account, err := ts.accounts.SellerAccount(ctx, p.SellerID)
	if errors.Is(err, store.ErrNotFound) {
		return gateway.Transient(fmt.Errorf("seller %d has no payout account", p.SellerID))
	}
	if err != nil {
		logger.Warn("Payout account lookup failed", zap.Error(err))
		return gateway.Transient(fmt.Errorf("payout account lookup: %w", err))
	}

	return ts.gateway.Transfer(ctx, gateway.TransferRequest{
		Amount:             p.SellerAmount,
		Currency:           p.Currency,
		DestinationAccount: account.StripeAccountID,
		Metadata: map[string]string{
			"payment_id": strconv.FormatInt(p.ID, 10),
			"listing_id": strconv.FormatInt(p.ListingID, 10),
			"attempt":    strconv.Itoa(p.TransferAttempts),
		},
		IdempotencyKey: transferKey(p),
	})
}

// ReleaseTransfer makes a payment awaiting transfer due now. It is how a
// manually triggered payout is released.
func (ts *TransferScheduler) ReleaseTransfer(ctx context.Context, paymentID int64, actor string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "TransferScheduler.ReleaseTransfer", attribute.Int64("payment.id", paymentID))
	defer span.End()

	var payment *models.Payment
	err := ts.ledger.WithinTx(ctx, func(repo store.Repository) error {
		p, err := repo.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := ledger.ReleaseManualTransfer(p, ts.clock.Now(), actor); err != nil {
			if errors.Is(err, ledger.ErrInvalidTransition) {
				return fmt.Errorf("%w: %v", ErrPaymentNotEligible, err)
			}
			return err
		}
		payment = p
		return repo.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	ts.logger.Info("Transfer released", zap.Int64("payment_id", paymentID), zap.String("actor", actor))
	return payment, nil
}

// ConfirmDelivery releases a manually triggered payout once its buyer
// confirms delivery. Confirmations for other payments are ignored.
func (ts *TransferScheduler) ConfirmDelivery(ctx context.Context, event *models.DeliveryConfirmedEvent) error {
	logger := ts.logger.With(zap.Int64("payment_id", event.PaymentID), zap.String("event_id", event.EventID))

	payment, err := ts.ledger.GetPayment(ctx, event.PaymentID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Delivery confirmed for unknown payment")
		return nil
	}
	if err != nil {
		return err
	}

	if payment.BuyerID != event.BuyerID {
		logger.Warn("Delivery confirmed by someone other than the buyer", zap.Int64("buyer_id", event.BuyerID))
		return nil
	}
	if payment.TransferTrigger != models.TransferTriggerManual || !payment.AwaitingTransfer() {
		logger.Debug("Delivery confirmation needs no release", zap.String("status", string(payment.Status)))
		return nil
	}

	_, err = ts.ReleaseTransfer(ctx, event.PaymentID, models.BuyerActor(event.BuyerID))
	if errors.Is(err, ErrPaymentNotEligible) {
		return nil
	}
	return err
}

func (ts *TransferScheduler) publish(ctx context.Context, eventType string, p *models.Payment, reason string, logger *zap.Logger) {
	if err := ts.events.PublishPaymentEvent(ctx, models.NewPaymentEvent(eventType, p, ts.clock.Now(), reason)); err != nil {
		logger.Warn("Failed to publish payment event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// transferKey is stable across attempts for the same payout amount, so a
// retried transfer can never pay the seller twice
func transferKey(p *models.Payment) string {
	return fmt.Sprintf("transfer-payment-%d-%d", p.ID, p.SellerAmount)
}
