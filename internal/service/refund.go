package service

import (
	"context"
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

const refundWorker = "refund-processor"

// RefundProcessor executes refunds scheduled by dispute resolution
type RefundProcessor struct {
	ledger   Ledger
	gateway  gateway.Gateway
	notifier Notifier
	events   EventPublisher
	clock    Clock
	cfg      config.SettlementConfig
	logger   *zap.Logger
}

// NewRefundProcessor creates a new refund processor
func NewRefundProcessor(
	ledger Ledger,
	gw gateway.Gateway,
	notifier Notifier,
	events EventPublisher,
	clock Clock,
	cfg config.SettlementConfig,
) *RefundProcessor {
	return &RefundProcessor{
		ledger:   ledger,
		gateway:  gw,
		notifier: notifier,
		events:   events,
		clock:    clock,
		cfg:      cfg,
		logger:   util.ComponentLogger(refundWorker),
	}
}

// Tick attempts every refund that is due
func (rp *RefundProcessor) Tick(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "RefundProcessor.Tick")
	defer span.End()

	payments, err := rp.ledger.ListPaymentsDueForRefund(ctx, rp.clock.Now(), rp.cfg.BatchSize)
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to list payments due for refund: %w", err)
	}

	for _, payment := range payments {
		if ctx.Err() != nil {
			return nil
		}
		paymentID := payment.ID
		_ = worker.RunUnit(refundWorker, rp.logger.With(zap.Int64("payment_id", paymentID)), func() error {
			_, err := rp.RefundPayment(context.WithoutCancel(ctx), paymentID)
			return err
		})
	}
	return nil
}

// RefundPayment makes one refund attempt. A refund that keeps failing is
// parked for manual reconciliation; the payment stays scheduled.
func (rp *RefundProcessor) RefundPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "RefundProcessor.RefundPayment", attribute.Int64("payment.id", paymentID))
	defer span.End()

	logger := rp.logger.With(zap.Int64("payment_id", paymentID))

	var (
		payment   *models.Payment
		result    gateway.Result
		attempted bool
		held      bool
	)

	err := rp.ledger.WithinTx(ctx, func(repo store.Repository) error {
		p, err := repo.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		payment = p

		if !rp.due(p, rp.clock.Now()) {
			return nil
		}

		p.RefundAttempts++
		attempted = true

		result = rp.gateway.Refund(ctx, gateway.RefundRequest{
			ChargeRef: p.ChargeRef,
			Amount:    p.RefundAmount,
			Metadata: map[string]string{
				"payment_id": strconv.FormatInt(p.ID, 10),
				"attempt":    strconv.Itoa(p.RefundAttempts),
			},
			IdempotencyKey: refundKey(p),
		})
		util.RefundAttemptsTotal.WithLabelValues(result.Outcome.String()).Inc()

		now := rp.clock.Now()
		switch {
		case result.OK() && p.Status == models.PaymentStatusRefundScheduled:
			if err := ledger.MarkRefunded(p, result.Ref, now); err != nil {
				return err
			}
		case result.OK():
			if err := ledger.ApplyPartialRefund(p, result.Ref, now); err != nil {
				return err
			}
		case result.Outcome == gateway.OutcomeTransient && p.RefundAttempts < rp.cfg.MaxRefundAttempts:
			ledger.DeferRefund(p, now, rp.cfg.RefundCooldown, result.Reason())
		default:
			ledger.HoldRefund(p, now, result.Reason())
			held = true
		}

		return repo.UpdatePayment(ctx, p)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("refund of payment %d: %w", paymentID, err)
	}
	if !attempted {
		return payment, nil
	}

	switch {
	case result.OK():
		logger.Info("Buyer refunded",
			zap.String("refund_ref", payment.RefundRef),
			zap.Int64("amount", payment.RefundAmount),
			zap.String("status", string(payment.Status)))
		if err := rp.events.PublishPaymentEvent(ctx, models.NewPaymentEvent(models.EventTypeRefundCompleted, payment, rp.clock.Now(), "")); err != nil {
			logger.Warn("Failed to publish payment event", zap.Error(err))
		}
		amount := formatAmount(payment.RefundAmount, payment.Currency)
		rp.notifier.Notify(ctx, []int64{payment.BuyerID},
			fmt.Sprintf("A refund of %s has been issued", amount),
			models.SubjectPayment, payment.ID)
		rp.notifier.Notify(ctx, []int64{payment.SellerID},
			fmt.Sprintf("%s was refunded to the buyer", amount),
			models.SubjectPayment, payment.ID)
	case held:
		logger.Error("Refund needs manual reconciliation",
			zap.Int("attempts", payment.RefundAttempts),
			zap.String("charge_ref", payment.ChargeRef),
			zap.String("reason", result.Reason()))
	default:
		logger.Warn("Refund deferred",
			zap.Int("attempt", payment.RefundAttempts),
			zap.String("reason", result.Reason()))
	}
	return payment, nil
}

func (rp *RefundProcessor) due(p *models.Payment, now time.Time) bool {
	switch p.Status {
	case models.PaymentStatusRefundScheduled, models.PaymentStatusPartialRefundScheduled:
	default:
		return false
	}
	return p.ScheduledRefundDate != nil && !p.ScheduledRefundDate.After(now)
}

func refundKey(p *models.Payment) string {
	return fmt.Sprintf("refund-payment-%d-%d", p.ID, p.RefundAmount)
}
