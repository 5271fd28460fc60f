package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"settlement-service/config"
	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OpenDisputeRequest is a buyer's dispute against one payment
type OpenDisputeRequest struct {
	PaymentID      int64
	BuyerID        int64
	Reason         string
	Description    string
	EvidencePhotos []string
}

// ResolveDisputeRequest is an admin decision on an open dispute
type ResolveDisputeRequest struct {
	DisputeID    int64
	AdminID      int64
	Resolution   models.DisputeResolution
	RefundAmount int64
	Note         string
}

// DisputeCoordinator intercepts payments awaiting transfer and drives them
// through refund or back to payout
type DisputeCoordinator struct {
	ledger   Ledger
	notifier Notifier
	events   EventPublisher
	clock    Clock
	cfg      config.SettlementConfig
	logger   *zap.Logger
}

// NewDisputeCoordinator creates a new dispute coordinator
func NewDisputeCoordinator(
	ledger Ledger,
	notifier Notifier,
	events EventPublisher,
	clock Clock,
	cfg config.SettlementConfig,
) *DisputeCoordinator {
	return &DisputeCoordinator{
		ledger:   ledger,
		notifier: notifier,
		events:   events,
		clock:    clock,
		cfg:      cfg,
		logger:   util.ComponentLogger("dispute-coordinator"),
	}
}

// OpenDispute records a dispute and freezes the payout
func (dc *DisputeCoordinator) OpenDispute(ctx context.Context, req OpenDisputeRequest) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeCoordinator.OpenDispute", attribute.Int64("payment.id", req.PaymentID))
	defer span.End()

	logger := dc.logger.With(zap.Int64("payment_id", req.PaymentID), zap.Int64("buyer_id", req.BuyerID))

	if strings.TrimSpace(req.Reason) == "" {
		dc.rejected("missing_reason")
		return nil, ErrReasonRequired
	}

	var (
		dispute *models.Dispute
		payment *models.Payment
	)

	err := dc.ledger.WithinTx(ctx, func(repo store.Repository) error {
		p, err := repo.GetPayment(ctx, req.PaymentID)
		if err != nil {
			return err
		}

		existing, err := repo.GetDisputeByPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDisputeExists
		}

		if err := ledger.OpenDispute(p, req.BuyerID, dc.clock.Now(), dc.cfg.DisputeWindow); err != nil {
			return translateLedgerError(err)
		}

		d := &models.Dispute{
			PaymentID:      p.ID,
			BuyerID:        req.BuyerID,
			Reason:         strings.TrimSpace(req.Reason),
			Description:    req.Description,
			Status:         models.DisputeStatusOpen,
			EvidencePhotos: models.StringList(req.EvidencePhotos),
		}
		if err := repo.CreateDispute(ctx, d); err != nil {
			return fmt.Errorf("failed to create dispute: %w", err)
		}
		if err := repo.UpdatePayment(ctx, p); err != nil {
			return err
		}

		dispute = d
		payment = p
		return nil
	})
	if err != nil {
		dc.rejected(rejectionReason(err))
		logger.Info("Dispute rejected", zap.Error(err))
		return nil, err
	}

	util.DisputesOpenedTotal.Inc()
	logger.Info("Dispute opened", zap.Int64("dispute_id", dispute.ID))

	dc.publish(ctx, models.EventTypeDisputeOpened, dispute, logger)
	dc.notifier.Notify(ctx, []int64{payment.SellerID},
		fmt.Sprintf("The buyer opened a dispute: %s. Your payout is on hold until it is resolved", dispute.Reason),
		models.SubjectDispute, dispute.ID)
	return dispute, nil
}

// ResolveDispute applies an admin decision. The payment transition and the
// dispute's terminal update commit together.
func (dc *DisputeCoordinator) ResolveDispute(ctx context.Context, req ResolveDisputeRequest) (*models.Dispute, error) {
	ctx, span := util.StartSpan(ctx, "DisputeCoordinator.ResolveDispute", attribute.Int64("dispute.id", req.DisputeID))
	defer span.End()

	logger := dc.logger.With(zap.Int64("dispute_id", req.DisputeID), zap.Int64("admin_id", req.AdminID))
	actor := models.AdminActor(req.AdminID)

	var (
		dispute *models.Dispute
		payment *models.Payment
	)

	err := dc.ledger.WithinTx(ctx, func(repo store.Repository) error {
		d, err := repo.GetDispute(ctx, req.DisputeID)
		if err != nil {
			return err
		}
		if d.Status != models.DisputeStatusOpen {
			return ErrDisputeNotOpen
		}

		p, err := repo.GetPayment(ctx, d.PaymentID)
		if err != nil {
			return err
		}

		now := dc.clock.Now()
		switch req.Resolution {
		case models.DisputeResolutionRefundBuyer:
			err = ledger.ScheduleFullRefund(p, now, actor)
		case models.DisputeResolutionDeclined:
			err = ledger.DeclineDispute(p, now, dc.cfg.DeclinedTransferDelay, actor)
		case models.DisputeResolutionPartialRefund:
			err = ledger.SchedulePartialRefund(p, req.RefundAmount, now, actor)
		default:
			return fmt.Errorf("%w: %q", ErrInvalidResolution, req.Resolution)
		}
		if err != nil {
			return translateLedgerError(err)
		}
		if req.Note != "" {
			p.Notes.Append(now, actor, req.Note)
		}

		resolution := req.Resolution
		adminID := req.AdminID
		d.Status = models.DisputeStatusResolved
		d.Resolution = &resolution
		d.ResolvedBy = &adminID
		d.ResolutionNote = req.Note
		d.ResolvedAt = &now
		if resolution != models.DisputeResolutionDeclined {
			refund := p.RefundAmount
			d.RefundAmount = &refund
		}

		if err := repo.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := repo.UpdateDispute(ctx, d); err != nil {
			return err
		}

		dispute = d
		payment = p
		return nil
	})
	if err != nil {
		logger.Info("Dispute resolution rejected", zap.Error(err))
		return nil, err
	}

	util.DisputesResolvedTotal.WithLabelValues(string(req.Resolution)).Inc()
	logger.Info("Dispute resolved",
		zap.String("resolution", string(req.Resolution)),
		zap.String("payment_status", string(payment.Status)))

	dc.publish(ctx, models.EventTypeDisputeResolved, dispute, logger)

	message := "Your dispute was declined; the payment will be released to the seller"
	switch req.Resolution {
	case models.DisputeResolutionRefundBuyer:
		message = fmt.Sprintf("Your dispute was accepted; %s will be refunded", formatAmount(payment.RefundAmount, payment.Currency))
	case models.DisputeResolutionPartialRefund:
		message = fmt.Sprintf("Your dispute was partially accepted; %s will be refunded", formatAmount(payment.RefundAmount, payment.Currency))
	}
	dc.notifier.Notify(ctx, []int64{payment.BuyerID, payment.SellerID}, message, models.SubjectDispute, dispute.ID)
	return dispute, nil
}

// GetDispute returns a dispute by ID
func (dc *DisputeCoordinator) GetDispute(ctx context.Context, id int64) (*models.Dispute, error) {
	return dc.ledger.GetDispute(ctx, id)
}

// GetPayment returns a payment by ID
func (dc *DisputeCoordinator) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return dc.ledger.GetPayment(ctx, id)
}

func (dc *DisputeCoordinator) publish(ctx context.Context, eventType string, d *models.Dispute, logger *zap.Logger) {
	event := &models.DisputeEvent{
		BaseEvent:    models.NewBaseEvent(eventType, dc.clock.Now()),
		DisputeID:    d.ID,
		PaymentID:    d.PaymentID,
		Resolution:   d.Resolution,
		RefundAmount: d.RefundAmount,
	}
	if err := dc.events.PublishDisputeEvent(ctx, event); err != nil {
		logger.Warn("Failed to publish dispute event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (dc *DisputeCoordinator) rejected(reason string) {
	util.DisputesRejectedTotal.WithLabelValues(reason).Inc()
}

// translateLedgerError maps state machine errors onto the service's sentinels
func translateLedgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotBuyer):
		return ErrNotBuyer
	case errors.Is(err, ledger.ErrDisputeWindowClosed):
		return ErrDisputeWindowExpired
	case errors.Is(err, ledger.ErrRefundTooLarge):
		return fmt.Errorf("%w: %v", ErrRefundExceedsSellerAmount, err)
	case errors.Is(err, ledger.ErrInvalidRefundAmount):
		return ErrInvalidRefundAmount
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrAlreadyRefunded):
		return fmt.Errorf("%w: %v", ErrPaymentNotEligible, err)
	}
	return err
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNotBuyer):
		return "not_buyer"
	case errors.Is(err, ErrDisputeWindowExpired):
		return "window_expired"
	case errors.Is(err, ErrDisputeExists):
		return "already_disputed"
	case errors.Is(err, ErrPaymentNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
