// Package ledger holds the payment state machine. Every function mutates a
// *models.Payment in memory and appends an audit entry; persisting the result
// is the caller's job, inside its unit of work.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"settlement-service/internal/models"
)

var (
	ErrInvalidTransition   = errors.New("invalid payment transition")
	ErrNotCaptured         = errors.New("payment has not been captured")
	ErrAlreadyCaptured     = errors.New("payment already captured")
	ErrNotBuyer            = errors.New("only the buyer can dispute this payment")
	ErrDisputeWindowClosed = errors.New("dispute window has expired")
	ErrInvalidRefundAmount = errors.New("refund amount must be positive")
	ErrRefundTooLarge      = errors.New("refund amount exceeds seller amount")
	ErrInvalidFee          = errors.New("platform fee percentage must be between 0 and 100")
	ErrAlreadyRefunded     = errors.New("payment was already partially refunded")
)

var transitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentStatusPending: {
		models.PaymentStatusPending,
		models.PaymentStatusDisputed,
		models.PaymentStatusOutbid,
		models.PaymentStatusTransferred,
		models.PaymentStatusFailed,
	},
	models.PaymentStatusDisputed: {
		models.PaymentStatusRefundScheduled,
		models.PaymentStatusPartialRefundScheduled,
		models.PaymentStatusPending,
	},
	models.PaymentStatusRefundScheduled: {
		models.PaymentStatusRefunded,
	},
	models.PaymentStatusPartialRefundScheduled: {
		models.PaymentStatusPending,
	},
}

// IsTerminal reports whether no transition leaves the status
func IsTerminal(status models.PaymentStatus) bool {
	switch status {
	case models.PaymentStatusTransferred, models.PaymentStatusRefunded,
		models.PaymentStatusFailed, models.PaymentStatusOutbid:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to models.PaymentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func move(p *models.Payment, to models.PaymentStatus) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s (payment %d)", ErrInvalidTransition, p.Status, to, p.ID)
	}
	p.Status = to
	return nil
}

// ApplyFee sets the platform fee and the seller share of the total
func ApplyFee(p *models.Payment, percentage float64) error {
	if percentage < 0 || percentage > 100 || math.IsNaN(percentage) {
		return ErrInvalidFee
	}
	p.PlatformFeePercentage = &percentage
	p.PlatformFeeAmount = int64(math.Round(float64(p.TotalAmount) * percentage / 100))
	p.SellerAmount = p.TotalAmount - p.PlatformFeeAmount - p.RefundAmount
	if p.SellerAmount < 0 {
		p.SellerAmount = 0
	}
	return nil
}

// MarkCaptured records a successful capture and schedules the payout
func MarkCaptured(p *models.Payment, chargeRef string, now time.Time, transferDelay time.Duration) error {
	if p.IsCaptured() {
		return fmt.Errorf("%w: payment %d", ErrAlreadyCaptured, p.ID)
	}
	if err := move(p, models.PaymentStatusPending); err != nil {
		return err
	}
	p.ChargeRef = chargeRef
	p.ChargeDate = timePtr(now)
	p.ScheduledTransferDate = timePtr(now.Add(transferDelay))
	p.Notes.Append(now, models.ActorSettlement,
		fmt.Sprintf("captured %d %s, transfer scheduled for %s", p.TotalAmount, p.Currency, now.Add(transferDelay).UTC().Format(time.RFC3339)))
	return nil
}

// MarkCaptureFailed ends an authorization whose capture could not succeed
func MarkCaptureFailed(p *models.Payment, now time.Time, reason string) error {
	if p.IsCaptured() {
		return fmt.Errorf("%w: payment %d", ErrAlreadyCaptured, p.ID)
	}
	if err := move(p, models.PaymentStatusFailed); err != nil {
		return err
	}
	p.Notes.Append(now, models.ActorSettlement, "capture failed: "+reason)
	return nil
}

// MarkOutbid records that a losing hold was released
func MarkOutbid(p *models.Payment, now time.Time, note string) error {
	if p.IsCaptured() {
		return fmt.Errorf("%w: payment %d", ErrAlreadyCaptured, p.ID)
	}
	if err := move(p, models.PaymentStatusOutbid); err != nil {
		return err
	}
	p.Notes.Append(now, models.ActorSettlement, note)
	return nil
}

// OpenDispute moves a payment awaiting transfer into Disputed
func OpenDispute(p *models.Payment, buyerID int64, now time.Time, window time.Duration) error {
	if !p.AwaitingTransfer() {
		return fmt.Errorf("%w: %s payment %d cannot be disputed", ErrInvalidTransition, p.Status, p.ID)
	}
	if p.BuyerID != buyerID {
		return ErrNotBuyer
	}
	if p.ChargeDate == nil || now.After(p.ChargeDate.Add(window)) {
		return ErrDisputeWindowClosed
	}
	if p.RefundAmount > 0 {
		return ErrAlreadyRefunded
	}
	if err := move(p, models.PaymentStatusDisputed); err != nil {
		return err
	}
	p.Notes.Append(now, models.BuyerActor(buyerID), "dispute opened")
	return nil
}

// ScheduleFullRefund resolves a dispute in the buyer's favour
func ScheduleFullRefund(p *models.Payment, now time.Time, actor string) error {
	if err := move(p, models.PaymentStatusRefundScheduled); err != nil {
		return err
	}
	p.RefundAmount = p.TotalAmount
	p.SellerAmount = 0
	p.ScheduledRefundDate = timePtr(now)
	p.Notes.Append(now, actor, fmt.Sprintf("full refund of %d scheduled", p.TotalAmount))
	return nil
}

// SchedulePartialRefund resolves a dispute with a partial refund. The amount is
// bounded by what the seller would still receive.
func SchedulePartialRefund(p *models.Payment, amount int64, now time.Time, actor string) error {
	if amount <= 0 {
		return ErrInvalidRefundAmount
	}
	if amount > p.SellerAmount {
		return fmt.Errorf("%w: %d > %d", ErrRefundTooLarge, amount, p.SellerAmount)
	}
	if err := move(p, models.PaymentStatusPartialRefundScheduled); err != nil {
		return err
	}
	p.RefundAmount = amount
	p.SellerAmount = p.TotalAmount - p.PlatformFeeAmount - amount
	p.ScheduledRefundDate = timePtr(now)
	p.Notes.Append(now, actor, fmt.Sprintf("partial refund of %d scheduled, seller amount now %d", amount, p.SellerAmount))
	return nil
}

// DeclineDispute returns the payment to transfer scheduling. Transfer
// attempts are kept so the retry ceiling still holds.
func DeclineDispute(p *models.Payment, now time.Time, transferDelay time.Duration, actor string) error {
	if p.Status != models.PaymentStatusDisputed {
		return fmt.Errorf("%w: %s -> %s (payment %d)", ErrInvalidTransition, p.Status, models.PaymentStatusPending, p.ID)
	}
	if err := move(p, models.PaymentStatusPending); err != nil {
		return err
	}
	p.ScheduledTransferDate = timePtr(now.Add(transferDelay))
	p.Notes.Append(now, actor, "dispute declined, transfer rescheduled")
	return nil
}

// MarkRefunded completes a full refund
func MarkRefunded(p *models.Payment, refundRef string, now time.Time) error {
	if err := move(p, models.PaymentStatusRefunded); err != nil {
		return err
	}
	p.RefundRef = refundRef
	p.RefundDate = timePtr(now)
	p.ScheduledRefundDate = nil
	p.SellerAmount = 0
	p.Notes.Append(now, models.ActorRefund, fmt.Sprintf("refunded %d (%s)", p.RefundAmount, refundRef))
	return nil
}

// ApplyPartialRefund completes a partial refund; the remaining seller amount
// stays eligible for transfer.
func ApplyPartialRefund(p *models.Payment, refundRef string, now time.Time) error {
	if p.Status != models.PaymentStatusPartialRefundScheduled {
		return fmt.Errorf("%w: %s -> %s (payment %d)", ErrInvalidTransition, p.Status, models.PaymentStatusPending, p.ID)
	}
	if err := move(p, models.PaymentStatusPending); err != nil {
		return err
	}
	p.RefundRef = refundRef
	p.RefundDate = timePtr(now)
	p.ScheduledRefundDate = nil
	if p.ScheduledTransferDate == nil || p.ScheduledTransferDate.Before(now) {
		p.ScheduledTransferDate = timePtr(now)
	}
	p.Notes.Append(now, models.ActorRefund, fmt.Sprintf("partially refunded %d (%s)", p.RefundAmount, refundRef))
	return nil
}

// DeferRefund pushes a scheduled refund forward after a failed attempt
func DeferRefund(p *models.Payment, now time.Time, cooldown time.Duration, reason string) {
	p.ScheduledRefundDate = timePtr(now.Add(cooldown))
	p.Notes.Append(now, models.ActorRefund, fmt.Sprintf("refund attempt %d failed: %s", p.RefundAttempts, reason))
}

// HoldRefund leaves a refund scheduled but parks it for manual reconciliation
func HoldRefund(p *models.Payment, now time.Time, reason string) {
	p.ScheduledRefundDate = nil
	p.Notes.Append(now, models.ActorRefund, fmt.Sprintf("refund needs manual reconciliation after %d attempts: %s", p.RefundAttempts, reason))
}

// RecordTransferAttempt counts a transfer attempt before the gateway call
func RecordTransferAttempt(p *models.Payment) error {
	if !p.AwaitingTransfer() {
		return fmt.Errorf("%w: %s payment %d is not awaiting transfer", ErrInvalidTransition, p.Status, p.ID)
	}
	p.TransferAttempts++
	return nil
}

// MarkTransferred records the payout to the seller
func MarkTransferred(p *models.Payment, transferRef string, now time.Time) error {
	if !p.IsCaptured() {
		return fmt.Errorf("%w: payment %d", ErrNotCaptured, p.ID)
	}
	if err := move(p, models.PaymentStatusTransferred); err != nil {
		return err
	}
	p.TransferRef = transferRef
	p.TransferDate = timePtr(now)
	p.Notes.Append(now, models.ActorTransfer, fmt.Sprintf("transferred %d to seller on attempt %d (%s)", p.SellerAmount, p.TransferAttempts, transferRef))
	return nil
}

// DeferTransfer keeps the payment retryable and pushes the schedule forward
func DeferTransfer(p *models.Payment, now time.Time, cooldown time.Duration, reason string) {
	p.ScheduledTransferDate = timePtr(now.Add(cooldown))
	p.Notes.Append(now, models.ActorTransfer, fmt.Sprintf("transfer attempt %d failed: %s; retry at %s",
		p.TransferAttempts, reason, now.Add(cooldown).UTC().Format(time.RFC3339)))
}

// MarkTransferFailed gives up on paying out the seller
func MarkTransferFailed(p *models.Payment, now time.Time, reason string) error {
	if !p.IsCaptured() {
		return fmt.Errorf("%w: payment %d", ErrNotCaptured, p.ID)
	}
	if err := move(p, models.PaymentStatusFailed); err != nil {
		return err
	}
	p.Notes.Append(now, models.ActorTransfer, fmt.Sprintf("transfer failed permanently after %d attempts: %s", p.TransferAttempts, reason))
	return nil
}

// ReleaseManualTransfer makes a manually triggered payment due now
func ReleaseManualTransfer(p *models.Payment, now time.Time, actor string) error {
	if !p.AwaitingTransfer() {
		return fmt.Errorf("%w: %s payment %d is not awaiting transfer", ErrInvalidTransition, p.Status, p.ID)
	}
	p.TransferTrigger = models.TransferTriggerTimeBased
	p.ScheduledTransferDate = timePtr(now)
	p.Notes.Append(now, actor, "transfer released")
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
