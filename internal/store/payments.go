package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreatePayment inserts a payment record
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	query, args, err := s.ext.BindNamed(`
		INSERT INTO payments (
			authorization_ref, charge_ref, total_amount, platform_fee_percentage,
			platform_fee_amount, refund_amount, seller_amount, currency, listing_id,
			listing_kind, buyer_id, seller_id, status, transfer_trigger, notes)
		VALUES (
			:authorization_ref, :charge_ref, :total_amount, :platform_fee_percentage,
			:platform_fee_amount, :refund_amount, :seller_amount, :currency, :listing_id,
			:listing_kind, :buyer_id, :seller_id, :status, :transfer_trigger, :notes)
		RETURNING id, created_at, updated_at`, p)
	if err != nil {
		return fmt.Errorf("failed to bind payment insert: %w", err)
	}

	return sqlx.GetContext(ctx, s.ext, p, query, args...)
}

// GetPayment retrieves a payment by ID
func (s *Store) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, s.ext, &payment,
		"SELECT * FROM payments WHERE id = $1"+s.lockClause(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePayment writes every mutable ledger field of a payment
func (s *Store) UpdatePayment(ctx context.Context, p *models.Payment) error {
	res, err := sqlx.NamedExecContext(ctx, s.ext, `
		UPDATE payments SET
			charge_ref = :charge_ref,
			transfer_ref = :transfer_ref,
			refund_ref = :refund_ref,
			platform_fee_percentage = :platform_fee_percentage,
			platform_fee_amount = :platform_fee_amount,
			refund_amount = :refund_amount,
			seller_amount = :seller_amount,
			status = :status,
			transfer_attempts = :transfer_attempts,
			refund_attempts = :refund_attempts,
			transfer_trigger = :transfer_trigger,
			charge_date = :charge_date,
			transfer_date = :transfer_date,
			scheduled_transfer_date = :scheduled_transfer_date,
			refund_date = :refund_date,
			scheduled_refund_date = :scheduled_refund_date,
			notes = :notes,
			updated_at = NOW()
		WHERE id = :id`, p)
	if err != nil {
		return fmt.Errorf("failed to update payment %d: %w", p.ID, err)
	}
	return expectOneRow(res, "payment", p.ID)
}

// ListPaymentsDueForTransfer returns captured, time-triggered payments whose
// payout date has passed and that still have attempts left
func (s *Store) ListPaymentsDueForTransfer(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := sqlx.SelectContext(ctx, s.ext, &payments, `
		SELECT * FROM payments
		WHERE status = $1
		  AND charge_ref <> ''
		  AND transfer_trigger = $2
		  AND scheduled_transfer_date <= $3
		  AND transfer_attempts < $4
		ORDER BY scheduled_transfer_date, id
		LIMIT $5`,
		models.PaymentStatusPending, models.TransferTriggerTimeBased, now, maxAttempts, limit)
	return payments, err
}

// ListPaymentsDueForRefund returns payments with a scheduled refund that is due
func (s *Store) ListPaymentsDueForRefund(ctx context.Context, now time.Time, limit int) ([]models.Payment, error) {
	statuses := []string{
		string(models.PaymentStatusRefundScheduled),
		string(models.PaymentStatusPartialRefundScheduled),
	}

	var payments []models.Payment
	err := sqlx.SelectContext(ctx, s.ext, &payments, `
		SELECT * FROM payments
		WHERE status = ANY($1)
		  AND scheduled_refund_date <= $2
		ORDER BY scheduled_refund_date, id
		LIMIT $3`,
		pq.Array(statuses), now, limit)
	return payments, err
}

// GetListing retrieves a listing by ID
func (s *Store) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	var listing models.Listing
	err := sqlx.GetContext(ctx, s.ext, &listing,
		"SELECT id, kind, seller_id, title, price FROM listings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

// GetSellerAccount retrieves the payout account of a seller
func (s *Store) GetSellerAccount(ctx context.Context, sellerID int64) (*models.SellerAccount, error) {
	var account models.SellerAccount
	err := sqlx.GetContext(ctx, s.ext, &account,
		"SELECT seller_id, stripe_account_id FROM seller_accounts WHERE seller_id = $1", sellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("seller account %d: %w", sellerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func expectOneRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
	}
	return nil
}
