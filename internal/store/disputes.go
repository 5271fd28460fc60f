package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateDispute inserts a dispute
func (s *Store) CreateDispute(ctx context.Context, d *models.Dispute) error {
	query := `
		INSERT INTO disputes (payment_id, buyer_id, reason, description, status, evidence_photos)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, s.ext, d, query,
		d.PaymentID, d.BuyerID, d.Reason, d.Description, d.Status, d.EvidencePhotos)
}

// GetDispute retrieves a dispute by ID
func (s *Store) GetDispute(ctx context.Context, id int64) (*models.Dispute, error) {
	var dispute models.Dispute
	err := sqlx.GetContext(ctx, s.ext, &dispute,
		"SELECT * FROM disputes WHERE id = $1"+s.lockClause(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispute %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// GetDisputeByPayment returns the dispute raised on a payment in any status,
// or nil. A payment can be disputed once.
func (s *Store) GetDisputeByPayment(ctx context.Context, paymentID int64) (*models.Dispute, error) {
	var dispute models.Dispute
	err := sqlx.GetContext(ctx, s.ext, &dispute,
		"SELECT * FROM disputes WHERE payment_id = $1 ORDER BY id LIMIT 1",
		paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// UpdateDispute records a dispute resolution
func (s *Store) UpdateDispute(ctx context.Context, d *models.Dispute) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, refund_amount = $3,
			resolved_by = $4, resolution_note = $5, resolved_at = $6
		WHERE id = $7`,
		d.Status, d.Resolution, d.RefundAmount, d.ResolvedBy, d.ResolutionNote, d.ResolvedAt, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update dispute %d: %w", d.ID, err)
	}
	return expectOneRow(res, "dispute", d.ID)
}
