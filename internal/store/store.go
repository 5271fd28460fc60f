package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/001_init.sql
var initSchema string

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Repository is the ledger's persistence contract. A Store outside a
// transaction and the Store handed to WithinTx both satisfy it.
type Repository interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
	ListPaymentsDueForTransfer(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.Payment, error)
	ListPaymentsDueForRefund(ctx context.Context, now time.Time, limit int) ([]models.Payment, error)

	GetListing(ctx context.Context, id int64) (*models.Listing, error)
	GetSellerAccount(ctx context.Context, sellerID int64) (*models.SellerAccount, error)

	GetAuction(ctx context.Context, id int64) (*models.Auction, error)
	ListAuctionsDueForSettlement(ctx context.Context, now time.Time, limit int) ([]models.Auction, error)
	UpdateAuctionSettlement(ctx context.Context, a *models.Auction) error
	ListBidsForAuction(ctx context.Context, auctionID int64) ([]models.AuctionBid, error)

	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, id int64) (*models.Dispute, error)
	GetDisputeByPayment(ctx context.Context, paymentID int64) (*models.Dispute, error)
	UpdateDispute(ctx context.Context, d *models.Dispute) error
}

type Store struct {
	db   *sqlx.DB
	ext  sqlx.ExtContext
	inTx bool
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, ext: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside one database transaction: commit on nil, rollback on
// error or panic. Rows read through the transactional repository are locked.
func (s *Store) WithinTx(ctx context.Context, fn func(repo Repository) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Store{db: s.db, ext: tx, inTx: true}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockClause row-locks reads made inside a transaction
func (s *Store) lockClause() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}
