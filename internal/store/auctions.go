package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const auctionColumns = `a.id, a.listing_id, a.seller_id, l.title, a.end_time, a.status, a.winning_bid_id, a.settled_at`

// GetAuction retrieves an auction with its listing title
func (s *Store) GetAuction(ctx context.Context, id int64) (*models.Auction, error) {
	lock := ""
	if s.inTx {
		lock = " FOR UPDATE OF a"
	}

	var auction models.Auction
	err := sqlx.GetContext(ctx, s.ext, &auction,
		"SELECT "+auctionColumns+" FROM auctions a JOIN listings l ON l.id = a.listing_id WHERE a.id = $1"+lock, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &auction, nil
}

// ListAuctionsDueForSettlement returns open auctions whose end time has passed
func (s *Store) ListAuctionsDueForSettlement(ctx context.Context, now time.Time, limit int) ([]models.Auction, error) {
	var auctions []models.Auction
	err := sqlx.SelectContext(ctx, s.ext, &auctions, `
		SELECT `+auctionColumns+`
		FROM auctions a JOIN listings l ON l.id = a.listing_id
		WHERE a.status = $1 AND a.end_time <= $2
		ORDER BY a.end_time, a.id
		LIMIT $3`,
		models.AuctionStatusOpen, now, limit)
	return auctions, err
}

// UpdateAuctionSettlement records the settlement outcome. Only an OPEN auction
// can be settled, so a second writer affects no rows.
func (s *Store) UpdateAuctionSettlement(ctx context.Context, a *models.Auction) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE auctions SET status = $1, winning_bid_id = $2, settled_at = $3
		WHERE id = $4 AND status = $5`,
		a.Status, a.WinningBidID, a.SettledAt, a.ID, models.AuctionStatusOpen)
	if err != nil {
		return fmt.Errorf("failed to settle auction %d: %w", a.ID, err)
	}
	return expectOneRow(res, "open auction", a.ID)
}

// ListBidsForAuction returns bids ranked by amount, earliest bid first on ties
func (s *Store) ListBidsForAuction(ctx context.Context, auctionID int64) ([]models.AuctionBid, error) {
	var bids []models.AuctionBid
	err := sqlx.SelectContext(ctx, s.ext, &bids, `
		SELECT id, auction_id, bidder_id, amount, bid_time, payment_id
		FROM auction_bids
		WHERE auction_id = $1
		ORDER BY amount DESC, bid_time ASC, id ASC`, auctionID)
	return bids, err
}
