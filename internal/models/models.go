package models

import (
	"time"
)

// PaymentStatus is the ledger state of a payment
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending                PaymentStatus = "PENDING"
	PaymentStatusDisputed               PaymentStatus = "DISPUTED"
	PaymentStatusRefundScheduled        PaymentStatus = "REFUND_SCHEDULED"
	PaymentStatusPartialRefundScheduled PaymentStatus = "PARTIAL_REFUND_SCHEDULED"
	PaymentStatusRefunded               PaymentStatus = "REFUNDED"
	PaymentStatusOutbid                 PaymentStatus = "OUTBID"
	PaymentStatusTransferred            PaymentStatus = "TRANSFERRED"
	PaymentStatusFailed                 PaymentStatus = "FAILED"
)

// TransferTrigger decides what releases funds to the seller
type TransferTrigger string

const (
	TransferTriggerTimeBased TransferTrigger = "TIME_BASED"
	TransferTriggerManual    TransferTrigger = "MANUAL"
)

// Payment is one economic transaction: a product sale or a bid hold.
// Amounts are minor units of the settlement currency.
type Payment struct {
	ID                    int64           `db:"id" json:"id"`
	AuthorizationRef      string          `db:"authorization_ref" json:"-"`
	ChargeRef             string          `db:"charge_ref" json:"-"`
	TransferRef           string          `db:"transfer_ref" json:"-"`
	RefundRef             string          `db:"refund_ref" json:"-"`
	TotalAmount           int64           `db:"total_amount" json:"total_amount"`
	PlatformFeePercentage *float64        `db:"platform_fee_percentage" json:"platform_fee_percentage"`
	PlatformFeeAmount     int64           `db:"platform_fee_amount" json:"platform_fee_amount"`
	RefundAmount          int64           `db:"refund_amount" json:"refund_amount"`
	SellerAmount          int64           `db:"seller_amount" json:"seller_amount"`
	Currency              string          `db:"currency" json:"currency"`
	ListingID             int64           `db:"listing_id" json:"listing_id"`
	ListingKind           ListingKind     `db:"listing_kind" json:"listing_kind"`
	BuyerID               int64           `db:"buyer_id" json:"buyer_id"`
	SellerID              int64           `db:"seller_id" json:"seller_id"`
	Status                PaymentStatus   `db:"status" json:"status"`
	TransferAttempts      int             `db:"transfer_attempts" json:"-"`
	RefundAttempts        int             `db:"refund_attempts" json:"-"`
	TransferTrigger       TransferTrigger `db:"transfer_trigger" json:"transfer_trigger"`
	ChargeDate            *time.Time      `db:"charge_date" json:"charge_date,omitempty"`
	TransferDate          *time.Time      `db:"transfer_date" json:"transfer_date,omitempty"`
	ScheduledTransferDate *time.Time      `db:"scheduled_transfer_date" json:"scheduled_transfer_date,omitempty"`
	RefundDate            *time.Time      `db:"refund_date" json:"refund_date,omitempty"`
	ScheduledRefundDate   *time.Time      `db:"scheduled_refund_date" json:"scheduled_refund_date,omitempty"`
	Notes                 AuditLog        `db:"notes" json:"-"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// IsCaptured reports whether the authorization has been converted into a charge
func (p *Payment) IsCaptured() bool {
	return p.ChargeRef != ""
}

// AwaitingTransfer reports whether the payment is charged and waiting for payout
func (p *Payment) AwaitingTransfer() bool {
	return p.Status == PaymentStatusPending && p.IsCaptured()
}

// Authorized reports whether the payment is a live, uncaptured hold
func (p *Payment) Authorized() bool {
	return p.Status == PaymentStatusPending && !p.IsCaptured()
}

// ListingKind tags the listing variant a payment belongs to
type ListingKind string

const (
	ListingKindProduct ListingKind = "PRODUCT"
	ListingKindAuction ListingKind = "AUCTION"
)

// Listing is the read-only view of a marketplace listing
type Listing struct {
	ID       int64       `db:"id" json:"id"`
	Kind     ListingKind `db:"kind" json:"kind"`
	SellerID int64       `db:"seller_id" json:"seller_id"`
	Title    string      `db:"title" json:"title"`
	Price    int64       `db:"price" json:"price"`
}

// AuctionStatus is the settlement state of an auction
type AuctionStatus string

const (
	AuctionStatusOpen          AuctionStatus = "OPEN"
	AuctionStatusSettled       AuctionStatus = "SETTLED"
	AuctionStatusSettledNoSale AuctionStatus = "SETTLED_NO_SALE"
)

// Auction carries the auction-specific part of an AUCTION listing
type Auction struct {
	ID           int64         `db:"id" json:"id"`
	ListingID    int64         `db:"listing_id" json:"listing_id"`
	SellerID     int64         `db:"seller_id" json:"seller_id"`
	Title        string        `db:"title" json:"title"`
	EndTime      time.Time     `db:"end_time" json:"end_time"`
	Status       AuctionStatus `db:"status" json:"status"`
	WinningBidID *int64        `db:"winning_bid_id" json:"winning_bid_id,omitempty"`
	SettledAt    *time.Time    `db:"settled_at" json:"settled_at,omitempty"`
}

// IsSettled reports whether settlement already ran to completion
func (a *Auction) IsSettled() bool {
	return a.Status != AuctionStatusOpen
}

// AuctionBid is one bid; its payment holds a separate authorization
type AuctionBid struct {
	ID        int64     `db:"id" json:"id"`
	AuctionID int64     `db:"auction_id" json:"auction_id"`
	BidderID  int64     `db:"bidder_id" json:"bidder_id"`
	Amount    int64     `db:"amount" json:"amount"`
	BidTime   time.Time `db:"bid_time" json:"bid_time"`
	PaymentID *int64    `db:"payment_id" json:"payment_id,omitempty"`
}

// DisputeStatus is the lifecycle state of a dispute
type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "OPEN"
	DisputeStatusResolved DisputeStatus = "RESOLVED"
)

// DisputeResolution is the admin decision on a dispute
type DisputeResolution string

const (
	DisputeResolutionRefundBuyer   DisputeResolution = "REFUND_BUYER"
	DisputeResolutionDeclined      DisputeResolution = "DECLINED"
	DisputeResolutionPartialRefund DisputeResolution = "PARTIAL_REFUND"
)

// Dispute is a buyer-raised dispute against exactly one payment
type Dispute struct {
	ID             int64              `db:"id" json:"id"`
	PaymentID      int64              `db:"payment_id" json:"payment_id"`
	BuyerID        int64              `db:"buyer_id" json:"buyer_id"`
	Reason         string             `db:"reason" json:"reason"`
	Description    string             `db:"description" json:"description"`
	Status         DisputeStatus      `db:"status" json:"status"`
	Resolution     *DisputeResolution `db:"resolution" json:"resolution,omitempty"`
	RefundAmount   *int64             `db:"refund_amount" json:"refund_amount,omitempty"`
	ResolvedBy     *int64             `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNote string             `db:"resolution_note" json:"resolution_note,omitempty"`
	EvidencePhotos StringList         `db:"evidence_photos" json:"evidence_photos"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	ResolvedAt     *time.Time         `db:"resolved_at" json:"resolved_at,omitempty"`
}

// SellerAccount maps a seller to the processor account receiving transfers
type SellerAccount struct {
	SellerID        int64  `db:"seller_id" json:"seller_id"`
	StripeAccountID string `db:"stripe_account_id" json:"stripe_account_id"`
}
