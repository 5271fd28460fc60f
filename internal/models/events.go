package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypePaymentCaptured   = "PAYMENT_CAPTURED"
	EventTypePaymentFailed     = "PAYMENT_FAILED"
	EventTypePaymentOutbid     = "PAYMENT_OUTBID"
	EventTypeAuctionSettled    = "AUCTION_SETTLED"
	EventTypeAuctionNoSale     = "AUCTION_SETTLED_NO_SALE"
	EventTypeTransferCompleted = "TRANSFER_COMPLETED"
	EventTypeTransferDeferred  = "TRANSFER_DEFERRED"
	EventTypeTransferFailed    = "TRANSFER_FAILED"
	EventTypeDisputeOpened     = "DISPUTE_OPENED"
	EventTypeDisputeResolved   = "DISPUTE_RESOLVED"
	EventTypeRefundCompleted   = "REFUND_COMPLETED"
	EventTypeNotification      = "NOTIFICATION"
	EventTypeDeliveryConfirmed = "DELIVERY_CONFIRMED"
)

// Notification subject kinds
const (
	SubjectPayment = "payment"
	SubjectAuction = "auction"
	SubjectDispute = "dispute"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string, at time.Time) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at.UTC(),
	}
}

// PaymentEvent is published after a ledger transition commits
type PaymentEvent struct {
	BaseEvent
	PaymentID    int64         `json:"payment_id"`
	Status       PaymentStatus `json:"status"`
	Amount       int64         `json:"amount"`
	SellerAmount int64         `json:"seller_amount"`
	Reason       string        `json:"reason,omitempty"`
}

// NewPaymentEvent snapshots a payment after a committed transition
func NewPaymentEvent(eventType string, p *Payment, at time.Time, reason string) *PaymentEvent {
	return &PaymentEvent{
		BaseEvent:    NewBaseEvent(eventType, at),
		PaymentID:    p.ID,
		Status:       p.Status,
		Amount:       p.TotalAmount,
		SellerAmount: p.SellerAmount,
		Reason:       reason,
	}
}

// AuctionSettledEvent is published once an auction has a final outcome
type AuctionSettledEvent struct {
	BaseEvent
	AuctionID    int64  `json:"auction_id"`
	WinningBidID *int64 `json:"winning_bid_id,omitempty"`
	WinnerID     *int64 `json:"winner_id,omitempty"`
	Amount       int64  `json:"amount"`
	BidCount     int    `json:"bid_count"`
}

// DisputeEvent is published when a dispute is opened or resolved
type DisputeEvent struct {
	BaseEvent
	DisputeID    int64              `json:"dispute_id"`
	PaymentID    int64              `json:"payment_id"`
	Resolution   *DisputeResolution `json:"resolution,omitempty"`
	RefundAmount *int64             `json:"refund_amount,omitempty"`
}

// NotificationEvent is handed to the delivery subsystem
type NotificationEvent struct {
	BaseEvent
	UserIDs     []int64 `json:"user_ids"`
	Message     string  `json:"message"`
	SubjectKind string  `json:"subject_kind"`
	SubjectID   int64   `json:"subject_id"`
}

// DeliveryConfirmedEvent is consumed from the marketplace once the buyer
// confirms receipt; it releases manually triggered payouts.
type DeliveryConfirmedEvent struct {
	BaseEvent
	PaymentID int64 `json:"payment_id"`
	BuyerID   int64 `json:"buyer_id"`
}
