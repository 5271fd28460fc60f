package service

import (
	"errors"

	"settlement-service/internal/store"
)

var (
	ErrNotFound                  = store.ErrNotFound
	ErrDisputeWindowExpired      = errors.New("dispute window has expired")
	ErrDisputeExists             = errors.New("payment has already been disputed")
	ErrDisputeNotOpen            = errors.New("dispute is not open")
	ErrNotBuyer                  = errors.New("only the buyer can dispute this payment")
	ErrRefundExceedsSellerAmount = errors.New("refund amount exceeds seller amount")
	ErrInvalidRefundAmount       = errors.New("refund amount must be positive")
	ErrInvalidResolution         = errors.New("unknown dispute resolution")
	ErrReasonRequired            = errors.New("dispute reason is required")
	ErrPaymentNotEligible        = errors.New("payment is not eligible for this operation")
	ErrAuctionPayment            = errors.New("auction payments are captured by auction settlement")
	ErrCaptureFailed             = errors.New("capture failed")
)
