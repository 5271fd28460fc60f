// Package gateway is the boundary to the card processor. Calls return a Result
// whose Outcome drives retry decisions; callers never inspect error types.
package gateway

import (
	"context"
	"fmt"
)

// Outcome classifies a gateway call
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the outcome of one processor call. Ref is the processor object id
// on success.
type Result struct {
	Ref     string
	Outcome Outcome
	Err     error
}

// OK reports a successful call
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Reason renders the failure for audit notes
func (r Result) Reason() string {
	if r.Err == nil {
		return r.Outcome.String()
	}
	return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
}

// Success builds an OK result
func Success(ref string) Result {
	return Result{Ref: ref, Outcome: OutcomeOK}
}

// Transient builds a retryable failure
func Transient(err error) Result {
	return Result{Outcome: OutcomeTransient, Err: err}
}

// Permanent builds a non-retryable failure
func Permanent(err error) Result {
	return Result{Outcome: OutcomePermanent, Err: err}
}

// AuthorizeRequest places a hold on the buyer's card
type AuthorizeRequest struct {
	Amount         int64
	Currency       string
	PaymentMethod  string
	Metadata       map[string]string
	IdempotencyKey string
}

// TransferRequest moves captured funds to a seller account
type TransferRequest struct {
	Amount             int64
	Currency           string
	DestinationAccount string
	Metadata           map[string]string
	IdempotencyKey     string
}

// RefundRequest returns money to the buyer. A zero Amount refunds the charge in full.
type RefundRequest struct {
	ChargeRef      string
	Amount         int64
	Metadata       map[string]string
	IdempotencyKey string
}

// Gateway is the processor contract consumed by the settlement core
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) Result
	Capture(ctx context.Context, authorizationRef, idempotencyKey string) Result
	CancelAuthorization(ctx context.Context, authorizationRef string) Result
	Transfer(ctx context.Context, req TransferRequest) Result
	Refund(ctx context.Context, req RefundRequest) Result
}
