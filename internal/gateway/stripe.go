package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"settlement-service/internal/util"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// StripeGateway implements Gateway with payment intents in manual capture mode,
// Connect transfers and refunds.
type StripeGateway struct {
	api    *client.API
	logger *zap.Logger
}

// NewStripeGateway creates a gateway using the default Stripe backends
func NewStripeGateway(secretKey string) *StripeGateway {
	return NewStripeGatewayWithBackends(secretKey, nil)
}

// NewStripeGatewayWithBackends lets callers point the client at another API host
func NewStripeGatewayWithBackends(secretKey string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		api:    client.New(secretKey, backends),
		logger: util.GetLogger(),
	}
}

// Authorize creates and confirms a payment intent without capturing it
func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) Result {
	ctx, span := util.StartSpan(ctx, "StripeGateway.Authorize")
	defer span.End()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethod),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
	}
	prepare(ctx, &params.Params, req.Metadata, req.IdempotencyKey)

	return g.observe("authorize", func() Result {
		pi, err := g.api.PaymentIntents.New(params)
		if err != nil {
			return classify(err)
		}
		return Success(pi.ID)
	})
}

// Capture converts a held payment intent into a charge. The returned ref is the
// charge id when Stripe reports one, the payment intent id otherwise.
func (g *StripeGateway) Capture(ctx context.Context, authorizationRef, idempotencyKey string) Result {
	ctx, span := util.StartSpan(ctx, "StripeGateway.Capture")
	defer span.End()

	params := &stripe.PaymentIntentCaptureParams{}
	prepare(ctx, &params.Params, nil, idempotencyKey)

	return g.observe("capture", func() Result {
		pi, err := g.api.PaymentIntents.Capture(authorizationRef, params)
		if err != nil {
			return classify(err)
		}
		if pi.Charges != nil && len(pi.Charges.Data) > 0 && pi.Charges.Data[0] != nil {
			return Success(pi.Charges.Data[0].ID)
		}
		return Success(pi.ID)
	})
}

// CancelAuthorization releases a hold
func (g *StripeGateway) CancelAuthorization(ctx context.Context, authorizationRef string) Result {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CancelAuthorization")
	defer span.End()

	params := &stripe.PaymentIntentCancelParams{}
	prepare(ctx, &params.Params, nil, "")

	return g.observe("cancel", func() Result {
		pi, err := g.api.PaymentIntents.Cancel(authorizationRef, params)
		if err != nil {
			return classify(err)
		}
		return Success(pi.ID)
	})
}

// Transfer pays a connected seller account
func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) Result {
	ctx, span := util.StartSpan(ctx, "StripeGateway.Transfer")
	defer span.End()

	if req.DestinationAccount == "" {
		return Permanent(errors.New("missing destination account"))
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.DestinationAccount),
	}
	prepare(ctx, &params.Params, req.Metadata, req.IdempotencyKey)

	return g.observe("transfer", func() Result {
		tr, err := g.api.Transfers.New(params)
		if err != nil {
			return classify(err)
		}
		return Success(tr.ID)
	})
}

// Refund returns funds for a charge or payment intent
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) Result {
	ctx, span := util.StartSpan(ctx, "StripeGateway.Refund")
	defer span.End()

	params := &stripe.RefundParams{}
	if strings.HasPrefix(req.ChargeRef, "pi_") {
		params.PaymentIntent = stripe.String(req.ChargeRef)
	} else {
		params.Charge = stripe.String(req.ChargeRef)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	prepare(ctx, &params.Params, req.Metadata, req.IdempotencyKey)

	return g.observe("refund", func() Result {
		re, err := g.api.Refunds.New(params)
		if err != nil {
			return classify(err)
		}
		return Success(re.ID)
	})
}

func (g *StripeGateway) observe(op string, call func() Result) Result {
	start := time.Now()
	res := call()
	util.GatewayLatency.WithLabelValues(op, res.Outcome.String()).Observe(time.Since(start).Seconds())
	if !res.OK() {
		g.logger.Warn("Gateway call failed",
			zap.String("op", op),
			zap.String("outcome", res.Outcome.String()),
			zap.Error(res.Err))
	}
	return res
}

func prepare(ctx context.Context, params *stripe.Params, metadata map[string]string, idempotencyKey string) {
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
}

// classify maps a Stripe error onto an Outcome. Rate limits, Stripe-side
// failures and network errors are retryable; card and request errors are not.
func classify(err error) Result {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode == http.StatusConflict,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
			stripeErr.Type == stripe.ErrorTypeAPI,
			string(stripeErr.Code) == "lock_timeout":
			return Transient(fmt.Errorf("stripe %s: %s", stripeErr.Type, stripeErr.Msg))
		default:
			return Permanent(fmt.Errorf("stripe %s (%s): %s", stripeErr.Type, stripeErr.Code, stripeErr.Msg))
		}
	}

	// Anything without Stripe's error envelope never got an answer: network
	// errors, timeouts, cancelled contexts.
	return Transient(err)
}
