package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"settlement-service/config"
	"settlement-service/internal/gateway"
	"settlement-service/internal/ledger"
	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const settlementWorker = "auction-settlement"

// ErrAuctionNotEnded is returned when settlement is requested early
var ErrAuctionNotEnded = errors.New("auction has not ended")

// SettlementProcessor resolves ended auctions to exactly one captured bid and
// captures fixed-price sales.
type SettlementProcessor struct {
	ledger   Ledger
	gateway  gateway.Gateway
	notifier Notifier
	events   EventPublisher
	clock    Clock
	cfg      config.SettlementConfig
	retry    RetryPolicy
	sleep    sleeper
	logger   *zap.Logger
}

// NewSettlementProcessor creates a new settlement processor
func NewSettlementProcessor(
	ledger Ledger,
	gw gateway.Gateway,
	notifier Notifier,
	events EventPublisher,
	clock Clock,
	cfg config.SettlementConfig,
) *SettlementProcessor {
	return &SettlementProcessor{
		ledger:   ledger,
		gateway:  gw,
		notifier: notifier,
		events:   events,
		clock:    clock,
		cfg:      cfg,
		retry:    RetryPolicy{MaxAttempts: cfg.MaxCaptureAttempts, Backoff: cfg.CaptureBackoff},
		sleep:    sleepContext,
		logger:   util.ComponentLogger(settlementWorker),
	}
}

// SettlementOutcome summarises one settlement pass over an auction
type SettlementOutcome struct {
	AuctionID        int64                `json:"auction_id"`
	Status           models.AuctionStatus `json:"status"`
	WinningBidID     *int64               `json:"winning_bid_id,omitempty"`
	WinningPaymentID *int64               `json:"winning_payment_id,omitempty"`
	FailedPayments   []int64              `json:"failed_payments,omitempty"`
	ReleasedPayments []int64              `json:"released_payments,omitempty"`
	AlreadySettled   bool                 `json:"already_settled"`
}

type bidCandidate struct {
	bid     models.AuctionBid
	payment *models.Payment
}

// Tick settles every auction whose end time has passed
func (sp *SettlementProcessor) Tick(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "SettlementProcessor.Tick")
	defer span.End()

	auctions, err := sp.ledger.ListAuctionsDueForSettlement(ctx, sp.clock.Now(), sp.cfg.BatchSize)
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to list auctions due for settlement: %w", err)
	}

	for _, auction := range auctions {
		if ctx.Err() != nil {
			return nil
		}
		auctionID := auction.ID
		_ = worker.RunUnit(settlementWorker, sp.logger.With(zap.Int64("auction_id", auctionID)), func() error {
			_, err := sp.SettleAuction(context.WithoutCancel(ctx), auctionID)
			return err
		})
	}
	return nil
}

// SettleAuction runs the bid waterfall for one auction. Running it again on a
// settled auction changes nothing.
func (sp *SettlementProcessor) SettleAuction(ctx context.Context, auctionID int64) (*SettlementOutcome, error) {
	ctx, span := util.StartSpan(ctx, "SettlementProcessor.SettleAuction", attribute.Int64("auction.id", auctionID))
	defer span.End()

	start := time.Now()
	logger := sp.logger.With(zap.Int64("auction_id", auctionID))

	auction, err := sp.ledger.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load auction %d: %w", auctionID, err)
	}

	outcome := &SettlementOutcome{AuctionID: auctionID, Status: auction.Status, WinningBidID: auction.WinningBidID}
	if auction.IsSettled() {
		outcome.AlreadySettled = true
		return outcome, nil
	}
	if sp.clock.Now().Before(auction.EndTime) {
		return nil, fmt.Errorf("%w: auction %d ends at %s", ErrAuctionNotEnded, auctionID, auction.EndTime.Format(time.RFC3339))
	}

	candidates, err := sp.loadCandidates(ctx, auctionID, logger)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	// A captured bid means an earlier pass already picked the winner.
	var winner *bidCandidate
	for i := range candidates {
		if candidates[i].payment.IsCaptured() {
			winner = &candidates[i]
			logger.Info("Resuming settlement with captured bid", zap.Int64("bid_id", winner.bid.ID))
			break
		}
	}

	if winner == nil {
		for i := range candidates {
			c := &candidates[i]
			if !c.payment.Authorized() {
				continue
			}

			captured, _, err := sp.capturePayment(ctx, c.payment, logger)
			if err != nil {
				util.RecordError(span, err)
				return nil, err
			}
			if captured {
				winner = c
				break
			}
			outcome.FailedPayments = append(outcome.FailedPayments, c.payment.ID)
			sp.notifier.Notify(ctx, []int64{c.bid.BidderID},
				fmt.Sprintf("Your winning bid on %q could not be charged", auction.Title),
				models.SubjectAuction, auctionID)
		}
	}

	released, err := sp.releaseHolds(ctx, auction, candidates, winner, logger)
	outcome.ReleasedPayments = released
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if winner != nil {
		err = sp.markSettled(ctx, auction, winner, len(candidates), logger)
	} else {
		err = sp.markNoSale(ctx, auction, len(candidates), logger)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	outcome.Status = auction.Status
	outcome.WinningBidID = auction.WinningBidID
	if winner != nil {
		paymentID := winner.payment.ID
		outcome.WinningPaymentID = &paymentID
	}

	util.AuctionSettlementLatency.Observe(time.Since(start).Seconds())
	logger.Info("Auction settled",
		zap.String("status", string(auction.Status)),
		zap.Int("bids", len(candidates)),
		zap.Int("failed", len(outcome.FailedPayments)),
		zap.Int("released", len(outcome.ReleasedPayments)))
	return outcome, nil
}

// loadCandidates returns the auction's bids, highest first, with their payments
func (sp *SettlementProcessor) loadCandidates(ctx context.Context, auctionID int64, logger *zap.Logger) ([]bidCandidate, error) {
	bids, err := sp.ledger.ListBidsForAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids for auction %d: %w", auctionID, err)
	}

	candidates := make([]bidCandidate, 0, len(bids))
	for _, bid := range bids {
		if bid.PaymentID == nil {
			logger.Warn("Skipping bid without payment", zap.Int64("bid_id", bid.ID))
			continue
		}
		payment, err := sp.ledger.GetPayment(ctx, *bid.PaymentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load payment for bid %d: %w", bid.ID, err)
		}
		candidates = append(candidates, bidCandidate{bid: bid, payment: payment})
	}
	return candidates, nil
}

// capturePayment captures one authorization with bounded retry and commits the
// result immediately. It reports whether the payment ended up captured; the
// returned reason explains a failure. p is refreshed from the ledger.
func (sp *SettlementProcessor) capturePayment(ctx context.Context, p *models.Payment, logger *zap.Logger) (bool, string, error) {
	logger = logger.With(zap.Int64("payment_id", p.ID))

	var (
		result   gateway.Result
		attempts int
	)
	if !strings.EqualFold(p.Currency, sp.cfg.Currency) {
		result = gateway.Permanent(fmt.Errorf("currency %q is not settled here (want %q)", p.Currency, sp.cfg.Currency))
		logger.Warn("Refusing capture in foreign currency", zap.String("currency", p.Currency))
	} else {
		result, attempts = callWithRetry(ctx, sp.retry, sp.sleep, func(attempt int) gateway.Result {
			r := sp.gateway.Capture(ctx, p.AuthorizationRef, captureKey(p.ID))
			util.CaptureAttemptsTotal.WithLabelValues(r.Outcome.String()).Inc()
			if !r.OK() {
				logger.Warn("Capture attempt failed", zap.Int("attempt", attempt), zap.String("outcome", r.Outcome.String()), zap.Error(r.Err))
			}
			return r
		})
	}

	now := sp.clock.Now()

	if result.OK() {
		err := sp.ledger.WithinTx(ctx, func(repo store.Repository) error {
			fresh, err := repo.GetPayment(ctx, p.ID)
			if err != nil {
				return err
			}
			if !fresh.IsCaptured() {
				// A row without its own rate uses the platform default.
				pct := sp.cfg.PlatformFeePercentage
				if fresh.PlatformFeePercentage != nil {
					pct = *fresh.PlatformFeePercentage
				}
				if err := ledger.ApplyFee(fresh, pct); err != nil {
					return err
				}
				if err := ledger.MarkCaptured(fresh, result.Ref, now, sp.cfg.TransferDelay); err != nil {
					return err
				}
				if err := repo.UpdatePayment(ctx, fresh); err != nil {
					return err
				}
			}
			*p = *fresh
			return nil
		})
		if err != nil {
			return false, "", fmt.Errorf("failed to record capture of payment %d: %w", p.ID, err)
		}

		logger.Info("Payment captured", zap.String("charge_ref", p.ChargeRef), zap.Int("attempts", attempts))
		sp.publishPayment(ctx, models.EventTypePaymentCaptured, p, "", logger)
		return true, "", nil
	}

	// Exhausted retries come back permanent; a transient result means the
	// wait was interrupted and the hold must stay untouched.
	if result.Outcome == gateway.OutcomeTransient {
		return false, "", fmt.Errorf("capture of payment %d interrupted: %w", p.ID, ctx.Err())
	}

	reason := fmt.Sprintf("%s after %d attempt(s)", result.Reason(), attempts)
	if cancel := sp.gateway.CancelAuthorization(ctx, p.AuthorizationRef); !cancel.OK() {
		reason += "; hold release failed: " + cancel.Reason()
	}

	err := sp.ledger.WithinTx(ctx, func(repo store.Repository) error {
		fresh, err := repo.GetPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if fresh.Authorized() {
			if err := ledger.MarkCaptureFailed(fresh, now, reason); err != nil {
				return err
			}
			if err := repo.UpdatePayment(ctx, fresh); err != nil {
				return err
			}
		}
		*p = *fresh
		return nil
	})
	if err != nil {
		return false, reason, fmt.Errorf("failed to record capture failure of payment %d: %w", p.ID, err)
	}

	logger.Warn("Capture failed", zap.String("reason", reason))
	sp.publishPayment(ctx, models.EventTypePaymentFailed, p, reason, logger)
	return false, reason, nil
}

// releaseHolds cancels every live authorization except the winner's. A failed
// cancel is noted on the payment and left for reconciliation.
func (sp *SettlementProcessor) releaseHolds(ctx context.Context, auction *models.Auction, candidates []bidCandidate, winner *bidCandidate, logger *zap.Logger) ([]int64, error) {
	var released []int64

	for i := range candidates {
		c := &candidates[i]
		if winner != nil && c.payment.ID == winner.payment.ID {
			continue
		}
		if !c.payment.Authorized() {
			continue
		}

		result, _ := callWithRetry(ctx, sp.retry, sp.sleep, func(int) gateway.Result {
			return sp.gateway.CancelAuthorization(ctx, c.payment.AuthorizationRef)
		})

		release := "hold released"
		if result.OK() {
			util.HoldsReleasedTotal.WithLabelValues("released").Inc()
		} else {
			util.HoldsReleasedTotal.WithLabelValues("failed").Inc()
			release = fmt.Sprintf("hold release failed (%s), manual release required", result.Reason())
			logger.Warn("Failed to release hold",
				zap.Int64("payment_id", c.payment.ID),
				zap.String("authorization_ref", c.payment.AuthorizationRef),
				zap.Error(result.Err))
		}

		note := "auction ended without a sale, " + release
		if winner != nil {
			note = fmt.Sprintf("outbid by bid %d, %s", winner.bid.ID, release)
		}

		now := sp.clock.Now()
		err := sp.ledger.WithinTx(ctx, func(repo store.Repository) error {
			fresh, err := repo.GetPayment(ctx, c.payment.ID)
			if err != nil {
				return err
			}
			if fresh.Authorized() {
				if err := ledger.MarkOutbid(fresh, now, note); err != nil {
					return err
				}
				if err := repo.UpdatePayment(ctx, fresh); err != nil {
					return err
				}
			}
			*c.payment = *fresh
			return nil
		})
		if err != nil {
			return released, fmt.Errorf("failed to record released hold of payment %d: %w", c.payment.ID, err)
		}

		released = append(released, c.payment.ID)
		sp.publishPayment(ctx, models.EventTypePaymentOutbid, c.payment, note, logger)
		if winner != nil {
			sp.notifier.Notify(ctx, []int64{c.bid.BidderID},
				fmt.Sprintf("You were outbid on %q; your card hold has been released", auction.Title),
				models.SubjectAuction, auction.ID)
		}
	}
	return released, nil
}

func (sp *SettlementProcessor) markSettled(ctx context.Context, auction *models.Auction, winner *bidCandidate, bidCount int, logger *zap.Logger) error {
	now := sp.clock.Now()
	bidID := winner.bid.ID

	err := sp.ledger.WithinTx(ctx, func(repo store.Repository) error {
		current, err := repo.GetAuction(ctx, auction.ID)
		if err != nil {
			return err
		}
		if current.IsSettled() {
			*auction = *current
			return nil
		}
		current.Status = models.AuctionStatusSettled
		current.WinningBidID = &bidID
		current.SettledAt = &now
		if err := repo.UpdateAuctionSettlement(ctx, current); err != nil {
			return err
		}
		*auction = *current
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark auction %d settled: %w", auction.ID, err)
	}

	util.AuctionsSettledTotal.WithLabelValues("sold").Inc()

	winnerID := winner.bid.BidderID
	event := &models.AuctionSettledEvent{
		BaseEvent:    models.NewBaseEvent(models.EventTypeAuctionSettled, now),
		AuctionID:    auction.ID,
		WinningBidID: &bidID,
		WinnerID:     &winnerID,
		Amount:       winner.payment.TotalAmount,
		BidCount:     bidCount,
	}
	if err := sp.events.PublishAuctionSettled(ctx, event); err != nil {
		logger.Warn("Failed to publish auction settlement", zap.Error(err))
	}

	amount := formatAmount(winner.payment.TotalAmount, winner.payment.Currency)
	sp.notifier.Notify(ctx, []int64{winnerID},
		fmt.Sprintf("You won %q for %s", auction.Title, amount),
		models.SubjectAuction, auction.ID)
	sp.notifier.Notify(ctx, []int64{auction.SellerID},
		fmt.Sprintf("%q sold for %s", auction.Title, amount),
		models.SubjectAuction, auction.ID)
	return nil
}

func (sp *SettlementProcessor) markNoSale(ctx context.Context, auction *models.Auction, bidCount int, logger *zap.Logger) error {
	now := sp.clock.Now()

	err := sp.ledger.WithinTx(ctx, func(repo store.Repository) error {
		current, err := repo.GetAuction(ctx, auction.ID)
		if err != nil {
			return err
		}
		if current.IsSettled() {
			*auction = *current
			return nil
		}
		current.Status = models.AuctionStatusSettledNoSale
		current.SettledAt = &now
		if err := repo.UpdateAuctionSettlement(ctx, current); err != nil {
			return err
		}
		*auction = *current
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark auction %d settled without sale: %w", auction.ID, err)
	}

	util.AuctionsSettledTotal.WithLabelValues("no_sale").Inc()

	event := &models.AuctionSettledEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeAuctionNoSale, now),
		AuctionID: auction.ID,
		BidCount:  bidCount,
	}
	if err := sp.events.PublishAuctionSettled(ctx, event); err != nil {
		logger.Warn("Failed to publish auction settlement", zap.Error(err))
	}

	sp.notifier.Notify(ctx, []int64{auction.SellerID},
		fmt.Sprintf("%q ended without a sale", auction.Title),
		models.SubjectAuction, auction.ID)
	return nil
}

// CaptureSale captures the authorization of a fixed-price sale and schedules
// the seller payout. Capturing an already captured sale returns it unchanged.
func (sp *SettlementProcessor) CaptureSale(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "SettlementProcessor.CaptureSale", attribute.Int64("payment.id", paymentID))
	defer span.End()

	logger := sp.logger.With(zap.Int64("payment_id", paymentID))

	payment, err := sp.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %d: %w", paymentID, err)
	}
	listing, err := sp.ledger.GetListing(ctx, payment.ListingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load listing %d: %w", payment.ListingID, err)
	}

	switch listing.Kind {
	case models.ListingKindAuction:
		return nil, ErrAuctionPayment
	case models.ListingKindProduct:
	default:
		return nil, fmt.Errorf("%w: unknown listing kind %q", ErrPaymentNotEligible, listing.Kind)
	}

	if payment.IsCaptured() {
		return payment, nil
	}
	if !payment.Authorized() {
		return nil, fmt.Errorf("%w: payment %d is %s", ErrPaymentNotEligible, paymentID, payment.Status)
	}

	captured, reason, err := sp.capturePayment(ctx, payment, logger)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !captured {
		sp.notifier.Notify(ctx, []int64{payment.BuyerID},
			fmt.Sprintf("Your payment for %q could not be completed", listing.Title),
			models.SubjectPayment, payment.ID)
		return payment, fmt.Errorf("%w: %s", ErrCaptureFailed, reason)
	}

	amount := formatAmount(payment.TotalAmount, payment.Currency)
	sp.notifier.Notify(ctx, []int64{payment.BuyerID},
		fmt.Sprintf("Your payment of %s for %q is complete", amount, listing.Title),
		models.SubjectPayment, payment.ID)
	sp.notifier.Notify(ctx, []int64{payment.SellerID},
		fmt.Sprintf("%q sold for %s", listing.Title, amount),
		models.SubjectPayment, payment.ID)
	return payment, nil
}

func (sp *SettlementProcessor) publishPayment(ctx context.Context, eventType string, p *models.Payment, reason string, logger *zap.Logger) {
	if err := sp.events.PublishPaymentEvent(ctx, models.NewPaymentEvent(eventType, p, sp.clock.Now(), reason)); err != nil {
		logger.Warn("Failed to publish payment event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func captureKey(paymentID int64) string {
	return fmt.Sprintf("capture-payment-%d", paymentID)
}

// formatAmount renders minor units for user-facing messages
func formatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(currency))
}
