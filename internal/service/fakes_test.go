package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"settlement-service/config"
	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/store"
)

var testStart = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func testConfig() config.SettlementConfig {
	return config.SettlementConfig{
		Currency:              "usd",
		PlatformFeePercentage: 10,
		MaxCaptureAttempts:    3,
		CaptureBackoff:        2 * time.Second,
		TransferDelay:         72 * time.Hour,
		MaxTransferAttempts:   3,
		TransferCooldown:      time.Hour,
		MaxRefundAttempts:     3,
		RefundCooldown:        30 * time.Minute,
		DisputeWindow:         72 * time.Hour,
		DeclinedTransferDelay: 24 * time.Hour,
		BatchSize:             100,
	}
}

// fakeClock is a settable clock
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeLedger is an in-memory repository whose WithinTx rolls back on error
type fakeLedger struct {
	payments map[int64]*models.Payment
	listings map[int64]*models.Listing
	accounts map[int64]*models.SellerAccount
	auctions map[int64]*models.Auction
	bids     map[int64][]models.AuctionBid
	disputes map[int64]*models.Dispute
	nextID   int64

	updatePaymentErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		payments: map[int64]*models.Payment{},
		listings: map[int64]*models.Listing{},
		accounts: map[int64]*models.SellerAccount{},
		auctions: map[int64]*models.Auction{},
		bids:     map[int64][]models.AuctionBid{},
		disputes: map[int64]*models.Dispute{},
		nextID:   1000,
	}
}

func copyPayment(p *models.Payment) *models.Payment {
	cp := *p
	cp.Notes = append(models.AuditLog(nil), p.Notes...)
	return &cp
}

func copyDispute(d *models.Dispute) *models.Dispute {
	cp := *d
	cp.EvidencePhotos = append(models.StringList(nil), d.EvidencePhotos...)
	return &cp
}

func (l *fakeLedger) snapshot() *fakeLedger {
	s := newFakeLedger()
	s.nextID = l.nextID
	for id, p := range l.payments {
		s.payments[id] = copyPayment(p)
	}
	for id, a := range l.auctions {
		cp := *a
		s.auctions[id] = &cp
	}
	for id, d := range l.disputes {
		s.disputes[id] = copyDispute(d)
	}
	return s
}

func (l *fakeLedger) restore(s *fakeLedger) {
	l.payments = s.payments
	l.auctions = s.auctions
	l.disputes = s.disputes
	l.nextID = s.nextID
}

func (l *fakeLedger) WithinTx(ctx context.Context, fn func(repo store.Repository) error) error {
	saved := l.snapshot()
	if err := fn(l); err != nil {
		l.restore(saved)
		return err
	}
	return nil
}

func (l *fakeLedger) CreatePayment(_ context.Context, p *models.Payment) error {
	l.nextID++
	p.ID = l.nextID
	l.payments[p.ID] = copyPayment(p)
	return nil
}

func (l *fakeLedger) GetPayment(_ context.Context, id int64) (*models.Payment, error) {
	p, ok := l.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	return copyPayment(p), nil
}

func (l *fakeLedger) UpdatePayment(_ context.Context, p *models.Payment) error {
	if l.updatePaymentErr != nil {
		return l.updatePaymentErr
	}
	if _, ok := l.payments[p.ID]; !ok {
		return fmt.Errorf("payment %d: %w", p.ID, store.ErrNotFound)
	}
	l.payments[p.ID] = copyPayment(p)
	return nil
}

func (l *fakeLedger) ListPaymentsDueForTransfer(_ context.Context, now time.Time, maxAttempts, limit int) ([]models.Payment, error) {
	var due []models.Payment
	for _, p := range l.payments {
		if p.Status == models.PaymentStatusPending && p.IsCaptured() &&
			p.TransferTrigger == models.TransferTriggerTimeBased &&
			p.ScheduledTransferDate != nil && !p.ScheduledTransferDate.After(now) &&
			p.TransferAttempts < maxAttempts {
			due = append(due, *copyPayment(p))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledTransferDate.Equal(*due[j].ScheduledTransferDate) {
			return due[i].ScheduledTransferDate.Before(*due[j].ScheduledTransferDate)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (l *fakeLedger) ListPaymentsDueForRefund(_ context.Context, now time.Time, limit int) ([]models.Payment, error) {
	var due []models.Payment
	for _, p := range l.payments {
		if (p.Status == models.PaymentStatusRefundScheduled || p.Status == models.PaymentStatusPartialRefundScheduled) &&
			p.ScheduledRefundDate != nil && !p.ScheduledRefundDate.After(now) {
			due = append(due, *copyPayment(p))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (l *fakeLedger) GetListing(_ context.Context, id int64) (*models.Listing, error) {
	listing, ok := l.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, store.ErrNotFound)
	}
	cp := *listing
	return &cp, nil
}

func (l *fakeLedger) GetSellerAccount(_ context.Context, sellerID int64) (*models.SellerAccount, error) {
	account, ok := l.accounts[sellerID]
	if !ok {
		return nil, fmt.Errorf("seller account %d: %w", sellerID, store.ErrNotFound)
	}
	cp := *account
	return &cp, nil
}

func (l *fakeLedger) GetAuction(_ context.Context, id int64) (*models.Auction, error) {
	a, ok := l.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %d: %w", id, store.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (l *fakeLedger) ListAuctionsDueForSettlement(_ context.Context, now time.Time, limit int) ([]models.Auction, error) {
	var due []models.Auction
	for _, a := range l.auctions {
		if a.Status == models.AuctionStatusOpen && !a.EndTime.After(now) {
			due = append(due, *a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (l *fakeLedger) UpdateAuctionSettlement(_ context.Context, a *models.Auction) error {
	current, ok := l.auctions[a.ID]
	if !ok || current.Status != models.AuctionStatusOpen {
		return fmt.Errorf("open auction %d: %w", a.ID, store.ErrNotFound)
	}
	cp := *a
	l.auctions[a.ID] = &cp
	return nil
}

func (l *fakeLedger) ListBidsForAuction(_ context.Context, auctionID int64) ([]models.AuctionBid, error) {
	bids := append([]models.AuctionBid(nil), l.bids[auctionID]...)
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount > bids[j].Amount
		}
		if !bids[i].BidTime.Equal(bids[j].BidTime) {
			return bids[i].BidTime.Before(bids[j].BidTime)
		}
		return bids[i].ID < bids[j].ID
	})
	return bids, nil
}

func (l *fakeLedger) CreateDispute(_ context.Context, d *models.Dispute) error {
	for _, existing := range l.disputes {
		if existing.PaymentID == d.PaymentID && existing.Status == models.DisputeStatusOpen {
			return fmt.Errorf("duplicate open dispute for payment %d", d.PaymentID)
		}
	}
	l.nextID++
	d.ID = l.nextID
	d.CreatedAt = testStart
	l.disputes[d.ID] = copyDispute(d)
	return nil
}

func (l *fakeLedger) GetDispute(_ context.Context, id int64) (*models.Dispute, error) {
	d, ok := l.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %d: %w", id, store.ErrNotFound)
	}
	return copyDispute(d), nil
}

func (l *fakeLedger) GetDisputeByPayment(_ context.Context, paymentID int64) (*models.Dispute, error) {
	for _, d := range l.disputes {
		if d.PaymentID == paymentID {
			return copyDispute(d), nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) UpdateDispute(_ context.Context, d *models.Dispute) error {
	if _, ok := l.disputes[d.ID]; !ok {
		return fmt.Errorf("dispute %d: %w", d.ID, store.ErrNotFound)
	}
	l.disputes[d.ID] = copyDispute(d)
	return nil
}

// seedAuthorized stores an uncaptured payment
func (l *fakeLedger) seedAuthorized(listingID, buyerID, sellerID, amount int64, kind models.ListingKind) *models.Payment {
	l.nextID++
	p := &models.Payment{
		ID:               l.nextID,
		AuthorizationRef: fmt.Sprintf("pi_%d", l.nextID),
		TotalAmount:      amount,
		Currency:         "usd",
		ListingID:        listingID,
		ListingKind:      kind,
		BuyerID:          buyerID,
		SellerID:         sellerID,
		Status:           models.PaymentStatusPending,
		TransferTrigger:  models.TransferTriggerTimeBased,
	}
	l.payments[p.ID] = copyPayment(p)
	return p
}

// seedCaptured stores a payment awaiting transfer, charged at chargedAt
func (l *fakeLedger) seedCaptured(buyerID, sellerID, amount int64, chargedAt time.Time, transferAt time.Time) *models.Payment {
	p := l.seedAuthorized(1, buyerID, sellerID, amount, models.ListingKindProduct)
	p.ChargeRef = fmt.Sprintf("ch_%d", p.ID)
	fee := 10.0
	p.PlatformFeePercentage = &fee
	p.PlatformFeeAmount = amount / 10
	p.SellerAmount = amount - p.PlatformFeeAmount
	p.ChargeDate = &chargedAt
	p.ScheduledTransferDate = &transferAt
	l.payments[p.ID] = copyPayment(p)
	return p
}

func (l *fakeLedger) payment(id int64) *models.Payment {
	return l.payments[id]
}

// fakeGateway replays scripted results per reference and records every call
type fakeGateway struct {
	captures  map[string][]gateway.Result
	cancels   map[string]gateway.Result
	transfers map[string][]gateway.Result
	refunds   []gateway.Result

	captureCalls  []string
	captureKeys   []string
	cancelCalls   []string
	transferCalls []gateway.TransferRequest
	refundCalls   []gateway.RefundRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		captures:  map[string][]gateway.Result{},
		cancels:   map[string]gateway.Result{},
		transfers: map[string][]gateway.Result{},
	}
}

func pop(queue map[string][]gateway.Result, key string) (gateway.Result, bool) {
	results := queue[key]
	if len(results) == 0 {
		return gateway.Result{}, false
	}
	queue[key] = results[1:]
	return results[0], true
}

func (g *fakeGateway) Authorize(_ context.Context, req gateway.AuthorizeRequest) gateway.Result {
	return gateway.Success("pi_new")
}

func (g *fakeGateway) Capture(_ context.Context, authorizationRef, idempotencyKey string) gateway.Result {
	g.captureCalls = append(g.captureCalls, authorizationRef)
	g.captureKeys = append(g.captureKeys, idempotencyKey)
	if r, ok := pop(g.captures, authorizationRef); ok {
		return r
	}
	return gateway.Success("ch_" + authorizationRef)
}

func (g *fakeGateway) CancelAuthorization(_ context.Context, authorizationRef string) gateway.Result {
	g.cancelCalls = append(g.cancelCalls, authorizationRef)
	if r, ok := g.cancels[authorizationRef]; ok {
		return r
	}
	return gateway.Success(authorizationRef)
}

func (g *fakeGateway) Transfer(_ context.Context, req gateway.TransferRequest) gateway.Result {
	g.transferCalls = append(g.transferCalls, req)
	if r, ok := pop(g.transfers, req.DestinationAccount); ok {
		return r
	}
	return gateway.Success(fmt.Sprintf("tr_%d", len(g.transferCalls)))
}

func (g *fakeGateway) Refund(_ context.Context, req gateway.RefundRequest) gateway.Result {
	g.refundCalls = append(g.refundCalls, req)
	if len(g.refunds) > 0 {
		r := g.refunds[0]
		g.refunds = g.refunds[1:]
		return r
	}
	return gateway.Success(fmt.Sprintf("re_%d", len(g.refundCalls)))
}

type notification struct {
	UserIDs []int64
	Message string
	Kind    string
	Subject int64
}

type fakeNotifier struct {
	sent []notification
}

func (n *fakeNotifier) Notify(_ context.Context, userIDs []int64, message, subjectKind string, subjectID int64) {
	n.sent = append(n.sent, notification{UserIDs: userIDs, Message: message, Kind: subjectKind, Subject: subjectID})
}

func (n *fakeNotifier) to(userID int64) []notification {
	var out []notification
	for _, s := range n.sent {
		for _, id := range s.UserIDs {
			if id == userID {
				out = append(out, s)
			}
		}
	}
	return out
}

type fakePublisher struct {
	payments []*models.PaymentEvent
	auctions []*models.AuctionSettledEvent
	disputes []*models.DisputeEvent
}

func (p *fakePublisher) PublishPaymentEvent(_ context.Context, e *models.PaymentEvent) error {
	p.payments = append(p.payments, e)
	return nil
}

func (p *fakePublisher) PublishAuctionSettled(_ context.Context, e *models.AuctionSettledEvent) error {
	p.auctions = append(p.auctions, e)
	return nil
}

func (p *fakePublisher) PublishDisputeEvent(_ context.Context, e *models.DisputeEvent) error {
	p.disputes = append(p.disputes, e)
	return nil
}

func (p *fakePublisher) paymentEventTypes() []string {
	var types []string
	for _, e := range p.payments {
		types = append(types, e.EventType)
	}
	return types
}

// recordingSleeper captures backoff waits without sleeping
type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}
