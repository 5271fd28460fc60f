package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"settlement-service/internal/models"
	"settlement-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSettlement struct {
	captureErr error
	settleErr  error
}

func (s *stubSettlement) CaptureSale(_ context.Context, paymentID int64) (*models.Payment, error) {
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	return &models.Payment{ID: paymentID, Status: models.PaymentStatusPending, ChargeRef: "ch_1"}, nil
}

func (s *stubSettlement) SettleAuction(_ context.Context, auctionID int64) (*service.SettlementOutcome, error) {
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	return &service.SettlementOutcome{AuctionID: auctionID, Status: models.AuctionStatusSettled}, nil
}

type stubTransfers struct {
	actor string
}

func (s *stubTransfers) ReleaseTransfer(_ context.Context, paymentID int64, actor string) (*models.Payment, error) {
	s.actor = actor
	return &models.Payment{ID: paymentID, TransferTrigger: models.TransferTriggerTimeBased}, nil
}

type stubDisputes struct {
	openReq    service.OpenDisputeRequest
	resolveReq service.ResolveDisputeRequest
	err        error
}

func (s *stubDisputes) OpenDispute(_ context.Context, req service.OpenDisputeRequest) (*models.Dispute, error) {
	s.openReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &models.Dispute{ID: 7, PaymentID: req.PaymentID, BuyerID: req.BuyerID, Status: models.DisputeStatusOpen}, nil
}

func (s *stubDisputes) ResolveDispute(_ context.Context, req service.ResolveDisputeRequest) (*models.Dispute, error) {
	s.resolveReq = req
	if s.err != nil {
		return nil, s.err
	}
	resolution := req.Resolution
	return &models.Dispute{ID: req.DisputeID, Status: models.DisputeStatusResolved, Resolution: &resolution}, nil
}

func (s *stubDisputes) GetDispute(_ context.Context, id int64) (*models.Dispute, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Dispute{ID: id, PaymentID: 1, BuyerID: testBuyer, Status: models.DisputeStatusOpen}, nil
}

func (s *stubDisputes) GetPayment(_ context.Context, id int64) (*models.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Payment{ID: id, BuyerID: testBuyer, SellerID: testSeller, TotalAmount: 10000, Status: models.PaymentStatusPending}, nil
}

const (
	testBuyer  = int64(10)
	testSeller = int64(20)
)

type testServer struct {
	router     *gin.Engine
	settlement *stubSettlement
	transfers  *stubTransfers
	disputes   *stubDisputes
}

func newTestServer(checks ...ReadinessCheck) *testServer {
	gin.SetMode(gin.TestMode)
	s := &testServer{
		router:     gin.New(),
		settlement: &stubSettlement{},
		transfers:  &stubTransfers{},
		disputes:   &stubDisputes{},
	}
	NewHandler(s.settlement, s.transfers, s.disputes, checks...).SetupRoutes(s.router)
	return s
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func buyer(id int64) map[string]string {
	return map[string]string{headerUserID: fmt.Sprint(id)}
}

func admin(id int64) map[string]string {
	return map[string]string{headerUserID: fmt.Sprint(id), headerUserRole: roleAdmin}
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(
		ReadinessCheck{Name: "postgres", Ping: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
	)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Failing map[string]string `json:"failing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]string{"redis": "connection refused"}, body.Failing)
}

func TestRequiresCallerIdentity(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodGet, "/api/v1/payments/1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/payments/1", "", map[string]string{headerUserID: "abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/payments/1", "", buyer(10))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/payments/5/release", "", buyer(10))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/api/v1/payments/5/release", "", admin(3))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.AdminActor(3), s.transfers.actor)
}

func TestOpenDispute(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/payments/42/disputes",
		`{"reason":"item not as described","evidence_photos":["a.jpg"]}`, buyer(10))
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, int64(42), s.disputes.openReq.PaymentID)
	assert.Equal(t, int64(10), s.disputes.openReq.BuyerID)
	assert.Equal(t, []string{"a.jpg"}, s.disputes.openReq.EvidencePhotos)

	var dispute models.Dispute
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dispute))
	assert.Equal(t, models.DisputeStatusOpen, dispute.Status)

	w = s.do(http.MethodPost, "/api/v1/payments/42/disputes", `{}`, buyer(10))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveDispute(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/disputes/7/resolve",
		`{"resolution":"PARTIAL_REFUND","refund_amount":3000,"note":"minor damage"}`, admin(1))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, service.ResolveDisputeRequest{
		DisputeID:    7,
		AdminID:      1,
		Resolution:   models.DisputeResolutionPartialRefund,
		RefundAmount: 3000,
		Note:         "minor damage",
	}, s.disputes.resolveReq)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("payment 1: %w", service.ErrNotFound), http.StatusNotFound},
		{service.ErrNotBuyer, http.StatusForbidden},
		{service.ErrReasonRequired, http.StatusBadRequest},
		{service.ErrDisputeExists, http.StatusConflict},
		{fmt.Errorf("%w: REFUNDED", service.ErrPaymentNotEligible), http.StatusConflict},
		{service.ErrDisputeWindowExpired, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: 91 > 90", service.ErrRefundExceedsSellerAmount), http.StatusUnprocessableEntity},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s := newTestServer()
			s.disputes.err = tt.err

			w := s.do(http.MethodPost, "/api/v1/payments/1/disputes", `{"reason":"broken"}`, buyer(10))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	s := newTestServer()
	s.disputes.err = errors.New("pq: password authentication failed")

	w := s.do(http.MethodGet, "/api/v1/disputes/1", "", buyer(10))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestCaptureAndSettle(t *testing.T) {
	s := newTestServer()

	w := s.do(http.MethodPost, "/api/v1/payments/9/capture", "", buyer(10))
	assert.Equal(t, http.StatusOK, w.Code)

	s.settlement.captureErr = service.ErrAuctionPayment
	w = s.do(http.MethodPost, "/api/v1/payments/9/capture", "", buyer(10))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/auctions/60/settle", "", admin(1))
	require.Equal(t, http.StatusOK, w.Code)
	var outcome service.SettlementOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.Equal(t, int64(60), outcome.AuctionID)

	s.settlement.settleErr = service.ErrAuctionNotEnded
	w = s.do(http.MethodPost, "/api/v1/auctions/60/settle", "", admin(1))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/auctions/abc/settle", "", admin(1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentViewsAreLimitedToParties(t *testing.T) {
	s := newTestServer()

	tests := []struct {
		name        string
		headers     map[string]string
		wantView    int
		wantCapture int
	}{
		{"buyer", buyer(testBuyer), http.StatusOK, http.StatusOK},
		{"seller", buyer(testSeller), http.StatusOK, http.StatusForbidden},
		{"admin", admin(1), http.StatusOK, http.StatusOK},
		{"stranger", buyer(999), http.StatusForbidden, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, "/api/v1/payments/1", "", tt.headers)
			assert.Equal(t, tt.wantView, w.Code)
			if tt.wantView == http.StatusForbidden {
				assert.NotContains(t, w.Body.String(), "total_amount")
			}

			w = s.do(http.MethodGet, "/api/v1/disputes/7", "", tt.headers)
			assert.Equal(t, tt.wantView, w.Code)

			w = s.do(http.MethodPost, "/api/v1/payments/1/capture", "", tt.headers)
			assert.Equal(t, tt.wantCapture, w.Code)
		})
	}
}
