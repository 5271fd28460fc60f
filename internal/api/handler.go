package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	roleAdmin      = "admin"
	ctxUserID      = "user_id"
	ctxIsAdmin     = "is_admin"
)

var errForbidden = errors.New("not a party to this payment")

// Settlement is the part of the settlement processor exposed over HTTP
type Settlement interface {
	CaptureSale(ctx context.Context, paymentID int64) (*models.Payment, error)
	SettleAuction(ctx context.Context, auctionID int64) (*service.SettlementOutcome, error)
}

// Transfers is the part of the transfer scheduler exposed over HTTP
type Transfers interface {
	ReleaseTransfer(ctx context.Context, paymentID int64, actor string) (*models.Payment, error)
}

// Disputes is the part of the dispute coordinator exposed over HTTP
type Disputes interface {
	OpenDispute(ctx context.Context, req service.OpenDisputeRequest) (*models.Dispute, error)
	ResolveDispute(ctx context.Context, req service.ResolveDisputeRequest) (*models.Dispute, error)
	GetDispute(ctx context.Context, id int64) (*models.Dispute, error)
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
}

// ReadinessCheck is a dependency probed by /ready
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	settlement Settlement
	transfers  Transfers
	disputes   Disputes
	checks     []ReadinessCheck
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(settlement Settlement, transfers Transfers, disputes Disputes, checks ...ReadinessCheck) *Handler {
	return &Handler{
		settlement: settlement,
		transfers:  transfers,
		disputes:   disputes,
		checks:     checks,
		logger:     util.ComponentLogger("http"),
	}
}

type openDisputeBody struct {
	Reason         string   `json:"reason" binding:"required"`
	Description    string   `json:"description"`
	EvidencePhotos []string `json:"evidence_photos"`
}

type resolveDisputeBody struct {
	Resolution   models.DisputeResolution `json:"resolution" binding:"required"`
	RefundAmount int64                    `json:"refund_amount"`
	Note         string                   `json:"note"`
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", requireUser())
	{
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/capture", h.captureSale)
		v1.POST("/payments/:id/disputes", h.openDispute)
		v1.GET("/disputes/:id", h.getDispute)

		admin := v1.Group("", requireAdmin())
		admin.POST("/payments/:id/release", h.releaseTransfer)
		admin.POST("/disputes/:id/resolve", h.resolveDispute)
		admin.POST("/auctions/:id/settle", h.settleAuction)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency the workers need
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failing[check.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"failing": failing,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getPayment(c *gin.Context) {
	id, ok := pathID(c, "payment")
	if !ok {
		return
	}

	payment, err := h.disputes.GetPayment(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !canView(c, payment) {
		h.fail(c, errForbidden)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// captureSale is open to the paying buyer and to admins
func (h *Handler) captureSale(c *gin.Context) {
	id, ok := pathID(c, "payment")
	if !ok {
		return
	}

	existing, err := h.disputes.GetPayment(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !c.GetBool(ctxIsAdmin) && existing.BuyerID != c.GetInt64(ctxUserID) {
		h.fail(c, errForbidden)
		return
	}

	payment, err := h.settlement.CaptureSale(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) releaseTransfer(c *gin.Context) {
	id, ok := pathID(c, "payment")
	if !ok {
		return
	}

	payment, err := h.transfers.ReleaseTransfer(c.Request.Context(), id, models.AdminActor(c.GetInt64(ctxUserID)))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) openDispute(c *gin.Context) {
	id, ok := pathID(c, "payment")
	if !ok {
		return
	}

	var body openDisputeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	dispute, err := h.disputes.OpenDispute(c.Request.Context(), service.OpenDisputeRequest{
		PaymentID:      id,
		BuyerID:        c.GetInt64(ctxUserID),
		Reason:         body.Reason,
		Description:    body.Description,
		EvidencePhotos: body.EvidencePhotos,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dispute)
}

func (h *Handler) getDispute(c *gin.Context) {
	id, ok := pathID(c, "dispute")
	if !ok {
		return
	}

	dispute, err := h.disputes.GetDispute(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	payment, err := h.disputes.GetPayment(c.Request.Context(), dispute.PaymentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !canView(c, payment) {
		h.fail(c, errForbidden)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

func (h *Handler) resolveDispute(c *gin.Context) {
	id, ok := pathID(c, "dispute")
	if !ok {
		return
	}

	var body resolveDisputeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	dispute, err := h.disputes.ResolveDispute(c.Request.Context(), service.ResolveDisputeRequest{
		DisputeID:    id,
		AdminID:      c.GetInt64(ctxUserID),
		Resolution:   body.Resolution,
		RefundAmount: body.RefundAmount,
		Note:         body.Note,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

func (h *Handler) settleAuction(c *gin.Context) {
	id, ok := pathID(c, "auction")
	if !ok {
		return
	}

	outcome, err := h.settlement.SettleAuction(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// fail maps service errors onto status codes. Anything unrecognised is a 500
// and its details stay in the log.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotBuyer), errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrReasonRequired),
		errors.Is(err, service.ErrInvalidRefundAmount),
		errors.Is(err, service.ErrInvalidResolution),
		errors.Is(err, service.ErrAuctionPayment):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDisputeExists),
		errors.Is(err, service.ErrDisputeNotOpen),
		errors.Is(err, service.ErrPaymentNotEligible),
		errors.Is(err, service.ErrAuctionNotEnded):
		return http.StatusConflict
	case errors.Is(err, service.ErrDisputeWindowExpired),
		errors.Is(err, service.ErrRefundExceedsSellerAmount),
		errors.Is(err, service.ErrCaptureFailed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func pathID(c *gin.Context, entity string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + entity + " ID",
		})
		return 0, false
	}
	return id, true
}

// canView allows the payment's buyer, its seller and admins
func canView(c *gin.Context, p *models.Payment) bool {
	if c.GetBool(ctxIsAdmin) {
		return true
	}
	userID := c.GetInt64(ctxUserID)
	return userID == p.BuyerID || userID == p.SellerID
}

// requireUser reads the caller identity set by the auth gateway
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid " + headerUserID + " header",
			})
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxIsAdmin, c.GetHeader(headerUserRole) == roleAdmin)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ctxIsAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin role required",
			})
			return
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
