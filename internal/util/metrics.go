package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuctionsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctions_settled_total",
		Help: "Total number of auctions settled, by outcome",
	}, []string{"outcome"})

	AuctionSettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_settlement_latency_seconds",
		Help:    "Latency of settling one auction",
		Buckets: prometheus.DefBuckets,
	})

	CaptureAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_attempts_total",
		Help: "Total number of capture attempts, by outcome",
	}, []string{"outcome"})

	HoldsReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "holds_released_total",
		Help: "Total number of losing authorizations released, by result",
	}, []string{"result"})

	TransferAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_attempts_total",
		Help: "Total number of seller transfer attempts, by outcome",
	}, []string{"outcome"})

	TransfersFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfers_failed_total",
		Help: "Total number of payments whose transfer failed permanently",
	})

	RefundAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_attempts_total",
		Help: "Total number of buyer refund attempts, by outcome",
	}, []string{"outcome"})

	DisputesOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disputes_opened_total",
		Help: "Total number of disputes opened",
	})

	DisputesResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disputes_resolved_total",
		Help: "Total number of disputes resolved, by resolution",
	}, []string{"resolution"})

	DisputesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "disputes_rejected_total",
		Help: "Total number of dispute requests rejected, by reason",
	}, []string{"reason"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment processor calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	WorkerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_ticks_total",
		Help: "Total number of polling ticks, by worker",
	}, []string{"worker"})

	WorkerUnitErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_unit_errors_total",
		Help: "Total number of units that failed inside a tick, by worker",
	}, []string{"worker"})

	NotificationsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_published_total",
		Help: "Total number of notifications handed to the sink, by result",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
