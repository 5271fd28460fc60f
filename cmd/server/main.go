package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-service/config"
	"settlement-service/internal/api"
	"settlement-service/internal/broker"
	"settlement-service/internal/gateway"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting settlement service")

	tp, err := util.InitTracer("settlement-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	if cfg.Stripe.SecretKey == "" {
		logger.Fatal("STRIPE_SECRET_KEY is required")
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	eventProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentEvents)
	defer eventProducer.Close()
	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(eventProducer)
	notifier := broker.NewNotifier(notificationProducer, redisClient, cfg.Settlement.NotificationDedupeTTL)

	gw := gateway.NewStripeGateway(cfg.Stripe.SecretKey)
	clock := service.SystemClock{}
	accounts := service.NewCachedPayoutAccounts(db, redisClient, cfg.Settlement.SellerAccountCacheTTL)

	settlement := service.NewSettlementProcessor(db, gw, notifier, eventPublisher, clock, cfg.Settlement)
	transfers := service.NewTransferScheduler(db, gw, accounts, notifier, eventPublisher, clock, cfg.Settlement)
	refunds := service.NewRefundProcessor(db, gw, notifier, eventPublisher, clock, cfg.Settlement)
	disputes := service.NewDisputeCoordinator(db, notifier, eventPublisher, clock, cfg.Settlement)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pollers := []*worker.Poller{
		worker.NewPoller("auction-settlement", cfg.Settlement.AuctionInterval, settlement.Tick),
		worker.NewPoller("transfer-scheduler", cfg.Settlement.TransferInterval, transfers.Tick),
		worker.NewPoller("refund-processor", cfg.Settlement.RefundInterval, refunds.Tick),
	}
	for _, p := range pollers {
		p.Start(workerCtx)
	}

	deliveryConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeliveries, cfg.Kafka.ConsumerGroup)
	deliveryHandler := broker.NewDeliveryHandler(transfers.ConfirmDelivery)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := deliveryConsumer.StartConsuming(workerCtx, deliveryHandler.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Delivery consumer stopped", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(settlement, transfers, disputes,
		api.ReadinessCheck{Name: "postgres", Ping: db.Ping},
		api.ReadinessCheck{Name: "redis", Ping: redisClient.Ping},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	// In-flight units finish against their own context; wait for them.
	workerCancel()
	for _, p := range pollers {
		select {
		case <-p.Done():
		case <-shutdownCtx.Done():
			logger.Warn("Worker did not stop in time", zap.String("worker", p.Name()))
		}
	}
	<-consumerDone
	if err := deliveryConsumer.Close(); err != nil {
		logger.Warn("Error closing delivery consumer", zap.Error(err))
	}

	logger.Info("Server exited")
}
