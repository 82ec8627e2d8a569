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

	"storefront-service/config"
	"storefront-service/internal/api"
	"storefront-service/internal/broker"
	"storefront-service/internal/fraud"
	"storefront-service/internal/mpesa"
	"storefront-service/internal/notify"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
	"storefront-service/internal/worker"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogFile); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	tp, err := util.InitTracer("storefront-service", cfg.Observ.JaegerEndpoint)
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

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	refs, err := snowflake.NewNode(cfg.Mpesa.NodeID)
	if err != nil {
		logger.Fatal("Failed to create snowflake node", zap.Error(err))
	}

	eventPublisher := broker.NewEventPublisher(producer)
	mailer := notify.New(&cfg.Mail)
	tokens := service.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)

	orderService := service.NewOrderService(db, db, fraud.NewEngine(), eventPublisher)
	settlementService := service.NewSettlementService(db)
	authService := service.NewAuthService(db, db, redisClient, mailer, tokens, cfg.Auth, cfg.Mail.AppName)
	adminService := service.NewAdminService(db)
	reviewService := service.NewFraudReviewService(db, db)
	dispatcher := service.NewNotificationDispatcher(db, mailer, cfg.Mail.AppName)
	paymentService := service.NewPaymentService(db, mpesa.NewClient(cfg.Mpesa), redisClient, eventPublisher, refs)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	orderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	orderWorker := worker.NewOrderWorker(orderConsumer, settlementService)
	go func() {
		if err := orderWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Order worker error", zap.Error(err))
		}
	}()

	outboxWorker := worker.NewOutboxWorker(db, dispatcher, cfg.Worker)
	go func() {
		if err := outboxWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Outbox worker error", zap.Error(err))
		}
	}()

	janitor := worker.NewCodeJanitor(db, cfg.Worker.JanitorInterval)
	go func() {
		if err := janitor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Code janitor error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Orders:      orderService,
		Auth:        authService,
		Admin:       adminService,
		FraudReview: reviewService,
		Payments:    paymentService,
		Alerts:      dispatcher,
		Sessions:    tokens,
		Accounts:    db,
	}, cfg.Server.InternalToken, map[string]api.ReadinessCheck{
		"database": db.Ping,
		"redis":    redisClient.Ping,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Internal-Token"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		})(router),
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
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := orderWorker.Stop(); err != nil {
		logger.Warn("Error stopping order worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
