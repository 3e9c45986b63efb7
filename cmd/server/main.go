package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"booking-service/config"
	"booking-service/internal/api"
	"booking-service/internal/breaker"
	"booking-service/internal/gateway"
	"booking-service/internal/redisclient"
	"booking-service/internal/service"
	"booking-service/internal/store"
	"booking-service/internal/util"
	"booking-service/internal/worker"

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
	logger.Info("Starting booking service")

	tp, err := util.InitTracer("booking-service", cfg.Observ.JaegerEndpoint, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("Failed to apply migrations", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	gw, err := gateway.New(gateway.Config{
		Provider:         cfg.Payment.Provider,
		BaseURL:          cfg.Payment.GatewayURL,
		MerchantID:       cfg.Payment.MerchantID,
		MerchantPassword: cfg.Payment.MerchantPassword,
		SuccessURL:       cfg.Payment.SuccessURL,
		FailURL:          cfg.Payment.FailURL,
		NotificationURL:  cfg.Payment.WebhookURL,
		StripeSecretKey:  cfg.Payment.StripeSecretKey,
		MockSuccessRate:  cfg.Payment.MockSuccessRate,
	})
	if err != nil {
		logger.Fatal("Failed to initialize payment gateway", zap.Error(err))
	}

	cb := breaker.New(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.Timeout())

	reservations := service.NewReservationService(db, redisClient, service.ReservationConfig{
		LockTTL:        cfg.Reservation.LockTTL,
		ConfirmStatus:  cfg.Reservation.ConfirmStatus,
		GracePeriod:    cfg.Reservation.GracePeriod,
		SweepBatchSize: cfg.Reservation.SweepBatchSize,
	})
	payments := service.NewPaymentService(gw, cb, cfg.Payment.GatewayTimeout, cfg.Payment.Currency)
	bookings := service.NewBookingService(db, reservations, payments)

	logger.Info("Services initialized",
		zap.String("payment_provider", payments.Provider()),
		zap.Duration("lock_ttl", cfg.Reservation.LockTTL))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reconciler := worker.NewReconciler(reservations, bookings, worker.ReconcilerConfig{
		Interval:       cfg.Reservation.SweepInterval,
		PaymentTimeout: cfg.Payment.PendingTimeout,
		BatchSize:      cfg.Reservation.SweepBatchSize,
	})
	if err := reconciler.Start(workerCtx); err != nil {
		logger.Fatal("Failed to start reconciler", zap.Error(err))
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(reservations, bookings, payments, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
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

	reconciler.Stop()
	workerCancel()

	logger.Info("Server exited")
}
