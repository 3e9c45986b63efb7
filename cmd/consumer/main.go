package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"booking-service/config"
	"booking-service/internal/broker"
	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"
	"booking-service/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting event consumers", zap.Strings("groups", cfg.Kafka.ConsumerGroups))

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg        sync.WaitGroup
		consumers []*worker.EventConsumer
	)
	for _, group := range cfg.Kafka.ConsumerGroups {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}

		ec := worker.NewEventConsumer(broker.NewConsumer(cfg.Kafka.Brokers, models.AllTopics, group), db)
		consumers = append(consumers, ec)

		wg.Add(1)
		go func(group string, ec *worker.EventConsumer) {
			defer wg.Done()
			if err := ec.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Event consumer stopped", zap.String("group", group), zap.Error(err))
			}
		}(group, ec)
	}

	metricsSrv := util.NewMetricsServer(cfg.Observ.PrometheusPort)
	go func() {
		logger.Info("Starting metrics server", zap.String("port", cfg.Observ.PrometheusPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down event consumers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server forced to shutdown", zap.Error(err))
	}

	cancel()
	wg.Wait()

	for _, ec := range consumers {
		if err := ec.Stop(); err != nil {
			logger.Warn("Failed to close consumer", zap.Error(err))
		}
	}

	logger.Info("Event consumers exited")
}
