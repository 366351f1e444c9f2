package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"agencyops/internal/config"
	"agencyops/internal/handler"
	"agencyops/internal/httpserver"
	"agencyops/internal/model"
	"agencyops/internal/mqhandler"
	"agencyops/internal/repository"
	"agencyops/internal/service/alerts"
	"agencyops/internal/service/billing"
	"agencyops/internal/service/maintenance"
	"agencyops/internal/service/retainer"
	"agencyops/pkg/db"
	"agencyops/pkg/logger"
	"agencyops/pkg/mq"
	"agencyops/pkg/outbox"
	"agencyops/pkg/redis"
	"agencyops/pkg/util"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.Env)
	defer log.Sync()

	log.Info("Starting agencyops server...",
		zap.String("env", cfg.Env),
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("redis_addr", cfg.Redis.Addr),
	)
	if cfg.JWT.Secret == "" {
		log.Fatal("JWT_SECRET is empty, refusing to start")
	}
	if cfg.Cron.Secret == "" {
		log.Warn("CRON_SECRET is empty, cron endpoints will answer 500")
	}

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("Database connection established successfully")

	// Redis
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer rdb.Close()

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Repositories
	milestoneRepo := repository.NewMilestoneRepository(dbConn, log)
	clientRepo := repository.NewClientRepository(dbConn, log)
	maintenanceRepo := repository.NewMaintenanceRepository(dbConn, log)
	userRepo := repository.NewUserRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn, log)
	outboxRepo := outbox.NewRepository(dbConn)

	// Services
	billingSvc := billing.NewService(milestoneRepo, log)
	retainerSvc := retainer.NewService(clientRepo, log).WithConcurrency(cfg.Retainers.Concurrency)
	maintenanceSvc := maintenance.NewService(maintenanceRepo, maintenance.Config{
		Concurrency:   cfg.Maintenance.Concurrency,
		DueOffsetDays: cfg.Maintenance.DueOffsetDays,
	}, log)
	deduper := util.NewDeduper(rdb, cfg.Alerts.DedupTTL, log)
	alertSvc := alerts.NewService(retainerSvc, userRepo, deduper, publisher, log)

	// Outbox dispatcher
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx)
	}()

	// MQ Consumer for retainer.alert → 站内通知
	if err := publisher.SetupDLQ(model.EventRetainerAlert); err != nil {
		log.Fatal("Failed to declare DLQ", zap.Error(err))
	}
	alertConsumer, err := mq.NewConsumer(cfg.MQ.URL, "retainer.alert.notifications.q", model.EventRetainerAlert, log)
	if err != nil {
		log.Fatal("Failed to init retainer alert consumer", zap.Error(err))
	}
	defer alertConsumer.Close()

	alertHandler := mqhandler.NewRetainerAlertHandler(notificationRepo, util.NewRetryCounter(rdb, time.Hour), log)
	alertConsumer.SetHandler(alertHandler.Handle)
	alertConsumer.SetDeadLetter(publisher)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := alertConsumer.StartConsuming(ctx); err != nil {
			log.Error("Retainer alert consumer failed", zap.Error(err))
		}
	}()

	// HTTP Server
	router := httpserver.NewRouter(httpserver.Handlers{
		Billing:     handler.NewBillingHandler(billingSvc, log),
		Reports:     handler.NewReportHandler(retainerSvc, log),
		Maintenance: handler.NewMaintenanceHandler(maintenanceSvc, log),
		Cron:        handler.NewCronHandler(alertSvc, outboxRepo, log),
	}, httpserver.Options{
		JWTSecret:  cfg.JWT.Secret,
		CronSecret: cfg.Cron.Secret,
		Users:      userRepo,
		DB:         dbConn,
		MQ:         publisher,
		Logger:     log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("agencyops server is fully initialized and running")

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agencyops server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// 停止 outbox dispatcher 和 MQ consumer，等待当前消息处理完
	cancel()
	wg.Wait()

	log.Info("agencyops server shutdown complete")
}
