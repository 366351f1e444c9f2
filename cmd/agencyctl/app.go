package main

import (
	"context"
	"fmt"
	"time"

	"agencyops/internal/config"
	"agencyops/internal/handler"
	"agencyops/internal/repository"
	"agencyops/internal/service/alerts"
	"agencyops/internal/service/billing"
	"agencyops/internal/service/maintenance"
	"agencyops/internal/service/retainer"
	pkgconfig "agencyops/pkg/config"
	"agencyops/pkg/db"
	"agencyops/pkg/logger"
	"agencyops/pkg/mq"
	"agencyops/pkg/outbox"
	"agencyops/pkg/redis"
	"agencyops/pkg/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// outboxStore *outbox.Repository 实现
type outboxStore interface {
	handler.FailedEventResetter
	GetFailedEvents(ctx context.Context, limit int) ([]*outbox.Event, error)
}

// app 命令需要的服务集合
type app struct {
	billing     *billing.Service
	retainer    *retainer.Service
	maintenance *maintenance.Service
	outbox      outboxStore
	users       repository.UserStore
	jwtSecret   string
	jwtTTL      time.Duration
	// alerts 需要 Redis 和 MQ，只在 alerts check 时连接
	alerts func(ctx context.Context) (*alerts.Service, func(), error)
	close  func()
}

// loadApp 测试中替换为内存实现
var loadApp = func(cmd *cobra.Command) (*app, error) {
	env := flagEnv
	if env == "" {
		env = pkgconfig.GetConfigEnv()
	}
	dir := flagConfigDir
	if dir == "" {
		dir = pkgconfig.GetEnv("CONFIG_DIR", "config")
	}
	cfg, err := config.LoadFrom(env, dir)
	if err != nil {
		return nil, err
	}

	log := logger.NewLogger(env)
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	clientRepo := repository.NewClientRepository(pool, log)
	userRepo := repository.NewUserRepository(pool)
	retainerSvc := retainer.NewService(clientRepo, log).WithConcurrency(cfg.Retainers.Concurrency)

	a := &app{
		billing:  billing.NewService(repository.NewMilestoneRepository(pool, log), log),
		retainer: retainerSvc,
		maintenance: maintenance.NewService(repository.NewMaintenanceRepository(pool, log), maintenance.Config{
			Concurrency:   cfg.Maintenance.Concurrency,
			DueOffsetDays: cfg.Maintenance.DueOffsetDays,
		}, log),
		outbox:    outbox.NewRepository(pool),
		users:     userRepo,
		jwtSecret: cfg.JWT.Secret,
		jwtTTL:    cfg.JWT.TTL,
		close: func() {
			pool.Close()
			_ = log.Sync()
		},
	}
	a.alerts = func(ctx context.Context) (*alerts.Service, func(), error) {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		publisher, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect MQ: %w", err)
		}
		svc := alerts.NewService(retainerSvc, userRepo, util.NewDeduper(rdb, cfg.Alerts.DedupTTL, log), publisher, log)
		return svc, func() {
			publisher.Close()
			_ = rdb.Close()
		}, nil
	}
	log.Debug("agencyctl initialized", zap.String("env", env), zap.String("command", cmd.CommandPath()))
	return a, nil
}

// withApp 加载服务、执行 fn、释放连接
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if a.close != nil {
		defer a.close()
	}
	return fn(a)
}
