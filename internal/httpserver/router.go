package httpserver

import (
	"context"
	"net/http"
	"time"

	"agencyops/internal/handler"
	"agencyops/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger 数据库就绪检查（*pgxpool.Pool 实现）
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity MQ 就绪检查（*mq.Publisher 实现）
type Connectivity interface {
	IsConnected() bool
}

type Handlers struct {
	Billing     *handler.BillingHandler
	Reports     *handler.ReportHandler
	Maintenance *handler.MaintenanceHandler
	Cron        *handler.CronHandler
}

type Options struct {
	JWTSecret  string
	CronSecret string
	Users      repository.UserStore
	DB         Pinger
	MQ         Connectivity
	Logger     *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, opts Options) *Router {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogger(opts.Logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if opts.DB != nil {
			if err := opts.DB.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
				return
			}
		}
		if opts.MQ != nil && !opts.MQ.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 用户接口
	auth := r.Group("/")
	auth.Use(AuthMiddleware(opts.JWTSecret, opts.Users, opts.Logger))
	{
		auth.POST("/milestones/:id/trigger", h.Billing.TriggerMilestone)
		auth.POST("/milestones/:id/invoice", h.Billing.InvoiceMilestone)
		auth.GET("/billing/unbilled-milestones", h.Billing.ListUnbilled)
		auth.GET("/reports/retainers", h.Reports.ListRetainers)
		auth.GET("/reports/retainers/:clientId", h.Reports.GetClientRetainer)
		auth.GET("/sites/:id/maintenance/upcoming", h.Maintenance.Upcoming)
	}

	// 定时任务与运维接口（共享密钥）
	cron := r.Group("/")
	cron.Use(CronMiddleware(opts.CronSecret, opts.Logger))
	{
		cron.POST("/admin/maintenance/generate", h.Maintenance.Generate)
		cron.GET("/cron/maintenance", h.Maintenance.Cron)
		cron.POST("/cron/maintenance", h.Maintenance.Cron)
		cron.POST("/cron/retainer-alerts", h.Cron.RetainerAlerts)
		cron.POST("/admin/outbox/replay-failed", h.Cron.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

// ServeHTTP 让 Router 直接作为 http.Handler 使用
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Engine.ServeHTTP(w, req)
}
