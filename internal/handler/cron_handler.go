package handler

import (
	"context"
	"net/http"
	"strconv"

	"agencyops/internal/service/alerts"
	"agencyops/pkg/apperr"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FailedEventResetter 将发布失败的 outbox 事件重新排队（*outbox.Repository 实现）
type FailedEventResetter interface {
	ResetFailed(ctx context.Context, limit int) (int64, error)
}

type CronHandler struct {
	alerts *alerts.Service
	outbox FailedEventResetter
	logger *zap.Logger
}

func NewCronHandler(alertSvc *alerts.Service, outbox FailedEventResetter, logger *zap.Logger) *CronHandler {
	return &CronHandler{alerts: alertSvc, outbox: outbox, logger: logger}
}

// RetainerAlerts POST /cron/retainer-alerts
func (h *CronHandler) RetainerAlerts(c *gin.Context) {
	res, err := h.alerts.Check(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, apperr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"clientsChecked": res.ClientsChecked,
		"alertsSent":     res.AlertsSent,
		"errors":         len(res.Errors),
	})
}

// ReplayFailedEvents POST /admin/outbox/replay-failed?limit=100
func (h *CronHandler) ReplayFailedEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	n, err := h.outbox.ResetFailed(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, apperr.Internal(err))
		return
	}
	h.logger.Info("Requeued failed outbox events", zap.Int64("count", n))
	c.JSON(http.StatusOK, gin.H{
		"status":   "requeued",
		"requeued": n,
		"limit":    limit,
	})
}
