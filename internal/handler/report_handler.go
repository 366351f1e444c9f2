package handler

import (
	"net/http"
	"strconv"
	"time"

	"agencyops/internal/service/period"
	"agencyops/internal/service/retainer"
	"agencyops/pkg/apperr"
	"agencyops/pkg/rbac"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ReportHandler struct {
	svc    *retainer.Service
	logger *zap.Logger
	now    func() time.Time
}

func NewReportHandler(svc *retainer.Service, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{svc: svc, logger: logger, now: time.Now}
}

// periodFromQuery year 和 month（1-12）同时给出时取完整月份，否则取本月至今
func periodFromQuery(c *gin.Context, now time.Time) (period.Period, error) {
	yearStr, monthStr := c.Query("year"), c.Query("month")
	if yearStr == "" || monthStr == "" {
		return period.CurrentMonth(now), nil
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil || year < 1 || year > 9999 {
		return period.Period{}, apperr.Validation("invalid year")
	}
	month, err := strconv.Atoi(monthStr)
	if err != nil || month < 1 || month > 12 {
		return period.Period{}, apperr.Validation("invalid month")
	}
	return period.Month(year, month-1), nil
}

// ListRetainers GET /reports/retainers?year=&month=
func (h *ReportHandler) ListRetainers(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	if err := rbac.CheckPermission(actor.Role, rbac.PermissionViewRetainers); err != nil {
		respondError(c, h.logger, err)
		return
	}
	p, err := periodFromQuery(c, h.now())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	statuses, err := h.svc.All(c.Request.Context(), p)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	retainer.SortBySeverity(statuses)
	if statuses == nil {
		statuses = []retainer.Status{}
	}

	c.JSON(http.StatusOK, gin.H{
		"retainers": statuses,
		"period":    p,
		"summary":   retainer.Summarize(statuses),
	})
}

// GetClientRetainer GET /reports/retainers/:clientId?year=&month=
func (h *ReportHandler) GetClientRetainer(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	if err := rbac.CheckPermission(actor.Role, rbac.PermissionViewRetainers); err != nil {
		respondError(c, h.logger, err)
		return
	}
	clientID, err := parseUUIDParam(c, "clientId")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	p, err := periodFromQuery(c, h.now())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	st, err := h.svc.Status(c.Request.Context(), clientID, p)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"retainer": st,
		"period":   p,
	})
}
