package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"agencyops/internal/service/maintenance"
	"agencyops/pkg/apperr"
	"agencyops/pkg/rbac"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MaintenanceHandler struct {
	svc    *maintenance.Service
	logger *zap.Logger
}

func NewMaintenanceHandler(svc *maintenance.Service, logger *zap.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{svc: svc, logger: logger}
}

type generateRequest struct {
	SiteID *string `json:"siteId"`
}

// Generate POST /admin/maintenance/generate，body {"siteId"?: uuid}
func (h *MaintenanceHandler) Generate(c *gin.Context) {
	var req generateRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, h.logger, apperr.Validation("invalid request body"))
			return
		}
	}

	if req.SiteID != nil {
		siteID, err := uuid.Parse(*req.SiteID)
		if err != nil {
			respondError(c, h.logger, apperr.Validation("invalid siteId"))
			return
		}
		res, err := h.svc.GenerateForSite(c.Request.Context(), siteID)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		if res == nil {
			c.JSON(http.StatusOK, gin.H{
				"success": true,
				"message": "No tasks generated - site may not have a maintenance plan, already generated for this period, or no SOPs configured",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "result": res})
		return
	}

	summary, err := h.svc.GenerateAllDue(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": summary})
}

// Cron GET|POST /cron/maintenance
func (h *MaintenanceHandler) Cron(c *gin.Context) {
	start := time.Now()
	summary, err := h.svc.GenerateAllDue(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	duration := time.Since(start)

	if len(summary.Errors) > 0 {
		h.logger.Warn("Errors during maintenance generation", zap.Strings("errors", summary.Errors))
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"summary": gin.H{
			"sitesProcessed": summary.TotalSitesProcessed,
			"tasksCreated":   summary.TotalTasksCreated,
			"tasksAbandoned": summary.TotalTasksAbandoned,
			"errors":         len(summary.Errors),
		},
		"duration": duration.String(),
	})
}

// Upcoming GET /sites/:id/maintenance/upcoming
func (h *MaintenanceHandler) Upcoming(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	if err := rbac.CheckPermission(actor.Role, rbac.PermissionViewMaintenance); err != nil {
		respondError(c, h.logger, err)
		return
	}
	siteID, err := parseUUIDParam(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	up, err := h.svc.Upcoming(c.Request.Context(), siteID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upcoming": up})
}
