package handler

import (
	"net/http"

	"agencyops/internal/service/billing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type BillingHandler struct {
	svc    *billing.Service
	logger *zap.Logger
}

func NewBillingHandler(svc *billing.Service, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{svc: svc, logger: logger}
}

// TriggerMilestone POST /milestones/:id/trigger
func (h *BillingHandler) TriggerMilestone(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	m, err := h.svc.Trigger(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// InvoiceMilestone POST /milestones/:id/invoice
func (h *BillingHandler) InvoiceMilestone(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	m, err := h.svc.MarkInvoiced(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ListUnbilled GET /billing/unbilled-milestones
func (h *BillingHandler) ListUnbilled(c *gin.Context) {
	actor, ok := mustActor(c)
	if !ok {
		return
	}

	items, err := h.svc.ListUnbilled(c.Request.Context(), actor)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	var total int64
	for _, m := range items {
		total += m.BillingAmountCents
	}
	c.JSON(http.StatusOK, gin.H{
		"milestones":         items,
		"count":              len(items),
		"total_amount_cents": total,
	})
}
