package model

import (
	"time"

	"github.com/google/uuid"
)

// 事件 routing key
const (
	EventMilestoneTriggered   = "milestone.billing.triggered"
	EventMilestoneInvoiced    = "milestone.billing.invoiced"
	EventMaintenanceGenerated = "maintenance.generated"
	EventRetainerAlert        = "retainer.alert"
)

// BillingEventRoutingKey 计费迁移对应的事件
func BillingEventRoutingKey(to BillingStatus) string {
	if to == BillingInvoiced {
		return EventMilestoneInvoiced
	}
	return EventMilestoneTriggered
}

type MilestoneBillingEvent struct {
	MilestoneID uuid.UUID     `json:"milestone_id"`
	From        BillingStatus `json:"from"`
	To          BillingStatus `json:"to"`
	ActorID     uuid.UUID     `json:"actor_id"`
	At          time.Time     `json:"at"`
}

type MaintenanceGeneratedEvent struct {
	SiteID         uuid.UUID `json:"site_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	Period         string    `json:"period"`
	TasksCreated   int       `json:"tasks_created"`
	TasksAbandoned int       `json:"tasks_abandoned"`
}

type RetainerAlertEvent struct {
	ClientID       uuid.UUID   `json:"client_id"`
	ClientName     string      `json:"client_name"`
	Threshold      int         `json:"threshold"`
	PercentUsed    float64     `json:"percent_used"`
	UsedHours      float64     `json:"used_hours"`
	AllocatedHours float64     `json:"allocated_hours"`
	Period         string      `json:"period"`
	RecipientIDs   []uuid.UUID `json:"recipient_ids"`
	Message        string      `json:"message"`
}
