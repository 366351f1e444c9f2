package model

import (
	"time"

	"github.com/google/uuid"
)

type BillingStatus string

const (
	BillingPending   BillingStatus = "pending"
	BillingTriggered BillingStatus = "triggered"
	BillingInvoiced  BillingStatus = "invoiced"
)

type Project struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"client_id"`
	Name      string    `json:"name"`
	IsDeleted bool      `json:"is_deleted"`
}

// Milestone 项目内的计费节点，计费状态只能单向推进 pending → triggered → invoiced
type Milestone struct {
	ID                 uuid.UUID     `json:"id"`
	ProjectID          uuid.UUID     `json:"project_id"`
	Name               string        `json:"name"`
	BillingAmountCents *int64        `json:"billing_amount_cents"`
	BillingStatus      BillingStatus `json:"billing_status"`
	TriggeredAt        *time.Time    `json:"triggered_at"`
	TriggeredBy        *uuid.UUID    `json:"triggered_by"`
	InvoicedAt         *time.Time    `json:"invoiced_at"`
	InvoicedBy         *uuid.UUID    `json:"invoiced_by"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// HasBillingAmount 金额为空或为零都视为未设置
func (m *Milestone) HasBillingAmount() bool {
	return m.BillingAmountCents != nil && *m.BillingAmountCents != 0
}

// UnbilledMilestone 已触发但未开票的里程碑（带项目和客户名）
type UnbilledMilestone struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	BillingAmountCents int64     `json:"billing_amount_cents"`
	ProjectID          uuid.UUID `json:"project_id"`
	ProjectName        string    `json:"project_name"`
	ClientID           uuid.UUID `json:"client_id"`
	ClientName         string    `json:"client_name"`
	TriggeredAt        time.Time `json:"triggered_at"`
}
