package model

import (
	"time"

	"github.com/google/uuid"
)

type ClientStatus string

const (
	ClientActive     ClientStatus = "active"
	ClientInactive   ClientStatus = "inactive"
	ClientDelinquent ClientStatus = "delinquent"
)

type Client struct {
	ID            uuid.UUID    `json:"id"`
	Name          string       `json:"name"`
	Status        ClientStatus `json:"status"`
	RetainerHours *float64     `json:"retainer_hours"`
	IsDeleted     bool         `json:"is_deleted"`
}

// HasRetainer 预付时数为空或 <= 0 视为没有 retainer
func (c *Client) HasRetainer() bool {
	return c.RetainerHours != nil && *c.RetainerHours > 0
}

// TimeEntry 通过 project 或 task 归属到客户
type TimeEntry struct {
	ID              uuid.UUID  `json:"id"`
	ProjectID       *uuid.UUID `json:"project_id"`
	TaskID          *uuid.UUID `json:"task_id"`
	UserID          uuid.UUID  `json:"user_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationMinutes *int       `json:"duration_minutes"`
	IsBillable      bool       `json:"is_billable"`
	IsDeleted       bool       `json:"is_deleted"`
}
