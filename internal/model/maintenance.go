package model

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
	TaskAbandoned  TaskStatus = "abandoned"
)

// Terminal done 和 abandoned 不会再被放弃
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskAbandoned
}

type MaintenancePlan struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	RateCents int64     `json:"rate_cents"`
	Hours     *float64  `json:"hours"`
	IsActive  bool      `json:"is_active"`
}

type SOP struct {
	ID               uuid.UUID `json:"id"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	DefaultPriority  int       `json:"default_priority"`
	EstimatedMinutes *int      `json:"estimated_minutes"`
	IsActive         bool      `json:"is_active"`
	SortOrder        int       `json:"sort_order"`
}

type Site struct {
	ID                         uuid.UUID  `json:"id"`
	Name                       string     `json:"name"`
	ClientID                   uuid.UUID  `json:"client_id"`
	MaintenancePlanID          *uuid.UUID `json:"maintenance_plan_id"`
	MaintenanceAssigneeID      *uuid.UUID `json:"maintenance_assignee_id"`
	LastMaintenanceGeneratedAt *time.Time `json:"last_maintenance_generated_at"`
	IsDeleted                  bool       `json:"is_deleted"`
}

type Task struct {
	ID                uuid.UUID  `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Status            TaskStatus `json:"status"`
	Priority          int        `json:"priority"`
	SiteID            uuid.UUID  `json:"site_id"`
	ClientID          uuid.UUID  `json:"client_id"`
	AssigneeID        *uuid.UUID `json:"assignee_id"`
	SopID             *uuid.UUID `json:"sop_id"`
	IsMaintenanceTask bool       `json:"is_maintenance_task"`
	MaintenancePeriod string     `json:"maintenance_period"`
	DueDate           time.Time  `json:"due_date"`
	EstimatedMinutes  *int       `json:"estimated_minutes"`
	IsBillable        bool       `json:"is_billable"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// MaintenanceGenerationLog 每个 (plan, site, period) 唯一，标记该周期已生成
type MaintenanceGenerationLog struct {
	ID                uuid.UUID `json:"id"`
	MaintenancePlanID uuid.UUID `json:"maintenance_plan_id"`
	SiteID            uuid.UUID `json:"site_id"`
	Period            string    `json:"period"`
	TasksCreated      int       `json:"tasks_created"`
	TasksAbandoned    int       `json:"tasks_abandoned"`
	GeneratedAt       time.Time `json:"generated_at"`
}
