package model

import (
	"time"

	"github.com/google/uuid"
)

const NotificationRetainerAlert = "retainer_alert"

// Notification 站内通知；(user_id, dedup_key) 唯一，重复投递不会产生重复通知
type Notification struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	DedupKey   string    `json:"-"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}
