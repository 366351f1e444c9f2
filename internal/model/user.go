package model

import "github.com/google/uuid"

type User struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Role     string    `json:"role"` // admin / pm / tech
	IsActive bool      `json:"is_active"`
}

// Actor 发起操作的已认证用户
type Actor struct {
	UserID uuid.UUID
	Role   string
}
