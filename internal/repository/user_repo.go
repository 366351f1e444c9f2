package repository

import (
	"context"
	"fmt"

	"agencyops/internal/model"
	"agencyops/pkg/apperr"
	"agencyops/pkg/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// GetUser returns a user by id.
func (r *UserRepository) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	query := `
        SELECT id, email, role, is_active
        FROM users
        WHERE id = $1
    `
	var u model.User
	err := r.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.Role, &u.IsActive)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListActiveByRoles returns active users holding any of roles.
func (r *UserRepository) ListActiveByRoles(ctx context.Context, roles ...string) ([]model.User, error) {
	query := `
        SELECT id, email, role, is_active
        FROM users
        WHERE is_active = true AND role = ANY($1)
        ORDER BY email ASC
    `
	rows, err := r.db.Query(ctx, query, roles)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
