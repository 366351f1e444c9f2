package repository

import (
	"context"
	"fmt"
	"time"

	"agencyops/internal/model"
	"agencyops/pkg/apperr"
	"agencyops/pkg/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type ClientRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewClientRepository(db *pgxpool.Pool, logger *zap.Logger) *ClientRepository {
	return &ClientRepository{db: db, logger: logger}
}

const clientColumns = `id, name, status, retainer_hours::float8, is_deleted`

func (r *ClientRepository) GetClient(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`

	var c model.Client
	err := r.db.QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Status, &c.RetainerHours, &c.IsDeleted)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Client not found")
	}
	if err != nil {
		r.logger.Error("Failed to get client", zap.String("client_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

func (r *ClientRepository) ListRetainerClients(ctx context.Context) ([]model.Client, error) {
	query := `
        SELECT ` + clientColumns + `
        FROM clients
        WHERE status = 'active' AND is_deleted = false AND retainer_hours > 0
        ORDER BY name ASC
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list retainer clients", zap.Error(err))
		return nil, fmt.Errorf("list retainer clients: %w", err)
	}
	defer rows.Close()

	var out []model.Client
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.RetainerHours, &c.IsDeleted); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListBillableEntries 工时通过 project 或 task（及 task 所属 project）归属到客户
func (r *ClientRepository) ListBillableEntries(ctx context.Context, clientID uuid.UUID, start, end time.Time) ([]model.TimeEntry, error) {
	query := `
        SELECT te.id, te.project_id, te.task_id, te.user_id, te.started_at, te.ended_at,
               te.duration_minutes, te.is_billable, te.is_deleted
        FROM time_entries te
        LEFT JOIN projects p ON p.id = te.project_id
        LEFT JOIN tasks t ON t.id = te.task_id
        LEFT JOIN projects tp ON tp.id = t.project_id
        WHERE te.is_billable = true
          AND te.is_deleted = false
          AND te.started_at >= $2 AND te.started_at < $3
          AND (p.client_id = $1 OR t.client_id = $1 OR tp.client_id = $1)
    `
	rows, err := r.db.Query(ctx, query, clientID, start, end)
	if err != nil {
		r.logger.Error("Failed to list time entries", zap.String("client_id", clientID.String()), zap.Error(err))
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	defer rows.Close()

	var out []model.TimeEntry
	for rows.Next() {
		var e model.TimeEntry
		if err := rows.Scan(
			&e.ID,
			&e.ProjectID,
			&e.TaskID,
			&e.UserID,
			&e.StartedAt,
			&e.EndedAt,
			&e.DurationMinutes,
			&e.IsBillable,
			&e.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
