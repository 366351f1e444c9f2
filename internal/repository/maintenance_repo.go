package repository

import (
	"context"
	"fmt"
	"time"

	"agencyops/internal/model"
	"agencyops/pkg/apperr"
	"agencyops/pkg/db"
	"agencyops/pkg/outbox"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// txAttempts 序列化冲突或死锁时整体重试的次数
const txAttempts = 3

type MaintenanceRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewMaintenanceRepository(db *pgxpool.Pool, logger *zap.Logger) *MaintenanceRepository {
	return &MaintenanceRepository{db: db, logger: logger}
}

const siteColumns = `id, name, client_id, maintenance_plan_id, maintenance_assignee_id,
               last_maintenance_generated_at, is_deleted`

func scanSite(row pgx.Row, s *model.Site) error {
	return row.Scan(
		&s.ID,
		&s.Name,
		&s.ClientID,
		&s.MaintenancePlanID,
		&s.MaintenanceAssigneeID,
		&s.LastMaintenanceGeneratedAt,
		&s.IsDeleted,
	)
}

func (r *MaintenanceRepository) GetSite(ctx context.Context, id uuid.UUID) (*model.Site, error) {
	var s model.Site
	err := scanSite(r.db.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id), &s)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Site not found")
	}
	if err != nil {
		r.logger.Error("Failed to get site", zap.String("site_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("get site: %w", err)
	}
	return &s, nil
}

func (r *MaintenanceRepository) GetPlan(ctx context.Context, id uuid.UUID) (*model.MaintenancePlan, error) {
	query := `
        SELECT id, name, rate_cents, hours::float8, is_active
        FROM maintenance_plans
        WHERE id = $1
    `
	var p model.MaintenancePlan
	err := r.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.RateCents, &p.Hours, &p.IsActive)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Maintenance plan not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get maintenance plan: %w", err)
	}
	return &p, nil
}

func (r *MaintenanceRepository) ListActiveSOPs(ctx context.Context, planID uuid.UUID) ([]model.SOP, error) {
	query := `
        SELECT s.id, s.title, s.content, s.default_priority, s.estimated_minutes, s.is_active, ps.sort_order
        FROM maintenance_plan_sops ps
        JOIN sops s ON s.id = ps.sop_id
        WHERE ps.plan_id = $1 AND s.is_active = true
        ORDER BY ps.sort_order ASC
    `
	rows, err := r.db.Query(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan SOPs: %w", err)
	}
	defer rows.Close()

	var out []model.SOP
	for rows.Next() {
		var s model.SOP
		if err := rows.Scan(&s.ID, &s.Title, &s.Content, &s.DefaultPriority, &s.EstimatedMinutes, &s.IsActive, &s.SortOrder); err != nil {
			return nil, fmt.Errorf("scan SOP: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *MaintenanceRepository) HasGenerationLog(ctx context.Context, planID, siteID uuid.UUID, period string) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1 FROM maintenance_generation_logs
            WHERE maintenance_plan_id = $1 AND site_id = $2 AND period = $3
        )
    `
	var exists bool
	if err := r.db.QueryRow(ctx, query, planID, siteID, period).Scan(&exists); err != nil {
		return false, fmt.Errorf("check generation log: %w", err)
	}
	return exists, nil
}

func (r *MaintenanceRepository) LatestGenerationLog(ctx context.Context, siteID uuid.UUID) (*model.MaintenanceGenerationLog, error) {
	query := `
        SELECT id, maintenance_plan_id, site_id, period, tasks_created, tasks_abandoned, generated_at
        FROM maintenance_generation_logs
        WHERE site_id = $1
        ORDER BY generated_at DESC
        LIMIT 1
    `
	var l model.MaintenanceGenerationLog
	err := r.db.QueryRow(ctx, query, siteID).Scan(
		&l.ID, &l.MaintenancePlanID, &l.SiteID, &l.Period, &l.TasksCreated, &l.TasksAbandoned, &l.GeneratedAt,
	)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest generation log: %w", err)
	}
	return &l, nil
}

func (r *MaintenanceRepository) ListDueSites(ctx context.Context, period string) ([]model.Site, error) {
	query := `
        SELECT ` + siteColumns + `
        FROM sites s
        JOIN maintenance_plans mp ON mp.id = s.maintenance_plan_id AND mp.is_active = true
        WHERE s.is_deleted = false
          AND EXISTS (
              SELECT 1 FROM maintenance_plan_sops ps
              JOIN sops sp ON sp.id = ps.sop_id AND sp.is_active = true
              WHERE ps.plan_id = mp.id
          )
          AND NOT EXISTS (
              SELECT 1 FROM maintenance_generation_logs l
              WHERE l.maintenance_plan_id = mp.id AND l.site_id = s.id AND l.period = $1
          )
        ORDER BY s.name ASC, s.id ASC
    `
	rows, err := r.db.Query(ctx, query, period)
	if err != nil {
		r.logger.Error("Failed to list due sites", zap.Error(err))
		return nil, fmt.Errorf("list due sites: %w", err)
	}
	defer rows.Close()

	var out []model.Site
	for rows.Next() {
		var s model.Site
		if err := scanSite(rows, &s); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// WithinTx 序列化冲突时整体重试；其他错误直接回滚返回
func (r *MaintenanceRepository) WithinTx(ctx context.Context, fn func(tx GenerationTx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
			return fn(&pgGenerationTx{tx: tx})
		})
		if !db.IsRetryable(err) {
			return err
		}
		r.logger.Warn("Retrying maintenance transaction", zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

type pgGenerationTx struct {
	tx pgx.Tx
}

func (t *pgGenerationTx) AbandonStaleTasks(ctx context.Context, siteID uuid.UUID, currentPeriod string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
        UPDATE tasks
        SET status = 'abandoned', updated_at = $3
        WHERE site_id = $1
          AND is_maintenance_task = true
          AND status NOT IN ('done', 'abandoned')
          AND maintenance_period IS DISTINCT FROM $2
    `, siteID, currentPeriod, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgGenerationTx) CreateTask(ctx context.Context, task *model.Task) error {
	query := `
        INSERT INTO tasks (title, description, status, priority, site_id, client_id, assignee_id, sop_id,
                           is_maintenance_task, maintenance_period, due_date, estimated_minutes, is_billable)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING id, created_at, updated_at
    `
	return t.tx.QueryRow(ctx, query,
		task.Title,
		task.Description,
		task.Status,
		task.Priority,
		task.SiteID,
		task.ClientID,
		task.AssigneeID,
		task.SopID,
		task.IsMaintenanceTask,
		task.MaintenancePeriod,
		task.DueDate,
		task.EstimatedMinutes,
		task.IsBillable,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
}

func (t *pgGenerationTx) InsertGenerationLog(ctx context.Context, log *model.MaintenanceGenerationLog) error {
	query := `
        INSERT INTO maintenance_generation_logs
            (maintenance_plan_id, site_id, period, tasks_created, tasks_abandoned, generated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `
	err := t.tx.QueryRow(ctx, query,
		log.MaintenancePlanID,
		log.SiteID,
		log.Period,
		log.TasksCreated,
		log.TasksAbandoned,
		log.GeneratedAt,
	).Scan(&log.ID)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgGenerationTx) SetLastGenerated(ctx context.Context, siteID uuid.UUID, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
        UPDATE sites SET last_maintenance_generated_at = $2, updated_at = NOW() WHERE id = $1
    `, siteID, at)
	return err
}

func (t *pgGenerationTx) EnqueueEvent(ctx context.Context, routingKey string, aggregateID uuid.UUID, payload interface{}) error {
	return outbox.InsertEventInTx(ctx, t.tx, "site", aggregateID, routingKey, payload)
}
