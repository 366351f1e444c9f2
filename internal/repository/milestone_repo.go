package repository

import (
	"context"
	"fmt"

	"agencyops/internal/model"
	"agencyops/pkg/apperr"
	"agencyops/pkg/db"
	"agencyops/pkg/outbox"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type MilestoneRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewMilestoneRepository(db *pgxpool.Pool, logger *zap.Logger) *MilestoneRepository {
	return &MilestoneRepository{
		db:     db,
		logger: logger,
	}
}

func (r *MilestoneRepository) GetMilestone(ctx context.Context, id uuid.UUID) (*model.Milestone, error) {
	query := `
        SELECT m.id, m.project_id, m.name, m.billing_amount_cents, m.billing_status,
               m.triggered_at, m.triggered_by, m.invoiced_at, m.invoiced_by, m.created_at, m.updated_at
        FROM milestones m
        JOIN projects p ON p.id = m.project_id AND p.is_deleted = false
        WHERE m.id = $1
    `
	var m model.Milestone
	err := r.db.QueryRow(ctx, query, id).Scan(
		&m.ID,
		&m.ProjectID,
		&m.Name,
		&m.BillingAmountCents,
		&m.BillingStatus,
		&m.TriggeredAt,
		&m.TriggeredBy,
		&m.InvoicedAt,
		&m.InvoicedBy,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Milestone not found")
	}
	if err != nil {
		r.logger.Error("Failed to get milestone", zap.String("milestone_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("get milestone: %w", err)
	}
	return &m, nil
}

// TransitionBilling 条件更新成功时在同一事务中写入 outbox 事件
func (r *MilestoneRepository) TransitionBilling(ctx context.Context, t BillingTransition) (bool, error) {
	r.logger.Debug("Transitioning milestone billing",
		zap.String("milestone_id", t.MilestoneID.String()),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	)

	var column string
	switch t.To {
	case model.BillingTriggered:
		column = "triggered"
	case model.BillingInvoiced:
		column = "invoiced"
	default:
		return false, fmt.Errorf("unsupported billing status %q", t.To)
	}

	query := fmt.Sprintf(`
        UPDATE milestones
        SET billing_status = $3, %[1]s_at = $4, %[1]s_by = $5, updated_at = $4
        WHERE id = $1 AND billing_status = $2
    `, column)

	applied := false
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, t.MilestoneID, t.From, t.To, t.At, t.ActorID)
		if err != nil {
			return fmt.Errorf("update milestone: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		return outbox.InsertEventInTx(ctx, tx, "milestone", t.MilestoneID, model.BillingEventRoutingKey(t.To),
			model.MilestoneBillingEvent{
				MilestoneID: t.MilestoneID,
				From:        t.From,
				To:          t.To,
				ActorID:     t.ActorID,
				At:          t.At,
			})
	})
	if err != nil {
		r.logger.Error("Failed to transition milestone", zap.String("milestone_id", t.MilestoneID.String()), zap.Error(err))
		return false, err
	}
	return applied, nil
}

func (r *MilestoneRepository) ListUnbilled(ctx context.Context) ([]model.UnbilledMilestone, error) {
	query := `
        SELECT m.id, m.name, COALESCE(m.billing_amount_cents, 0), p.id, p.name, c.id, c.name, m.triggered_at
        FROM milestones m
        JOIN projects p ON p.id = m.project_id AND p.is_deleted = false
        JOIN clients c ON c.id = p.client_id
        WHERE m.billing_status = 'triggered' AND m.triggered_at IS NOT NULL
        ORDER BY m.triggered_at ASC
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list unbilled milestones", zap.Error(err))
		return nil, fmt.Errorf("list unbilled milestones: %w", err)
	}
	defer rows.Close()

	var out []model.UnbilledMilestone
	for rows.Next() {
		var u model.UnbilledMilestone
		if err := rows.Scan(
			&u.ID,
			&u.Name,
			&u.BillingAmountCents,
			&u.ProjectID,
			&u.ProjectName,
			&u.ClientID,
			&u.ClientName,
			&u.TriggeredAt,
		); err != nil {
			r.logger.Error("Failed to scan unbilled milestone", zap.Error(err))
			return nil, fmt.Errorf("scan unbilled milestone: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
