package repository

import (
	"context"
	"fmt"

	"agencyops/internal/model"
	"agencyops/pkg/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type NotificationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewNotificationRepository(db *pgxpool.Pool, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

// CreateNotifications inserts all notifications in one transaction.
func (r *NotificationRepository) CreateNotifications(ctx context.Context, notifications []model.Notification) (int, error) {
	if len(notifications) == 0 {
		return 0, nil
	}

	query := `
        INSERT INTO notifications (id, user_id, type, title, message, entity_type, entity_id, dedup_key, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (user_id, dedup_key) DO NOTHING
    `
	created := 0
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, n := range notifications {
			batch.Queue(query, n.ID, n.UserID, n.Type, n.Title, n.Message, n.EntityType, n.EntityID, n.DedupKey, n.CreatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for range notifications {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			created += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to create notifications", zap.Int("count", len(notifications)), zap.Error(err))
		return 0, fmt.Errorf("create notifications: %w", err)
	}

	r.logger.Debug("Notifications created",
		zap.Int("requested", len(notifications)),
		zap.Int("created", created),
	)
	return created, nil
}
