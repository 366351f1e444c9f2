package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository"
	"agencyops/pkg/logger"
	"agencyops/pkg/mq"
	"agencyops/pkg/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxRetries = 5 // 最大重试次数

	retainerAlertHandlerName = "retainer_alert_notify"
)

// RetryCounter *util.RetryCounter 实现
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// RetainerAlertHandler 把 retainer.alert 事件写成每个收件人的站内通知
type RetainerAlertHandler struct {
	store   repository.NotificationStore
	retries RetryCounter
	logger  *zap.Logger
	now     func() time.Time
}

func NewRetainerAlertHandler(store repository.NotificationStore, retries RetryCounter, logger *zap.Logger) *RetainerAlertHandler {
	return &RetainerAlertHandler{
		store:   store,
		retries: retries,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle returns nil to ack, an error wrapping mq.ErrDeadLetter to park the
// message, and any other error to have it redelivered.
func (h *RetainerAlertHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var ev model.RetainerAlertEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		// JSON decode 错误 - 不可重试，发送到 DLQ
		log.Error("Failed to unmarshal retainer alert payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		return fmt.Errorf("%w: json_unmarshal_error: %v", mq.ErrDeadLetter, err)
	}
	if ev.ClientID == uuid.Nil || ev.Period == "" || ev.Threshold == 0 {
		log.Error("Retainer alert payload missing fields (sending to DLQ)", zap.String("raw_payload", string(raw)))
		return fmt.Errorf("%w: incomplete retainer alert payload", mq.ErrDeadLetter)
	}

	log = log.With(
		zap.String("client_id", ev.ClientID.String()),
		zap.String("period", ev.Period),
		zap.Int("threshold", ev.Threshold),
	)
	if len(ev.RecipientIDs) == 0 {
		log.Info("Retainer alert has no recipients, skipping")
		return nil
	}

	notifications := h.notificationsFor(ev)
	retryKey := util.FormatRetryKey(retainerAlertHandlerName, dedupKey(ev))

	created, err := h.store.CreateNotifications(ctx, notifications)
	if err != nil {
		isRetryable, errType := util.IsRetryableError(err)

		retryCount, rcErr := h.retries.IncrementAndGet(ctx, retryKey)
		if rcErr != nil {
			// Redis 错误不影响处理
			log.Warn("Failed to get retry count, continuing anyway", zap.Error(rcErr))
			retryCount = 1
		}

		log.Error("Failed to create retainer alert notifications",
			zap.String("error_type", errType),
			zap.Bool("retryable", isRetryable),
			zap.Int64("retry_count", retryCount),
			zap.Error(err),
		)

		if !util.ShouldRetry(retryCount, maxRetries, isRetryable) {
			_ = h.retries.Reset(ctx, retryKey)
			return fmt.Errorf("%w: %s: %v", mq.ErrDeadLetter, errType, err)
		}
		return err
	}

	_ = h.retries.Reset(ctx, retryKey)
	log.Info("Retainer alert notifications created",
		zap.Int("recipients", len(ev.RecipientIDs)),
		zap.Int("created", created),
	)
	return nil
}

func (h *RetainerAlertHandler) notificationsFor(ev model.RetainerAlertEvent) []model.Notification {
	title := fmt.Sprintf("Retainer alert: %s", ev.ClientName)
	message := fmt.Sprintf("%d%% used (%g/%g hours)", int(math.Round(ev.PercentUsed)), ev.UsedHours, ev.AllocatedHours)
	key := dedupKey(ev)
	at := h.now().UTC()

	out := make([]model.Notification, 0, len(ev.RecipientIDs))
	for _, userID := range ev.RecipientIDs {
		out = append(out, model.Notification{
			ID:         uuid.New(),
			UserID:     userID,
			Type:       model.NotificationRetainerAlert,
			Title:      title,
			Message:    message,
			EntityType: "client",
			EntityID:   ev.ClientID,
			DedupKey:   key,
			CreatedAt:  at,
		})
	}
	return out
}

func dedupKey(ev model.RetainerAlertEvent) string {
	return fmt.Sprintf("%s:%s:%s:%d", model.NotificationRetainerAlert, ev.ClientID, ev.Period, ev.Threshold)
}
