package alerts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository"
	"agencyops/internal/service/period"
	"agencyops/internal/service/retainer"
	"agencyops/pkg/logger"
	"agencyops/pkg/metrics"
	"agencyops/pkg/rbac"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dedupScope Redis 去重 key 的前缀
const dedupScope = "retainer_alert"

// 告警阈值，从高到低检查，每个客户每次只发一条
var thresholds = []int{100, 80}

// Deduper 每个 key 只允许获取一次（*util.Deduper 实现）
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, key string) (bool, error)
	Release(ctx context.Context, scope, key string) error
}

// Publisher 发布告警消息（*mq.Publisher 实现）
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload interface{}) error
}

// Evaluator 计算所有 retainer 客户的使用情况
type Evaluator interface {
	All(ctx context.Context, p period.Period) ([]retainer.Status, error)
}

// Result 一次检查的结果
type Result struct {
	ClientsChecked int      `json:"clientsChecked"`
	AlertsSent     int      `json:"alertsSent"`
	Errors         []string `json:"errors,omitempty"`
}

type Service struct {
	evaluator Evaluator
	users     repository.UserStore
	dedup     Deduper
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(evaluator Evaluator, users repository.UserStore, dedup Deduper, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{
		evaluator: evaluator,
		users:     users,
		dedup:     dedup,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock 替换时钟，用于测试
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Threshold returns the highest alert threshold reached, or 0.
func Threshold(percentUsed float64) int {
	for _, t := range thresholds {
		if percentUsed >= float64(t) {
			return t
		}
	}
	return 0
}

// Check evaluates month-to-date usage and publishes at most one alert per
// client, month and threshold.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	log := logger.WithTrace(ctx, s.logger)
	p := period.CurrentMonth(s.now())

	statuses, err := s.evaluator.All(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("evaluate retainers: %w", err)
	}
	result := &Result{ClientsChecked: len(statuses)}

	recipients, err := s.users.ListActiveByRoles(ctx, rbac.RolePM, rbac.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("list alert recipients: %w", err)
	}
	if len(recipients) == 0 {
		log.Info("No PM users to notify", zap.Int("clients_checked", result.ClientsChecked))
		return result, nil
	}
	recipientIDs := make([]uuid.UUID, 0, len(recipients))
	for _, u := range recipients {
		recipientIDs = append(recipientIDs, u.ID)
	}

	for _, st := range statuses {
		threshold := Threshold(st.PercentUsed)
		if threshold == 0 {
			continue
		}
		sent, err := s.alert(ctx, st, threshold, p.Key(), recipientIDs)
		if err != nil {
			log.Error("Failed to send retainer alert",
				zap.String("client_id", st.ClientID.String()),
				zap.Int("threshold", threshold),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, fmt.Sprintf("client %s: %s", st.ClientID, err.Error()))
			continue
		}
		if sent {
			result.AlertsSent++
		}
	}

	log.Info("Retainer alert check finished",
		zap.Int("clients_checked", result.ClientsChecked),
		zap.Int("alerts_sent", result.AlertsSent),
	)
	return result, nil
}

func (s *Service) alert(ctx context.Context, st retainer.Status, threshold int, month string, recipients []uuid.UUID) (bool, error) {
	key := fmt.Sprintf("%s:%s:%d", st.ClientID, month, threshold)
	acquired, err := s.dedup.AcquireOnce(ctx, dedupScope, key)
	if err != nil {
		return false, fmt.Errorf("dedup: %w", err)
	}
	if !acquired {
		return false, nil
	}

	event := model.RetainerAlertEvent{
		ClientID:       st.ClientID,
		ClientName:     st.ClientName,
		Threshold:      threshold,
		PercentUsed:    st.PercentUsed,
		UsedHours:      st.UsedHours,
		AllocatedHours: st.AllocatedHours,
		Period:         month,
		RecipientIDs:   recipients,
		Message:        alertMessage(st, threshold),
	}
	if err := s.publisher.PublishWithContext(ctx, model.EventRetainerAlert, event); err != nil {
		// 发布失败时释放去重 key，下次检查可以重试
		if relErr := s.dedup.Release(ctx, dedupScope, key); relErr != nil {
			s.logger.Warn("Failed to release alert dedup key", zap.String("key", key), zap.Error(relErr))
		}
		return false, fmt.Errorf("publish: %w", err)
	}

	metrics.IncrementRetainerAlert(strconv.Itoa(threshold))
	return true, nil
}

func alertMessage(st retainer.Status, threshold int) string {
	if threshold >= 100 {
		return fmt.Sprintf("%s is over its retainer: %.1f of %.1f hours used (%d%% used)",
			st.ClientName, st.UsedHours, st.AllocatedHours, threshold)
	}
	return fmt.Sprintf("%s is approaching its retainer: %.1f of %.1f hours used (%d%% used)",
		st.ClientName, st.UsedHours, st.AllocatedHours, threshold)
}
