package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository"
	"agencyops/pkg/apperr"
	"agencyops/pkg/logger"
	"agencyops/pkg/metrics"
	"agencyops/pkg/rbac"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxAttempts 条件更新失败后重新读取校验的次数上限
const maxAttempts = 3

// transition 一种计费迁移：权限、起止状态和状态校验
type transition struct {
	permission string
	from       model.BillingStatus
	to         model.BillingStatus
	validate   func(m *model.Milestone) error
}

var (
	triggerTransition = transition{
		permission: rbac.PermissionTriggerMilestone,
		from:       model.BillingPending,
		to:         model.BillingTriggered,
		validate:   validateTrigger,
	}
	invoiceTransition = transition{
		permission: rbac.PermissionInvoiceMilestone,
		from:       model.BillingTriggered,
		to:         model.BillingInvoiced,
		validate:   validateInvoice,
	}
)

func validateTrigger(m *model.Milestone) error {
	if !m.HasBillingAmount() {
		return apperr.InvalidState("no billing amount")
	}
	if m.BillingStatus != model.BillingPending {
		return apperr.InvalidState(fmt.Sprintf("already %s", m.BillingStatus))
	}
	return nil
}

func validateInvoice(m *model.Milestone) error {
	if !m.HasBillingAmount() {
		return apperr.InvalidState("no billing amount")
	}
	switch m.BillingStatus {
	case model.BillingPending:
		return apperr.InvalidState("must be triggered before invoicing")
	case model.BillingInvoiced:
		return apperr.InvalidState("already invoiced")
	case model.BillingTriggered:
		return nil
	default:
		return apperr.InvalidState(fmt.Sprintf("unknown billing status %q", m.BillingStatus))
	}
}

type Service struct {
	store  repository.MilestoneStore
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store repository.MilestoneStore, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithClock 替换时钟，用于测试
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Trigger moves a milestone from pending to triggered.
func (s *Service) Trigger(ctx context.Context, actor model.Actor, milestoneID uuid.UUID) (*model.Milestone, error) {
	return s.apply(ctx, actor, milestoneID, triggerTransition)
}

// MarkInvoiced moves a milestone from triggered to invoiced.
func (s *Service) MarkInvoiced(ctx context.Context, actor model.Actor, milestoneID uuid.UUID) (*model.Milestone, error) {
	return s.apply(ctx, actor, milestoneID, invoiceTransition)
}

// apply 依次执行 authorize → load → validate → compare-and-swap，返回第一个失败阶段的错误
func (s *Service) apply(ctx context.Context, actor model.Actor, milestoneID uuid.UUID, t transition) (*model.Milestone, error) {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("milestone_id", milestoneID.String()),
		zap.String("actor_id", actor.UserID.String()),
		zap.String("to", string(t.to)),
	)

	if err := rbac.CheckPermission(actor.Role, t.permission); err != nil {
		log.Warn("Milestone transition forbidden", zap.String("role", actor.Role))
		metrics.RecordMilestoneTransition(string(t.to), "forbidden")
		return nil, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		m, err := s.store.GetMilestone(ctx, milestoneID)
		if err != nil {
			return nil, err
		}

		if err := t.validate(m); err != nil {
			log.Info("Milestone transition rejected",
				zap.String("status", string(m.BillingStatus)),
				zap.Error(err),
			)
			metrics.RecordMilestoneTransition(string(t.to), "rejected")
			return nil, err
		}

		at := s.now().UTC()
		ok, err := s.store.TransitionBilling(ctx, repository.BillingTransition{
			MilestoneID: milestoneID,
			From:        t.from,
			To:          t.to,
			ActorID:     actor.UserID,
			At:          at,
		})
		if err != nil {
			log.Error("Milestone transition failed", zap.Error(err))
			return nil, apperr.Internal(fmt.Errorf("transition milestone %s: %w", milestoneID, err))
		}
		if !ok {
			// 条件更新落空：状态已被并发请求推进，重新读取后按新状态校验
			log.Info("Milestone transition lost race", zap.Int("attempt", attempt))
			metrics.RecordMilestoneTransition(string(t.to), "conflict")
			continue
		}

		applied(m, t.to, actor.UserID, at)
		metrics.RecordMilestoneTransition(string(t.to), "applied")
		log.Info("Milestone transition applied")
		return m, nil
	}

	return nil, apperr.Internal(errors.New("milestone transition did not settle"))
}

func applied(m *model.Milestone, to model.BillingStatus, actor uuid.UUID, at time.Time) {
	m.BillingStatus = to
	m.UpdatedAt = at
	switch to {
	case model.BillingTriggered:
		m.TriggeredAt, m.TriggeredBy = &at, &actor
	case model.BillingInvoiced:
		m.InvoicedAt, m.InvoicedBy = &at, &actor
	}
}

// ListUnbilled returns triggered milestones, oldest trigger first.
func (s *Service) ListUnbilled(ctx context.Context, actor model.Actor) ([]model.UnbilledMilestone, error) {
	if err := rbac.CheckPermission(actor.Role, rbac.PermissionViewUnbilled); err != nil {
		return nil, err
	}
	items, err := s.store.ListUnbilled(ctx)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list unbilled milestones: %w", err))
	}
	if items == nil {
		items = []model.UnbilledMilestone{}
	}
	return items, nil
}
