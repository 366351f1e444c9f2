package repository

import (
	"context"
	"errors"
	"time"

	"agencyops/internal/model"

	"github.com/google/uuid"
)

// ErrDuplicate 唯一约束冲突（例如同一周期的生成日志已存在）
var ErrDuplicate = errors.New("duplicate record")

// MilestoneStore 里程碑计费读写
type MilestoneStore interface {
	// GetMilestone 里程碑不存在或所属项目已删除时返回 NotFound
	GetMilestone(ctx context.Context, id uuid.UUID) (*model.Milestone, error)
	// TransitionBilling 条件更新 billing_status（from → to），并在同一事务中写入 outbox 事件。
	// 没有行被更新时返回 false。
	TransitionBilling(ctx context.Context, t BillingTransition) (bool, error)
	ListUnbilled(ctx context.Context) ([]model.UnbilledMilestone, error)
}

// BillingTransition 一次计费状态迁移
type BillingTransition struct {
	MilestoneID uuid.UUID
	From        model.BillingStatus
	To          model.BillingStatus
	ActorID     uuid.UUID
	At          time.Time
}

// RetainerStore 预付时数计算需要的读取
type RetainerStore interface {
	// GetClient 客户不存在时返回 NotFound
	GetClient(ctx context.Context, id uuid.UUID) (*model.Client, error)
	// ListRetainerClients 返回 active、未删除、retainer_hours > 0 的客户
	ListRetainerClients(ctx context.Context) ([]model.Client, error)
	// ListBillableEntries 返回客户在 [start, end) 内开始的计费、未删除工时
	ListBillableEntries(ctx context.Context, clientID uuid.UUID, start, end time.Time) ([]model.TimeEntry, error)
}

// MaintenanceStore 维护任务生成需要的读取和事务
type MaintenanceStore interface {
	// GetSite 站点不存在时返回 NotFound
	GetSite(ctx context.Context, id uuid.UUID) (*model.Site, error)
	// GetPlan 计划不存在时返回 NotFound
	GetPlan(ctx context.Context, id uuid.UUID) (*model.MaintenancePlan, error)
	// ListActiveSOPs 按 sort_order 返回计划关联的启用 SOP
	ListActiveSOPs(ctx context.Context, planID uuid.UUID) ([]model.SOP, error)
	HasGenerationLog(ctx context.Context, planID, siteID uuid.UUID, period string) (bool, error)
	// LatestGenerationLog 没有记录时返回 nil, nil
	LatestGenerationLog(ctx context.Context, siteID uuid.UUID) (*model.MaintenanceGenerationLog, error)
	// ListDueSites 未删除、计划启用且有 SOP、当前周期尚未生成的站点
	ListDueSites(ctx context.Context, period string) ([]model.Site, error)
	// WithinTx fn 返回错误时回滚所有写入
	WithinTx(ctx context.Context, fn func(tx GenerationTx) error) error
}

// GenerationTx 单个站点一次生成中的事务内写入
type GenerationTx interface {
	// AbandonStaleTasks 将站点中其他周期、非 done/abandoned 的维护任务标记为 abandoned
	AbandonStaleTasks(ctx context.Context, siteID uuid.UUID, currentPeriod string, at time.Time) (int, error)
	CreateTask(ctx context.Context, task *model.Task) error
	// InsertGenerationLog 冲突时返回 ErrDuplicate
	InsertGenerationLog(ctx context.Context, log *model.MaintenanceGenerationLog) error
	SetLastGenerated(ctx context.Context, siteID uuid.UUID, at time.Time) error
	EnqueueEvent(ctx context.Context, routingKey string, aggregateID uuid.UUID, payload interface{}) error
}

// UserStore 用户读取
type UserStore interface {
	// GetUser 用户不存在时返回 NotFound
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	// ListActiveByRoles 返回指定角色的 active 用户
	ListActiveByRoles(ctx context.Context, roles ...string) ([]model.User, error)
}

// NotificationStore 站内通知写入
type NotificationStore interface {
	// CreateNotifications 单事务写入，已存在的 (user_id, dedup_key) 跳过；返回新建数量
	CreateNotifications(ctx context.Context, notifications []model.Notification) (int, error)
}

var (
	_ MilestoneStore    = (*MilestoneRepository)(nil)
	_ RetainerStore     = (*ClientRepository)(nil)
	_ MaintenanceStore  = (*MaintenanceRepository)(nil)
	_ UserStore         = (*UserRepository)(nil)
	_ NotificationStore = (*NotificationRepository)(nil)
)
