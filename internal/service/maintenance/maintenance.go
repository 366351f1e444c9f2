package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository"
	"agencyops/internal/service/period"
	"agencyops/pkg/apperr"
	"agencyops/pkg/logger"
	"agencyops/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result 单个站点一次生成的结果
type Result struct {
	SiteID         uuid.UUID `json:"siteId"`
	SiteName       string    `json:"siteName"`
	Period         string    `json:"period"`
	TasksCreated   int       `json:"tasksCreated"`
	TasksAbandoned int       `json:"tasksAbandoned"`
}

// Summary 批量生成汇总；单个站点的失败记录在 Errors 中，不中断批次
type Summary struct {
	TotalSitesProcessed int      `json:"totalSitesProcessed"`
	TotalTasksCreated   int      `json:"totalTasksCreated"`
	TotalTasksAbandoned int      `json:"totalTasksAbandoned"`
	Results             []Result `json:"results"`
	Errors              []string `json:"errors"`
}

// Upcoming 站点下一次维护周期
type Upcoming struct {
	NextPeriod    string     `json:"nextPeriod"`
	NextDueDate   time.Time  `json:"nextDueDate"`
	LastGenerated *time.Time `json:"lastGenerated"`
}

type Config struct {
	// 批量生成时同时处理的站点数
	Concurrency int
	// 截止日期相对周期最后一天的偏移
	DueOffsetDays int
}

type Service struct {
	store  repository.MaintenanceStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store repository.MaintenanceStore, cfg Config, logger *zap.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Service{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock 替换时钟，用于测试
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// DueDate 周期最后一天 23:59:59 加上偏移天数
func (s *Service) DueDate(p period.Period) time.Time {
	return p.LastDay().AddDate(0, 0, s.cfg.DueOffsetDays)
}

// GenerateForSite creates the current period's tasks for one site.
// It returns nil when there is nothing to generate.
func (s *Service) GenerateForSite(ctx context.Context, siteID uuid.UUID) (*Result, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.String("site_id", siteID.String()))

	site, err := s.store.GetSite(ctx, siteID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Debug("Maintenance skipped: site not found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if site.IsDeleted || site.MaintenancePlanID == nil {
		log.Debug("Maintenance skipped: site deleted or has no plan")
		return nil, nil
	}

	plan, err := s.store.GetPlan(ctx, *site.MaintenancePlanID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		log.Debug("Maintenance skipped: plan inactive", zap.String("plan_id", plan.ID.String()))
		return nil, nil
	}

	sops, err := s.store.ListActiveSOPs(ctx, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("list SOPs for plan %s: %w", plan.ID, err)
	}
	if len(sops) == 0 {
		log.Debug("Maintenance skipped: plan has no active SOPs", zap.String("plan_id", plan.ID.String()))
		return nil, nil
	}

	now := s.now().UTC()
	p := period.MonthOf(now)
	key := p.Key()

	done, err := s.store.HasGenerationLog(ctx, plan.ID, site.ID, key)
	if err != nil {
		return nil, fmt.Errorf("check generation log: %w", err)
	}
	if done {
		log.Debug("Maintenance skipped: period already generated", zap.String("period", key))
		return nil, nil
	}

	result := &Result{SiteID: site.ID, SiteName: site.Name, Period: key}
	due := s.DueDate(p)

	err = s.store.WithinTx(ctx, func(tx repository.GenerationTx) error {
		abandoned, err := tx.AbandonStaleTasks(ctx, site.ID, key, now)
		if err != nil {
			return fmt.Errorf("abandon stale tasks: %w", err)
		}

		created := 0
		for _, sop := range sops {
			sopID := sop.ID
			task := &model.Task{
				Title:             sop.Title,
				Description:       sop.Content,
				Status:            model.TaskNotStarted,
				Priority:          sop.DefaultPriority,
				SiteID:            site.ID,
				ClientID:          site.ClientID,
				AssigneeID:        site.MaintenanceAssigneeID,
				SopID:             &sopID,
				IsMaintenanceTask: true,
				MaintenancePeriod: key,
				DueDate:           due,
				EstimatedMinutes:  sop.EstimatedMinutes,
				IsBillable:        true,
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return fmt.Errorf("create task from SOP %s: %w", sop.ID, err)
			}
			created++
		}

		if err := tx.InsertGenerationLog(ctx, &model.MaintenanceGenerationLog{
			MaintenancePlanID: plan.ID,
			SiteID:            site.ID,
			Period:            key,
			TasksCreated:      created,
			TasksAbandoned:    abandoned,
			GeneratedAt:       now,
		}); err != nil {
			return err
		}

		if err := tx.SetLastGenerated(ctx, site.ID, p.Start); err != nil {
			return fmt.Errorf("update site: %w", err)
		}

		if err := tx.EnqueueEvent(ctx, model.EventMaintenanceGenerated, site.ID, model.MaintenanceGeneratedEvent{
			SiteID:         site.ID,
			PlanID:         plan.ID,
			Period:         key,
			TasksCreated:   created,
			TasksAbandoned: abandoned,
		}); err != nil {
			return fmt.Errorf("enqueue event: %w", err)
		}

		result.TasksCreated = created
		result.TasksAbandoned = abandoned
		return nil
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// 并发生成同一周期，另一方已提交
		log.Info("Maintenance skipped: concurrent generation won", zap.String("period", key))
		return nil, nil
	}
	if err != nil {
		log.Error("Maintenance generation failed", zap.Error(err))
		return nil, err
	}

	metrics.RecordMaintenanceRun("generated", result.TasksCreated, result.TasksAbandoned)
	log.Info("Maintenance tasks generated",
		zap.String("period", key),
		zap.Int("tasks_created", result.TasksCreated),
		zap.Int("tasks_abandoned", result.TasksAbandoned),
	)
	return result, nil
}

// GenerateAllDue runs GenerateForSite for every due site. Per-site failures are
// collected into Summary.Errors.
func (s *Service) GenerateAllDue(ctx context.Context) (*Summary, error) {
	key := period.MonthOf(s.now()).Key()
	sites, err := s.store.ListDueSites(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list due sites: %w", err)
	}

	log := logger.WithTrace(ctx, s.logger)
	log.Info("Generating maintenance for due sites",
		zap.String("period", key),
		zap.Int("sites", len(sites)),
		zap.Int("concurrency", s.cfg.Concurrency),
	)

	results := make([]*Result, len(sites))
	failures := make([]error, len(sites))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, site := range sites {
		i, site := i, site
		g.Go(func() error {
			results[i], failures[i] = s.generateRecovered(ctx, site.ID)
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{Results: []Result{}, Errors: []string{}}
	for i, site := range sites {
		if err := failures[i]; err != nil {
			metrics.RecordMaintenanceRun("failed", 0, 0)
			summary.Errors = append(summary.Errors, fmt.Sprintf("site %s: %s", site.ID, err.Error()))
			continue
		}
		r := results[i]
		if r == nil {
			metrics.RecordMaintenanceRun("skipped", 0, 0)
			continue
		}
		summary.Results = append(summary.Results, *r)
		summary.TotalSitesProcessed++
		summary.TotalTasksCreated += r.TasksCreated
		summary.TotalTasksAbandoned += r.TasksAbandoned
	}

	log.Info("Maintenance batch finished",
		zap.Int("sites_processed", summary.TotalSitesProcessed),
		zap.Int("tasks_created", summary.TotalTasksCreated),
		zap.Int("tasks_abandoned", summary.TotalTasksAbandoned),
		zap.Int("errors", len(summary.Errors)),
	)
	return summary, nil
}

// generateRecovered 单个站点的 panic 转为错误，避免影响其他站点
func (s *Service) generateRecovered(ctx context.Context, siteID uuid.UUID) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.GenerateForSite(ctx, siteID)
}

// Upcoming reports the current period, its due date and the last generation.
// It returns nil when the site has no maintenance plan.
func (s *Service) Upcoming(ctx context.Context, siteID uuid.UUID) (*Upcoming, error) {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if site.IsDeleted {
		return nil, apperr.NotFound("Site not found")
	}
	if site.MaintenancePlanID == nil {
		return nil, nil
	}

	p := period.MonthOf(s.now())
	up := &Upcoming{NextPeriod: p.Key(), NextDueDate: s.DueDate(p)}

	last, err := s.store.LatestGenerationLog(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("latest generation log: %w", err)
	}
	if last != nil {
		at := last.GeneratedAt
		up.LastGenerated = &at
	}
	return up, nil
}
