package maintenance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository/memory"
	"agencyops/pkg/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var march = time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	svc   *Service
	plan  model.MaintenancePlan
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewStore().WithClock(func() time.Time { return march })
	plan := model.MaintenancePlan{ID: uuid.New(), Name: "Care", RateCents: 9900, IsActive: true}
	mins := 30
	store.AddPlan(plan,
		model.SOP{ID: uuid.New(), Title: "Backups", IsActive: true, SortOrder: 2, DefaultPriority: 2},
		model.SOP{ID: uuid.New(), Title: "Plugin updates", IsActive: true, SortOrder: 1, DefaultPriority: 1, EstimatedMinutes: &mins},
		model.SOP{ID: uuid.New(), Title: "Retired check", IsActive: false, SortOrder: 0},
	)
	return &fixture{
		store: store,
		svc:   NewService(store, cfg, zap.NewNop()).WithClock(func() time.Time { return march }),
		plan:  plan,
	}
}

func (f *fixture) site(name string) uuid.UUID {
	id := uuid.New()
	planID := f.plan.ID
	assignee := uuid.New()
	f.store.AddSite(model.Site{
		ID:                    id,
		Name:                  name,
		ClientID:              uuid.New(),
		MaintenancePlanID:     &planID,
		MaintenanceAssigneeID: &assignee,
	})
	return id
}

func (f *fixture) staleTask(siteID uuid.UUID, period string, status model.TaskStatus) {
	f.store.AddTask(model.Task{
		ID:                uuid.New(),
		Title:             "old",
		Status:            status,
		SiteID:            siteID,
		IsMaintenanceTask: true,
		MaintenancePeriod: period,
	})
}

func countStatus(tasks []model.Task, status model.TaskStatus) int {
	n := 0
	for _, t := range tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

func TestGenerateForSite_CreatesTasksInPlanOrder(t *testing.T) {
	f := newFixture(t, Config{})
	siteID := f.site("Acme")

	res, err := f.svc.GenerateForSite(context.Background(), siteID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, Result{SiteID: siteID, SiteName: "Acme", Period: "2024-03", TasksCreated: 2}, *res)

	tasks := f.store.Tasks(siteID)
	require.Len(t, tasks, 2)
	assert.Equal(t, "Plugin updates", tasks[0].Title)
	assert.Equal(t, "Backups", tasks[1].Title)

	wantDue := time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)
	for _, task := range tasks {
		assert.Equal(t, model.TaskNotStarted, task.Status)
		assert.Equal(t, "2024-03", task.MaintenancePeriod)
		assert.Equal(t, wantDue, task.DueDate)
		assert.True(t, task.IsMaintenanceTask)
		assert.True(t, task.IsBillable)
		assert.NotNil(t, task.SopID)
		assert.NotNil(t, task.AssigneeID)
	}
	require.NotNil(t, tasks[0].EstimatedMinutes)
	assert.Equal(t, 30, *tasks[0].EstimatedMinutes)

	site, _ := f.store.Site(siteID)
	require.NotNil(t, site.LastMaintenanceGeneratedAt)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *site.LastMaintenanceGeneratedAt)

	logs := f.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "2024-03", logs[0].Period)
	assert.Equal(t, 2, logs[0].TasksCreated)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventMaintenanceGenerated, events[0].RoutingKey)
}

func TestGenerateForSite_DueOffset(t *testing.T) {
	f := newFixture(t, Config{DueOffsetDays: 5})
	siteID := f.site("Acme")

	_, err := f.svc.GenerateForSite(context.Background(), siteID)
	require.NoError(t, err)

	tasks := f.store.Tasks(siteID)
	require.NotEmpty(t, tasks)
	assert.Equal(t, time.Date(2024, 4, 5, 23, 59, 59, 0, time.UTC), tasks[0].DueDate)
}

func TestGenerateForSite_IdempotentWithinPeriod(t *testing.T) {
	f := newFixture(t, Config{})
	siteID := f.site("Acme")
	f.staleTask(siteID, "2024-02", model.TaskInProgress)

	first, err := f.svc.GenerateForSite(context.Background(), siteID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.TasksAbandoned)

	second, err := f.svc.GenerateForSite(context.Background(), siteID)
	require.NoError(t, err)
	assert.Nil(t, second)

	tasks := f.store.Tasks(siteID)
	assert.Len(t, tasks, 3)
	assert.Equal(t, 1, countStatus(tasks, model.TaskAbandoned))
	assert.Len(t, f.store.Logs(), 1)
}

func TestGenerateForSite_AbandonsOnlyOpenTasksFromOtherPeriods(t *testing.T) {
	f := newFixture(t, Config{})
	siteID := f.site("Acme")
	otherSite := f.site("Other")

	f.staleTask(siteID, "2024-02", model.TaskNotStarted)
	f.staleTask(siteID, "2024-01", model.TaskReview)
	f.staleTask(siteID, "2024-02", model.TaskDone)
	f.staleTask(siteID, "2024-01", model.TaskAbandoned)
	f.staleTask(otherSite, "2024-02", model.TaskInProgress)
	// 非维护任务不受影响
	f.store.AddTask(model.Task{ID: uuid.New(), SiteID: siteID, Status: model.TaskInProgress})

	res, err := f.svc.GenerateForSite(context.Background(), siteID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TasksAbandoned)

	tasks := f.store.Tasks(siteID)
	assert.Equal(t, 3, countStatus(tasks, model.TaskAbandoned))
	assert.Equal(t, 1, countStatus(tasks, model.TaskDone))
	assert.Equal(t, 1, countStatus(tasks, model.TaskInProgress))
	assert.Equal(t, 1, countStatus(f.store.Tasks(otherSite), model.TaskInProgress))
}

func TestGenerateForSite_NoOps(t *testing.T) {
	ctx := context.Background()

	t.Run("missing site", func(t *testing.T) {
		f := newFixture(t, Config{})
		res, err := f.svc.GenerateForSite(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("deleted site", func(t *testing.T) {
		f := newFixture(t, Config{})
		id := f.site("Gone")
		site, _ := f.store.Site(id)
		site.IsDeleted = true
		f.store.AddSite(site)

		res, err := f.svc.GenerateForSite(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("no plan", func(t *testing.T) {
		f := newFixture(t, Config{})
		id := uuid.New()
		f.store.AddSite(model.Site{ID: id, Name: "Bare", ClientID: uuid.New()})

		res, err := f.svc.GenerateForSite(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("inactive plan", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.plan.IsActive = false
		f.store.AddPlan(f.plan, model.SOP{ID: uuid.New(), Title: "x", IsActive: true})
		id := f.site("Paused")

		res, err := f.svc.GenerateForSite(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("no active SOPs", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.store.AddPlan(f.plan, model.SOP{ID: uuid.New(), Title: "x", IsActive: false})
		id := f.site("Empty")

		res, err := f.svc.GenerateForSite(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Empty(t, f.store.Tasks(id))
	})

	t.Run("log already exists", func(t *testing.T) {
		f := newFixture(t, Config{})
		id := f.site("Done")
		f.store.AddGenerationLog(model.MaintenanceGenerationLog{ID: uuid.New(), MaintenancePlanID: f.plan.ID, SiteID: id, Period: "2024-03"})

		res, err := f.svc.GenerateForSite(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, res)
	})
}

func TestGenerateForSite_FailureRollsBackEverything(t *testing.T) {
	f := newFixture(t, Config{})
	siteID := f.site("Acme")
	f.staleTask(siteID, "2024-02", model.TaskInProgress)
	f.store.FailCreateTaskOn(2)

	res, err := f.svc.GenerateForSite(context.Background(), siteID)
	require.Error(t, err)
	assert.Nil(t, res)

	tasks := f.store.Tasks(siteID)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskInProgress, tasks[0].Status)
	assert.Empty(t, f.store.Logs())
	assert.Empty(t, f.store.Events())

	site, _ := f.store.Site(siteID)
	assert.Nil(t, site.LastMaintenanceGeneratedAt)
}

func TestGenerateAllDue(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency %d", concurrency), func(t *testing.T) {
			f := newFixture(t, Config{Concurrency: concurrency})
			a := f.site("A")
			b := f.site("B")
			c := f.site("C")
			f.staleTask(c, "2024-02", model.TaskNotStarted)
			f.store.FailSite(b, errors.New("database unavailable"))

			done := f.site("D")
			f.store.AddGenerationLog(model.MaintenanceGenerationLog{ID: uuid.New(), MaintenancePlanID: f.plan.ID, SiteID: done, Period: "2024-03"})
			f.store.AddSite(model.Site{ID: uuid.New(), Name: "No plan", ClientID: uuid.New()})

			summary, err := f.svc.GenerateAllDue(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 2, summary.TotalSitesProcessed)
			assert.Equal(t, 4, summary.TotalTasksCreated)
			assert.Equal(t, 1, summary.TotalTasksAbandoned)
			require.Len(t, summary.Errors, 1)
			assert.Equal(t, fmt.Sprintf("site %s: database unavailable", b), summary.Errors[0])

			require.Len(t, summary.Results, 2)
			assert.Equal(t, a, summary.Results[0].SiteID)
			assert.Equal(t, c, summary.Results[1].SiteID)
			assert.Empty(t, f.store.Tasks(done))
		})
	}
}

func TestUpcoming(t *testing.T) {
	f := newFixture(t, Config{})
	siteID := f.site("Acme")
	ctx := context.Background()

	up, err := f.svc.Upcoming(ctx, siteID)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, "2024-03", up.NextPeriod)
	assert.Equal(t, time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC), up.NextDueDate)
	assert.Nil(t, up.LastGenerated)

	_, err = f.svc.GenerateForSite(ctx, siteID)
	require.NoError(t, err)

	up, err = f.svc.Upcoming(ctx, siteID)
	require.NoError(t, err)
	require.NotNil(t, up.LastGenerated)
	assert.Equal(t, march, *up.LastGenerated)

	bare := uuid.New()
	f.store.AddSite(model.Site{ID: bare, Name: "Bare"})
	up, err = f.svc.Upcoming(ctx, bare)
	require.NoError(t, err)
	assert.Nil(t, up)

	_, err = f.svc.Upcoming(ctx, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
