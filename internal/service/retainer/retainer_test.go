package retainer

import (
	"context"
	"testing"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository/memory"
	"agencyops/internal/service/period"
	"agencyops/pkg/apperr"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func hours(h float64) *float64 { return &h }
func minutes(m int) *int       { return &m }

func TestClassify_Boundaries(t *testing.T) {
	tests := []struct {
		pct  float64
		want Level
	}{
		{0, Healthy},
		{74.999, Healthy},
		{75, Warning},
		{89.999, Warning},
		{90, Critical},
		{99.999, Critical},
		{100, Exceeded},
		{100.001, Exceeded},
		{250, Exceeded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.pct), "percent %v", tt.pct)
	}
}

func TestUsedMinutes_IgnoresRunningTimers(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Minute)

	entries := []model.TimeEntry{
		{StartedAt: start, EndedAt: &end, DurationMinutes: minutes(60)},
		{StartedAt: start, EndedAt: &end}, // 按起止时间计算 90 分钟
		{StartedAt: start, DurationMinutes: minutes(500)},
	}
	assert.Equal(t, 150, UsedMinutes(entries))
}

type fixture struct {
	store    *memory.Store
	svc      *Service
	clientID uuid.UUID
	project  uuid.UUID
	month    period.Period
}

func newFixture(t *testing.T, retainerHours *float64) *fixture {
	t.Helper()
	store := memory.NewStore()
	f := &fixture{
		store:    store,
		svc:      NewService(store, zap.NewNop()),
		clientID: uuid.New(),
		project:  uuid.New(),
		month:    period.Month(2024, 2),
	}
	store.AddClient(model.Client{ID: f.clientID, Name: "Acme", Status: model.ClientActive, RetainerHours: retainerHours})
	store.AddProject(model.Project{ID: f.project, ClientID: f.clientID, Name: "Acme site"})
	return f
}

func (f *fixture) log(startedAt time.Time, mins int, billable bool) {
	end := startedAt.Add(time.Duration(mins) * time.Minute)
	pid := f.project
	f.store.AddTimeEntry(model.TimeEntry{
		ID:              uuid.New(),
		ProjectID:       &pid,
		UserID:          uuid.New(),
		StartedAt:       startedAt,
		EndedAt:         &end,
		DurationMinutes: &mins,
		IsBillable:      billable,
	})
}

func TestStatus_FortyHourRetainer(t *testing.T) {
	f := newFixture(t, hours(40))
	day := f.month.Start.Add(24 * time.Hour)
	f.log(day, 38*60, true)
	// 非计费、下个月、上个月的工时都不计入
	f.log(day, 120, false)
	f.log(f.month.End, 600, true)
	f.log(f.month.Start.Add(-time.Minute), 600, true)

	st, err := f.svc.Status(context.Background(), f.clientID, f.month)
	require.NoError(t, err)

	assert.Equal(t, 38*60, st.UsedMinutes)
	assert.Equal(t, 2400.0, st.AllottedMinutes)
	assert.InDelta(t, 95.0, st.PercentUsed, 1e-9)
	assert.Equal(t, Critical, st.Status)
	assert.Equal(t, 38.0, st.UsedHours)
	assert.Equal(t, 2.0, st.RemainingHours)
	assert.Equal(t, "Acme", st.ClientName)
}

func TestStatus_AttributesEntriesThroughTasks(t *testing.T) {
	f := newFixture(t, hours(10))
	taskID := uuid.New()
	f.store.AddTask(model.Task{ID: taskID, ClientID: f.clientID, SiteID: uuid.New()})

	start := f.month.Start.Add(time.Hour)
	end := start.Add(5 * time.Hour)
	f.store.AddTimeEntry(model.TimeEntry{ID: uuid.New(), TaskID: &taskID, StartedAt: start, EndedAt: &end, DurationMinutes: minutes(300), IsBillable: true})

	st, err := f.svc.Status(context.Background(), f.clientID, f.month)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, st.PercentUsed, 1e-9)
	assert.Equal(t, Healthy, st.Status)
}

func TestStatus_NotFound(t *testing.T) {
	ctx := context.Background()

	t.Run("missing client", func(t *testing.T) {
		f := newFixture(t, hours(10))
		_, err := f.svc.Status(ctx, uuid.New(), f.month)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	for name, h := range map[string]*float64{"no retainer": nil, "zero retainer": hours(0)} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, h)
			_, err := f.svc.Status(ctx, f.clientID, f.month)
			assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		})
	}

	t.Run("deleted client", func(t *testing.T) {
		f := newFixture(t, hours(10))
		f.store.AddClient(model.Client{ID: f.clientID, Name: "Acme", Status: model.ClientActive, RetainerHours: hours(10), IsDeleted: true})
		_, err := f.svc.Status(ctx, f.clientID, f.month)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestAll_OnlyActiveRetainerClients(t *testing.T) {
	f := newFixture(t, hours(10))
	f.store.AddClient(model.Client{ID: uuid.New(), Name: "Inactive", Status: model.ClientInactive, RetainerHours: hours(10)})
	f.store.AddClient(model.Client{ID: uuid.New(), Name: "Hourly", Status: model.ClientActive})
	f.store.AddClient(model.Client{ID: uuid.New(), Name: "Beta", Status: model.ClientActive, RetainerHours: hours(5)})

	statuses, err := f.svc.WithConcurrency(2).All(context.Background(), f.month)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "Acme", statuses[0].ClientName)
	assert.Equal(t, "Beta", statuses[1].ClientName)
}

func TestSortBySeverity_Stable(t *testing.T) {
	statuses := []Status{
		{ClientName: "a", Status: Healthy},
		{ClientName: "b", Status: Warning},
		{ClientName: "c", Status: Exceeded},
		{ClientName: "d", Status: Critical},
		{ClientName: "e", Status: Exceeded},
		{ClientName: "f", Status: Healthy},
	}
	SortBySeverity(statuses)

	var names []string
	for _, s := range statuses {
		names = append(names, s.ClientName)
	}
	assert.Equal(t, []string{"c", "e", "d", "b", "a", "f"}, names)
}

func TestSummarize(t *testing.T) {
	sum := Summarize([]Status{{Status: Healthy}, {Status: Exceeded}, {Status: Exceeded}, {Status: Warning}})
	assert.Equal(t, Summary{Total: 4, Exceeded: 2, Warning: 1, Healthy: 1}, sum)
}
