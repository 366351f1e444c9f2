package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository/memory"
	"agencyops/internal/service/alerts"
	"agencyops/internal/service/billing"
	"agencyops/internal/service/maintenance"
	"agencyops/internal/service/period"
	"agencyops/internal/service/retainer"
	"agencyops/pkg/outbox"
	"agencyops/pkg/rbac"
	"agencyops/pkg/util"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type allowAll struct{}

func (allowAll) AcquireOnce(context.Context, string, string) (bool, error) { return true, nil }
func (allowAll) Release(context.Context, string, string) error             { return nil }

type countingPublisher struct{ n int }

func (p *countingPublisher) PublishWithContext(context.Context, string, interface{}) error {
	p.n++
	return nil
}

type stubResetter struct {
	limit  int
	failed []*outbox.Event
}

func (s *stubResetter) ResetFailed(_ context.Context, limit int) (int64, error) {
	s.limit = limit
	return 2, nil
}

func (s *stubResetter) GetFailedEvents(_ context.Context, limit int) ([]*outbox.Event, error) {
	s.limit = limit
	return s.failed, nil
}

const testSecret = "cli-test-secret"

func memoryApp(store *memory.Store, pub *countingPublisher, resetter *stubResetter) *app {
	log := zap.NewNop()
	retainerSvc := retainer.NewService(store, log)
	return &app{
		billing:     billing.NewService(store, log),
		retainer:    retainerSvc,
		maintenance: maintenance.NewService(store, maintenance.Config{}, log),
		outbox:      resetter,
		users:       store,
		jwtSecret:   testSecret,
		jwtTTL:      time.Hour,
		alerts: func(context.Context) (*alerts.Service, func(), error) {
			return alerts.NewService(retainerSvc, store, allowAll{}, pub, log), func() {}, nil
		},
	}
}

func runCLI(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	loadApp = func(*cobra.Command) (*app, error) { return a, nil }
	flagSite, flagClient = "", ""
	flagYear, flagMonth = 0, 0
	flagLimit = 100
	flagTTL = 0
	flagJSON = false

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func seedSite(store *memory.Store) uuid.UUID {
	planID, siteID := uuid.New(), uuid.New()
	store.AddPlan(model.MaintenancePlan{ID: planID, Name: "Care", IsActive: true},
		model.SOP{ID: uuid.New(), Title: "Backups", IsActive: true, SortOrder: 1},
		model.SOP{ID: uuid.New(), Title: "Updates", IsActive: true, SortOrder: 2},
	)
	store.AddSite(model.Site{ID: siteID, Name: "acme.test", ClientID: uuid.New(), MaintenancePlanID: &planID})
	return siteID
}

func TestMaintenanceGenerate(t *testing.T) {
	store := memory.NewStore()
	siteID := seedSite(store)
	a := memoryApp(store, &countingPublisher{}, &stubResetter{})

	out, err := runCLI(t, a, "maintenance", "generate")
	require.NoError(t, err)
	assert.Contains(t, out, "acme.test")
	assert.Contains(t, out, "1 sites, 2 tasks created, 0 abandoned")
	assert.Len(t, store.Tasks(siteID), 2)

	out, err = runCLI(t, a, "maintenance", "generate", "--site", siteID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks generated")

	_, err = runCLI(t, a, "maintenance", "generate", "--site", "bogus")
	assert.Error(t, err)
}

func TestMaintenanceUpcoming(t *testing.T) {
	store := memory.NewStore()
	siteID := seedSite(store)
	a := memoryApp(store, &countingPublisher{}, &stubResetter{})

	out, err := runCLI(t, a, "maintenance", "upcoming", siteID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "next period: "+period.CurrentMonth(time.Now()).Key())
	assert.Contains(t, out, "last generated: never")

	_, err = runCLI(t, a, "maintenance", "upcoming")
	assert.Error(t, err)
}

func TestRetainersReport(t *testing.T) {
	store := memory.NewStore()
	hours := 10.0
	clientID, projectID := uuid.New(), uuid.New()
	store.AddClient(model.Client{ID: clientID, Name: "Acme", Status: model.ClientActive, RetainerHours: &hours})
	store.AddProject(model.Project{ID: projectID, ClientID: clientID, Name: "Care"})
	mins := 660
	started := time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)
	ended := started.Add(11 * time.Hour)
	store.AddTimeEntry(model.TimeEntry{
		ID:              uuid.New(),
		ProjectID:       &projectID,
		StartedAt:       started,
		EndedAt:         &ended,
		DurationMinutes: &mins,
		IsBillable:      true,
	})
	a := memoryApp(store, &countingPublisher{}, &stubResetter{})

	out, err := runCLI(t, a, "retainers", "report", "--year", "2024", "--month", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "exceeded")
	assert.Contains(t, out, "1 clients: 1 exceeded")

	out, err = runCLI(t, a, "--json", "retainers", "report", "--year", "2024", "--month", "2", "--client", clientID.String())
	require.NoError(t, err)
	var st retainer.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.InDelta(t, 110.0, st.PercentUsed, 0.001)
	assert.Equal(t, -1.0, st.RemainingHours)

	_, err = runCLI(t, a, "retainers", "report", "--month", "2")
	assert.Error(t, err)

	_, err = runCLI(t, a, "retainers", "report", "--year", "2024", "--month", "13")
	assert.Error(t, err)
}

func TestRetainersReportOrdersBySeverity(t *testing.T) {
	store := memory.NewStore()
	hours := 5.0
	started := time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)
	addClient := func(name string, mins int) {
		clientID, projectID := uuid.New(), uuid.New()
		store.AddClient(model.Client{ID: clientID, Name: name, Status: model.ClientActive, RetainerHours: &hours})
		store.AddProject(model.Project{ID: projectID, ClientID: clientID, Name: name + " care"})
		ended := started.Add(time.Duration(mins) * time.Minute)
		store.AddTimeEntry(model.TimeEntry{
			ID:              uuid.New(),
			ProjectID:       &projectID,
			StartedAt:       started,
			EndedAt:         &ended,
			DurationMinutes: &mins,
			IsBillable:      true,
		})
	}
	addClient("Alpha", 60)
	addClient("Zed", 600)
	a := memoryApp(store, &countingPublisher{}, &stubResetter{})

	out, err := runCLI(t, a, "--json", "retainers", "report", "--year", "2024", "--month", "2")
	require.NoError(t, err)
	var resp struct {
		Retainers []retainer.Status `json:"retainers"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Retainers, 2)
	assert.Equal(t, retainer.Exceeded, resp.Retainers[0].Status)
	assert.Equal(t, "Zed", resp.Retainers[0].ClientName)
	assert.Equal(t, retainer.Healthy, resp.Retainers[1].Status)
}

func TestMilestonesUnbilled(t *testing.T) {
	store := memory.NewStore()
	clientID, projectID := uuid.New(), uuid.New()
	store.AddClient(model.Client{ID: clientID, Name: "Acme", Status: model.ClientActive})
	store.AddProject(model.Project{ID: projectID, ClientID: clientID, Name: "Redesign"})
	cents := int64(123456)
	triggered := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store.AddMilestone(model.Milestone{ID: uuid.New(), ProjectID: projectID, Name: "Launch",
		BillingAmountCents: &cents, BillingStatus: model.BillingTriggered, TriggeredAt: &triggered})
	a := memoryApp(store, &countingPublisher{}, &stubResetter{})

	out, err := runCLI(t, a, "milestones", "unbilled")
	require.NoError(t, err)
	assert.Contains(t, out, "Launch")
	assert.Contains(t, out, "1 milestones, $1234.56 total")
}

func TestAlertsCheck(t *testing.T) {
	store := memory.NewStore()
	store.AddUser(model.User{ID: uuid.New(), Email: "pm@agency.test", Role: rbac.RolePM, IsActive: true})
	hours := 1.0
	clientID, projectID := uuid.New(), uuid.New()
	store.AddClient(model.Client{ID: clientID, Name: "Acme", Status: model.ClientActive, RetainerHours: &hours})
	store.AddProject(model.Project{ID: projectID, ClientID: clientID, Name: "Care"})
	mins := 90
	started := period.CurrentMonth(time.Now()).Start
	ended := started.Add(90 * time.Minute)
	store.AddTimeEntry(model.TimeEntry{
		ID:              uuid.New(),
		ProjectID:       &projectID,
		StartedAt:       started,
		EndedAt:         &ended,
		DurationMinutes: &mins,
		IsBillable:      true,
	})
	pub := &countingPublisher{}
	a := memoryApp(store, pub, &stubResetter{})

	out, err := runCLI(t, a, "alerts", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "1 clients checked, 1 alerts sent")
	assert.Equal(t, 1, pub.n)
}

func TestOutboxRequeue(t *testing.T) {
	resetter := &stubResetter{}
	a := memoryApp(memory.NewStore(), &countingPublisher{}, resetter)

	out, err := runCLI(t, a, "outbox", "requeue", "--limit", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "2 events requeued")
	assert.Equal(t, 7, resetter.limit)

	_, err = runCLI(t, a, "outbox", "requeue", "--limit", "0")
	assert.Error(t, err)
}

func TestOutboxFailed(t *testing.T) {
	resetter := &stubResetter{failed: []*outbox.Event{{
		ID:            42,
		AggregateType: "milestone",
		AggregateID:   uuid.New(),
		RoutingKey:    model.EventMilestoneTriggered,
		RetryCount:    10,
		CreatedAt:     time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC),
	}}}
	a := memoryApp(memory.NewStore(), &countingPublisher{}, resetter)

	out, err := runCLI(t, a, "outbox", "failed", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "42")
	assert.Contains(t, out, model.EventMilestoneTriggered)
	assert.Equal(t, 5, resetter.limit)
}

func TestTokenIssue(t *testing.T) {
	store := memory.NewStore()
	active := model.User{ID: uuid.New(), Email: "pm@agency.test", Role: rbac.RolePM, IsActive: true}
	inactive := model.User{ID: uuid.New(), Email: "old@agency.test", Role: rbac.RolePM}
	odd := model.User{ID: uuid.New(), Email: "odd@agency.test", Role: "guest", IsActive: true}
	store.AddUser(active)
	store.AddUser(inactive)
	store.AddUser(odd)
	a := memoryApp(store, &countingPublisher{}, &stubResetter{})

	out, err := runCLI(t, a, "token", "issue", active.ID.String(), "--ttl", "5m")
	require.NoError(t, err)
	claims, err := util.ParseJWT(strings.TrimSpace(out), testSecret)
	require.NoError(t, err)
	assert.Equal(t, active.ID.String(), claims.UserID)
	assert.Equal(t, rbac.RolePM, claims.Role)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, time.Minute)

	_, err = runCLI(t, a, "token", "issue", inactive.ID.String())
	assert.ErrorContains(t, err, "deactivated")

	_, err = runCLI(t, a, "token", "issue", odd.ID.String())
	assert.ErrorContains(t, err, "unknown role")

	_, err = runCLI(t, a, "token", "issue", uuid.NewString())
	assert.Error(t, err)
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$0.05", formatCents(5))
	assert.Equal(t, "$12.00", formatCents(1200))
	assert.Equal(t, "-$3.10", formatCents(-310))
}
