// Package memory is an in-process implementation of the repository
// interfaces. It backs the service tests and supports failure injection.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository"
	"agencyops/pkg/apperr"

	"github.com/google/uuid"
)

// Event 事务内写入的 outbox 事件
type Event struct {
	RoutingKey  string
	AggregateID uuid.UUID
	Payload     json.RawMessage
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	clients    map[uuid.UUID]model.Client
	projects   map[uuid.UUID]model.Project
	milestones map[uuid.UUID]model.Milestone
	entries    []model.TimeEntry
	users      map[uuid.UUID]model.User
	plans      map[uuid.UUID]model.MaintenancePlan
	planSOPs   map[uuid.UUID][]model.SOP
	sites      map[uuid.UUID]model.Site
	tasks      []model.Task
	logs       []model.MaintenanceGenerationLog
	events     []Event
	notifs     []model.Notification

	failCreateTaskOn int
	createTaskCalls  int
	failSites        map[uuid.UUID]error
	failTransition   error
	failNotify       error
}

var (
	_ repository.MilestoneStore    = (*Store)(nil)
	_ repository.RetainerStore     = (*Store)(nil)
	_ repository.MaintenanceStore  = (*Store)(nil)
	_ repository.UserStore         = (*Store)(nil)
	_ repository.NotificationStore = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		now:        time.Now,
		clients:    make(map[uuid.UUID]model.Client),
		projects:   make(map[uuid.UUID]model.Project),
		milestones: make(map[uuid.UUID]model.Milestone),
		users:      make(map[uuid.UUID]model.User),
		plans:      make(map[uuid.UUID]model.MaintenancePlan),
		planSOPs:   make(map[uuid.UUID][]model.SOP),
		sites:      make(map[uuid.UUID]model.Site),
		failSites:  make(map[uuid.UUID]error),
	}
}

// WithClock 设置 created_at/updated_at 使用的时钟
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// ---- seeding ----

func (s *Store) AddClient(c model.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

func (s *Store) AddProject(p model.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *Store) AddMilestone(m model.Milestone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.milestones[m.ID] = m
}

func (s *Store) AddTimeEntry(e model.TimeEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *Store) AddUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddPlan SOP 的 SortOrder 决定生成顺序
func (s *Store) AddPlan(p model.MaintenancePlan, sops ...model.SOP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
	s.planSOPs[p.ID] = append([]model.SOP(nil), sops...)
}

func (s *Store) AddSite(site model.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = site
}

func (s *Store) AddTask(t model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

func (s *Store) AddGenerationLog(l model.MaintenanceGenerationLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
}

// ---- failure injection ----

// FailCreateTaskOn 第 n 次 CreateTask 调用返回错误（从 1 开始计数）
func (s *Store) FailCreateTaskOn(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreateTaskOn = n
	s.createTaskCalls = 0
}

// FailSite 读取该站点时返回 err
func (s *Store) FailSite(id uuid.UUID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSites[id] = err
}

// FailTransition 所有 TransitionBilling 调用返回 err
func (s *Store) FailTransition(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTransition = err
}

// FailNotifications 之后的 CreateNotifications 返回 err，传 nil 恢复
func (s *Store) FailNotifications(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNotify = err
}

// ---- inspection ----

func (s *Store) Milestone(id uuid.UUID) (model.Milestone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	return m, ok
}

func (s *Store) Site(id uuid.UUID) (model.Site, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	return site, ok
}

// Tasks 返回站点的全部任务（按写入顺序）
func (s *Store) Tasks(siteID uuid.UUID) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.SiteID == siteID {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) Logs() []model.MaintenanceGenerationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MaintenanceGenerationLog(nil), s.logs...)
}

func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// ---- MilestoneStore ----

func (s *Store) GetMilestone(_ context.Context, id uuid.UUID) (*model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.milestones[id]
	if !ok {
		return nil, apperr.NotFound("Milestone not found")
	}
	p, ok := s.projects[m.ProjectID]
	if !ok || p.IsDeleted {
		return nil, apperr.NotFound("Milestone not found")
	}
	return &m, nil
}

func (s *Store) TransitionBilling(_ context.Context, t repository.BillingTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTransition != nil {
		return false, s.failTransition
	}
	m, ok := s.milestones[t.MilestoneID]
	if !ok || m.BillingStatus != t.From {
		return false, nil
	}

	at, actor := t.At, t.ActorID
	m.BillingStatus = t.To
	m.UpdatedAt = at
	switch t.To {
	case model.BillingTriggered:
		m.TriggeredAt, m.TriggeredBy = &at, &actor
	case model.BillingInvoiced:
		m.InvoicedAt, m.InvoicedBy = &at, &actor
	}
	s.milestones[m.ID] = m

	if err := s.appendEvent(model.BillingEventRoutingKey(t.To), m.ID, model.MilestoneBillingEvent{
		MilestoneID: m.ID,
		From:        t.From,
		To:          t.To,
		ActorID:     t.ActorID,
		At:          t.At,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListUnbilled(_ context.Context) ([]model.UnbilledMilestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.UnbilledMilestone
	for _, m := range s.milestones {
		if m.BillingStatus != model.BillingTriggered || m.TriggeredAt == nil {
			continue
		}
		p, ok := s.projects[m.ProjectID]
		if !ok || p.IsDeleted {
			continue
		}
		var amount int64
		if m.BillingAmountCents != nil {
			amount = *m.BillingAmountCents
		}
		out = append(out, model.UnbilledMilestone{
			ID:                 m.ID,
			Name:               m.Name,
			BillingAmountCents: amount,
			ProjectID:          p.ID,
			ProjectName:        p.Name,
			ClientID:           p.ClientID,
			ClientName:         s.clients[p.ClientID].Name,
			TriggeredAt:        *m.TriggeredAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TriggeredAt.Before(out[j].TriggeredAt)
	})
	return out, nil
}

// ---- RetainerStore ----

func (s *Store) GetClient(_ context.Context, id uuid.UUID) (*model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, apperr.NotFound("Client not found")
	}
	return &c, nil
}

func (s *Store) ListRetainerClients(_ context.Context) ([]model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Client
	for _, c := range s.clients {
		if c.Status == model.ClientActive && !c.IsDeleted && c.HasRetainer() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListBillableEntries(_ context.Context, clientID uuid.UUID, start, end time.Time) ([]model.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TimeEntry
	for _, e := range s.entries {
		if !e.IsBillable || e.IsDeleted {
			continue
		}
		if e.StartedAt.Before(start) || !e.StartedAt.Before(end) {
			continue
		}
		if s.entryClient(e) == clientID {
			out = append(out, e)
		}
	}
	return out, nil
}

// entryClient 先看 project，再看 task
func (s *Store) entryClient(e model.TimeEntry) uuid.UUID {
	if e.ProjectID != nil {
		if p, ok := s.projects[*e.ProjectID]; ok {
			return p.ClientID
		}
	}
	if e.TaskID != nil {
		for _, t := range s.tasks {
			if t.ID == *e.TaskID {
				return t.ClientID
			}
		}
	}
	return uuid.Nil
}

// ---- UserStore ----

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("User not found")
	}
	return &u, nil
}

func (s *Store) ListActiveByRoles(_ context.Context, roles ...string) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.User
	for _, u := range s.users {
		if !u.IsActive {
			continue
		}
		for _, r := range roles {
			if u.Role == r {
				out = append(out, u)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// ---- MaintenanceStore ----

func (s *Store) GetSite(_ context.Context, id uuid.UUID) (*model.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failSites[id]; err != nil {
		return nil, err
	}
	site, ok := s.sites[id]
	if !ok {
		return nil, apperr.NotFound("Site not found")
	}
	return &site, nil
}

func (s *Store) GetPlan(_ context.Context, id uuid.UUID) (*model.MaintenancePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, apperr.NotFound("Maintenance plan not found")
	}
	return &p, nil
}

func (s *Store) ListActiveSOPs(_ context.Context, planID uuid.UUID) ([]model.SOP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSOPs(planID), nil
}

func (s *Store) activeSOPs(planID uuid.UUID) []model.SOP {
	var out []model.SOP
	for _, sop := range s.planSOPs[planID] {
		if sop.IsActive {
			out = append(out, sop)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

func (s *Store) HasGenerationLog(_ context.Context, planID, siteID uuid.UUID, period string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLog(planID, siteID, period), nil
}

func (s *Store) hasLog(planID, siteID uuid.UUID, period string) bool {
	for _, l := range s.logs {
		if l.MaintenancePlanID == planID && l.SiteID == siteID && l.Period == period {
			return true
		}
	}
	return false
}

func (s *Store) LatestGenerationLog(_ context.Context, siteID uuid.UUID) (*model.MaintenanceGenerationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.MaintenanceGenerationLog
	for i := range s.logs {
		l := s.logs[i]
		if l.SiteID != siteID {
			continue
		}
		if latest == nil || l.GeneratedAt.After(latest.GeneratedAt) {
			latest = &l
		}
	}
	return latest, nil
}

func (s *Store) ListDueSites(_ context.Context, period string) ([]model.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Site
	for _, site := range s.sites {
		if site.IsDeleted || site.MaintenancePlanID == nil {
			continue
		}
		plan, ok := s.plans[*site.MaintenancePlanID]
		if !ok || !plan.IsActive || len(s.activeSOPs(plan.ID)) == 0 {
			continue
		}
		if s.hasLog(plan.ID, site.ID, period) {
			continue
		}
		out = append(out, site)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// WithinTx 持有写锁执行 fn；fn 失败或 ctx 已取消时恢复事务开始前的快照
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.GenerationTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snap := s.snapshot()
	if err := fn(&txView{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	sites  map[uuid.UUID]model.Site
	tasks  []model.Task
	logs   []model.MaintenanceGenerationLog
	events []Event
}

func (s *Store) snapshot() snapshot {
	sites := make(map[uuid.UUID]model.Site, len(s.sites))
	for k, v := range s.sites {
		sites[k] = v
	}
	return snapshot{
		sites:  sites,
		tasks:  append([]model.Task(nil), s.tasks...),
		logs:   append([]model.MaintenanceGenerationLog(nil), s.logs...),
		events: append([]Event(nil), s.events...),
	}
}

func (s *Store) restore(snap snapshot) {
	s.sites = snap.sites
	s.tasks = snap.tasks
	s.logs = snap.logs
	s.events = snap.events
}

// appendEvent 调用方需持锁
func (s *Store) appendEvent(routingKey string, aggregateID uuid.UUID, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	s.events = append(s.events, Event{RoutingKey: routingKey, AggregateID: aggregateID, Payload: data})
	return nil
}

// txView 在 WithinTx 持锁期间直接操作 Store 的数据
type txView struct {
	s *Store
}

func (tx *txView) AbandonStaleTasks(_ context.Context, siteID uuid.UUID, currentPeriod string, at time.Time) (int, error) {
	n := 0
	for i := range tx.s.tasks {
		t := &tx.s.tasks[i]
		if t.SiteID != siteID || !t.IsMaintenanceTask || t.Status.Terminal() || t.MaintenancePeriod == currentPeriod {
			continue
		}
		t.Status = model.TaskAbandoned
		t.UpdatedAt = at
		n++
	}
	return n, nil
}

func (tx *txView) CreateTask(_ context.Context, task *model.Task) error {
	tx.s.createTaskCalls++
	if tx.s.failCreateTaskOn > 0 && tx.s.createTaskCalls == tx.s.failCreateTaskOn {
		return fmt.Errorf("injected failure creating task %d", tx.s.createTaskCalls)
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := tx.s.now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	tx.s.tasks = append(tx.s.tasks, *task)
	return nil
}

func (tx *txView) InsertGenerationLog(_ context.Context, log *model.MaintenanceGenerationLog) error {
	if tx.s.hasLog(log.MaintenancePlanID, log.SiteID, log.Period) {
		return repository.ErrDuplicate
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.GeneratedAt.IsZero() {
		log.GeneratedAt = tx.s.now().UTC()
	}
	tx.s.logs = append(tx.s.logs, *log)
	return nil
}

func (tx *txView) SetLastGenerated(_ context.Context, siteID uuid.UUID, at time.Time) error {
	site, ok := tx.s.sites[siteID]
	if !ok {
		return apperr.NotFound("Site not found")
	}
	site.LastMaintenanceGeneratedAt = &at
	tx.s.sites[siteID] = site
	return nil
}

func (tx *txView) EnqueueEvent(_ context.Context, routingKey string, aggregateID uuid.UUID, payload interface{}) error {
	return tx.s.appendEvent(routingKey, aggregateID, payload)
}

// ---- NotificationStore ----

func (s *Store) CreateNotifications(_ context.Context, notifications []model.Notification) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNotify != nil {
		return 0, s.failNotify
	}

	created := 0
	for _, n := range notifications {
		if s.hasNotification(n.UserID, n.DedupKey) {
			continue
		}
		s.notifs = append(s.notifs, n)
		created++
	}
	return created, nil
}

func (s *Store) hasNotification(userID uuid.UUID, dedupKey string) bool {
	for _, n := range s.notifs {
		if n.UserID == userID && n.DedupKey == dedupKey {
			return true
		}
	}
	return false
}

func (s *Store) Notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Notification(nil), s.notifs...)
}
