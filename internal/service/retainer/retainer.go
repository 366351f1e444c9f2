package retainer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"agencyops/internal/model"
	"agencyops/internal/repository"
	"agencyops/internal/service/period"
	"agencyops/pkg/apperr"
	"agencyops/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Level 预付时数健康度
type Level string

const (
	Healthy  Level = "healthy"
	Warning  Level = "warning"
	Critical Level = "critical"
	Exceeded Level = "exceeded"
)

// 阈值按下界包含
const (
	warningAt  = 75.0
	criticalAt = 90.0
	exceededAt = 100.0
)

// Classify maps a usage percentage to a level.
func Classify(percentUsed float64) Level {
	switch {
	case percentUsed >= exceededAt:
		return Exceeded
	case percentUsed >= criticalAt:
		return Critical
	case percentUsed >= warningAt:
		return Warning
	default:
		return Healthy
	}
}

func (l Level) severity() int {
	switch l {
	case Exceeded:
		return 0
	case Critical:
		return 1
	case Warning:
		return 2
	default:
		return 3
	}
}

// Status 某客户在一个周期内的使用情况
type Status struct {
	ClientID        uuid.UUID `json:"clientId"`
	ClientName      string    `json:"clientName"`
	PeriodStart     time.Time `json:"periodStart"`
	PeriodEnd       time.Time `json:"periodEnd"`
	AllottedMinutes float64   `json:"allottedMinutes"`
	UsedMinutes     int       `json:"usedMinutes"`
	AllocatedHours  float64   `json:"allocatedHours"`
	UsedHours       float64   `json:"usedHours"`
	RemainingHours  float64   `json:"remainingHours"`
	PercentUsed     float64   `json:"percentUsed"`
	Status          Level     `json:"status"`
}

// Summary 报表汇总
type Summary struct {
	Total    int `json:"total"`
	Exceeded int `json:"exceeded"`
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Healthy  int `json:"healthy"`
}

type Service struct {
	store       repository.RetainerStore
	logger      *zap.Logger
	concurrency int
}

func NewService(store repository.RetainerStore, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, concurrency: 4}
}

// WithConcurrency 设置 All 同时计算的客户数
func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// Status evaluates one client. Missing, deleted and retainer-less clients are NotFound.
func (s *Service) Status(ctx context.Context, clientID uuid.UUID, p period.Period) (*Status, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.IsDeleted || !client.HasRetainer() {
		return nil, apperr.NotFound("Client not found or has no retainer")
	}
	return s.evaluate(ctx, client, p)
}

// All evaluates every active retainer client. Order follows the store.
func (s *Service) All(ctx context.Context, p period.Period) ([]Status, error) {
	clients, err := s.store.ListRetainerClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list retainer clients: %w", err)
	}

	out := make([]Status, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range clients {
		i := i
		g.Go(func() error {
			st, err := s.evaluate(gctx, &clients[i], p)
			if err != nil {
				return err
			}
			out[i] = *st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.WithTrace(ctx, s.logger).Debug("Retainer statuses evaluated",
		zap.Int("clients", len(out)),
		zap.Time("period_start", p.Start),
		zap.Time("period_end", p.End),
	)
	return out, nil
}

func (s *Service) evaluate(ctx context.Context, client *model.Client, p period.Period) (*Status, error) {
	entries, err := s.store.ListBillableEntries(ctx, client.ID, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("list time entries for client %s: %w", client.ID, err)
	}
	return Evaluate(client, UsedMinutes(entries), p), nil
}

// UsedMinutes sums completed entries. Running timers count as zero.
func UsedMinutes(entries []model.TimeEntry) int {
	total := 0
	for _, e := range entries {
		if e.EndedAt == nil {
			continue
		}
		if e.DurationMinutes != nil {
			total += *e.DurationMinutes
			continue
		}
		if d := e.EndedAt.Sub(e.StartedAt); d > 0 {
			total += int(d / time.Minute)
		}
	}
	return total
}

// Evaluate builds a Status from a client with a retainer and its used minutes.
func Evaluate(client *model.Client, usedMinutes int, p period.Period) *Status {
	allocated := *client.RetainerHours
	allotted := allocated * 60
	used := float64(usedMinutes) / 60
	pct := float64(usedMinutes) / allotted * 100

	return &Status{
		ClientID:        client.ID,
		ClientName:      client.Name,
		PeriodStart:     p.Start,
		PeriodEnd:       p.End,
		AllottedMinutes: allotted,
		UsedMinutes:     usedMinutes,
		AllocatedHours:  allocated,
		UsedHours:       round2(used),
		RemainingHours:  round2(allocated - used),
		PercentUsed:     pct,
		Status:          Classify(pct),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// SortBySeverity orders exceeded, critical, warning, healthy; ties keep their order.
func SortBySeverity(statuses []Status) {
	sort.SliceStable(statuses, func(i, j int) bool {
		return statuses[i].Status.severity() < statuses[j].Status.severity()
	})
}

func Summarize(statuses []Status) Summary {
	sum := Summary{Total: len(statuses)}
	for _, st := range statuses {
		switch st.Status {
		case Exceeded:
			sum.Exceeded++
		case Critical:
			sum.Critical++
		case Warning:
			sum.Warning++
		default:
			sum.Healthy++
		}
	}
	return sum
}
