package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"agencyops/pkg/circuitbreaker"
	"agencyops/pkg/trace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu      sync.Mutex
	pending []*Event
	sent    []int64
	failed  map[int64]int
}

func (s *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = map[int64]int{}
	}
	s.failed[id]++
	return nil
}

type fakePublisher struct {
	fail     map[string]bool
	keys     []string
	traceIDs []string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, _ interface{}) error {
	if p.fail[routingKey] {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

func event(id int64, key string) *Event {
	return &Event{ID: id, RoutingKey: key, Payload: json.RawMessage(`{}`), TraceID: "t-" + key}
}

func TestDispatcher_ProcessOnce(t *testing.T) {
	store := &fakeStore{pending: []*Event{
		event(1, "milestone.billing.triggered"),
		event(2, "maintenance.generated"),
	}}
	pub := &fakePublisher{fail: map[string]bool{"maintenance.generated": true}}

	d := NewDispatcher(store, pub, zap.NewNop())
	sent := d.ProcessOnce(context.Background())

	assert.Equal(t, 1, sent)
	assert.Equal(t, []int64{1}, store.sent)
	assert.Equal(t, 1, store.failed[2])
	assert.Equal(t, []string{"milestone.billing.triggered"}, pub.keys)
	assert.Equal(t, []string{"t-milestone.billing.triggered"}, pub.traceIDs)
}

func TestDispatcher_OpenBreakerLeavesEventsPending(t *testing.T) {
	store := &fakeStore{pending: []*Event{event(1, "a"), event(2, "a"), event(3, "a")}}
	pub := &fakePublisher{fail: map[string]bool{"a": true}}

	cfg := circuitbreaker.DefaultConfig("test")
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = time.Hour
	d := NewDispatcher(store, pub, zap.NewNop()).WithBreaker(circuitbreaker.New(cfg))

	sent := d.ProcessOnce(context.Background())
	require.Equal(t, 0, sent)
	// 第一次失败计入重试，之后熔断，剩余事件不消耗重试次数
	assert.Equal(t, map[int64]int{1: 1}, store.failed)
}
