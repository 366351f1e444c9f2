package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agencyops/pkg/circuitbreaker"
	"agencyops/pkg/metrics"
	"agencyops/pkg/trace"

	"go.uber.org/zap"
)

// Store Dispatcher 依赖的 outbox 存储
type Store interface {
	GetPendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error
}

// Publisher 发布到 MQ 的能力（*mq.Publisher 实现）
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload interface{}) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	store      Store
	publisher  Publisher
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(store Store, publisher Publisher, logger *zap.Logger) *Dispatcher {
	cfg := circuitbreaker.DefaultConfig("outbox_publisher")
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		metrics.SetCircuitBreakerState(name, int(to))
	}

	return &Dispatcher{
		store:      store,
		publisher:  publisher,
		breaker:    circuitbreaker.New(cfg),
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// WithBreaker 替换熔断器
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// Start 阻塞运行直到 ctx 取消
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce 处理一批待发送事件，返回成功发送的数量
func (d *Dispatcher) ProcessOnce(ctx context.Context) int {
	events, err := d.store.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}

	sent := 0
	for _, event := range events {
		err := d.publishEvent(ctx, event)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			// 熔断打开时不消耗重试次数，留给下一轮
			metrics.RecordOutboxPublish("rejected")
			d.logger.Debug("Outbox publish short-circuited", zap.Int("remaining", len(events)-sent))
			return sent
		}
		if err != nil {
			metrics.RecordOutboxPublish("retry")
			d.logger.Error("Failed to publish event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			if err := d.store.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				d.logger.Error("Failed to mark event as failed",
					zap.Int64("event_id", event.ID),
					zap.Error(err),
				)
			}
			continue
		}

		metrics.RecordOutboxPublish("sent")
		if err := d.store.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (d *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	if event.TraceID != "" {
		ctx = trace.WithContext(ctx, event.TraceID)
	}
	return d.breaker.Execute(func() error {
		if err := d.publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload); err != nil {
			return fmt.Errorf("failed to publish to MQ: %w", err)
		}
		return nil
	})
}
