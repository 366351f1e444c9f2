package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agencyops/pkg/metrics"
	"agencyops/pkg/trace"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrDeadLetter handler 返回包装了它的错误时，消息转入 DLQ 并 ack，不再重试
var ErrDeadLetter = errors.New("dead letter")

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// DeadLetterSink 接收无法处理的消息（*Publisher 实现）
type DeadLetterSink interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	dlq        DeadLetterSink
	conn       *amqp091.Connection
	logger     *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	// 同一时间只处理少量未确认消息
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// SetDeadLetter 未设置时，ErrDeadLetter 的消息直接 ack 丢弃
func (c *Consumer) SetDeadLetter(sink DeadLetterSink) {
	c.dlq = sink
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming 阻塞直到 ctx 取消或 channel 关闭，应在 goroutine 中调用
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopped", zap.String("queue", c.queue.Name))
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery) {
	traceID, _ := msg.Headers[trace.HeaderName].(string)
	ctx = trace.WithContext(ctx, trace.Ensure(traceID))
	log := c.logger.With(
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.String("trace_id", trace.FromContext(ctx)),
	)

	log.Debug("Received message", zap.Int("message_size", len(msg.Body)))

	// Panic → 拒绝消息并重新入队
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
			metrics.RecordMessageConsumed(c.queue.Name, "panic")
			if err := msg.Nack(false, true); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	err := c.handler(ctx, msg.Body)
	switch {
	case err == nil:
		if err := msg.Ack(false); err != nil {
			log.Error("Failed to ack message", zap.Error(err))
			return
		}
		log.Debug("Message processed successfully")
		metrics.RecordMessageConsumed(c.queue.Name, "ack")

	case errors.Is(err, ErrDeadLetter):
		log.Warn("Message dead-lettered", zap.Error(err))
		if c.dlq != nil {
			if dlqErr := c.dlq.PublishToDLQ(c.routingKey, msg.Body, err.Error()); dlqErr != nil {
				// DLQ 不可用时重新入队，避免丢消息
				log.Error("Failed to publish to DLQ", zap.Error(dlqErr))
				_ = msg.Nack(false, true)
				return
			}
		}
		if err := msg.Ack(false); err != nil {
			log.Error("Failed to ack dead-lettered message", zap.Error(err))
			return
		}
		metrics.RecordMessageConsumed(c.queue.Name, "dead_letter")

	default:
		// 业务失败 → 拒绝消息并重新入队，让 MQ 重试
		log.Error("Handler error", zap.Error(err))
		metrics.RecordMessageConsumed(c.queue.Name, "requeue")
		if err := msg.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
	}
}
