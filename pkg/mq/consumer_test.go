package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"agencyops/pkg/trace"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}
func (f *fakeAck) Reject(uint64, bool) error { return nil }

type fakeSink struct {
	err      error
	messages []string
}

func (s *fakeSink) PublishToDLQ(routingKey string, payload []byte, originalError string) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, routingKey+"|"+string(payload)+"|"+originalError)
	return nil
}

func newTestConsumer(h MessageHandler, sink DeadLetterSink) *Consumer {
	c := &Consumer{
		queue:      amqp091.Queue{Name: "retainer.alert.test.q"},
		routingKey: "retainer.alert",
		logger:     zap.NewNop(),
		handler:    h,
	}
	if sink != nil {
		c.SetDeadLetter(sink)
	}
	return c
}

func delivery(ack *fakeAck, headers amqp091.Table) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, Body: []byte(`{"ok":true}`), Headers: headers}
}

func TestConsumerHandle_AckOnSuccessWithTrace(t *testing.T) {
	var gotTrace string
	c := newTestConsumer(func(ctx context.Context, _ json.RawMessage) error {
		gotTrace = trace.FromContext(ctx)
		return nil
	}, nil)
	ack := &fakeAck{}

	c.handle(context.Background(), delivery(ack, amqp091.Table{trace.HeaderName: "trace-1"}))

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 0, ack.nacked)
	assert.Equal(t, "trace-1", gotTrace)
}

func TestConsumerHandle_NackRequeueOnError(t *testing.T) {
	c := newTestConsumer(func(context.Context, json.RawMessage) error {
		return errors.New("db down")
	}, &fakeSink{})
	ack := &fakeAck{}

	c.handle(context.Background(), delivery(ack, nil))

	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestConsumerHandle_DeadLetter(t *testing.T) {
	sink := &fakeSink{}
	c := newTestConsumer(func(context.Context, json.RawMessage) error {
		return fmt.Errorf("%w: bad payload", ErrDeadLetter)
	}, sink)
	ack := &fakeAck{}

	c.handle(context.Background(), delivery(ack, nil))

	assert.Equal(t, 1, ack.acked)
	assert.Len(t, sink.messages, 1)
	assert.Contains(t, sink.messages[0], "retainer.alert|")
	assert.Contains(t, sink.messages[0], "bad payload")
}

func TestConsumerHandle_DeadLetterSinkFailureRequeues(t *testing.T) {
	c := newTestConsumer(func(context.Context, json.RawMessage) error {
		return ErrDeadLetter
	}, &fakeSink{err: errors.New("channel closed")})
	ack := &fakeAck{}

	c.handle(context.Background(), delivery(ack, nil))

	assert.Equal(t, 0, ack.acked)
	assert.Equal(t, 1, ack.nacked)
}

func TestConsumerHandle_PanicRequeues(t *testing.T) {
	c := newTestConsumer(func(context.Context, json.RawMessage) error {
		panic("boom")
	}, nil)
	ack := &fakeAck{}

	assert.NotPanics(t, func() { c.handle(context.Background(), delivery(ack, nil)) })
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)
}
