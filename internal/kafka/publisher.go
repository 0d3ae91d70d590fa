package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// EventPublisher turns committed order changes into envelopes on the order
// events topic. It implements orders.Observer.
type EventPublisher struct {
	pub     Publisher
	service string
	clock   clock.Clock
	logger  *zap.Logger
}

func NewEventPublisher(pub Publisher, service string, clk clock.Clock, logger *zap.Logger) *EventPublisher {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{pub: pub, service: service, clock: clk, logger: logger.Named("events")}
}

func (e *EventPublisher) OrderChanged(ctx context.Context, eventType string, o orders.Order) {
	if err := e.PublishEnvelope(ctx, eventType, o.ID, orders.NewOrderEventPayload(o)); err != nil {
		e.logger.Warn("publish order event failed",
			zap.String("event_type", eventType), zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (e *EventPublisher) PublishEnvelope(ctx context.Context, eventType, orderID string, payload any) error {
	env, err := NewEnvelope(eventType, e.service, orderID, payload, e.clock.Now())
	if err != nil {
		return err
	}
	b, err := json.Marshal(WithTraceID(ctx, env))
	if err != nil {
		return err
	}
	return e.pub.Publish(ctx, orders.PartitionKey(orderID), b,
		kafka.Header{Key: HeaderEventType, Value: []byte(eventType)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(EnvelopeVersion))},
	)
}
