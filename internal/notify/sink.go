// Package notify moves order confirmations from payment settlement to the
// customer: a Kafka sink on the producing side and a retrying deliverer on the
// consuming side.
package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ariefcatur/go-order-pipeline/internal/clock"
	kafkax "github.com/ariefcatur/go-order-pipeline/internal/kafka"
	"github.com/ariefcatur/go-order-pipeline/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
)

// KafkaSink enqueues confirmations on the notification topic.
type KafkaSink struct {
	pub     kafkax.Publisher
	service string
	clock   clock.Clock
}

func NewKafkaSink(pub kafkax.Publisher, service string, clk clock.Clock) *KafkaSink {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &KafkaSink{pub: pub, service: service, clock: clk}
}

func (s *KafkaSink) EnqueueOrderConfirmation(ctx context.Context, p orders.OrderConfirmationPayload) error {
	env, err := kafkax.NewEnvelope(orders.EventOrderConfirmation, s.service, p.OrderID, p, s.clock.Now())
	if err != nil {
		return err
	}
	b, err := json.Marshal(kafkax.WithTraceID(ctx, env))
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, orders.PartitionKey(p.OrderID), b,
		kafkago.Header{Key: kafkax.HeaderEventType, Value: []byte(orders.EventOrderConfirmation)},
		kafkago.Header{Key: kafkax.HeaderEventVersion, Value: []byte(strconv.Itoa(kafkax.EnvelopeVersion))},
	)
}
