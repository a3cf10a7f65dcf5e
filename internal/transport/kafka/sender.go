// Package kafka delivers event chunks to a Kafka topic as an alternative to
// the HTTP collector. One record carries one chunk, keyed by tenant so a
// tenant's chunks stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pulse/internal/event"
	"pulse/internal/transport"
	dErrors "pulse/pkg/domain-errors"
)

// Producer is the subset of *kgo.Client the sender needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Sender is a single-attempt transport.Sender backed by Kafka.
type Sender struct {
	producer Producer
	topic    string
	tenant   string
	tracer   trace.Tracer
}

// NewClient connects a franz-go client suitable for Sender. In-client record
// retries are kept to one; transport.Retrying owns the retry policy.
func NewClient(brokers []string, topic string, extra ...kgo.Opt) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one broker is required")
	}
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordRetries(1),
		kgo.ProducerLinger(0),
	}, extra...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// New builds a sender publishing to topic.
func New(producer Producer, topic, tenant string) (*Sender, error) {
	if topic == "" || tenant == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "topic and tenant are required")
	}
	return &Sender{
		producer: producer,
		topic:    topic,
		tenant:   tenant,
		tracer:   otel.Tracer("pulse/transport/kafka"),
	}, nil
}

func (s *Sender) Send(ctx context.Context, events []event.Event) error {
	ctx, span := s.tracer.Start(ctx, "transport.kafka.send", trace.WithAttributes(
		attribute.String("pulse.tenant", s.tenant),
		attribute.String("messaging.destination.name", s.topic),
		attribute.Int("pulse.events", len(events)),
	))
	defer span.End()

	body, err := json.Marshal(event.Batch{Events: events})
	if err != nil {
		return transport.NewDeliveryError(transport.KindClient, 0, fmt.Errorf("encode batch: %w", err))
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(s.tenant),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "pulse-events", Value: []byte(strconv.Itoa(len(events)))},
		},
	}
	if err := s.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		de := classify(err)
		span.RecordError(de)
		span.SetStatus(codes.Error, string(de.Kind))
		return de
	}
	return nil
}

func classify(err error) *transport.DeliveryError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return transport.NewDeliveryError(transport.KindTimeout, 0, err)
	case errors.Is(err, context.Canceled):
		return transport.NewDeliveryError(transport.KindCanceled, 0, err)
	case kerr.IsRetriable(err):
		return transport.NewDeliveryError(transport.KindServer, 0, err)
	}
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return transport.NewDeliveryError(transport.KindClient, int(ke.Code), err)
	}
	if k := transport.Classify(err); k != transport.KindUnknown {
		return transport.NewDeliveryError(k, 0, err)
	}
	// errors without a broker code come from the client side of the connection
	return transport.NewDeliveryError(transport.KindNetwork, 0, err)
}
