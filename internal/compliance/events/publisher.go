package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/config"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"github.com/smallbiznis/esocialgw/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// LifecycleEvent announces a status transition of a compliance event.
// It never carries the payload or the signed document.
type LifecycleEvent struct {
	EventID    string    `json:"event_id"`
	CompanyID  string    `json:"company_id"`
	EventType  string    `json:"event_type"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ProtocolID string    `json:"protocol_id,omitempty"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Retryable  bool      `json:"retryable"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewLifecycleEvent snapshots event after it moved from the given status.
func NewLifecycleEvent(event domain.ComplianceEvent, from domain.Status, at time.Time) LifecycleEvent {
	out := LifecycleEvent{
		EventID:    event.ID.String(),
		CompanyID:  event.CompanyID,
		EventType:  string(event.EventType),
		From:       string(from),
		To:         string(event.Status),
		ErrorKind:  string(event.Kind()),
		Retryable:  event.Retryable,
		OccurredAt: at.UTC(),
	}
	if event.ProtocolID != nil {
		out.ProtocolID = *event.ProtocolID
	}
	if event.ReceiptID != nil {
		out.ReceiptID = *event.ReceiptID
	}
	return out
}

type Publisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type noopPublisher struct{}

func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, LifecycleEvent) error {
	return nil
}

type kafkaPublisher struct {
	writer  MessageWriter
	topic   string
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewKafkaPublisher(writer MessageWriter, topic string, log *zap.Logger, m *metrics.Metrics) Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &kafkaPublisher{
		writer:  writer,
		topic:   topic,
		log:     log.Named("events.kafka"),
		metrics: m,
	}
}

func (p *kafkaPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "status", Value: []byte(event.To)},
		{Key: "company_id", Value: []byte(event.CompanyID)},
	}
	meta := correlation.Metadata(ctx)
	for _, key := range []string{"correlation_id", "trace_id", "span_id"} {
		if value, ok := meta[key]; ok {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(event.EventID),
		Value:   payload,
		Headers: headers,
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
		p.log.Warn("publish lifecycle event failed",
			zap.String("event_id", event.EventID),
			zap.String("status", event.To),
			zap.Error(err),
		)
	}
	p.metrics.RecordLifecycleEvent(ctx, event.To, outcome)
	return err
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Metrics   *metrics.Metrics `optional:"true"`
}

func NewPublisher(p Params) Publisher {
	if !p.Config.Kafka.Enabled() {
		p.Log.Info("kafka disabled; lifecycle notifications are dropped")
		return NewNoopPublisher()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.Config.Kafka.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           50 * time.Millisecond,
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return writer.Close()
		},
	})
	return NewKafkaPublisher(writer, p.Config.Kafka.LifecycleTopic, p.Log, p.Metrics)
}
