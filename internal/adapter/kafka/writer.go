package kafka

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/harbor-hazard-core/internal/config"
	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer produces alerts to a Kafka topic.
// It implements alerting.Sink.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured alert topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaAlertTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

func (w *Writer) Name() string { return "kafka" }

// Publish serializes and publishes alerts to the alert topic in a single
// WriteMessages call. Alerts are keyed by subscriber so the hash balancer
// keeps each subscriber's alerts in order.
func (w *Writer) Publish(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(alerts))
	for i := range alerts {
		msg, err := serializeToMessage(alerts[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	w.logger.Debug("alerts published", "count", len(alerts), "topic", w.writer.Topic)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage encodes an alert into a Kafka message with sorted headers.
func serializeToMessage(alert domain.Alert) (kafkago.Message, error) {
	out, err := domain.SerializeAlert(alert)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   out.Key,
		Value: out.Value,
		Headers: []kafkago.Header{
			{Key: "emitted_at", Value: []byte(out.Headers["emitted_at"])},
			{Key: "event_id", Value: []byte(out.Headers["event_id"])},
			{Key: "kind", Value: []byte(out.Headers["kind"])},
			{Key: "level", Value: []byte(out.Headers["level"])},
		},
	}, nil
}
