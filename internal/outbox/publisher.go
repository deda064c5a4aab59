package outbox

import (
	"context"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tokosera/backend/internal/domain"
)

// Publisher delivers one event to the downstream bus. The dispatcher
// retries on error, so delivery is at-least-once and consumers must
// tolerate duplicates.
type Publisher interface {
	Publish(ctx context.Context, event domain.OutboxEvent) error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event domain.OutboxEvent) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Name),
		Value: event.Payload,
		Time:  event.CreatedAt,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log instead of a broker. Used when no
// broker is configured, typically in development.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, event domain.OutboxEvent) error {
	p.log.Info("event published",
		zap.String("event_id", event.ID),
		zap.String("name", event.Name),
		zap.ByteString("payload", event.Payload))
	return nil
}
