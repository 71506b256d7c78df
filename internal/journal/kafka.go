package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams journal events to a Kafka topic, keyed by group id so
// one trade's events stay on one partition in order.
type KafkaPublisher struct {
	w       MessageWriter
	timeout time.Duration
	log     *zap.Logger
}

// NewKafkaWriter constructs a kafka.Writer compatible with kafka-go v0.4.x.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Dialer:       dialer,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: int(kafka.RequireOne),
	})
}

func NewKafkaPublisher(w MessageWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{w: w, timeout: 5 * time.Second, log: logger.Named("kafka-journal")}
}

func (k *KafkaPublisher) LogEvent(ctx context.Context, event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	msg := kafka.Message{Key: []byte(event.GroupID), Value: b, Time: event.Time}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		k.log.Warn("write error", zap.String("type", event.Type), zap.Error(err))
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.w.Close()
}
