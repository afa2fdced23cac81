package events

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"purchase-ledger/internal/domain"
)

// Publisher delivers outbox records to the event stream.
type Publisher interface {
	Publish(ctx context.Context, rec domain.OutboxRecord) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each record to the topic named by its event type, keyed by
// order id so one order's events stay on one partition.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, rec domain.OutboxRecord) error {
	if rec.Topic == "" {
		return errors.New("outbox record without topic")
	}
	return p.w.WriteMessages(ctx, Message(rec))
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// Message converts an outbox record into a kafka message.
func Message(rec domain.OutboxRecord) kafka.Message {
	return kafka.Message{
		Topic: rec.Topic,
		Key:   []byte(rec.Key),
		Value: rec.Payload,
		Time:  rec.CreatedAt.UTC(),
		Headers: []kafka.Header{
			{Key: "x-event-id", Value: []byte(rec.EventID)},
			{Key: "x-event-type", Value: []byte(rec.Topic)},
		},
	}
}

// LogPublisher logs events instead of shipping them; used when no brokers are set.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, rec domain.OutboxRecord) error {
	p.log.Info("event",
		zap.String("topic", rec.Topic),
		zap.String("key", rec.Key),
		zap.String("event_id", rec.EventID),
		zap.ByteString("payload", rec.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
