// Package events publishes permission change events to the Kafka stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/richardliu001/permissions-service/internal/model"
	"github.com/richardliu001/permissions-service/internal/sink"
)

// idempotencyNamespace seeds the UUIDv5 keys derived from outbox ids.
var idempotencyNamespace = uuid.MustParse("6f1c3a52-9a8e-4d0b-8d1f-3b2a6e0c7d41")

const (
	HeaderIdempotencyKey = "idempotency-key"
	HeaderOperation      = "operation"
)

// Event is the flat record written to the stream.
type Event struct {
	IdempotencyKey string               `json:"idempotencyKey"`
	Operation      model.EventOperation `json:"operation"`
	AggregateID    uint64               `json:"aggregateId"`
	OccurredAt     time.Time            `json:"occurredAt"`
	Payload        json.RawMessage      `json:"payload"`
}

// IdempotencyKey is stable for an outbox row, so redelivery reuses it.
func IdempotencyKey(outboxID uint64) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(strconv.FormatUint(outboxID, 10))).String()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes events with at-least-once semantics; consumers dedupe on
// the idempotency key.
type Publisher struct {
	writer messageWriter
	log    *zap.SugaredLogger
}

// NewPublisher wraps a kafka-go writer (or anything with its WriteMessages).
func NewPublisher(w messageWriter, log *zap.SugaredLogger) *Publisher {
	return &Publisher{writer: w, log: log}
}

const writerBatchTimeout = 10 * time.Millisecond

// NewWriter builds the production writer. Messages are keyed by aggregate id,
// so the hash balancer keeps one aggregate on one partition. The relay writes
// one message per call, so the batch window is kept short.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		BatchTimeout: writerBatchTimeout,
	}
}

// Publish sends one event. Encoding failures are permanent; transport
// failures, timeouts included, are transient.
func (p *Publisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return sink.Permanent(fmt.Errorf("encode event %s: %w", evt.IdempotencyKey, err))
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(evt.AggregateID, 10)),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderIdempotencyKey, Value: []byte(evt.IdempotencyKey)},
			{Key: HeaderOperation, Value: []byte(evt.Operation)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return sink.Transient(fmt.Errorf("write event %s: %w", evt.IdempotencyKey, err))
	}
	p.log.Debugw("event published",
		"idempotency_key", evt.IdempotencyKey,
		"aggregate_id", evt.AggregateID,
		"operation", evt.Operation)
	return nil
}

// Dispatch turns an event-stream outbox row into an Event and publishes it.
func (p *Publisher) Dispatch(ctx context.Context, msg model.OutboxMessage) error {
	payload, err := sink.DecodePayload(msg)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(payload.Snapshot)
	if err != nil {
		return sink.Permanent(fmt.Errorf("encode snapshot for outbox %d: %w", msg.ID, err))
	}
	return p.Publish(ctx, Event{
		IdempotencyKey: IdempotencyKey(msg.ID),
		Operation:      payload.Operation,
		AggregateID:    msg.AggregateID,
		OccurredAt:     payload.OccurredAt,
		Payload:        snapshot,
	})
}
