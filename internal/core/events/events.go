// Package events publishes analytics events. Publishing is best-effort:
// failures are logged and never reach the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/markdave123-py/pdfrag/internal/logger"
)

const (
	DocumentUploaded  = "document.uploaded"
	DocumentCompleted = "document.completed"
	DocumentFailed    = "document.failed"
	DocumentDeleted   = "document.deleted"
	QueryAnswered     = "query.answered"
)

type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"user_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// KafkaPublisher writes JSON events to one topic, keyed by document id so a
// document's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := evt.DocumentID
	if key == "" {
		key = evt.UserID
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

const emitTimeout = 3 * time.Second

// Emit publishes evt and only logs failures. It detaches from ctx's
// cancellation so an event raised at the end of a request still goes out.
func Emit(ctx context.Context, pub Publisher, log logger.Logger, evt Event) {
	if pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := pub.Publish(ctx, evt); err != nil {
		log.Warn("event publish failed",
			logger.String("event", evt.Type),
			logger.String("document_id", evt.DocumentID),
			logger.Error(err))
	}
}
