// Package kafka streams location events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/provider"
)

// ErrNoBrokers is returned when no broker address is configured.
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// Event types carried in Event.Type.
const (
	EventLocation   = "location"
	EventStationary = "stationary"
	EventError      = "error"
)

// Event is the message value written for every record.
type Event struct {
	Type     string                `json:"type"`
	DeviceID string                `json:"deviceId,omitempty"`
	SentAt   time.Time             `json:"sentAt"`
	Location *location.Location    `json:"location,omitempty"`
	Error    *provider.ErrorObject `json:"error,omitempty"`
}

// EventProducer writes keyed messages.
// This interface allows the producer to be mocked in tests.
type EventProducer interface {
	Publish(ctx context.Context, topic string, key string, value []byte) error
	Close() error
}

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements EventProducer using segmentio/kafka-go.
type Producer struct {
	writer messageWriter
}

// Ensure Producer implements the interface at compile time
var _ EventProducer = (*Producer)(nil)

// NewProducer creates an async, batching producer.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // same device, same partition
		BatchSize:    100,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Printf("[kafka] failed to deliver %d message(s): %v", len(messages), err)
			}
		},
	}
	return &Producer{writer: writer}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}

// Emitter encodes records as Events on one topic, keyed by device id.
type Emitter struct {
	producer EventProducer
	topic    string
	now      func() time.Time
}

// NewEmitter creates an emitter for topic.
func NewEmitter(p EventProducer, topic string) *Emitter {
	return &Emitter{producer: p, topic: topic, now: time.Now}
}

// EmitLocation sends a moving fix or a stationary event.
func (e *Emitter) EmitLocation(ctx context.Context, loc *location.Location) error {
	typ := EventLocation
	if loc.IsStationary() {
		typ = EventStationary
	}
	return e.emit(ctx, Event{Type: typ, DeviceID: loc.DeviceID, Location: loc})
}

// EmitError sends a provider error.
func (e *Emitter) EmitError(ctx context.Context, deviceID string, obj *provider.ErrorObject) error {
	return e.emit(ctx, Event{Type: EventError, DeviceID: deviceID, Error: obj})
}

// Close closes the underlying producer.
func (e *Emitter) Close() error {
	return e.producer.Close()
}

func (e *Emitter) emit(ctx context.Context, ev Event) error {
	ev.SentAt = e.now().UTC()
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: encode %s event: %w", ev.Type, err)
	}
	return e.producer.Publish(ctx, e.topic, ev.DeviceID, value)
}
