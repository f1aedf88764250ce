// Package stream writes lifecycle events to a Kafka topic for downstream
// consumers such as reporting.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/medibook/medibook/internal/platform/events"
	"github.com/medibook/medibook/internal/platform/metrics"
)

// DefaultTopic receives lifecycle events when no topic is configured.
const DefaultTopic = "medibook.appointment-events"

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher is an events.Publisher backed by a Kafka topic. Events
// are keyed by appointment id so one appointment's events stay ordered
// within a partition.
type KafkaPublisher struct {
	w      MessageWriter
	async  bool
	logger zerolog.Logger
}

// NewKafkaPublisher connects to brokers, a comma separated list. Writes are
// asynchronous; failures are logged and counted when the batch completes.
func NewKafkaPublisher(brokers, topic string, logger zerolog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	p := &KafkaPublisher{
		async:  true,
		logger: logger.With().Str("component", "stream").Str("topic", topic).Logger(),
	}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   p.complete,
	}
	return p
}

// NewPublisherWithWriter wraps an existing writer. Writes are treated as
// synchronous.
func NewPublisherWithWriter(w MessageWriter, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, logger: logger.With().Str("component", "stream").Logger()}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev events.Event) {
	msg, err := Encode(ev)
	if err != nil {
		metrics.StreamPublishes.WithLabelValues("failed").Inc()
		p.logger.Error().Err(err).Str("event_id", ev.ID).Msg("encode event")
		return
	}
	err = p.w.WriteMessages(ctx, msg)
	if p.async && err == nil {
		return
	}
	p.complete([]kafka.Message{msg}, err)
}

func (p *KafkaPublisher) complete(msgs []kafka.Message, err error) {
	if err != nil {
		metrics.StreamPublishes.WithLabelValues("failed").Add(float64(len(msgs)))
		p.logger.Error().Err(err).Int("messages", len(msgs)).Msg("write events to stream")
		return
	}
	metrics.StreamPublishes.WithLabelValues("written").Add(float64(len(msgs)))
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Encode builds the Kafka message for ev. Recipients stay off the stream.
func Encode(ev events.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	key := ev.AppointmentID
	if key == "" {
		key = ev.ID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type.String())},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}, nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
