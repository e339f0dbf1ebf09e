// Package events publishes terminal submission outcomes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"

	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/pkg/config"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/logging"
)

// Type is the kind of submission event.
type Type string

const (
	TypeConfirmed Type = "submission.confirmed"
	TypeFailed    Type = "submission.failed"
	TypeTimedOut  Type = "submission.timed_out"
)

// flushTimeoutMs bounds how long Close waits for outstanding deliveries.
const flushTimeoutMs = 15 * 1000

// Event describes one terminal submission outcome.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	MarketID  string          `json:"marketId"`
	Kind      resolution.Kind `json:"kind"`
	TxHash    string          `json:"txHash,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t Type, req resolution.Request) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		MarketID:  req.MarketID,
		Kind:      req.Kind,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers events. Publish must not block on the broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// NopPublisher drops every event. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close()                               {}

// producer is the part of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher writes confirmed events to one topic and failures to another.
type KafkaPublisher struct {
	producer       producer
	confirmedTopic string
	failedTopic    string
	logger         *logging.Logger
	done           chan struct{}
}

// NewKafkaPublisher connects a producer to cfg.Brokers.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *logging.Logger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"client.id":         "oracled",
		"acks":              "all",
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kafka producer")
	}
	return newKafkaPublisher(p, cfg.ConfirmedTopic, cfg.FailedTopic, logger), nil
}

func newKafkaPublisher(p producer, confirmedTopic, failedTopic string, logger *logging.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logging.Nop()
	}
	kp := &KafkaPublisher{
		producer:       p,
		confirmedTopic: confirmedTopic,
		failedTopic:    failedTopic,
		logger:         logger.Named("events"),
		done:           make(chan struct{}),
	}
	go kp.watchDeliveries()
	return kp
}

// TopicFor returns the topic an event type is written to.
func (p *KafkaPublisher) TopicFor(t Type) string {
	if t == TypeConfirmed {
		return p.confirmedTopic
	}
	return p.failedTopic
}

// Publish enqueues ev. Delivery failures are reported asynchronously in the log.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}

	topic := p.TopicFor(ev.Type)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(ev.MarketID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}, nil)
	if err != nil {
		return errors.WrapWithField(errors.Wrap(err, "failed to publish event"), "topic", topic)
	}
	return nil
}

// Ping fetches cluster metadata for the confirmed topic.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	_, err := p.producer.GetMetadata(&p.confirmedTopic, false, int(timeout.Milliseconds()))
	return err
}

// Close flushes outstanding messages and closes the producer.
func (p *KafkaPublisher) Close() {
	if left := p.producer.Flush(flushTimeoutMs); left > 0 {
		p.logger.Warn("Kafka messages left undelivered", "count", left)
	}
	p.producer.Close()
	<-p.done
}

func (p *KafkaPublisher) watchDeliveries() {
	defer close(p.done)
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.WithError(ev.TopicPartition.Error).Error("Event delivery failed", "key", string(ev.Key))
			}
		case kafka.Error:
			p.logger.WithError(ev).Warn("Kafka producer error")
		}
	}
}
