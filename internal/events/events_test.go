package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/oracled/internal/resolution"
)

type fakeProducer struct {
	mu       sync.Mutex
	messages []*kafka.Message
	events   chan kafka.Event
	closed   bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{events: make(chan kafka.Event, 8)}
}

func (f *fakeProducer) Produce(msg *kafka.Message, _ chan kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeProducer) Events() chan kafka.Event { return f.events }

func (f *fakeProducer) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	return &kafka.Metadata{}, nil
}

func (f *fakeProducer) Flush(int) int { return 0 }

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func TestPublishRoutesByType(t *testing.T) {
	t.Parallel()

	fp := newFakeProducer()
	p := newKafkaPublisher(fp, "resolutions.confirmed", "resolutions.failed", nil)
	ctx := context.Background()

	req := resolution.NewRegisterRequest("m1", "q", "c")
	confirmed := NewEvent(TypeConfirmed, req)
	confirmed.TxHash = "0xabc"
	failed := NewEvent(TypeFailed, req)
	timedOut := NewEvent(TypeTimedOut, req)

	require.NoError(t, p.Publish(ctx, confirmed))
	require.NoError(t, p.Publish(ctx, failed))
	require.NoError(t, p.Publish(ctx, timedOut))
	p.Close()

	require.Len(t, fp.messages, 3)
	assert.Equal(t, "resolutions.confirmed", *fp.messages[0].TopicPartition.Topic)
	assert.Equal(t, "resolutions.failed", *fp.messages[1].TopicPartition.Topic)
	assert.Equal(t, "resolutions.failed", *fp.messages[2].TopicPartition.Topic)
	assert.Equal(t, []byte("m1"), fp.messages[0].Key)
	assert.Equal(t, "event-type", fp.messages[0].Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(fp.messages[0].Value, &decoded))
	assert.Equal(t, confirmed.ID, decoded.ID)
	assert.Equal(t, "0xabc", decoded.TxHash)
	assert.Equal(t, resolution.KindRegisterMarket, decoded.Kind)
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	fp := newFakeProducer()
	p := newKafkaPublisher(fp, "a", "b", nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, Event{Type: TypeConfirmed}), context.Canceled)
	assert.Empty(t, fp.messages)
}

func TestDeliveryReportsAreDrained(t *testing.T) {
	t.Parallel()

	fp := newFakeProducer()
	p := newKafkaPublisher(fp, "a", "b", nil)

	topic := "a"
	fp.events <- &kafka.Message{TopicPartition: kafka.TopicPartition{Topic: &topic, Error: kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false)}}
	fp.events <- kafka.NewError(kafka.ErrAllBrokersDown, "down", false)

	require.NoError(t, p.Ping(context.Background()))
	p.Close()
	_, open := <-p.done
	assert.False(t, open)
}

func TestNopPublisher(t *testing.T) {
	t.Parallel()

	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	p.Close()
}
