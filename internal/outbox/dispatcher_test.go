package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	platformevents "example.com/cragfeed/pkg/events"
)

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}

func newTestDispatcher(producer messageWriter, registry schemaRegistrar) *Dispatcher {
	return &Dispatcher{
		producer: producer,
		registry: registry,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Date(2026, time.October, 14, 0, 0, 0, 0, time.UTC) },
	}
}

func message(id int64, eventType, topic string) Message {
	return Message{
		EventID:       id,
		AggregateID:   "agg",
		EventType:     eventType,
		Topic:         topic,
		SchemaSubject: topic + "-value",
		PartitionKey:  "key",
		Payload:       json.RawMessage(`{"ok":true}`),
	}
}

func TestDeliverGroupsByTopicAndCachesSchemas(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 11}
	d := newTestDispatcher(producer, registry)

	err := d.deliver(context.Background(), []Message{
		message(1, platformevents.TypeActivityCreated, "activity_events"),
		message(2, platformevents.TypeReactionChanged, "reaction_events"),
		message(3, platformevents.TypeActivityCreated, "activity_events"),
	})
	require.NoError(t, err)

	require.Len(t, producer.writes, 2)
	require.Equal(t, "activity_events", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 2)
	require.Equal(t, "reaction_events", producer.writes[1].topic)
	require.Len(t, registry.calls, 2)

	first := producer.writes[0].messages[0]
	require.Equal(t, []byte("key"), first.Key)
	require.Equal(t, []kafka.Header{
		{Key: HeaderEventType, Value: []byte(platformevents.TypeActivityCreated)},
		{Key: HeaderSchemaSubject, Value: []byte("activity_events-value")},
	}, first.Headers)

	schemaID, payload, err := DecodeWireFormat(first.Value)
	require.NoError(t, err)
	require.Equal(t, 11, schemaID)
	require.JSONEq(t, `{"ok":true}`, string(payload))

	require.NoError(t, d.deliver(context.Background(), []Message{message(4, platformevents.TypeActivityCreated, "activity_events")}))
	require.Len(t, registry.calls, 2, "schema id should be cached")
}

func TestDeliverFailsOnUnknownEventOrRegistryError(t *testing.T) {
	producer := &stubProducer{}
	d := newTestDispatcher(producer, &stubRegistry{})
	err := d.deliver(context.Background(), []Message{message(1, "route.deleted", "route_events")})
	require.ErrorContains(t, err, "no schema metadata for event_type=route.deleted")
	require.Empty(t, producer.writes)

	d = newTestDispatcher(producer, &stubRegistry{err: errors.New("registry down")})
	err = d.deliver(context.Background(), []Message{message(1, platformevents.TypeRatingChanged, "rating_events")})
	require.ErrorContains(t, err, "registry down")
	require.Empty(t, producer.writes)
}

func TestDecodeWireFormatRejectsShortFrames(t *testing.T) {
	_, _, err := DecodeWireFormat([]byte{0, 1})
	require.Error(t, err)
	_, _, err = DecodeWireFormat([]byte{1, 0, 0, 0, 1, '{'})
	require.Error(t, err)
}

func TestBackoffDelayDoublesUpToAnHour(t *testing.T) {
	m := &DLQManager{baseDelay: time.Minute}
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 2*time.Minute, m.backoffDelay(2))
	require.Equal(t, 32*time.Minute, m.backoffDelay(6))
	require.Equal(t, time.Hour, m.backoffDelay(7))
	require.Equal(t, time.Hour, m.backoffDelay(40))
}
