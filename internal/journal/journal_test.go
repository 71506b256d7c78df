package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

type memJournal struct{ events []Event }

func (m *memJournal) LogEvent(_ context.Context, e Event) error {
	m.events = append(m.events, e)
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, nil)

	ev := Event{
		Time:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		GroupID:     "g-1",
		Type:        TypeTransition,
		Description: "AWAITING_ENTRY_FILL -> ENTRY_FILLED_PLACING_LEGS",
		Data:        map[string]any{"to": "ENTRY_FILLED_PLACING_LEGS"},
	}
	require.NoError(t, p.LogEvent(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "g-1", string(w.msgs[0].Key))
	assert.Equal(t, ev.Time, w.msgs[0].Time)

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, "ENTRY_FILLED_PLACING_LEGS", got.Data["to"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherError(t *testing.T) {
	boom := errors.New("broker unavailable")
	p := NewKafkaPublisher(&fakeWriter{err: boom}, nil)
	err := p.LogEvent(context.Background(), Event{GroupID: "g"})
	assert.True(t, errors.Is(err, boom))
}

func TestMultiContinuesPastFailures(t *testing.T) {
	boom := errors.New("down")
	mem := &memJournal{}
	m := Multi{NewKafkaPublisher(&fakeWriter{err: boom}, nil), mem, Nop{}}

	err := m.LogEvent(context.Background(), Event{GroupID: "g", Type: TypeAnomaly})
	assert.True(t, errors.Is(err, boom))
	require.Len(t, mem.events, 1)
	assert.Equal(t, TypeAnomaly, mem.events[0].Type)
}
