package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type published struct {
	topic string
	key   string
	value []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	failures map[string]int // topic -> remaining failures
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[topic] > 0 {
		f.failures[topic]--
		return errors.New("broker unavailable")
	}
	f.messages = append(f.messages, published{topic: topic, key: key, value: value})
	return nil
}

func newEntry(t *testing.T, aggregateID, eventType string) *Entry {
	t.Helper()
	e, err := NewEntry("Patient", aggregateID, eventType, map[string]string{"patient_id": aggregateID})
	require.NoError(t, err)
	return e
}

func TestFlushPublishesInWriteOrder(t *testing.T) {
	pub := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.Topics = map[string]string{"DoseEventRecorded": "kocon.dose-events"}
	o := New(pub, cfg, zaptest.NewLogger(t))

	require.NoError(t, o.Write(newEntry(t, "p-1", "DoseEventRecorded")))
	require.NoError(t, o.Write(newEntry(t, "p-1", "PrescriptionConfigUpdated")))
	require.NoError(t, o.Write(newEntry(t, "p-2", "DoseEventRecorded")))

	require.NoError(t, o.Flush(context.Background()))

	require.Len(t, pub.messages, 3)
	assert.Equal(t, "kocon.dose-events", pub.messages[0].topic)
	assert.Equal(t, "p-1", pub.messages[0].key)
	assert.Equal(t, "kocon.patient-events", pub.messages[1].topic)
	assert.Equal(t, "p-2", pub.messages[2].key)
	assert.Equal(t, int64(3), o.Stats().Processed)
	assert.Zero(t, o.Len())
}

func TestFailedPublishKeepsOrder(t *testing.T) {
	pub := &fakePublisher{failures: map[string]int{"kocon.patient-events": 1}}
	o := New(pub, DefaultConfig(), nil)

	first := newEntry(t, "p-1", "PatientRegistered")
	second := newEntry(t, "p-1", "MedicationRefilled")
	require.NoError(t, o.Write(first))
	require.NoError(t, o.Write(second))

	err := o.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, o.Len())
	assert.Equal(t, 1, first.RetryCount)

	require.NoError(t, o.Flush(context.Background()))
	require.Len(t, pub.messages, 2)
	assert.Contains(t, string(pub.messages[0].value), "p-1")
}

func TestExhaustedRetriesGoToDeadLetter(t *testing.T) {
	pub := &fakePublisher{failures: map[string]int{"kocon.patient-events": 2}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	o := New(pub, cfg, nil)

	require.NoError(t, o.Write(newEntry(t, "p-9", "PatientRegistered")))

	require.Error(t, o.Flush(context.Background()))
	require.NoError(t, o.Flush(context.Background()))

	require.Len(t, pub.messages, 1)
	assert.Equal(t, cfg.DeadLetterTopic, pub.messages[0].topic)
	assert.Equal(t, int64(1), o.Stats().DeadLettered)
	assert.Zero(t, o.Stats().Processed)
}

func TestWriteRejectsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 1
	o := New(&fakePublisher{}, cfg, nil)

	require.NoError(t, o.Write(newEntry(t, "p-1", "PatientRegistered")))
	assert.ErrorIs(t, o.Write(newEntry(t, "p-2", "PatientRegistered")), ErrFull)

	stats := o.Stats()
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.NotNil(t, stats.OldestPending)
}
