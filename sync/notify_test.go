package sync

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeKafkaWriter struct {
	messages []kafka.Message
	closed   bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func finishedRun() SyncRun {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return SyncRun{
		ID:       "run-7",
		Kind:     PartialRun,
		Entities: []EntityType{Companies},
		Stages: map[EntityType]*StageResult{
			Companies: {Fetched: 3, Created: 2, Failed: 1, Errors: []string{"companies 3: validation error"}},
		},
		StartedAt: started,
		EndedAt:   started.Add(1500 * time.Millisecond),
		Status:    StatusPartialFailure,
	}
}

func TestRunEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC)
	event, err := RunEvent(finishedRun(), at)
	require.NoError(t, err)
	require.True(t, gjson.Valid(event))

	parsed := gjson.Parse(event)
	assert.Equal(t, RunCompletedEvent, parsed.Get("type").String())
	assert.Equal(t, "2026-03-01T12:00:02Z", parsed.Get("occurredAt").String())
	assert.Equal(t, "partial failure", parsed.Get("status").String())
	assert.Equal(t, int64(1500), parsed.Get("durationMs").Int())
	assert.Equal(t, "run-7", parsed.Get("run.id").String())
	assert.Equal(t, int64(2), parsed.Get("run.stages.companies.created").Int())
}

func TestKafkaNotifier(t *testing.T) {
	writer := &fakeKafkaWriter{}
	notifier := &KafkaNotifier{writer: writer}

	require.NoError(t, notifier.Notify(context.Background(), finishedRun()))
	require.Len(t, writer.messages, 1)
	assert.Equal(t, "run-7", string(writer.messages[0].Key))
	assert.Equal(t, "run-7", gjson.GetBytes(writer.messages[0].Value, "run.id").String())

	require.NoError(t, notifier.Close())
	assert.True(t, writer.closed)
}

func TestNewKafkaNotifier(t *testing.T) {
	notifier := NewKafkaNotifier(NotifySettings{Brokers: []string{"localhost:9092"}, Topic: "ledger2crm.runs"})
	writer, ok := notifier.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "ledger2crm.runs", writer.Topic)
	assert.Equal(t, kafka.RequireAll, writer.RequiredAcks)
}
