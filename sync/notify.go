package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tidwall/sjson"
)

// RunCompletedEvent is the event type published for every finished run.
const RunCompletedEvent = "sync.completed"

// RunNotifier is told about every finished run.
type RunNotifier interface {
	Notify(ctx context.Context, run SyncRun) error
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes run events to a Kafka topic, keyed by run id.
type KafkaNotifier struct {
	writer kafkaMessageWriter
}

func NewKafkaNotifier(settings NotifySettings) *KafkaNotifier {
	return &KafkaNotifier{writer: &kafka.Writer{
		Addr:         kafka.TCP(settings.Brokers...),
		Topic:        settings.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaNotifier) Notify(ctx context.Context, run SyncRun) error {
	event, err := RunEvent(run, time.Now())
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(run.ID), Value: []byte(event)})
}

func (k *KafkaNotifier) Close() error { return k.writer.Close() }

// RunEvent builds the event envelope for a finished run.
func RunEvent(run SyncRun, at time.Time) (string, error) {
	body, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}
	event, err := sjson.Set("", "type", RunCompletedEvent)
	if err != nil {
		return "", err
	}
	if event, err = sjson.Set(event, "occurredAt", at.UTC().Format(time.RFC3339)); err != nil {
		return "", err
	}
	if event, err = sjson.Set(event, "status", string(run.Status)); err != nil {
		return "", err
	}
	if event, err = sjson.Set(event, "durationMs", run.Duration().Milliseconds()); err != nil {
		return "", err
	}
	return sjson.SetRaw(event, "run", string(body))
}
