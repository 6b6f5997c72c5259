package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ricelabs/rice/internal/logging"
)

// LoggingBus wraps a Bus and appends every published event to a rotating
// JSONL file. Enabled via configuration for debugging and audit.
type LoggingBus struct {
	inner  Bus
	writer *logging.RotatingWriter
}

type eventRecord struct {
	Time    time.Time       `json:"ts"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// NewLoggingBus wraps inner, appending events to path with size-based
// rotation.
func NewLoggingBus(inner Bus, path string, maxSizeMB, maxFiles int) (*LoggingBus, error) {
	w, err := logging.NewRotatingWriter(path, maxSizeMB, maxFiles)
	if err != nil {
		return nil, err
	}
	return &LoggingBus{inner: inner, writer: w}, nil
}

// Publish implements Bus, recording the event before delivery.
func (b *LoggingBus) Publish(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`"unmarshalable payload"`)
	}
	line, err := json.Marshal(eventRecord{Time: time.Now(), Topic: topic, Payload: raw})
	if err == nil {
		line = append(line, '\n')
		if _, werr := b.writer.Write(line); werr != nil {
			slog.Warn("event log write failed", slog.String("error", werr.Error()))
		}
	}
	b.inner.Publish(topic, payload)
}

// Subscribe implements Bus.
func (b *LoggingBus) Subscribe(ctx context.Context, topic string, handler Handler) {
	b.inner.Subscribe(ctx, topic, handler)
}

// Close implements Bus and closes the event log.
func (b *LoggingBus) Close(ctx context.Context) error {
	err := b.inner.Close(ctx)
	if cerr := b.writer.Close(); err == nil {
		err = cerr
	}
	return err
}
