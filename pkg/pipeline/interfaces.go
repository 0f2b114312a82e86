package pipeline

import (
	"context"
)

// Sink receives relayed audio. Every chunk is written and flushed before the
// next read from the encoder.
type Sink interface {
	Write(p []byte) (int, error)
	Flush() error
}

// HistoryRecorder persists finished session summaries
type HistoryRecorder interface {
	RecordSession(ctx context.Context, summary SessionSummary) error
}

// EventPublisher fans session lifecycle events out to external consumers
type EventPublisher interface {
	Publish(ctx context.Context, event SessionEvent) error
}

// Notifier alerts operators about encoders that exited abnormally
type Notifier interface {
	NotifyAbnormalExit(ctx context.Context, summary SessionSummary) error
}
