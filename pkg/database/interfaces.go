package database

import (
	"context"
	"time"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// SessionHistory defines the session history operations
type SessionHistory interface {
	pipeline.HistoryRecorder

	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	RecentSessions(ctx context.Context, limit int) ([]*SessionRecord, error)
	Stats(ctx context.Context) (*SessionStats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ SessionHistory = (*Store)(nil)
