package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latoulicious/sinkstream/pkg/common"
	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

func summaryEndedAt(id string, ended time.Time, reason pipeline.EndReason) pipeline.SessionSummary {
	return pipeline.SessionSummary{
		ID:        id,
		Source:    "virtual_sink.monitor",
		Remote:    "192.0.2.10:5123",
		StartedAt: ended.Add(-2 * time.Second),
		EndedAt:   ended,
		Bytes:     4096,
		Chunks:    4,
		Reason:    reason,
	}
}

func TestSessionHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("RecordAndGet", func(t *testing.T) {
		summary := summaryEndedAt("s-1", now, pipeline.ReasonEndOfStream)
		summary.Format = &common.WAVFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
		require.NoError(t, store.RecordSession(ctx, summary))

		record, err := store.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "virtual_sink.monitor", record.Source)
		assert.Equal(t, "192.0.2.10:5123", record.Remote)
		assert.Equal(t, int64(4096), record.Bytes)
		assert.Equal(t, int64(4), record.Chunks)
		assert.Equal(t, int64(2000), record.DurationMS)
		assert.Equal(t, "end_of_stream", record.Reason)
		assert.Equal(t, 48000, record.SampleRate)
		assert.Equal(t, 2, record.Channels)
		assert.False(t, record.Abnormal)
		assert.WithinDuration(t, now, record.EndedAt, time.Millisecond)
	})

	t.Run("AbnormalExit", func(t *testing.T) {
		summary := summaryEndedAt("s-2", now.Add(time.Second), pipeline.ReasonEndOfStream)
		summary.Bytes = 0
		summary.Exit = pipeline.ExitStatus{Code: 1}
		summary.Abnormal = true
		summary.Diagnostics = "virtual_sink.monitor: No such entity"
		require.NoError(t, store.RecordSession(ctx, summary))

		record, err := store.GetSession(ctx, "s-2")
		require.NoError(t, err)
		assert.True(t, record.Abnormal)
		assert.Equal(t, 1, record.ExitCode)
		assert.Contains(t, record.Diagnostics, "No such entity")
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("RecentNewestFirst", func(t *testing.T) {
		require.NoError(t, store.RecordSession(ctx, summaryEndedAt("s-3", now.Add(2*time.Second), pipeline.ReasonClientGone)))

		records, err := store.RecentSessions(ctx, 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "s-3", records[0].ID)
		assert.Equal(t, "s-2", records[1].ID)

		_, err = store.RecentSessions(ctx, 0)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalSessions)
		assert.Equal(t, int64(1), stats.AbnormalSessions)
		assert.Equal(t, int64(8192), stats.TotalBytes)
		assert.InDelta(t, 2000, stats.AverageDurationMS, 0.5)
		assert.Equal(t, int64(2), stats.SessionsByReason["end_of_stream"])
		assert.Equal(t, int64(1), stats.SessionsByReason["client_gone"])
		require.NotNil(t, stats.LastSessionAt)
		assert.WithinDuration(t, now.Add(2*time.Second), *stats.LastSessionAt, time.Millisecond)
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		deleted, err := store.DeleteOlderThan(ctx, now.Add(1500*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		records, err := store.RecentSessions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "s-3", records[0].ID)
	})
}

func TestStatsOnEmptyHistory(t *testing.T) {
	store := openTestStore(t)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSessions)
	assert.Nil(t, stats.LastSessionAt)
	assert.Empty(t, stats.SessionsByReason)
}
