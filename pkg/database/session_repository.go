package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

const sessionColumns = `id, source, remote, started_at, ended_at, duration_ms, bytes, chunks,
	reason, exit_code, exit_signal, abnormal, diagnostics, sample_rate, channels, bits_per_sample`

// RecordSession stores a finished session. It satisfies pipeline.HistoryRecorder.
func (s *Store) RecordSession(ctx context.Context, summary pipeline.SessionSummary) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	var sampleRate, channels, bits int
	if summary.Format != nil {
		sampleRate = summary.Format.SampleRate
		channels = summary.Format.Channels
		bits = summary.Format.BitsPerSample
	}

	query := `
		INSERT OR REPLACE INTO stream_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		summary.ID,
		summary.Source,
		summary.Remote,
		summary.StartedAt.UTC(),
		summary.EndedAt.UTC(),
		summary.Duration().Milliseconds(),
		summary.Bytes,
		summary.Chunks,
		string(summary.Reason),
		summary.Exit.Code,
		summary.Exit.Signal,
		summary.Abnormal,
		summary.Diagnostics,
		sampleRate,
		channels,
		bits,
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", summary.ID, err)
	}
	return nil
}

// GetSession returns one stored session
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE id = ?`, id)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return record, nil
}

// RecentSessions returns the most recently ended sessions, newest first
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM stream_sessions ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return records, nil
}

// Stats aggregates the stored history
func (s *Store) Stats(ctx context.Context) (*SessionStats, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	stats := &SessionStats{SessionsByReason: make(map[string]int64)}

	err = db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(abnormal), 0),
			COALESCE(SUM(bytes), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM stream_sessions
	`).Scan(&stats.TotalSessions, &stats.AbnormalSessions, &stats.TotalBytes, &stats.AverageDurationMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sessions: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT reason, COUNT(*) FROM stream_sessions GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions by reason: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan reason count: %w", err)
		}
		stats.SessionsByReason[reason] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reason counts: %w", err)
	}

	var last time.Time
	err = db.QueryRowContext(ctx, `SELECT ended_at FROM stream_sessions ORDER BY ended_at DESC LIMIT 1`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to get last session: %w", err)
	default:
		stats.LastSessionAt = &last
	}

	return stats, nil
}

// DeleteOlderThan removes sessions that ended before cutoff and returns how
// many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, `DELETE FROM stream_sessions WHERE ended_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Pruned session history",
			pipeline.Int64("deleted", deleted),
			pipeline.String("cutoff", cutoff.UTC().Format(time.RFC3339)),
		)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	record := &SessionRecord{}
	err := row.Scan(
		&record.ID,
		&record.Source,
		&record.Remote,
		&record.StartedAt,
		&record.EndedAt,
		&record.DurationMS,
		&record.Bytes,
		&record.Chunks,
		&record.Reason,
		&record.ExitCode,
		&record.ExitSignal,
		&record.Abnormal,
		&record.Diagnostics,
		&record.SampleRate,
		&record.Channels,
		&record.BitsPerSample,
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}
