package database

import (
	"time"
)

// Config holds configuration for the session history database
type Config struct {
	Enabled           bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	DatabasePath      string        `json:"database_path" yaml:"database_path" mapstructure:"database_path"`
	MaxConnections    int           `json:"max_connections" yaml:"max_connections" mapstructure:"max_connections"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout" mapstructure:"connection_timeout"`

	// Performance settings
	WALMode         bool   `json:"wal_mode" yaml:"wal_mode" mapstructure:"wal_mode"`
	SynchronousMode string `json:"synchronous_mode" yaml:"synchronous_mode" mapstructure:"synchronous_mode"`

	// Retention settings
	Retention       time.Duration `json:"retention" yaml:"retention" mapstructure:"retention"`
	CleanupSchedule string        `json:"cleanup_schedule" yaml:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DatabasePath:      "sinkstream.db",
		MaxConnections:    4,
		ConnectionTimeout: 10 * time.Second,

		WALMode:         true,
		SynchronousMode: "NORMAL",

		Retention:       30 * 24 * time.Hour, // 30 days
		CleanupSchedule: "0 0 * * * *",       // hourly, on the hour
	}
}

// Validate validates the database configuration
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return ErrInvalidDatabasePath
	}
	if c.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		return ErrInvalidConnectionTimeout
	}
	if c.SynchronousMode != "OFF" && c.SynchronousMode != "NORMAL" && c.SynchronousMode != "FULL" {
		return ErrInvalidSynchronousMode
	}
	if c.Retention <= 0 {
		return ErrInvalidRetention
	}
	if c.CleanupSchedule == "" {
		return ErrInvalidCleanupSchedule
	}
	return nil
}

// SessionRecord is a finished stream session as stored in history
type SessionRecord struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	Remote        string    `json:"remote"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	DurationMS    int64     `json:"duration_ms"`
	Bytes         int64     `json:"bytes"`
	Chunks        int64     `json:"chunks"`
	Reason        string    `json:"reason"`
	ExitCode      int       `json:"exit_code"`
	ExitSignal    string    `json:"exit_signal,omitempty"`
	Abnormal      bool      `json:"abnormal"`
	Diagnostics   string    `json:"diagnostics,omitempty"`
	SampleRate    int       `json:"sample_rate,omitempty"`
	Channels      int       `json:"channels,omitempty"`
	BitsPerSample int       `json:"bits_per_sample,omitempty"`
}

// SessionStats holds aggregate statistics over the stored history
type SessionStats struct {
	TotalSessions     int64            `json:"total_sessions"`
	AbnormalSessions  int64            `json:"abnormal_sessions"`
	TotalBytes        int64            `json:"total_bytes"`
	AverageDurationMS float64          `json:"average_duration_ms"`
	SessionsByReason  map[string]int64 `json:"sessions_by_reason"`
	LastSessionAt     *time.Time       `json:"last_session_at,omitempty"`
}

// Migration represents an applied schema migration
type Migration struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Checksum    string    `json:"checksum"`
	AppliedAt   time.Time `json:"applied_at"`
}
