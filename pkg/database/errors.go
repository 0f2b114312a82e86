package database

import "errors"

// Database configuration errors
var (
	ErrInvalidDatabasePath      = errors.New("invalid database path")
	ErrInvalidMaxConnections    = errors.New("invalid max connections")
	ErrInvalidConnectionTimeout = errors.New("invalid connection timeout")
	ErrInvalidSynchronousMode   = errors.New("invalid synchronous mode")
	ErrInvalidRetention         = errors.New("invalid history retention")
	ErrInvalidCleanupSchedule   = errors.New("invalid cleanup schedule")
)

// Database operation errors
var (
	ErrDatabaseNotConnected = errors.New("database not connected")
	ErrMigrationFailed      = errors.New("migration failed")
)

// Repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidLimit    = errors.New("invalid limit")
)

// Migration errors
var (
	ErrMigrationNotFound         = errors.New("migration not found")
	ErrMigrationChecksumMismatch = errors.New("migration checksum mismatch")
)
