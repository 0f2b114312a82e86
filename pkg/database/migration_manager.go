package database

import (
	"crypto/md5"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// migrationManager applies versioned schema changes tracked in schema_migrations
type migrationManager struct {
	db         *sql.DB
	migrations map[int]*migrationScript
	logger     pipeline.Logger
}

// migrationScript represents a single database migration
type migrationScript struct {
	Version     int
	Name        string
	Description string
	UpSQL       string
	Checksum    string
}

// newMigrationManager creates a new migration manager
func newMigrationManager(db *sql.DB, logger pipeline.Logger) (*migrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	mm := &migrationManager{
		db:         db,
		migrations: make(map[int]*migrationScript),
		logger:     logger,
	}

	// Initialize migration tracking table
	if err := mm.initializeMigrationTable(); err != nil {
		return nil, fmt.Errorf("failed to initialize migration table: %w", err)
	}

	mm.loadMigrations()

	return mm, nil
}

// initializeMigrationTable creates the migration tracking table
func (mm *migrationManager) initializeMigrationTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)
	`

	if _, err := mm.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

// loadMigrations loads all migration scripts
func (mm *migrationManager) loadMigrations() {
	mm.migrations[1] = &migrationScript{
		Version:     1,
		Name:        "stream_sessions",
		Description: "Create stream session history table",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS stream_sessions (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				remote TEXT NOT NULL,
				started_at DATETIME NOT NULL,
				ended_at DATETIME NOT NULL,
				duration_ms INTEGER NOT NULL,
				bytes INTEGER NOT NULL DEFAULT 0,
				chunks INTEGER NOT NULL DEFAULT 0,
				reason TEXT NOT NULL,
				exit_code INTEGER NOT NULL,
				exit_signal TEXT NOT NULL DEFAULT '',
				abnormal INTEGER NOT NULL DEFAULT 0,
				diagnostics TEXT NOT NULL DEFAULT ''
			);
		`,
	}

	mm.migrations[2] = &migrationScript{
		Version:     2,
		Name:        "stream_sessions_indexes",
		Description: "Index session history by end time and outcome",
		UpSQL: `
			CREATE INDEX IF NOT EXISTS idx_stream_sessions_ended_at ON stream_sessions(ended_at);
			CREATE INDEX IF NOT EXISTS idx_stream_sessions_abnormal ON stream_sessions(abnormal);
		`,
	}

	mm.migrations[3] = &migrationScript{
		Version:     3,
		Name:        "stream_sessions_format",
		Description: "Record the detected WAV format of each session",
		UpSQL: `
			ALTER TABLE stream_sessions ADD COLUMN sample_rate INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE stream_sessions ADD COLUMN channels INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE stream_sessions ADD COLUMN bits_per_sample INTEGER NOT NULL DEFAULT 0;
		`,
	}

	for _, migration := range mm.migrations {
		migration.Checksum = mm.calculateChecksum(migration.UpSQL)
	}
}

// GetCurrentVersion returns the current schema version
func (mm *migrationManager) GetCurrentVersion() (int, error) {
	query := "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"

	var version int
	err := mm.db.QueryRow(query).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}

	return version, nil
}

// GetLatestVersion returns the latest available migration version
func (mm *migrationManager) GetLatestVersion() int {
	maxVersion := 0
	for version := range mm.migrations {
		if version > maxVersion {
			maxVersion = version
		}
	}
	return maxVersion
}

// Migrate runs all pending migrations
func (mm *migrationManager) Migrate() error {
	if err := mm.validateAppliedChecksums(); err != nil {
		return err
	}

	currentVersion, err := mm.GetCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	latestVersion := mm.GetLatestVersion()

	if currentVersion >= latestVersion {
		mm.logger.Debug("Database is up to date", pipeline.Int("version", currentVersion))
		return nil
	}

	mm.logger.Info("Migrating database",
		pipeline.Int("from_version", currentVersion),
		pipeline.Int("to_version", latestVersion),
	)

	// Get sorted list of versions to migrate
	var versionsToMigrate []int
	for version := range mm.migrations {
		if version > currentVersion {
			versionsToMigrate = append(versionsToMigrate, version)
		}
	}
	sort.Ints(versionsToMigrate)

	for _, version := range versionsToMigrate {
		if err := mm.runMigration(version); err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, version, err)
		}
		mm.logger.Info("Applied migration",
			pipeline.Int("version", version),
			pipeline.String("name", mm.migrations[version].Name),
		)
	}

	return nil
}

// GetMigrationHistory returns the migration history
func (mm *migrationManager) GetMigrationHistory() ([]*Migration, error) {
	query := `
		SELECT version, name, description, checksum, applied_at
		FROM schema_migrations
		ORDER BY version
	`

	rows, err := mm.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var migrations []*Migration
	for rows.Next() {
		migration := &Migration{}
		err := rows.Scan(
			&migration.Version,
			&migration.Name,
			&migration.Description,
			&migration.Checksum,
			&migration.AppliedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}

		migrations = append(migrations, migration)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}

	return migrations, nil
}

// runMigration applies a single migration inside a transaction
func (mm *migrationManager) runMigration(version int) error {
	migration, exists := mm.migrations[version]
	if !exists {
		return fmt.Errorf("%w: %d", ErrMigrationNotFound, version)
	}

	tx, err := mm.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.UpSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO schema_migrations (version, name, description, checksum, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, version, migration.Name, migration.Description, migration.Checksum, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update migration tracking: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// validateAppliedChecksums refuses to run against a schema whose applied
// migrations differ from the ones compiled in.
func (mm *migrationManager) validateAppliedChecksums() error {
	applied, err := mm.GetMigrationHistory()
	if err != nil {
		return err
	}

	for _, migration := range applied {
		script, exists := mm.migrations[migration.Version]
		if !exists {
			continue
		}
		if script.Checksum != migration.Checksum {
			return fmt.Errorf("%w: version %d", ErrMigrationChecksumMismatch, migration.Version)
		}
	}
	return nil
}

// calculateChecksum calculates MD5 checksum of migration SQL
func (mm *migrationManager) calculateChecksum(sql string) string {
	hash := md5.Sum([]byte(sql))
	return fmt.Sprintf("%x", hash)
}
