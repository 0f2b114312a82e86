package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

// Store is the sqlite-backed session history. Only session metadata is
// stored, never audio.
type Store struct {
	config     Config
	db         *sql.DB
	migrations *migrationManager
	logger     pipeline.Logger

	// State management
	connected bool
	mutex     sync.RWMutex
}

// Open connects to the database and applies pending migrations
func Open(config Config, logger pipeline.Logger) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if logger == nil {
		logger = pipeline.NullLogger()
	}

	s := &Store{
		config: config,
		logger: logger.With(pipeline.String("component", "history_store")),
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) connect() error {
	db, err := sql.Open("sqlite3", s.buildConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := newMigrationManager(db, s.logger)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration manager: %w", err)
	}
	if err := migrations.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db = db
	s.migrations = migrations
	s.connected = true

	s.logger.Info("History database ready", pipeline.String("path", s.config.DatabasePath))
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// SchemaVersion returns the applied migration version
func (s *Store) SchemaVersion() (int, error) {
	if _, err := s.conn(); err != nil {
		return 0, err
	}
	return s.migrations.GetCurrentVersion()
}

// MigrationHistory returns the applied migrations in order
func (s *Store) MigrationHistory() ([]*Migration, error) {
	if _, err := s.conn(); err != nil {
		return nil, err
	}
	return s.migrations.GetMigrationHistory()
}

func (s *Store) conn() (*sql.DB, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.connected {
		return nil, ErrDatabaseNotConnected
	}
	return s.db, nil
}

// buildConnectionString builds the SQLite connection string with options
func (s *Store) buildConnectionString() string {
	connStr := s.config.DatabasePath + "?"

	if s.config.WALMode {
		connStr += "_journal_mode=WAL&"
	}

	connStr += fmt.Sprintf("_synchronous=%s&", s.config.SynchronousMode)
	connStr += "_busy_timeout=5000&"
	connStr += "_foreign_keys=on"

	return connStr
}
