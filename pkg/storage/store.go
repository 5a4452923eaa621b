// Package storage persists control plane state in SQLite.
//
// One database file holds four tables:
//
//	usage_records    ingested usage, queried by scope and time range
//	scope_budgets    limit, spend and pause state of every guard scope
//	schedule_claims  the scheduler run ledger
//	decisions        an audit trail of guard decisions
//
// The database runs in WAL mode with a single connection; a background loop
// checkpoints the WAL periodically.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Config configures a Store.
type Config struct {
	// Path is the database file. ":memory:" keeps the database in memory.
	Path string `yaml:"path"`

	// CheckpointInterval is how often the WAL is checkpointed.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// BusyTimeout is how long a statement waits for a lock.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// Retention bounds how long usage records, decisions and claims are
	// kept by Cleanup.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the default storage settings.
func DefaultConfig() Config {
	return Config{
		Path:               "costguard.db",
		CheckpointInterval: 5 * time.Minute,
		BusyTimeout:        5 * time.Second,
		Retention:          90 * 24 * time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = d.BusyTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
}

// Store is a SQLite backed store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage path cannot be empty")
	}
	cfg.applyDefaults()

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "storage"))

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	go s.checkpointLoop()

	s.logger.Info("storage opened", zap.String("path", cfg.Path))
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		ts INTEGER NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		cost REAL NOT NULL,
		latency_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		workflow_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_usage_scope_ts ON usage_records(scope, ts);

	CREATE TABLE IF NOT EXISTS scope_budgets (
		scope TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedule_claims (
		key TEXT PRIMARY KEY,
		claimed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		evaluated_at INTEGER NOT NULL,
		decision TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_scope ON decisions(scope, evaluated_at);
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Cleanup deletes usage records, decisions and schedule claims older than
// the retention. It returns the number of deleted rows.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Retention).UnixNano()
	total := 0
	for _, q := range []string{
		`DELETE FROM usage_records WHERE ts < ?`,
		`DELETE FROM decisions WHERE evaluated_at < ?`,
		`DELETE FROM schedule_claims WHERE claimed_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
	}
	if total > 0 {
		s.logger.Info("storage cleanup", zap.Int("deleted", total))
	}
	return total, nil
}

// Close stops the checkpoint loop and closes the database. It is safe to
// call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		err = s.db.Close()
	})
	return err
}

func (s *Store) checkpointLoop() {
	ticker := time.NewTicker(s.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
				s.logger.Warn("wal checkpoint failed", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}
