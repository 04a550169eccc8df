package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "gateway.db"
	// DefaultRetention is how long journal rows are kept.
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultPruneInterval is how often expired journal rows are deleted.
	DefaultPruneInterval = time.Hour
	// DefaultCheckpointInterval is how often the WAL is truncated.
	DefaultCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS status_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_id     TEXT NOT NULL,
  from_status TEXT,
  to_status   TEXT NOT NULL CHECK(to_status IN ('discovered','connected','error','offline','stale')),
  detail      TEXT NOT NULL DEFAULT '',
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_status_events_time
ON status_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_status_events_peer
ON status_events (peer_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS probe_attempts (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_id         TEXT NOT NULL,
  success         INTEGER NOT NULL DEFAULT 0,
  working_url     TEXT,
  addresses_tried TEXT NOT NULL DEFAULT '[]',
  ports_tried     TEXT NOT NULL DEFAULT '[]',
  errors          TEXT NOT NULL DEFAULT '[]',
  timestamp       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_probe_attempts_peer
ON probe_attempts (peer_id, timestamp DESC, id DESC);
`,
}

// Options tunes retention and background maintenance. Zero values take the
// package defaults.
type Options struct {
	Retention          time.Duration
	PruneInterval      time.Duration
	CheckpointInterval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Retention <= 0 {
		out.Retention = DefaultRetention
	}
	if out.PruneInterval <= 0 {
		out.PruneInterval = DefaultPruneInterval
	}
	if out.CheckpointInterval <= 0 {
		out.CheckpointInterval = DefaultCheckpointInterval
	}
	return out
}

// Store keeps the diagnostic journal in SQLite. It is never read back to
// rebuild the registry.
type Store struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) gateway.db under dataDir.
func Open(dataDir string, opts Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath, migrates it, drops expired rows and starts
// the maintenance loop.
func OpenPath(dbPath string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:   db,
		opts: opts.withDefaults(),
		log:  slog.Default().With("component", "storage"),
		stop: make(chan struct{}),
	}

	steps := []func() error{store.enableWAL, store.migrate, store.checkpoint}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := store.PruneExpired(); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.wg.Add(1)
	go store.maintain()
	return store, nil
}

// Retention reports how long journal rows are kept.
func (s *Store) Retention() time.Duration {
	return s.opts.Retention
}

// Close stops maintenance and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// PruneExpired deletes journal rows older than the retention window.
func (s *Store) PruneExpired() (int64, error) {
	cutoff := time.Now().Add(-s.opts.Retention).UnixMilli()
	removed, err := s.PruneHistory(cutoff)
	if err != nil {
		return removed, fmt.Errorf("prune history: %w", err)
	}
	return removed, nil
}

func (s *Store) maintain() {
	defer s.wg.Done()

	prune := time.NewTicker(s.opts.PruneInterval)
	defer prune.Stop()
	checkpoint := time.NewTicker(s.opts.CheckpointInterval)
	defer checkpoint.Stop()

	for {
		select {
		case <-prune.C:
			removed, err := s.PruneExpired()
			if err != nil {
				s.log.Warn("journal prune failed", "error", err)
				continue
			}
			if removed > 0 {
				s.log.Debug("journal pruned", "rows", removed)
			}
		case <-checkpoint.C:
			if err := s.checkpoint(); err != nil {
				s.log.Warn("wal checkpoint failed", "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("set schema version %d: %w", len(migrations), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	s.log.Debug("schema migrated", "from", version, "to", len(migrations))
	return nil
}

func (s *Store) enableWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", mode)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}
