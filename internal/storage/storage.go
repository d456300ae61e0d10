// Package storage provides SQLite-backed persistence for markets, price history,
// signals, resolutions, threshold profiles and the post ledger.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a conditional profile update loses a race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrOutOfOrder is returned when a price point predates the market's stored history.
	ErrOutOfOrder = errors.New("price point out of order")
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/polysignal/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polysignal", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL,
			slug             TEXT,
			category         TEXT NOT NULL,
			outcomes         TEXT NOT NULL,
			prices           TEXT NOT NULL,
			liquidity        REAL NOT NULL DEFAULT 0,
			volume_24hr      REAL NOT NULL DEFAULT 0,
			end_date         INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			resolved_outcome TEXT NOT NULL DEFAULT '',
			last_updated     INTEGER NOT NULL,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status, last_updated)`,
		`CREATE TABLE IF NOT EXISTS price_points (
			market_id   TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			outcome_id  TEXT NOT NULL,
			price       REAL NOT NULL,
			liquidity   REAL NOT NULL,
			ts          INTEGER NOT NULL,
			PRIMARY KEY (market_id, outcome_id, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_points_ts ON price_points(ts)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id                 TEXT PRIMARY KEY,
			market_id          TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
			outcome_id         TEXT NOT NULL,
			detected_at        INTEGER NOT NULL,
			prior_price        REAL NOT NULL,
			new_price          REAL NOT NULL,
			delta              REAL NOT NULL,
			type               TEXT NOT NULL,
			strength           TEXT NOT NULL,
			confidence         REAL NOT NULL,
			threshold_used     REAL NOT NULL,
			volatility_factor  REAL NOT NULL,
			category           TEXT NOT NULL,
			bucket             TEXT NOT NULL,
			features           TEXT NOT NULL,
			published          INTEGER NOT NULL DEFAULT 0,
			expired            INTEGER NOT NULL DEFAULT 0,
			publish_attempts   INTEGER NOT NULL DEFAULT 0,
			resolved_correctly INTEGER,
			calibrated         INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,
			UNIQUE (market_id, outcome_id, detected_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pending ON signals(published, expired)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_profile ON signals(category, bucket, detected_at)`,
		`CREATE TABLE IF NOT EXISTS resolutions (
			market_id     TEXT PRIMARY KEY REFERENCES markets(id) ON DELETE CASCADE,
			final_outcome TEXT NOT NULL,
			resolved_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threshold_profiles (
			category         TEXT NOT NULL,
			bucket           TEXT NOT NULL,
			base_threshold   REAL NOT NULL,
			weights          TEXT NOT NULL,
			sample_count     INTEGER NOT NULL DEFAULT 0,
			accuracy_history TEXT NOT NULL DEFAULT '[]',
			version          INTEGER NOT NULL DEFAULT 0,
			updated_at       INTEGER NOT NULL,
			PRIMARY KEY (category, bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS post_records (
			id           TEXT PRIMARY KEY,
			signal_id    TEXT NOT NULL UNIQUE,
			market_id    TEXT NOT NULL,
			posted_at    INTEGER NOT NULL,
			message_hash TEXT NOT NULL,
			pending      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_post_records_posted_at ON post_records(posted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_post_records_market ON post_records(market_id, posted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_post_records_hash ON post_records(message_hash, posted_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
