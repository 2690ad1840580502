package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the store.
var (
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrDuplicateArtifact = errors.New("duplicate artifact id")
	ErrAttemptNotFound   = errors.New("attempt not found or not in progress")
)

// Verify at compile time that Store implements all interfaces.
var (
	_ ArtifactRepository = (*Store)(nil)
	_ AttemptRepository  = (*Store)(nil)
)

// Store provides data access to the SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 2

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: artifacts and attempts tables
		s.migrateV2, // v1 → v2: per-target attempt lookup index
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the initial schema (v0 → v1).
// Timestamps are unix milliseconds so range predicates compare numerically.
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id              TEXT PRIMARY KEY,
		cookies         TEXT NOT NULL,
		target_id       TEXT NOT NULL,
		target_url      TEXT NOT NULL,
		domain          TEXT NOT NULL,
		proxy           TEXT NOT NULL DEFAULT '',
		is_valid        INTEGER NOT NULL DEFAULT 1,
		expires_at      INTEGER NOT NULL,
		last_used_at    INTEGER,
		usage_count     INTEGER NOT NULL DEFAULT 0,
		score           INTEGER NOT NULL CHECK (score BETWEEN 0 AND 100),
		last_success_at INTEGER,
		status          TEXT NOT NULL,
		tags            TEXT NOT NULL DEFAULT '[]',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_serve ON artifacts(status, is_valid, expires_at);
	CREATE INDEX IF NOT EXISTS idx_artifacts_rank ON artifacts(score DESC, usage_count ASC);

	CREATE TABLE IF NOT EXISTS attempts (
		id                   TEXT PRIMARY KEY,
		target_ref           TEXT NOT NULL,
		proxy_ref            TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		started_at           INTEGER NOT NULL,
		completed_at         INTEGER,
		duration_ms          INTEGER NOT NULL DEFAULT 0,
		retry_count          INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		error_message        TEXT NOT NULL DEFAULT '',
		artifact_count       INTEGER NOT NULL DEFAULT 0,
		next_eligible_at     INTEGER,
		metadata             TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migrateV2 indexes terminal attempts by target for backoff lookups (v1 → v2).
func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_target ON attempts(target_ref, completed_at DESC)`)
	return err
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
