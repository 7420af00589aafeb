// Package store persists the pipeline's state in SQLite: videos, VMAF
// samples, libraries, service configuration and the failure audit log. The
// database is the queue; selection queries are the canonical definition of
// stage eligibility.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/branport/shrinkd/internal/xerrors"
)

const schemaVersion = 1

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open initializes the database with WAL mode and the pipeline schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.NewStoreError("open database", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.NewStoreError("ping database", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the raw handle for the stats projection.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return xerrors.NewStoreError("read schema version", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return xerrors.NewStoreError("begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS libraries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		monitor BOOLEAN NOT NULL DEFAULT 1,
		inserted_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS service_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL UNIQUE,
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL,
		inserted_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS videos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_type TEXT,
		service_id TEXT,
		path TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL DEFAULT 0,
		bitrate INTEGER NOT NULL DEFAULT 0,
		duration REAL NOT NULL DEFAULT 0,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		frame_rate REAL NOT NULL DEFAULT 0,
		max_audio_channels INTEGER NOT NULL DEFAULT 0,
		audio_codecs TEXT NOT NULL DEFAULT '[]',
		video_codecs TEXT NOT NULL DEFAULT '[]',
		hdr TEXT,
		atmos BOOLEAN NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'needs-analysis',
		failed BOOLEAN NOT NULL DEFAULT 0,
		mediainfo BLOB,
		library_id INTEGER REFERENCES libraries(id),
		inserted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_videos_service
		ON videos(service_type, service_id)
		WHERE service_type IS NOT NULL AND service_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_videos_analysis
		ON videos(state, failed, inserted_at);
	CREATE INDEX IF NOT EXISTS idx_videos_search
		ON videos(state, failed, bitrate DESC, size DESC);

	CREATE TABLE IF NOT EXISTS vmafs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		video_id INTEGER NOT NULL REFERENCES videos(id),
		crf REAL NOT NULL,
		score REAL NOT NULL,
		predicted_filesize INTEGER NOT NULL DEFAULT 0,
		percent REAL NOT NULL DEFAULT 0,
		chosen BOOLEAN NOT NULL DEFAULT 0,
		params TEXT NOT NULL DEFAULT '[]',
		target REAL NOT NULL DEFAULT 95,
		inserted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(video_id, crf)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_vmafs_chosen
		ON vmafs(video_id) WHERE chosen = 1;

	CREATE TABLE IF NOT EXISTS video_failures (
		id TEXT PRIMARY KEY,
		video_id INTEGER NOT NULL REFERENCES videos(id),
		stage TEXT NOT NULL,
		category TEXT NOT NULL,
		code TEXT NOT NULL,
		message TEXT NOT NULL,
		context TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		resolved BOOLEAN NOT NULL DEFAULT 0,
		inserted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failures_stage
		ON video_failures(stage, resolved, inserted_at);
	`
	if _, err := tx.Exec(schema); err != nil {
		return xerrors.NewStoreError("apply schema", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return xerrors.NewStoreError("set schema version", err)
	}
	if err := tx.Commit(); err != nil {
		return xerrors.NewStoreError("commit migration", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
