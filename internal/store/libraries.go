package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/xerrors"
)

// InsertLibrary registers a library root.
func (s *Store) InsertLibrary(ctx context.Context, l *media.Library) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO libraries (path, monitor, inserted_at) VALUES (?, ?, ?)",
		l.Path, l.Monitor, now())
	if err != nil {
		return xerrors.NewStoreError("insert library", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// Libraries lists all library roots.
func (s *Store) Libraries(ctx context.Context) ([]*media.Library, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, path, monitor, inserted_at FROM libraries ORDER BY path")
	if err != nil {
		return nil, xerrors.NewStoreError("select libraries", err)
	}
	defer rows.Close()

	var out []*media.Library
	for rows.Next() {
		var l media.Library
		var insertedAt string
		if err := rows.Scan(&l.ID, &l.Path, &l.Monitor, &insertedAt); err != nil {
			return nil, xerrors.NewStoreError("scan library", err)
		}
		l.InsertedAt = parseTime(insertedAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// UpsertServiceConfig stores connection details for one source kind.
func (s *Store) UpsertServiceConfig(ctx context.Context, c *media.ServiceConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_configs (kind, base_url, api_key, inserted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			base_url = excluded.base_url,
			api_key = excluded.api_key`,
		string(c.Kind), c.BaseURL, c.APIKey, now())
	if err != nil {
		return xerrors.NewStoreError("upsert service config", err)
	}
	return nil
}

// ServiceConfig fetches the configuration for one source kind.
func (s *Store) ServiceConfig(ctx context.Context, kind media.ServiceType) (*media.ServiceConfig, error) {
	var c media.ServiceConfig
	var kindStr, insertedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, base_url, api_key, inserted_at FROM service_configs WHERE kind = ?",
		string(kind)).Scan(&c.ID, &kindStr, &c.BaseURL, &c.APIKey, &insertedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.NewStoreError("select service config", err)
	}
	c.Kind = media.ServiceType(kindStr)
	c.InsertedAt = parseTime(insertedAt)
	return &c, nil
}
