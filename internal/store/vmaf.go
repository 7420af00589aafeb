package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/xerrors"
)

func scanVMAF(row interface{ Scan(...any) error }) (*media.VMAF, error) {
	var (
		m          media.VMAF
		params     string
		insertedAt string
		updatedAt  string
	)
	err := row.Scan(&m.ID, &m.VideoID, &m.CRF, &m.Score, &m.PredictedFilesize,
		&m.Percent, &m.Chosen, &params, &m.Target, &insertedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.NewStoreError("scan vmaf", err)
	}
	_ = json.Unmarshal([]byte(params), &m.Params)
	m.InsertedAt = parseTime(insertedAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

const vmafColumns = `id, video_id, crf, score, predicted_filesize, percent,
	chosen, params, target, inserted_at, updated_at`

// UpsertVMAF inserts a sample or refreshes the existing (video, crf) row.
// Re-running a search overwrites the stale samples in place.
func (s *Store) UpsertVMAF(ctx context.Context, m *media.VMAF) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vmafs (video_id, crf, score, predicted_filesize,
			percent, chosen, params, target, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id, crf) DO UPDATE SET
			score = excluded.score,
			predicted_filesize = excluded.predicted_filesize,
			percent = excluded.percent,
			params = excluded.params,
			target = excluded.target,
			updated_at = excluded.updated_at`,
		m.VideoID, m.CRF, m.Score, m.PredictedFilesize, m.Percent,
		m.Chosen, marshalList(m.Params), m.Target, ts, ts)
	if err != nil {
		return xerrors.NewStoreError("upsert vmaf", err)
	}
	// LastInsertId is unreliable on the conflict-update path; read the row id
	// back so callers can mark it chosen.
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM vmafs WHERE video_id = ? AND crf = ?",
		m.VideoID, m.CRF).Scan(&m.ID); err != nil {
		return xerrors.NewStoreError("resolve vmaf id", err)
	}
	return nil
}

// VMAFsForVideo returns all samples for a video, lowest CRF first.
func (s *Store) VMAFsForVideo(ctx context.Context, videoID int64) ([]*media.VMAF, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+vmafColumns+" FROM vmafs WHERE video_id = ? ORDER BY crf ASC", videoID)
	if err != nil {
		return nil, xerrors.NewStoreError("select vmafs", err)
	}
	defer rows.Close()

	var out []*media.VMAF
	for rows.Next() {
		m, err := scanVMAF(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ChosenVMAF returns the single chosen sample for a video.
func (s *Store) ChosenVMAF(ctx context.Context, videoID int64) (*media.VMAF, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+vmafColumns+" FROM vmafs WHERE video_id = ? AND chosen = 1", videoID)
	return scanVMAF(row)
}

// MarkChosen selects one sample to drive the encode, clearing any previous
// choice in the same transaction so at most one row per video is chosen.
func (s *Store) MarkChosen(ctx context.Context, videoID, vmafID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.NewStoreError("begin mark chosen", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE vmafs SET chosen = 0, updated_at = ? WHERE video_id = ? AND chosen = 1",
		now(), videoID); err != nil {
		return xerrors.NewStoreError("clear chosen", err)
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE vmafs SET chosen = 1, updated_at = ? WHERE id = ? AND video_id = ?",
		now(), vmafID, videoID)
	if err != nil {
		return xerrors.NewStoreError("set chosen", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// UpdateVMAFParams overwrites a sample's remembered params, used when a
// retry preset must be replayed by the encode stage.
func (s *Store) UpdateVMAFParams(ctx context.Context, vmafID int64, params []string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE vmafs SET params = ?, updated_at = ? WHERE id = ?",
		marshalList(params), now(), vmafID)
	if err != nil {
		return xerrors.NewStoreError("update vmaf params", err)
	}
	return nil
}
