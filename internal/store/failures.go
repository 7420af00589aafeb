package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/xerrors"
)

// FailureCategory groups audit entries by the error taxonomy.
type FailureCategory string

const (
	FailureRecoverable FailureCategory = "recoverable"
	FailureCritical    FailureCategory = "critical"
	FailurePostProcess FailureCategory = "post_process"
	FailureStall       FailureCategory = "stall"
	FailureInternalBug FailureCategory = "bug"
)

// Failure is one row of the video_failures audit log.
type Failure struct {
	ID         string
	VideoID    int64
	Stage      media.Stage
	Category   FailureCategory
	Code       string
	Message    string
	Context    string
	RetryCount int
	Resolved   bool
	InsertedAt time.Time
	UpdatedAt  time.Time
}

// RecordFailure appends an audit entry. The ID is generated when empty.
func (s *Store) RecordFailure(ctx context.Context, f *Failure) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_failures (id, video_id, stage, category, code,
			message, context, retry_count, resolved, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.VideoID, string(f.Stage), string(f.Category), f.Code,
		f.Message, f.Context, f.RetryCount, f.Resolved, ts, ts)
	if err != nil {
		return xerrors.NewStoreError("record failure", err)
	}
	return nil
}

// RecentFailures lists failures for a stage, newest first. Stage empty
// means all stages.
func (s *Store) RecentFailures(ctx context.Context, stage media.Stage, limit int) ([]*Failure, error) {
	query := `
		SELECT id, video_id, stage, category, code, message, context,
			retry_count, resolved, inserted_at, updated_at
		FROM video_failures`
	args := []any{}
	if stage != "" {
		query += " WHERE stage = ?"
		args = append(args, string(stage))
	}
	query += " ORDER BY inserted_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.NewStoreError("select failures", err)
	}
	defer rows.Close()

	var out []*Failure
	for rows.Next() {
		var (
			f          Failure
			stageStr   string
			category   string
			insertedAt string
			updatedAt  string
		)
		if err := rows.Scan(&f.ID, &f.VideoID, &stageStr, &category, &f.Code,
			&f.Message, &f.Context, &f.RetryCount, &f.Resolved,
			&insertedAt, &updatedAt); err != nil {
			return nil, xerrors.NewStoreError("scan failure", err)
		}
		f.Stage = media.Stage(stageStr)
		f.Category = FailureCategory(category)
		f.InsertedAt = parseTime(insertedAt)
		f.UpdatedAt = parseTime(updatedAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ResolveFailure marks an audit entry resolved. This is bookkeeping only;
// re-queueing a video goes through ResetFailed.
func (s *Store) ResolveFailure(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE video_failures SET resolved = 1, updated_at = ? WHERE id = ?",
		now(), id)
	if err != nil {
		return xerrors.NewStoreError("resolve failure", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
