package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/xerrors"
)

// Stats is the aggregated projection the UI polls at ~1 Hz.
type Stats struct {
	TotalVideos        int64            `json:"total_videos"`
	ByState            map[string]int64 `json:"by_state"`
	FailedVideos       int64            `json:"failed_videos"`
	ChosenVMAFs        int64            `json:"chosen_vmafs"`
	EstimatedSavings   int64            `json:"estimated_savings"`
	UnresolvedFailures int64            `json:"unresolved_failures"`
	MostRecentUpdate   time.Time        `json:"most_recent_update"`
}

// LibrarySavings is the per-library savings rollup.
type LibrarySavings struct {
	LibraryID int64  `json:"library_id"`
	Path      string `json:"path"`
	Savings   int64  `json:"savings"`
}

// Stats computes the projection with two queries: per-state counts, then
// the remaining aggregates. This is the only expensive read; callers cache it.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByState: make(map[string]int64, 4)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT state, COUNT(*) FROM videos GROUP BY state")
	if err != nil {
		return nil, xerrors.NewStoreError("stats by state", err)
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, xerrors.NewStoreError("scan state count", err)
		}
		st.ByState[state] = n
		st.TotalVideos += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, xerrors.NewStoreError("stats by state", err)
	}

	var recent sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM videos WHERE failed = 1),
			(SELECT COUNT(*) FROM vmafs WHERE chosen = 1),
			(SELECT COALESCE(SUM(v.size - m.predicted_filesize), 0)
				FROM vmafs m JOIN videos v ON v.id = m.video_id
				WHERE m.chosen = 1),
			(SELECT COUNT(*) FROM video_failures WHERE resolved = 0),
			(SELECT MAX(updated_at) FROM videos)`).
		Scan(&st.FailedVideos, &st.ChosenVMAFs, &st.EstimatedSavings,
			&st.UnresolvedFailures, &recent)
	if err != nil {
		return nil, xerrors.NewStoreError("stats aggregates", err)
	}
	if recent.Valid {
		st.MostRecentUpdate = parseTime(recent.String)
	}
	return st, nil
}

// SavingsByLibrary rolls estimated savings up per library root.
func (s *Store) SavingsByLibrary(ctx context.Context) ([]*LibrarySavings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.path, COALESCE(SUM(v.size - m.predicted_filesize), 0)
		FROM libraries l
		LEFT JOIN videos v ON v.library_id = l.id
		LEFT JOIN vmafs m ON m.video_id = v.id AND m.chosen = 1
		GROUP BY l.id, l.path
		ORDER BY l.path`)
	if err != nil {
		return nil, xerrors.NewStoreError("savings by library", err)
	}
	defer rows.Close()

	var out []*LibrarySavings
	for rows.Next() {
		var ls LibrarySavings
		if err := rows.Scan(&ls.LibraryID, &ls.Path, &ls.Savings); err != nil {
			return nil, xerrors.NewStoreError("scan library savings", err)
		}
		out = append(out, &ls)
	}
	return out, rows.Err()
}

// QueueDepth counts videos currently eligible for a stage.
func (s *Store) QueueDepth(ctx context.Context, stage media.Stage) (int64, error) {
	var query string
	switch stage {
	case media.StageAnalysis:
		query = "SELECT COUNT(*) FROM videos WHERE state = 'needs-analysis' AND failed = 0"
	case media.StageCRFSearch:
		query = `SELECT COUNT(*) FROM videos
			WHERE state = 'analyzed' AND failed = 0 AND bitrate > 0
			  AND video_codecs NOT LIKE '%av1%'`
	case media.StageEncode:
		query = `SELECT COUNT(*) FROM videos v
			WHERE v.state = 'crf-searched' AND v.failed = 0
			  AND EXISTS (SELECT 1 FROM vmafs m WHERE m.video_id = v.id AND m.chosen = 1)`
	default:
		return 0, nil
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, xerrors.NewStoreError("queue depth", err)
	}
	return n, nil
}
