package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/xerrors"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a state update would move a video
// backwards or skip a stage.
var ErrIllegalTransition = errors.New("illegal state transition")

const videoColumns = `id, service_type, service_id, path, size, bitrate, duration,
	width, height, frame_rate, max_audio_channels, audio_codecs, video_codecs,
	hdr, atmos, state, failed, mediainfo, library_id, inserted_at, updated_at`

func scanVideo(row interface{ Scan(...any) error }) (*media.Video, error) {
	var (
		v           media.Video
		serviceType sql.NullString
		serviceID   sql.NullString
		audio       string
		video       string
		hdr         sql.NullString
		mediaInfo   []byte
		libraryID   sql.NullInt64
		insertedAt  string
		updatedAt   string
		state       string
	)
	err := row.Scan(&v.ID, &serviceType, &serviceID, &v.Path, &v.Size, &v.Bitrate,
		&v.Duration, &v.Width, &v.Height, &v.FrameRate, &v.MaxAudioChannels,
		&audio, &video, &hdr, &v.Atmos, &state, &v.Failed, &mediaInfo,
		&libraryID, &insertedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.NewStoreError("scan video", err)
	}

	v.ServiceType = media.ServiceType(serviceType.String)
	v.ServiceID = serviceID.String
	v.HDR = media.HDRTag(hdr.String)
	v.State = media.State(state)
	v.MediaInfo = mediaInfo
	v.LibraryID = libraryID.Int64
	v.InsertedAt = parseTime(insertedAt)
	v.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(audio), &v.AudioCodecs)
	_ = json.Unmarshal([]byte(video), &v.VideoCodecs)
	v.NormalizeBitrate()
	return &v, nil
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

// InsertVideo creates a new video row in the video's state, or in
// needs-analysis when no state is set. Bitrate zero is
// stored as-is; it reads back as missing.
func (s *Store) InsertVideo(ctx context.Context, v *media.Video) error {
	v.NormalizeBitrate()
	if v.State == "" {
		v.State = media.StateNeedsAnalysis
	}
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (service_type, service_id, path, size, bitrate,
			duration, width, height, frame_rate, max_audio_channels,
			audio_codecs, video_codecs, hdr, atmos, state, failed,
			mediainfo, library_id, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(string(v.ServiceType)), nullString(v.ServiceID), v.Path,
		v.Size, v.Bitrate, v.Duration, v.Width, v.Height, v.FrameRate,
		v.MaxAudioChannels, marshalList(v.AudioCodecs), marshalList(v.VideoCodecs),
		nullString(string(v.HDR)), v.Atmos, string(v.State), v.Failed,
		v.MediaInfo, nullInt(v.LibraryID), ts, ts)
	if err != nil {
		return xerrors.NewStoreError("insert video", err)
	}
	v.ID, _ = res.LastInsertId()
	return nil
}

// GetVideo fetches one video by id.
func (s *Store) GetVideo(ctx context.Context, id int64) (*media.Video, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM videos WHERE id = ?", videoColumns), id)
	return scanVideo(row)
}

// GetVideoByPath fetches one video by its absolute path.
func (s *Store) GetVideoByPath(ctx context.Context, path string) (*media.Video, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM videos WHERE path = ?", videoColumns), path)
	return scanVideo(row)
}

// UpdateMediaInfo persists the probe document and the fields derived from
// it. Running analysis twice with the same document is idempotent.
func (s *Store) UpdateMediaInfo(ctx context.Context, v *media.Video) error {
	v.NormalizeBitrate()
	_, err := s.db.ExecContext(ctx, `
		UPDATE videos SET size = ?, bitrate = ?, duration = ?, width = ?,
			height = ?, frame_rate = ?, max_audio_channels = ?,
			audio_codecs = ?, video_codecs = ?, hdr = ?, atmos = ?,
			mediainfo = ?, updated_at = ?
		WHERE id = ?`,
		v.Size, v.Bitrate, v.Duration, v.Width, v.Height, v.FrameRate,
		v.MaxAudioChannels, marshalList(v.AudioCodecs), marshalList(v.VideoCodecs),
		nullString(string(v.HDR)), v.Atmos, v.MediaInfo, now(), v.ID)
	if err != nil {
		return xerrors.NewStoreError("update mediainfo", err)
	}
	return nil
}

// Transition advances a video to the next state. The WHERE clause carries
// the expected current state, so concurrent or repeated completions cannot
// move a row backwards.
func (s *Store) Transition(ctx context.Context, videoID int64, from, to media.State) error {
	if !from.CanTransition(to) {
		return ErrIllegalTransition
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE videos SET state = ?, updated_at = ? WHERE id = ? AND state = ?",
		string(to), now(), videoID, string(from))
	if err != nil {
		return xerrors.NewStoreError("transition video", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// MarkFailed flags a video failed without touching its state.
func (s *Store) MarkFailed(ctx context.Context, videoID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE videos SET failed = 1, updated_at = ? WHERE id = ?", now(), videoID)
	if err != nil {
		return xerrors.NewStoreError("mark failed", err)
	}
	return nil
}

// UpdateFileAttributes refreshes size and bitrate after an encode commit.
func (s *Store) UpdateFileAttributes(ctx context.Context, videoID, size, bitrate int64, audioCodecs, videoCodecs []string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE videos SET size = ?, bitrate = ?, audio_codecs = ?,
			video_codecs = ?, updated_at = ?
		WHERE id = ?`,
		size, bitrate, marshalList(audioCodecs), marshalList(videoCodecs), now(), videoID)
	if err != nil {
		return xerrors.NewStoreError("update file attributes", err)
	}
	return nil
}

// ResetFailed is the operator bulk reset: every failed video returns to the
// head of the pipeline. VMAF rows are left alone; re-runs overwrite them.
func (s *Store) ResetFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE videos SET failed = 0, state = ?, updated_at = ? WHERE failed = 1",
		string(media.StateNeedsAnalysis), now())
	if err != nil {
		return 0, xerrors.NewStoreError("reset failed videos", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// NextForStage returns up to n videos eligible for the given stage, in that
// stage's canonical order. Each query is a single indexed read.
func (s *Store) NextForStage(ctx context.Context, stage media.Stage, n int) ([]*media.Video, error) {
	var query string
	switch stage {
	case media.StageAnalysis:
		query = fmt.Sprintf(`
			SELECT %s FROM videos
			WHERE state = 'needs-analysis' AND failed = 0
			ORDER BY inserted_at ASC
			LIMIT ?`, videoColumns)
	case media.StageCRFSearch:
		// Biggest compression opportunity first. Videos already in the
		// target codec or with no known bitrate are skipped.
		query = fmt.Sprintf(`
			SELECT %s FROM videos
			WHERE state = 'analyzed' AND failed = 0
			  AND bitrate > 0
			  AND video_codecs NOT LIKE '%%av1%%'
			ORDER BY bitrate DESC, size DESC
			LIMIT ?`, videoColumns)
	case media.StageEncode:
		query = fmt.Sprintf(`
			SELECT %s FROM videos v
			WHERE v.state = 'crf-searched' AND v.failed = 0
			  AND EXISTS (SELECT 1 FROM vmafs m WHERE m.video_id = v.id AND m.chosen = 1)
			ORDER BY (
				SELECT v.size - m.predicted_filesize
				FROM vmafs m WHERE m.video_id = v.id AND m.chosen = 1
			) DESC
			LIMIT ?`, videoColumnsPrefixed("v"))
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, xerrors.NewStoreError("select next for stage", err)
	}
	defer rows.Close()

	var out []*media.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func videoColumnsPrefixed(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.service_type, %[1]s.service_id, %[1]s.path,
	%[1]s.size, %[1]s.bitrate, %[1]s.duration, %[1]s.width, %[1]s.height,
	%[1]s.frame_rate, %[1]s.max_audio_channels, %[1]s.audio_codecs,
	%[1]s.video_codecs, %[1]s.hdr, %[1]s.atmos, %[1]s.state, %[1]s.failed,
	%[1]s.mediainfo, %[1]s.library_id, %[1]s.inserted_at, %[1]s.updated_at`, alias)
}
