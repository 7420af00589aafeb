package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branport/shrinkd/internal/media"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testVideo(path string) *media.Video {
	return &media.Video{
		Path:        path,
		Size:        10 << 30,
		Bitrate:     20_000_000,
		Height:      1080,
		Width:       1920,
		VideoCodecs: []string{"h264"},
		AudioCodecs: []string{"ac3"},
		State:       media.StateNeedsAnalysis,
	}
}

func TestInsertAndGetVideo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := testVideo("/m/a.mkv")
	v.ServiceType = media.ServiceMovies
	v.ServiceID = "tt0133093"
	v.HDR = media.HDR10
	require.NoError(t, s.InsertVideo(ctx, v))
	require.NotZero(t, v.ID)

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "/m/a.mkv", got.Path)
	assert.Equal(t, media.HDR10, got.HDR)
	assert.Equal(t, media.ServiceMovies, got.ServiceType)
	assert.Equal(t, []string{"h264"}, got.VideoCodecs)
	assert.Equal(t, media.StateNeedsAnalysis, got.State)
	assert.False(t, got.Failed)
}

func TestPathUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertVideo(ctx, testVideo("/m/dup.mkv")))
	err := s.InsertVideo(ctx, testVideo("/m/dup.mkv"))
	assert.Error(t, err)
}

func TestTransitionMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := testVideo("/m/t.mkv")
	require.NoError(t, s.InsertVideo(ctx, v))

	require.NoError(t, s.Transition(ctx, v.ID, media.StateNeedsAnalysis, media.StateAnalyzed))

	// Repeating the same transition fails: the row has moved on.
	err := s.Transition(ctx, v.ID, media.StateNeedsAnalysis, media.StateAnalyzed)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// Backwards is rejected before touching the database.
	err = s.Transition(ctx, v.ID, media.StateAnalyzed, media.StateNeedsAnalysis)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// Skipping a stage is rejected too.
	err = s.Transition(ctx, v.ID, media.StateAnalyzed, media.StateEncoded)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestFailedIsOrthogonalToState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := testVideo("/m/f.mkv")
	require.NoError(t, s.InsertVideo(ctx, v))
	require.NoError(t, s.Transition(ctx, v.ID, media.StateNeedsAnalysis, media.StateAnalyzed))
	require.NoError(t, s.MarkFailed(ctx, v.ID))

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, got.Failed)
	assert.Equal(t, media.StateAnalyzed, got.State, "failed must not disturb state")
}

func TestNextForStageAnalysisFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testVideo("/m/first.mkv")
	require.NoError(t, s.InsertVideo(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := testVideo("/m/second.mkv")
	require.NoError(t, s.InsertVideo(ctx, second))

	got, err := s.NextForStage(ctx, media.StageAnalysis, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/m/first.mkv", got[0].Path)
	assert.Equal(t, "/m/second.mkv", got[1].Path)
}

func TestNextForStageCRFSearchOrderAndSkips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	big := testVideo("/m/big.mkv")
	big.Bitrate = 50_000_000
	big.State = media.StateAnalyzed
	require.NoError(t, s.InsertVideo(ctx, big))

	small := testVideo("/m/small.mkv")
	small.Bitrate = 8_000_000
	small.State = media.StateAnalyzed
	require.NoError(t, s.InsertVideo(ctx, small))

	// Already target codec: skipped.
	av1 := testVideo("/m/av1.mkv")
	av1.Bitrate = 90_000_000
	av1.State = media.StateAnalyzed
	av1.VideoCodecs = []string{"av1"}
	require.NoError(t, s.InsertVideo(ctx, av1))

	// No usable bitrate: not eligible for search.
	unknown := testVideo("/m/unknown.mkv")
	unknown.Bitrate = 0
	unknown.State = media.StateAnalyzed
	require.NoError(t, s.InsertVideo(ctx, unknown))

	got, err := s.NextForStage(ctx, media.StageCRFSearch, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/m/big.mkv", got[0].Path, "highest bitrate first")
	assert.Equal(t, "/m/small.mkv", got[1].Path)
}

func TestNextForStageEncodeOrdersBySavings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mkSearched := func(path string, size, predicted int64) *media.Video {
		v := testVideo(path)
		v.Size = size
		v.State = media.StateCRFSearched
		require.NoError(t, s.InsertVideo(ctx, v))
		m := &media.VMAF{VideoID: v.ID, CRF: 28, Score: 95.5, Target: 95, PredictedFilesize: predicted}
		require.NoError(t, s.UpsertVMAF(ctx, m))
		require.NoError(t, s.MarkChosen(ctx, v.ID, m.ID))
		return v
	}

	smallWin := mkSearched("/m/small-win.mkv", 10<<30, 8<<30)
	bigWin := mkSearched("/m/big-win.mkv", 40<<30, 10<<30)

	// Searched but nothing chosen: not eligible.
	noChoice := testVideo("/m/no-choice.mkv")
	noChoice.State = media.StateCRFSearched
	require.NoError(t, s.InsertVideo(ctx, noChoice))

	got, err := s.NextForStage(ctx, media.StageEncode, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, bigWin.ID, got[0].ID, "largest expected savings first")
	assert.Equal(t, smallWin.ID, got[1].ID)
}

func TestNoVideoInTwoQueues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	states := []media.State{
		media.StateNeedsAnalysis, media.StateAnalyzed,
		media.StateCRFSearched, media.StateEncoded,
	}
	for i, state := range states {
		v := testVideo(filepath.Join("/m", string(state)+".mkv"))
		v.State = state
		require.NoError(t, s.InsertVideo(ctx, v))
		if state == media.StateCRFSearched {
			m := &media.VMAF{VideoID: v.ID, CRF: 30, Score: 96, Target: 95, PredictedFilesize: int64(i)}
			require.NoError(t, s.UpsertVMAF(ctx, m))
			require.NoError(t, s.MarkChosen(ctx, v.ID, m.ID))
		}
	}

	seen := make(map[int64]media.Stage)
	for _, stage := range media.Stages() {
		vs, err := s.NextForStage(ctx, stage, 100)
		require.NoError(t, err)
		for _, v := range vs {
			prev, dup := seen[v.ID]
			require.False(t, dup, "video %d in both %s and %s queues", v.ID, prev, stage)
			seen[v.ID] = stage
		}
	}
}

func TestFailedVideosExcludedFromAllQueues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := testVideo("/m/failed.mkv")
	require.NoError(t, s.InsertVideo(ctx, v))
	require.NoError(t, s.MarkFailed(ctx, v.ID))

	for _, stage := range media.Stages() {
		vs, err := s.NextForStage(ctx, stage, 100)
		require.NoError(t, err)
		assert.Empty(t, vs, "failed video leaked into %s queue", stage)
	}
}

func TestMarkChosenSingle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := testVideo("/m/c.mkv")
	require.NoError(t, s.InsertVideo(ctx, v))

	first := &media.VMAF{VideoID: v.ID, CRF: 24, Score: 96.5, Target: 95}
	second := &media.VMAF{VideoID: v.ID, CRF: 28, Score: 95.1, Target: 95}
	require.NoError(t, s.UpsertVMAF(ctx, first))
	require.NoError(t, s.UpsertVMAF(ctx, second))

	require.NoError(t, s.MarkChosen(ctx, v.ID, first.ID))
	require.NoError(t, s.MarkChosen(ctx, v.ID, second.ID))

	all, err := s.VMAFsForVideo(ctx, v.ID)
	require.NoError(t, err)
	chosen := 0
	for _, m := range all {
		if m.Chosen {
			chosen++
			assert.Equal(t, second.ID, m.ID)
		}
	}
	assert.Equal(t, 1, chosen, "exactly one chosen sample per video")

	got, err := s.ChosenVMAF(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 28.0, got.CRF)
}

func TestUpsertVMAFOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := testVideo("/m/u.mkv")
	require.NoError(t, s.InsertVideo(ctx, v))

	m := &media.VMAF{VideoID: v.ID, CRF: 28, Score: 94.0, Target: 95}
	require.NoError(t, s.UpsertVMAF(ctx, m))
	m2 := &media.VMAF{VideoID: v.ID, CRF: 28, Score: 95.2, Target: 95, Params: []string{"--preset", "6"}}
	require.NoError(t, s.UpsertVMAF(ctx, m2))

	all, err := s.VMAFsForVideo(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 95.2, all[0].Score)
	assert.Equal(t, []string{"--preset", "6"}, all[0].Params)
}

func TestResetFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := testVideo("/m/r.mkv")
	v.State = media.StateCRFSearched
	require.NoError(t, s.InsertVideo(ctx, v))
	m := &media.VMAF{VideoID: v.ID, CRF: 26, Score: 95.5, Target: 95}
	require.NoError(t, s.UpsertVMAF(ctx, m))
	require.NoError(t, s.MarkFailed(ctx, v.ID))

	ok := testVideo("/m/ok.mkv")
	require.NoError(t, s.InsertVideo(ctx, ok))

	n, err := s.ResetFailed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, got.Failed)
	assert.Equal(t, media.StateNeedsAnalysis, got.State)

	// VMAF rows are untouched by the reset.
	all, err := s.VMAFsForVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFailureAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := testVideo("/m/fa.mkv")
	require.NoError(t, s.InsertVideo(ctx, v))

	f := &Failure{
		VideoID:  v.ID,
		Stage:    media.StageEncode,
		Category: FailureCritical,
		Code:     "137",
		Message:  "Process killed by system (likely OOM)",
		Context:  "last output lines",
	}
	require.NoError(t, s.RecordFailure(ctx, f))
	require.NotEmpty(t, f.ID)

	list, err := s.RecentFailures(ctx, media.StageEncode, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "137", list[0].Code)
	assert.False(t, list[0].Resolved)

	require.NoError(t, s.ResolveFailure(ctx, f.ID))
	list, err = s.RecentFailures(ctx, media.StageEncode, 10)
	require.NoError(t, err)
	assert.True(t, list[0].Resolved)

	// Resolving does not touch the video's failed flag.
	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, got.Failed)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testVideo("/m/s1.mkv")
	require.NoError(t, s.InsertVideo(ctx, a))

	b := testVideo("/m/s2.mkv")
	b.Size = 30 << 30
	b.State = media.StateCRFSearched
	require.NoError(t, s.InsertVideo(ctx, b))
	m := &media.VMAF{VideoID: b.ID, CRF: 27, Score: 95.4, Target: 95, PredictedFilesize: 10 << 30}
	require.NoError(t, s.UpsertVMAF(ctx, m))
	require.NoError(t, s.MarkChosen(ctx, b.ID, m.ID))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalVideos)
	assert.EqualValues(t, 1, st.ByState[string(media.StateNeedsAnalysis)])
	assert.EqualValues(t, 1, st.ByState[string(media.StateCRFSearched)])
	assert.EqualValues(t, 1, st.ChosenVMAFs)
	assert.EqualValues(t, 20<<30, st.EstimatedSavings)
	assert.False(t, st.MostRecentUpdate.IsZero())
}

func TestQueueDepth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertVideo(ctx, testVideo("/m/q1.mkv")))
	require.NoError(t, s.InsertVideo(ctx, testVideo("/m/q2.mkv")))

	n, err := s.QueueDepth(ctx, media.StageAnalysis)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.QueueDepth(ctx, media.StageCRFSearch)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServiceConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &media.ServiceConfig{Kind: media.ServiceMovies, BaseURL: "http://radarr:7878", APIKey: "k"}
	require.NoError(t, s.UpsertServiceConfig(ctx, c))

	got, err := s.ServiceConfig(ctx, media.ServiceMovies)
	require.NoError(t, err)
	assert.Equal(t, "http://radarr:7878", got.BaseURL)

	c.BaseURL = "http://radarr:8000"
	require.NoError(t, s.UpsertServiceConfig(ctx, c))
	got, err = s.ServiceConfig(ctx, media.ServiceMovies)
	require.NoError(t, err)
	assert.Equal(t, "http://radarr:8000", got.BaseURL)
}
