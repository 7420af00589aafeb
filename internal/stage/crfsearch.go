package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/branport/shrinkd/internal/classify"
	"github.com/branport/shrinkd/internal/events"
	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/parse"
	"github.com/branport/shrinkd/internal/rules"
	"github.com/branport/shrinkd/internal/runner"
	"github.com/branport/shrinkd/internal/store"
)

// SubprocessRunner is the slice of the runner the subprocess stages use.
type SubprocessRunner interface {
	Run(ctx context.Context, args []string, outputFile string, hooks runner.Hooks) runner.Result
	MarkProgress()
}

// presetFallback is the single retry applied when a search fails
// recoverably without producing any acceptable sample.
var presetFallback = []string{"--preset", "6"}

// Search is the CRF-search stage handler.
type Search struct {
	store  *store.Store
	runner SubprocessRunner
	bus    *events.Bus
	ctrl   Control
	target float64
}

// NewSearch builds the CRF-search handler. target is the minimum VMAF score
// a sample must reach to be eligible.
func NewSearch(st *store.Store, run SubprocessRunner, bus *events.Bus, target float64) *Search {
	return &Search{store: st, runner: run, bus: bus, target: target}
}

// Bind attaches the pipeline control. Called once during wiring.
func (s *Search) Bind(ctrl Control) { s.ctrl = ctrl }

// Process drives one video through the search, retrying once with a slower
// preset when the first run fails recoverably with nothing usable.
func (s *Search) Process(ctx context.Context, videos []*media.Video) error {
	for _, v := range videos {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.searchOne(ctx, v)
	}
	return nil
}

func (s *Search) searchOne(ctx context.Context, v *media.Video) {
	logger := log.WithStage("crf-search", string(media.StageCRFSearch))

	res := s.attempt(ctx, v, nil)
	if done := s.conclude(ctx, v, res, nil); done {
		return
	}

	// First run went nowhere; one retry with a slower preset before
	// giving the file up.
	logger.Info().Int64("video", v.ID).Msg("retrying search with preset fallback")
	res = s.attempt(ctx, v, presetFallback)
	if done := s.conclude(ctx, v, res, presetFallback); done {
		return
	}

	s.fail(ctx, v, res, classify.Decision{
		Action: classify.Continue,
		Reason: "No acceptable quality sample after preset fallback",
	})
}

// attempt compiles and runs one search pass, streaming samples into VMAF
// rows as they appear.
func (s *Search) attempt(ctx context.Context, v *media.Video, extra []string) runner.Result {
	args := rules.Compile(rules.Request{Video: v, Stage: media.StageCRFSearch, Extra: extra})
	progress := &searchProgress{}
	logger := log.WithStage("crf-search", string(media.StageCRFSearch))

	hooks := runner.Hooks{
		OnStart: func(pid int) {
			s.bus.Publish(events.Event{Type: events.TypeStarted, Stage: media.StageCRFSearch, VideoID: v.ID, Pid: pid})
		},
		OnLine: func(line string) {
			ev, ok := parse.Line(line)
			if !ok {
				return
			}
			switch e := ev.(type) {
			case parse.SearchProgress:
				s.runner.MarkProgress()
				p := progress.observe(e.CRF, e.Score, e.Percent)
				s.bus.Publish(events.Event{Type: events.TypeProgress, Stage: media.StageCRFSearch, VideoID: v.ID, Progress: &p})
			case parse.CRFSampleResult:
				s.runner.MarkProgress()
				progress.sampleDone()
				sample := &media.VMAF{
					VideoID:           v.ID,
					CRF:               e.CRF,
					Score:             e.Score,
					PredictedFilesize: e.PredictedFilesize,
					Percent:           e.Percent,
					Params:            extra,
					Target:            s.target,
				}
				if err := s.store.UpsertVMAF(ctx, sample); err != nil {
					logger.Error().Err(err).Int64("video", v.ID).Msg("persist sample failed")
				}
			case parse.Warning:
				logger.Warn().Int64("video", v.ID).Str("reason", e.Reason).Msg("tool warning")
			}
		},
	}

	return s.runner.Run(ctx, args, "", hooks)
}

// conclude settles one attempt. It returns false only when the caller
// should retry: a recoverable failure with no acceptable sample on disk.
func (s *Search) conclude(ctx context.Context, v *media.Video, res runner.Result, extra []string) bool {
	if ctx.Err() != nil && !res.OK {
		// Daemon shutdown interrupted the run; the video stays eligible
		// for the next boot.
		return true
	}
	best, err := s.chooseBest(ctx, v)
	if err != nil {
		s.fail(ctx, v, res, classify.Decision{Action: classify.Continue, Reason: err.Error()})
		return true
	}

	if res.OK {
		if best == nil {
			// The tool claimed success without an eligible sample;
			// no preset will change that.
			s.fail(ctx, v, res, classify.Decision{
				Action: classify.Continue,
				Reason: fmt.Sprintf("Search finished without a sample at VMAF %.0f", s.target),
			})
			return true
		}
		s.succeed(ctx, v, best, extra)
		return true
	}

	decision := classify.Classify(resultCode(res), resultMessage(res))
	if decision.Action == classify.Pause {
		s.fail(ctx, v, res, decision)
		return true
	}
	if best != nil {
		// The run died after finding an acceptable sample; use it
		// rather than re-encoding samples from scratch.
		s.succeed(ctx, v, best, extra)
		return true
	}
	// Recoverable, nothing usable: worth one retry.
	return false
}

func (s *Search) chooseBest(ctx context.Context, v *media.Video) (*media.VMAF, error) {
	samples, err := s.store.VMAFsForVideo(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	return media.ChooseBest(samples), nil
}

func (s *Search) succeed(ctx context.Context, v *media.Video, best *media.VMAF, extra []string) {
	logger := log.WithStage("crf-search", string(media.StageCRFSearch))

	// A retry preset must be replayed by the encode; remember it at the
	// head of the chosen sample's params.
	if len(extra) > 0 && !strings.HasPrefix(strings.Join(best.Params, " "), strings.Join(extra, " ")) {
		params := append(append([]string{}, extra...), best.Params...)
		if err := s.store.UpdateVMAFParams(ctx, best.ID, params); err != nil {
			logger.Error().Err(err).Int64("video", v.ID).Msg("persist params failed")
		}
	}

	if err := s.store.MarkChosen(ctx, v.ID, best.ID); err != nil {
		logger.Error().Err(err).Int64("video", v.ID).Msg("mark chosen failed")
		return
	}
	if err := s.store.Transition(ctx, v.ID, media.StateAnalyzed, media.StateCRFSearched); err != nil {
		logger.Error().Err(err).Int64("video", v.ID).Msg("transition failed")
		return
	}

	processedTotal.WithLabelValues(string(media.StageCRFSearch)).Inc()
	s.bus.Publish(events.Event{Type: events.TypeCompleted, Stage: media.StageCRFSearch, VideoID: v.ID})
	s.bus.Publish(events.Event{Type: events.TypeStatsDirty, Stage: media.StageCRFSearch})
	logger.Info().
		Int64("video", v.ID).
		Float64("crf", best.CRF).
		Float64("score", best.Score).
		Msg("search complete")
}

func (s *Search) fail(ctx context.Context, v *media.Video, res runner.Result, decision classify.Decision) {
	recordStageFailure(ctx, s.store, s.bus, media.StageCRFSearch, v, res, decision)
	if decision.Action == classify.Pause && s.ctrl != nil {
		s.ctrl.Pause(decision.Reason)
	}
}
