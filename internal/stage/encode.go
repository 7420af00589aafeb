package stage

import (
	"context"

	"github.com/branport/shrinkd/internal/classify"
	"github.com/branport/shrinkd/internal/events"
	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/parse"
	"github.com/branport/shrinkd/internal/rules"
	"github.com/branport/shrinkd/internal/runner"
	"github.com/branport/shrinkd/internal/store"
)

// Committer finalizes a successful encode: integrity check, move into
// place, re-probe, state advance, library notify.
type Committer interface {
	Commit(ctx context.Context, v *media.Video, tmpPath string) error
	CleanupFailure(v *media.Video, tmpPath string)
}

// Encode is the encoder stage handler. It always reports the message as
// processed; failure consequences were already dispatched by the time it
// returns.
type Encode struct {
	store   *store.Store
	runner  SubprocessRunner
	bus     *events.Bus
	commit  Committer
	ctrl    Control
	tempDir string
}

// NewEncode builds the encoder handler.
func NewEncode(st *store.Store, run SubprocessRunner, bus *events.Bus, commit Committer, tempDir string) *Encode {
	return &Encode{store: st, runner: run, bus: bus, commit: commit, tempDir: tempDir}
}

// Bind attaches the pipeline control. Called once during wiring.
func (e *Encode) Bind(ctrl Control) { e.ctrl = ctrl }

// Process encodes one video with the CRF its chosen sample settled on.
func (e *Encode) Process(ctx context.Context, videos []*media.Video) error {
	for _, v := range videos {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.encodeOne(ctx, v)
	}
	return nil
}

func (e *Encode) encodeOne(ctx context.Context, v *media.Video) {
	logger := log.WithStage("encoder", string(media.StageEncode))

	chosen, err := e.store.ChosenVMAF(ctx, v.ID)
	if err != nil {
		// Selection requires a chosen sample, so this is a store-level
		// surprise, not a normal miss.
		logger.Error().Err(err).Int64("video", v.ID).Msg("no chosen sample")
		_ = e.store.MarkFailed(ctx, v.ID)
		return
	}

	args := rules.Compile(rules.Request{
		Video:   v,
		Stage:   media.StageEncode,
		TempDir: e.tempDir,
		CRF:     chosen.CRF,
		Extra:   chosen.Params,
	})
	outputPath := rules.OutputPath(e.tempDir, v.ID)

	hooks := runner.Hooks{
		OnStart: func(pid int) {
			e.bus.Publish(events.Event{Type: events.TypeStarted, Stage: media.StageEncode, VideoID: v.ID, Pid: pid})
		},
		OnLine: func(line string) {
			ev, ok := parse.Line(line)
			if !ok {
				return
			}
			switch p := ev.(type) {
			case parse.EncodeProgress:
				e.runner.MarkProgress()
				progress := events.Progress{Percent: p.Percent, FPS: p.FPS, ETA: p.ETA}
				e.bus.Publish(events.Event{Type: events.TypeProgress, Stage: media.StageEncode, VideoID: v.ID, Progress: &progress})
			case parse.Warning:
				logger.Warn().Int64("video", v.ID).Str("reason", p.Reason).Msg("tool warning")
			}
		},
	}

	res := e.runner.Run(ctx, args, outputPath, hooks)

	if ctx.Err() != nil && !res.OK {
		// Daemon shutdown interrupted the run; leave the video eligible
		// and only clear the partial output.
		e.commit.CleanupFailure(v, outputPath)
		return
	}

	if !res.OK {
		decision := classify.Classify(resultCode(res), resultMessage(res))
		e.commit.CleanupFailure(v, outputPath)
		recordStageFailure(ctx, e.store, e.bus, media.StageEncode, v, res, decision)
		if decision.Action == classify.Pause && e.ctrl != nil {
			e.ctrl.Pause(decision.Reason)
		}
		return
	}

	if err := e.commit.Commit(ctx, v, outputPath); err != nil {
		// The encode itself succeeded; the failed hand-off is recorded
		// under its own post-process category. The temp output is left
		// in place.
		logger.Error().Err(err).Int64("video", v.ID).Msg("post-processing failed")
		_ = e.store.MarkFailed(ctx, v.ID)
		_ = e.store.RecordFailure(ctx, &store.Failure{
			VideoID:  v.ID,
			Stage:    media.StageEncode,
			Category: store.FailurePostProcess,
			Code:     "post_process",
			Message:  err.Error(),
		})
		failedTotal.WithLabelValues(string(media.StageEncode)).Inc()
		e.bus.Publish(events.Event{Type: events.TypeFailed, Stage: media.StageEncode, VideoID: v.ID, Reason: err.Error()})
		return
	}

	processedTotal.WithLabelValues(string(media.StageEncode)).Inc()
	e.bus.Publish(events.Event{Type: events.TypeCompleted, Stage: media.StageEncode, VideoID: v.ID})
	e.bus.Publish(events.Event{Type: events.TypeStatsDirty, Stage: media.StageEncode})
	logger.Info().
		Int64("video", v.ID).
		Float64("crf", chosen.CRF).
		Msg("encode committed")
}
