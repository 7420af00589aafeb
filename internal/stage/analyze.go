package stage

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/branport/shrinkd/internal/events"
	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/probe"
	"github.com/branport/shrinkd/internal/store"
)

// Control is the slice of the pipeline a handler may drive: pausing its own
// stage on critical failures.
type Control interface {
	Pause(reason string)
}

// Prober abstracts the mediainfo probe for the analyzer.
type Prober interface {
	Probe(ctx context.Context, path string) (*probe.Result, error)
}

// Analyzer is the analysis stage handler. Probes are cheap, so a batch
// message fans out internally with bounded concurrency; this is the only
// stage that relaxes the single-worker rule inside its handler.
type Analyzer struct {
	store   *store.Store
	prober  Prober
	bus     *events.Bus
	ctrl    Control
	workers int
}

// NewAnalyzer builds the analysis handler.
func NewAnalyzer(st *store.Store, prober Prober, bus *events.Bus) *Analyzer {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return &Analyzer{store: st, prober: prober, bus: bus, workers: workers}
}

// Bind attaches the pipeline control. Called once during wiring.
func (a *Analyzer) Bind(ctrl Control) { a.ctrl = ctrl }

// Process probes every video in the batch and advances the survivors to
// analyzed.
func (a *Analyzer) Process(ctx context.Context, videos []*media.Video) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for _, v := range videos {
		v := v
		g.Go(func() error {
			a.analyzeOne(gctx, v)
			return nil
		})
	}
	_ = g.Wait()

	a.bus.Publish(events.Event{Type: events.TypeStatsDirty, Stage: media.StageAnalysis})
	return ctx.Err()
}

func (a *Analyzer) analyzeOne(ctx context.Context, v *media.Video) {
	logger := log.WithStage("analyzer", string(media.StageAnalysis))

	a.bus.Publish(events.Event{Type: events.TypeStarted, Stage: media.StageAnalysis, VideoID: v.ID})

	res, err := a.prober.Probe(ctx, v.Path)
	if err != nil {
		a.failOne(ctx, v, err)
		return
	}

	res.Apply(v)
	if err := a.store.UpdateMediaInfo(ctx, v); err != nil {
		logger.Error().Err(err).Int64("video", v.ID).Msg("persist mediainfo failed")
		a.failOne(ctx, v, err)
		return
	}
	if err := a.store.Transition(ctx, v.ID, media.StateNeedsAnalysis, media.StateAnalyzed); err != nil {
		logger.Error().Err(err).Int64("video", v.ID).Msg("transition failed")
		return
	}

	processedTotal.WithLabelValues(string(media.StageAnalysis)).Inc()
	a.bus.Publish(events.Event{Type: events.TypeCompleted, Stage: media.StageAnalysis, VideoID: v.ID})
	logger.Info().
		Int64("video", v.ID).
		Str("path", v.Path).
		Int("height", v.Height).
		Str("hdr", string(v.HDR)).
		Msg("analyzed")
}

func (a *Analyzer) failOne(ctx context.Context, v *media.Video, cause error) {
	logger := log.WithStage("analyzer", string(media.StageAnalysis))
	logger.Warn().Err(cause).Int64("video", v.ID).Str("path", v.Path).Msg("analysis failed")

	category := store.FailureRecoverable
	// A missing probe binary fails every video the same way; stop pulling
	// work until an operator intervenes.
	if errors.Is(cause, exec.ErrNotFound) {
		category = store.FailureCritical
	}

	_ = a.store.MarkFailed(ctx, v.ID)
	_ = a.store.RecordFailure(ctx, &store.Failure{
		VideoID:  v.ID,
		Stage:    media.StageAnalysis,
		Category: category,
		Code:     "probe_error",
		Message:  cause.Error(),
		Context:  fmt.Sprintf("path=%s", v.Path),
	})
	failedTotal.WithLabelValues(string(media.StageAnalysis)).Inc()
	a.bus.Publish(events.Event{Type: events.TypeFailed, Stage: media.StageAnalysis, VideoID: v.ID, Reason: cause.Error()})

	if category == store.FailureCritical && a.ctrl != nil {
		a.ctrl.Pause("probe tool unavailable")
	}
}
