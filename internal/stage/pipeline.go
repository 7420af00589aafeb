package stage

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/branport/shrinkd/internal/events"
	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
)

// Handler processes one message: a batch for analysis, a single video for
// the subprocess stages. Failures are handled inside the handler (classify,
// mark, pause); a returned error means a bug worth restarting over.
type Handler interface {
	Process(ctx context.Context, videos []*media.Video) error
}

// Pipeline wires a producer to a single-worker processor with a message
// rate limit. One Pipeline instance per stage.
type Pipeline struct {
	stage    media.Stage
	producer *Producer
	handler  Handler
	bus      *events.Bus
	limiter  *rate.Limiter

	mu       sync.Mutex
	inFlight bool
}

// NewPipeline builds a pipeline around the given handler. batch is how many
// videos one message may carry (1 for the subprocess stages); ratePerSec
// caps messages per second to stop runaway subprocess launches when the
// queue drains fast.
func NewPipeline(stage media.Stage, selector Selector, handler Handler, bus *events.Bus, batch, ratePerSec int) *Pipeline {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &Pipeline{
		stage:    stage,
		producer: NewProducer(stage, selector, batch),
		handler:  handler,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

// Producer exposes the stage's pause/dispatch control.
func (p *Pipeline) Producer() *Producer { return p.producer }

// Stage returns the stage this pipeline drives.
func (p *Pipeline) Stage() media.Stage { return p.stage }

// InFlight reports whether the processor is busy with a message.
func (p *Pipeline) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Running reports whether the stage is actively taking work.
func (p *Pipeline) Running() bool {
	return !p.producer.Paused()
}

// Pause pauses the stage's producer and tells subscribers.
func (p *Pipeline) Pause(reason string) {
	p.producer.Pause()
	pausedGauge.WithLabelValues(string(p.stage)).Set(1)
	p.bus.Publish(events.Event{Type: events.TypePaused, Stage: p.stage, Reason: reason})
	logger := log.WithStage("pipeline", string(p.stage))
	logger.Warn().Str("reason", reason).Msg("stage paused")
}

// Resume unpauses the producer and tells subscribers.
func (p *Pipeline) Resume() {
	p.producer.Resume()
	pausedGauge.WithLabelValues(string(p.stage)).Set(0)
	p.bus.Publish(events.Event{Type: events.TypeResumed, Stage: p.stage})
	logger := log.WithStage("pipeline", string(p.stage))
	logger.Info().Msg("stage resumed")
}

// Run drives the processor loop until the context ends. Exactly one message
// is in flight at a time; the producer is poked again after each message
// completes.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := log.WithStage("pipeline", string(p.stage))
	logger.Info().Msg("stage pipeline started")

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}

		videos := p.producer.Next(ctx)
		if videos == nil {
			return nil
		}

		p.setInFlight(true)
		err := p.handler.Process(ctx, videos)
		p.setInFlight(false)

		if err != nil {
			// Bug path: surface to the supervisor for a restart. The
			// in-flight videos are not marked; they keep their state
			// and are selected again after the restart.
			logger.Error().Err(err).Msg("handler crashed")
			return err
		}

		p.producer.DispatchAvailable()
	}
}

func (p *Pipeline) setInFlight(v bool) {
	p.mu.Lock()
	p.inFlight = v
	p.mu.Unlock()
	g := inFlightGauge.WithLabelValues(string(p.stage))
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
