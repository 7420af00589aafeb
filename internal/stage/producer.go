// Package stage implements the per-stage pipeline template: a demand-driven
// producer pulling from the queue selector, a single-worker processor, and
// the three stage handlers.
package stage

import (
	"context"
	"sync"
	"time"

	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
)

// Selector is the queue the producer pulls from.
type Selector interface {
	NextForStage(ctx context.Context, stage media.Stage, n int) ([]*media.Video, error)
}

// pollInterval is the fallback re-check when no dispatch signal arrives;
// the signal path is the normal wake-up.
const pollInterval = 10 * time.Second

// Producer pulls eligible videos on demand. It holds the stage's pause
// flag: a paused producer returns nothing regardless of demand.
type Producer struct {
	stage    media.Stage
	selector Selector
	batch    int

	mu     sync.Mutex
	paused bool

	kick chan struct{}
}

// NewProducer creates a producer pulling up to batch videos per dispatch.
func NewProducer(stage media.Stage, selector Selector, batch int) *Producer {
	if batch <= 0 {
		batch = 1
	}
	return &Producer{
		stage:    stage,
		selector: selector,
		batch:    batch,
		kick:     make(chan struct{}, 1),
	}
}

// Pause freezes new demand. The item currently in the processor finishes
// naturally.
func (p *Producer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume re-enables dispatch and pokes the producer.
func (p *Producer) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.DispatchAvailable()
}

// Paused reports the pause flag.
func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// DispatchAvailable pokes the producer to look for work. Never blocks.
func (p *Producer) DispatchAvailable() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Next blocks until a non-empty batch is available and the producer is not
// paused, or the context ends (returning nil).
func (p *Producer) Next(ctx context.Context) []*media.Video {
	logger := log.WithStage("producer", string(p.stage))
	for {
		if !p.Paused() {
			videos, err := p.selector.NextForStage(ctx, p.stage, p.batch)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error().Err(err).Msg("queue selection failed")
			} else if len(videos) > 0 {
				return videos
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
		case <-time.After(pollInterval):
		}
	}
}
