package stage

import (
	"sync"

	"github.com/branport/shrinkd/internal/events"
)

// searchProgress is the rolling view of one CRF search run: the sample the
// tool is currently probing and how many samples have completed.
type searchProgress struct {
	mu      sync.Mutex
	crf     float64
	score   float64
	percent float64
	samples int
}

func (p *searchProgress) observe(crf, score, percent float64) events.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crf = crf
	p.score = score
	p.percent = percent
	return events.Progress{CRF: crf, Score: score, Percent: percent}
}

func (p *searchProgress) sampleDone() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples++
	return p.samples
}

func (p *searchProgress) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crf, p.score, p.percent, p.samples = 0, 0, 0, 0
}
