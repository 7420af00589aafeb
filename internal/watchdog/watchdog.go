// Package watchdog kills subprocesses that are alive but silent. Each stage
// gets one watchdog that acts purely on bus events; it never inspects the
// runner's internals.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/branport/shrinkd/internal/events"
	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
)

// KillFunc terminates a process group by pid.
type KillFunc func(pid int) error

// defaultCheckInterval is how often stall timers are evaluated.
const defaultCheckInterval = 30 * time.Second

// Watchdog tracks the active subprocess of one stage.
type Watchdog struct {
	stage         media.Stage
	bus           *events.Bus
	warnThreshold time.Duration
	killThreshold time.Duration
	kill          KillFunc
	checkInterval time.Duration

	mu       sync.Mutex
	tracking bool
	videoID  int64
	pid      int
	last     time.Time
	warned   bool
}

// New builds a watchdog for a stage.
func New(stage media.Stage, bus *events.Bus, warn, kill time.Duration, killFn KillFunc) *Watchdog {
	return &Watchdog{
		stage:         stage,
		bus:           bus,
		warnThreshold: warn,
		killThreshold: kill,
		kill:          killFn,
		checkInterval: defaultCheckInterval,
	}
}

// Run subscribes and watches until the context ends. A restart resubscribes
// from scratch; lost timers re-arm on the next progress event.
func (w *Watchdog) Run(ctx context.Context) error {
	ch, cancel := w.bus.Subscribe(string(w.stage))
	defer cancel()

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			w.observe(ev)
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) observe(ev events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch ev.Type {
	case events.TypeStarted:
		w.tracking = true
		w.videoID = ev.VideoID
		w.pid = ev.Pid
		w.last = time.Now()
		w.warned = false
	case events.TypeProgress:
		if w.tracking && ev.VideoID == w.videoID {
			w.last = time.Now()
			w.warned = false
		}
	case events.TypeCompleted, events.TypeFailed:
		if ev.VideoID == w.videoID {
			w.tracking = false
			w.pid = 0
		}
	}
}

func (w *Watchdog) check() {
	w.mu.Lock()
	if !w.tracking {
		w.mu.Unlock()
		return
	}
	silent := time.Since(w.last)
	videoID, pid := w.videoID, w.pid
	shouldWarn := silent >= w.warnThreshold && !w.warned
	shouldKill := silent >= w.killThreshold
	if shouldWarn {
		w.warned = true
	}
	if shouldKill {
		// Stop tracking immediately; the failure path owns the video
		// from here.
		w.tracking = false
		w.pid = 0
	}
	w.mu.Unlock()

	logger := log.WithStage("watchdog", string(w.stage))

	if shouldKill {
		logger.Error().
			Int64("video", videoID).
			Int("pid", pid).
			Dur("silent", silent).
			Msg("killing stuck process")
		w.bus.Publish(events.Event{
			Type: events.TypeHealthAlert, Stage: w.stage, VideoID: videoID,
			Reason: "killed_stuck_process",
		})
		if w.kill != nil && pid > 0 {
			// Async: the kill must never block the watchdog.
			go func() {
				if err := w.kill(pid); err != nil {
					logger.Error().Err(err).Int("pid", pid).Msg("kill failed")
				}
			}()
		}
		return
	}

	if shouldWarn {
		logger.Warn().
			Int64("video", videoID).
			Int("pid", pid).
			Dur("silent", silent).
			Msg("subprocess stalled")
		w.bus.Publish(events.Event{
			Type: events.TypeHealthAlert, Stage: w.stage, VideoID: videoID,
			Reason: "stalled",
		})
	}
}
