// Package supervisor starts the daemon's long-lived components in
// dependency order and isolates their crashes: a failing component restarts
// alone while the rest keep running.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/branport/shrinkd/internal/log"
)

// RunFunc is a long-lived component body. It returns when its context ends
// (nil) or when it crashed (non-nil), in which case it is restarted.
type RunFunc func(ctx context.Context) error

// restartDelay spaces crash restarts so a hot-looping component cannot
// starve the scheduler.
const restartDelay = time.Second

type component struct {
	name string
	run  RunFunc
}

// Supervisor runs registered components.
type Supervisor struct {
	mu         sync.Mutex
	components []component
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Add registers a component. Components start in registration order, which
// is the dependency order: store consumers register after the bus, the
// watchdogs after the pipelines.
func (s *Supervisor) Add(name string, run RunFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, component{name: name, run: run})
}

// Run starts every component and blocks until the context ends and all
// components have stopped.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	components := append([]component(nil), s.components...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(c component) {
			defer wg.Done()
			s.supervise(ctx, c)
		}(c)
	}
	wg.Wait()
}

// supervise restarts a component until the context ends. Panics are treated
// as crashes, not process death.
func (s *Supervisor) supervise(ctx context.Context, c component) {
	logger := log.WithComponent("supervisor")

	for {
		err := s.runGuarded(ctx, c)

		if ctx.Err() != nil {
			logger.Info().Str("child", c.name).Msg("component stopped")
			return
		}
		if err != nil {
			logger.Error().Err(err).Str("child", c.name).Msg("component crashed, restarting")
		} else {
			logger.Warn().Str("child", c.name).Msg("component exited early, restarting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

func (s *Supervisor) runGuarded(ctx context.Context, c component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.run(ctx)
}
