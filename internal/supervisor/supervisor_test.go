package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentsStopWithContext(t *testing.T) {
	s := New()
	var running atomic.Int32

	s.Add("a", func(ctx context.Context) error {
		running.Add(1)
		<-ctx.Done()
		running.Add(-1)
		return nil
	})
	s.Add("b", func(ctx context.Context) error {
		running.Add(1)
		<-ctx.Done()
		running.Add(-1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.EqualValues(t, 0, running.Load())
}

func TestCrashRestartsOnlyThatComponent(t *testing.T) {
	s := New()
	var crashes atomic.Int32
	var stableStarts atomic.Int32

	s.Add("crashy", func(ctx context.Context) error {
		if crashes.Add(1) <= 2 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	})
	s.Add("stable", func(ctx context.Context) error {
		stableStarts.Add(1)
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return crashes.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, stableStarts.Load(), "stable component was restarted")
}

func TestPanicIsContained(t *testing.T) {
	s := New()
	var attempts atomic.Int32

	s.Add("panicky", func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			panic("unexpected")
		}
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
}
