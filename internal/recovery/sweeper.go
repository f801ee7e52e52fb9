package recovery

import (
	"context"
	"sync"
	"time"
)

// Sweeper runs Reconcile on an interval so records of workers that died
// while the engine kept running are reclaimed without a restart.
type Sweeper struct {
	Tracker  *Tracker
	Cleanup  CleanupFunc
	Interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSweeper creates a Sweeper. A zero interval defaults to one minute.
func NewSweeper(t *Tracker, cleanup CleanupFunc, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		Tracker:  t,
		Cleanup:  cleanup,
		Interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Tracker.Reconcile(ctx, s.Cleanup); err != nil {
					s.Tracker.Log.WithError(err).Warn("recovery sweep failed")
				}
			}
		}
	}()
}

// Stop ends the loop and waits for it. Safe to call multiple times, but only
// after Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}
