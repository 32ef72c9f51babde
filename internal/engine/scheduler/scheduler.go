// Package scheduler runs the sync engine in the background: a periodic
// ticker while online, plus manual and connectivity-regained triggers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/logging"
	"github.com/siteproof/core/internal/status"
)

// CycleRunner is the scheduler's view of the engine.
type CycleRunner interface {
	RunCycle(ctx context.Context) (status.Result, error)
}

// Scheduler triggers sync cycles on a timer and on demand.
type Scheduler struct {
	engine   CycleRunner
	interval time.Duration

	stopCh chan struct{}
	nowCh  chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
	isOnline  bool
}

// defaultInterval backs a non-positive interval, which would otherwise
// panic the ticker.
const defaultInterval = 30 * time.Second

// New creates a Scheduler. interval is the periodic cycle spacing.
func New(engine CycleRunner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		stopCh:   make(chan struct{}),
		nowCh:    make(chan struct{}, 1),
		isOnline: true,
	}
}

// Start launches the background loop. Safe to call once per Scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Sync scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

// Stop shuts the loop down and waits for an in-progress cycle to finish
// its current envelope.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// SyncNow requests an immediate cycle. Coalesces: a request while one is
// already queued is a no-op.
func (s *Scheduler) SyncNow() {
	select {
	case s.nowCh <- struct{}{}:
	default:
	}
}

// SetOnline updates connectivity. Regaining connectivity triggers an
// immediate cycle; while offline the periodic tick is suppressed.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = online
	s.mu.Unlock()

	if online == wasOnline {
		return
	}
	logging.Info("Connectivity changed", map[string]interface{}{
		"online": online,
	})
	if online {
		s.SyncNow()
	}
}

// Online reports the last observed connectivity.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOnline
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			// The tick fires while offline too: the cycle's own probe is
			// the reconnect detector.
			s.runCycle(ctx)
		case <-s.nowCh:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	result, err := s.engine.RunCycle(ctx)
	switch {
	case err == nil:
		s.markOnline()
	case errors.Is(err, errors.ErrSyncInProgress):
		// Trigger collapsed into the running cycle.
	case errors.Is(err, errors.ErrSyncOffline):
		s.markOffline()
	default:
		logging.Error("Sync cycle failed", err, map[string]interface{}{
			"pushed": result.Pushed,
			"failed": result.Failed,
			"dead":   result.Dead,
		})
	}
}

func (s *Scheduler) markOnline() {
	s.mu.Lock()
	changed := !s.isOnline
	s.isOnline = true
	s.mu.Unlock()
	if changed {
		logging.Info("Connectivity regained", nil)
	}
}

func (s *Scheduler) markOffline() {
	s.mu.Lock()
	changed := s.isOnline
	s.isOnline = false
	s.mu.Unlock()
	if changed {
		logging.Info("Connectivity lost", nil)
	}
}
