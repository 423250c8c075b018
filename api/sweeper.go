/*
sweeper.go - Periodic recovery of interrupted file lifecycles

PURPOSE:
  A run that crashes between marking a file merged and relocating it
  leaves the file merged in the landing zone. The next run recovers it,
  but a long-lived server may not run often. The sweeper runs recovery on
  a fixed interval so such files do not linger.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Recovery only relocates; it never merges

USAGE:
  sweeper := NewRecoverySweeper(lifecycle, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: TriggerRecover endpoint (manual recovery)
  - merge/lifecycle.go: Recover
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RecoverySweeper periodically finishes interrupted file lifecycles.
type RecoverySweeper struct {
	Recovery      Recoverer
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecoverySweeper creates a sweeper with a five minute interval.
func NewRecoverySweeper(recovery Recoverer, log *zap.Logger) *RecoverySweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &RecoverySweeper{
		Recovery:      recovery,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		log:           log.Named("sweeper"),
	}
}

// Start begins sweeping.
func (s *RecoverySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops sweeping and waits for an in-flight sweep.
func (s *RecoverySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *RecoverySweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.sweep()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-stop:
			return
		}
	}
}

func (s *RecoverySweeper) sweep() {
	report, err := s.Recovery.Recover(context.Background())
	if err != nil {
		s.log.Warn("recovery failed", zap.Error(err))
		return
	}
	if len(report.Archived) > 0 || len(report.Failed) > 0 {
		s.log.Info("recovery completed",
			zap.Int("archived", len(report.Archived)),
			zap.Int("failed", len(report.Failed)),
		)
	}
}

// RunNow triggers an immediate sweep.
func (s *RecoverySweeper) RunNow() {
	s.sweep()
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *RecoverySweeper) NextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
