package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/store"
)

// SweepService periodically force-closes orphaned session rows: sessions
// whose tab died without delivering a close-out and whose heartbeats have
// gone quiet. Without it, crashed tabs would inflate presence forever.
type SweepService struct {
	Store     store.Store
	Logger    *slog.Logger
	Interval  time.Duration
	Threshold time.Duration

	now func() time.Time // test hook

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweepService creates a new sweep service. If interval is 0 or negative,
// defaults to 5 minutes; threshold defaults to 10 minutes. The threshold must
// comfortably exceed the heartbeat interval so throttled-but-alive tabs are
// not reaped.
func NewSweepService(st store.Store, logger *slog.Logger, interval, threshold time.Duration) *SweepService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}

	return &SweepService{
		Store:     st,
		Logger:    logger,
		Interval:  interval,
		Threshold: threshold,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background worker that periodically runs the sweep.
// This is non-blocking and should be called after the database is ready.
// Call Stop() to gracefully shutdown the worker.
func (s *SweepService) Start() {
	go s.run()
	s.Logger.Info("session sweep started", "interval", s.Interval, "threshold", s.Threshold)
}

// Stop gracefully shuts down the background worker.
// Blocks until any in-progress sweep has finished.
func (s *SweepService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("session sweep stopped")
}

func (s *SweepService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Sweep immediately on startup to clear rows left over from a previous
	// process lifetime.
	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep closes every active row whose last heartbeat is older than the
// threshold. The exit estimate is the row's own updated_at, so running the
// sweep again over the same data changes nothing.
func (s *SweepService) Sweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.Threshold)

	n, err := s.Store.Sessions().CloseStaleSessions(ctx, cutoff)
	if err != nil {
		s.Logger.Error("session sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.Logger.Info("closed orphaned sessions", "count", n, "cutoff", cutoff)
	}
}
