package timers

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowengine/internal/store"
)

// WaitLister is the slice of the store the sweeper reads.
type WaitLister interface {
	ListWaits(ctx context.Context, filter store.WaitFilter) ([]*store.PendingWait, error)
}

// Sweeper fires expired pending waits found in the store. The store is the
// source of truth, so scheduling and cancelling are no-ops and a wait is
// never lost even when every other backend fails.
type Sweeper struct {
	waits  WaitLister
	batch  int
	now    Clock
	logger *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperClock overrides the sweeper's clock.
func WithSweeperClock(c Clock) SweeperOption {
	return func(s *Sweeper) { s.now = c }
}

// WithSweeperBatch bounds how many expired waits one poll fires.
func WithSweeperBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithSweeperLogger sets the sweeper's logger.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a Sweeper over the store's pending waits.
func NewSweeper(waits WaitLister, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		waits:  waits,
		batch:  500,
		now:    systemClock,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sweeper) ScheduleWakeup(context.Context, string, string, time.Time) error { return nil }

func (s *Sweeper) CancelWakeup(context.Context, string) error { return nil }

// Poll fires every wait whose expiry is at or before now, oldest first.
func (s *Sweeper) Poll(ctx context.Context, fire FireFunc) (int, error) {
	now := s.now()
	due, err := s.waits.ListWaits(ctx, store.WaitFilter{ExpiresBefore: &now, Limit: s.batch})
	if err != nil {
		return 0, timerError("sweep", "", []error{err})
	}

	fired := 0
	for _, w := range due {
		if ctx.Err() != nil {
			break
		}
		if err := fire(ctx, w.RunID, w.NodeID); err != nil {
			s.logger.Warn("sweep fire failed",
				slog.String("run_id", w.RunID),
				slog.String("node_id", w.NodeID),
				slog.String("error", err.Error()),
			)
			continue
		}
		fired++
	}
	return fired, nil
}

var (
	_ Service = (*Sweeper)(nil)
	_ Poller  = (*Sweeper)(nil)
)
