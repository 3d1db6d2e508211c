// Package timers schedules the wake-ups of suspended runs. A wake-up fires
// the engine's resume path for (runID, nodeID) once the wait expires; the
// engine treats duplicate fires as no-ops, so every backend may fire
// at-least-once.
package timers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// FireFunc is invoked for each due wake-up.
type FireFunc func(ctx context.Context, runID, nodeID string) error

// Service registers and cancels wake-ups.
type Service interface {
	ScheduleWakeup(ctx context.Context, runID, nodeID string, expiresAt time.Time) error
	CancelWakeup(ctx context.Context, runID string) error
}

// Poller is a backend that discovers due wake-ups when polled.
type Poller interface {
	Poll(ctx context.Context, fire FireFunc) (int, error)
}

// Clock returns the current time. Tests substitute a controllable clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// Composite fans wake-up registration out to every backend and drives the
// poll loop of those that are Pollers.
type Composite struct {
	backends []Service
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewComposite creates a Composite over the given backends.
func NewComposite(interval time.Duration, logger *slog.Logger, backends ...Service) *Composite {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composite{backends: backends, interval: interval, logger: logger}
}

// ScheduleWakeup registers the wake-up on every backend. Failures are joined
// into one TIMER_ERROR; backends that succeeded keep their registration.
func (c *Composite) ScheduleWakeup(ctx context.Context, runID, nodeID string, expiresAt time.Time) error {
	var errs []error
	for _, b := range c.backends {
		if err := b.ScheduleWakeup(ctx, runID, nodeID, expiresAt); err != nil {
			errs = append(errs, err)
		}
	}
	return timerError("schedule", runID, errs)
}

// CancelWakeup drops the run's wake-up from every backend.
func (c *Composite) CancelWakeup(ctx context.Context, runID string) error {
	var errs []error
	for _, b := range c.backends {
		if err := b.CancelWakeup(ctx, runID); err != nil {
			errs = append(errs, err)
		}
	}
	return timerError("cancel", runID, errs)
}

// Poll polls every Poller backend once and returns the number of fires.
func (c *Composite) Poll(ctx context.Context, fire FireFunc) (int, error) {
	total := 0
	var errs []error
	for _, b := range c.backends {
		p, ok := b.(Poller)
		if !ok {
			continue
		}
		n, err := p.Poll(ctx, fire)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Start launches the background poll loop.
func (c *Composite) Start(ctx context.Context, fire FireFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return fmt.Errorf("timer service already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx, fire)
	c.logger.Info("timer service started", slog.Duration("interval", c.interval), slog.Int("backends", len(c.backends)))
	return nil
}

func (c *Composite) loop(ctx context.Context, fire FireFunc) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Poll(ctx, fire); err != nil && ctx.Err() == nil {
				c.logger.Warn("timer poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop halts the poll loop and waits for it to exit.
func (c *Composite) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.logger.Info("timer service stopped")
}

func timerError(op, runID string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeTimer, "%s wake-up for run %q failed", op, runID).
		WithRun(runID).WithCause(errors.Join(errs...))
}

var _ Service = (*Composite)(nil)
