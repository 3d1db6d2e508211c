// Package scheduler emits the time-based SYSTEM_EVENTs (tasks and project
// deadlines) on cron schedules persisted in the store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// Time-based system events.
const (
	EventTaskDueToday            = "TASK_DUE_TODAY"
	EventTaskDueTomorrow         = "TASK_DUE_TOMORROW"
	EventTaskOverdue             = "TASK_OVERDUE"
	EventProjectDeadlineToday    = "PROJECT_DEADLINE_TODAY"
	EventProjectDeadlineTomorrow = "PROJECT_DEADLINE_TOMORROW"
	EventProjectDeadlineWarning  = "PROJECT_DEADLINE_WARNING"
	EventProjectOverdue          = "PROJECT_OVERDUE"
)

// SystemEvents lists every event the scheduler knows how to emit.
var SystemEvents = []string{
	EventTaskDueToday, EventTaskDueTomorrow, EventTaskOverdue,
	EventProjectDeadlineToday, EventProjectDeadlineTomorrow,
	EventProjectDeadlineWarning, EventProjectOverdue,
}

// DefaultCron checks deadlines at the top of every hour.
const DefaultCron = "0 * * * *"

// DefaultTick is how often the loop looks for due jobs.
const DefaultTick = time.Minute

// Job run statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// DueItem is one entity an event fires for.
type DueItem struct {
	CompanyID string
	// EntityRef is the contact the started run is bound to.
	EntityRef  string
	EntityType string
	EntityID   string
	Title      string
}

// DueSource finds the entities a time-based event applies to at now.
// companyID is empty for jobs that span every company.
type DueSource interface {
	Due(ctx context.Context, event, companyID string, now time.Time) ([]DueItem, error)
}

// EventSink receives the emitted events; the dispatcher satisfies it.
type EventSink interface {
	OnEvent(ctx context.Context, ev *schema.InboundEvent) error
}

// JobStore is the part of the store the scheduler uses.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*store.ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
}

// Config tunes the scheduler.
type Config struct {
	Tick time.Duration
	// Location decides which calendar day an item was notified on.
	Location *time.Location
	Clock    func() time.Time
}

// Scheduler polls the store for due jobs and emits their events.
type Scheduler struct {
	store  JobStore
	source DueSource
	sink   EventSink
	parser cron.Parser
	logger *slog.Logger
	tick   time.Duration
	loc    *time.Location
	now    func() time.Time

	// notified holds event|entity|day keys so an item fires once a day
	// however often its job runs.
	notified *gocache.Cache

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler.
func New(s JobStore, source DueSource, sink EventSink, logger *slog.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		store:    s,
		source:   source,
		sink:     sink,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		tick:     cfg.Tick,
		loc:      cfg.Location,
		now:      cfg.Clock,
		notified: gocache.New(48*time.Hour, time.Hour),
		inflight: make(map[string]struct{}),
	}
}

// EnsureDefaultJobs creates one enabled job per system event that has none.
func (s *Scheduler) EnsureDefaultJobs(ctx context.Context, cronExpr string) error {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	for _, event := range SystemEvents {
		id := "system:" + event
		_, err := s.store.GetScheduledJob(ctx, id)
		if err == nil {
			continue
		}
		if !schema.IsNotFound(err) {
			return err
		}
		if err := s.Register(ctx, &store.ScheduledJob{
			ID: id, Name: event, CronExpression: cronExpr, EventName: event, Enabled: true,
		}); err != nil && schema.ErrorCode(err) != schema.ErrCodeConflict {
			return err
		}
	}
	return nil
}

// Register validates the job's cron expression, computes its first run
// and persists it.
func (s *Scheduler) Register(ctx context.Context, job *store.ScheduledJob) error {
	next, err := s.CalculateNextRun(job.CronExpression, s.now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	job.NextRunAt = &next
	return s.store.CreateScheduledJob(ctx, job)
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled job whose next_run_at has passed.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// RecoverMissed runs once every job whose next_run_at passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return recovered, nil
}

// runJob emits the job's event for every due item and advances next_run_at.
// The job's status is error when the source fails, partial when some
// emits fail.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("event", job.EventName))

	items, err := s.source.Due(ctx, job.EventName, job.CompanyID, now)
	if err != nil {
		log.Error("due source failed", slog.String("error", err.Error()))
		return errors.Join(err, s.updateJobStatus(ctx, job, now, StatusError))
	}

	day := now.In(s.loc).Format(time.DateOnly)
	emitted, failed := 0, 0
	for _, item := range items {
		if item.CompanyID == "" || item.EntityRef == "" {
			continue
		}
		key := job.EventName + "|" + item.CompanyID + "|" + item.EntityID + "|" + item.EntityRef + "|" + day
		if _, seen := s.notified.Get(key); seen {
			continue
		}
		if err := s.sink.OnEvent(ctx, systemEvent(job.EventName, item)); err != nil {
			failed++
			log.Warn("system event dispatch failed",
				slog.String("entity_ref", item.EntityRef),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.notified.SetDefault(key, struct{}{})
		emitted++
	}

	status := StatusSuccess
	if failed > 0 {
		status = StatusPartial
	}
	log.Info("scheduled job ran", slog.Int("emitted", emitted), slog.Int("failed", failed))
	return s.updateJobStatus(ctx, job, now, status)
}

func systemEvent(name string, item DueItem) *schema.InboundEvent {
	payload := map[string]any{schema.PayloadEvent: name}
	if item.EntityType != "" {
		payload["entity_type"] = item.EntityType
	}
	if item.EntityID != "" {
		payload["entity_id"] = item.EntityID
	}
	if item.Title != "" {
		payload["title"] = item.Title
	}
	return &schema.InboundEvent{
		Kind:      schema.EventSystem,
		CompanyID: item.CompanyID,
		EntityRef: item.EntityRef,
		Payload:   payload,
	}
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a 5-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
