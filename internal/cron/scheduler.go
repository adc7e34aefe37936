// Package cron fires due schedules by submitting task runs to the engine.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/stackrun/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter starts a task run.
type Submitter interface {
	Submit(ctx context.Context, taskName string, input json.RawMessage) (string, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store     *persistence.Store
	Submitter Submitter
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Definition is a schedule as declared in configuration.
type Definition struct {
	Name     string          `yaml:"name" json:"name"`
	CronExpr string          `yaml:"cron" json:"cron_expr"`
	TaskName string          `yaml:"task" json:"task_name"`
	Input    json.RawMessage `yaml:"-" json:"input,omitempty"`
	Disabled bool            `yaml:"disabled" json:"disabled,omitempty"`
}

// Scheduler periodically queries the store for due schedules and submits a
// task run for each one.
type Scheduler struct {
	store     *persistence.Store
	submitter Submitter
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:     cfg.Store,
		submitter: cfg.Submitter,
		logger:    logger,
		interval:  interval,
		now:       now,
	}
}

// Upsert validates a definition and stores it with its next run time.
func (s *Scheduler) Upsert(ctx context.Context, def Definition) (string, error) {
	if def.Name == "" || def.TaskName == "" {
		return "", errors.New("cron: schedule needs a name and a task")
	}
	next, err := NextRunTime(def.CronExpr, s.now())
	if err != nil {
		return "", fmt.Errorf("cron: schedule %s: %w", def.Name, err)
	}
	id, err := s.store.UpsertSchedule(ctx, persistence.Schedule{
		Name:      def.Name,
		CronExpr:  def.CronExpr,
		TaskName:  def.TaskName,
		Input:     def.Input,
		Enabled:   !def.Disabled,
		NextRunAt: &next,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("cron: schedule registered", "schedule_name", def.Name, "task", def.TaskName, "next_run_at", next)
	return id, nil
}

// Sync registers defs and deletes stored schedules whose name no longer
// appears in them. It returns the number of schedules removed.
func (s *Scheduler) Sync(ctx context.Context, defs []Definition) (int, error) {
	keep := make(map[string]bool, len(defs))
	var errs []error
	for _, def := range defs {
		if _, err := s.Upsert(ctx, def); err != nil {
			errs = append(errs, err)
			continue
		}
		keep[def.Name] = true
	}
	stored, err := s.store.ListSchedules(ctx)
	if err != nil {
		return 0, errors.Join(append(errs, err)...)
	}
	removed := 0
	for _, sc := range stored {
		if keep[sc.Name] {
			continue
		}
		if err := s.store.DeleteSchedule(ctx, sc.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		s.logger.Info("cron: schedule removed", "schedule_name", sc.Name)
	}
	return removed, errors.Join(errs...)
}

// SetEnabled toggles a schedule. Enabling restarts it from the next
// occurrence after now.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) (persistence.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return persistence.Schedule{}, err
	}
	next, err := NextRunTime(sc.CronExpr, s.now())
	if err != nil {
		return persistence.Schedule{}, fmt.Errorf("cron: schedule %s: %w", sc.Name, err)
	}
	if err := s.store.EnableSchedule(ctx, id, enabled, next); err != nil {
		return persistence.Schedule{}, err
	}
	return s.store.GetSchedule(ctx, id)
}

// List returns every stored schedule.
func (s *Scheduler) List(ctx context.Context) ([]persistence.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
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

// Tick fires every due schedule and returns how many task runs it submitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return 0
	}
	fired := 0
	for _, sched := range due {
		if s.fire(ctx, sched, now) {
			fired++
		}
	}
	return fired
}

// fire claims the occurrence, then submits a run for it. The claim comes
// first so a rejected submission does not refire on every tick and a
// schedule shared by several workers fires once.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) bool {
	log := s.logger.With("schedule_id", sched.ID, "schedule_name", sched.Name)
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		log.Error("cron: failed to compute next run time", "cron_expr", sched.CronExpr, "error", err)
		return false
	}
	if sched.NextRunAt == nil {
		return false
	}
	claimed, err := s.store.ClaimScheduleRun(ctx, sched.ID, *sched.NextRunAt, now, nextRun)
	if err != nil {
		log.Error("cron: failed to claim schedule run", "error", err)
		return false
	}
	if !claimed {
		log.Debug("cron: occurrence claimed elsewhere")
		return false
	}

	taskRunID, err := s.submitter.Submit(ctx, sched.TaskName, sched.Input)
	if err != nil {
		log.Error("cron: failed to submit task for schedule", "task", sched.TaskName, "error", err)
		return false
	}
	log.Info("cron: schedule fired", "task_run_id", taskRunID, "next_run_at", nextRun)
	return true
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
