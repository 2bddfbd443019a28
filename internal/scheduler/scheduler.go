// Package scheduler fires scheduled batch transitions: on a cron schedule,
// a named transition is executed as the System actor on every proposal of
// a workflow that sits in a given state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/xx70235/AstroPropose/internal/engine"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Run statuses recorded on a scheduled transition.
const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunError   = "error"
)

// DefaultInterval is how often the scheduler looks for due schedules.
const DefaultInterval = 60 * time.Second

// TransitionRunner executes one transition. Satisfied by *engine.Engine.
type TransitionRunner interface {
	ExecuteTransition(ctx context.Context, proposalID int64, action string, actor *schema.Actor, tctx map[string]any) (*engine.TransitionResult, error)
}

// ScheduleStore is the persistence the scheduler needs. Satisfied by store.Store.
type ScheduleStore interface {
	CreateScheduledTransition(ctx context.Context, st *store.ScheduledTransition) error
	UpdateScheduledTransition(ctx context.Context, id string, update store.ScheduledTransitionUpdate) error
	ListScheduledTransitions(ctx context.Context, filter store.ScheduledTransitionFilter) ([]*store.ScheduledTransition, error)
	ListProposalsInState(ctx context.Context, workflowID int64, state string) ([]int64, error)
}

// SystemActor is the identity scheduled transitions run as.
var SystemActor = &schema.Actor{Username: "system", Roles: []string{schema.SystemActorRole}}

// BatchResult summarizes one firing of a scheduled transition.
type BatchResult struct {
	ScheduleID string           `json:"schedule_id"`
	Attempted  int              `json:"attempted"`
	Succeeded  int              `json:"succeeded"`
	Failures   map[int64]string `json:"failures,omitempty"`
	Status     string           `json:"status"`
}

// Scheduler polls the store for due schedules and runs them.
type Scheduler struct {
	store    ScheduleStore
	runner   TransitionRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing
}

// New creates a Scheduler. interval <= 0 uses DefaultInterval.
func New(s ScheduleStore, runner TransitionRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: interval,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Register validates st's cron expression, assigns an ID when missing,
// computes the first run and persists it.
func (s *Scheduler) Register(ctx context.Context, st *store.ScheduledTransition) error {
	next, err := s.CalculateNextRun(st.CronExpression, s.now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidInput, err.Error()).WithCause(err)
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.NextRunAt = &next
	return s.store.CreateScheduledTransition(ctx, st)
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
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled schedule whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListScheduledTransitions(ctx, store.ScheduledTransitionFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled transitions", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	for _, st := range schedules {
		if st.NextRunAt != nil && st.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(st.ID) {
			continue
		}
		if _, err := s.Fire(ctx, st); err != nil {
			s.logger.Error("failed to run scheduled transition",
				slog.String("schedule_id", st.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(st.ID)
	}
}

// Fire runs st once against every proposal in its from state and records
// the outcome. Individual transition failures do not stop the batch.
func (s *Scheduler) Fire(ctx context.Context, st *store.ScheduledTransition) (*BatchResult, error) {
	now := s.now().UTC()
	log := s.logger.With(
		slog.String("schedule_id", st.ID),
		slog.String("transition", st.Transition),
	)

	ids, err := s.store.ListProposalsInState(ctx, st.WorkflowID, st.FromState)
	if err != nil {
		if uerr := s.record(ctx, st, now, RunError); uerr != nil {
			log.Error("failed to record schedule status", slog.String("error", uerr.Error()))
		}
		return nil, fmt.Errorf("list proposals in %q: %w", st.FromState, err)
	}

	res := &BatchResult{ScheduleID: st.ID, Attempted: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		tctx := map[string]any{"scheduled_transition": st.ID}
		if _, err := s.runner.ExecuteTransition(ctx, id, st.Transition, SystemActor, tctx); err != nil {
			if res.Failures == nil {
				res.Failures = make(map[int64]string)
			}
			res.Failures[id] = err.Error()
			continue
		}
		res.Succeeded++
	}

	switch {
	case len(res.Failures) == 0:
		res.Status = RunSuccess
	case res.Succeeded > 0:
		res.Status = RunPartial
	default:
		res.Status = RunError
	}
	log.Info("scheduled transition fired",
		slog.Int("attempted", res.Attempted),
		slog.Int("succeeded", res.Succeeded),
		slog.String("status", res.Status),
	)
	return res, s.record(ctx, st, now, res.Status)
}

func (s *Scheduler) record(ctx context.Context, st *store.ScheduledTransition, now time.Time, status string) error {
	next, err := s.CalculateNextRun(st.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", st.ID, err)
	}
	return s.store.UpdateScheduledTransition(ctx, st.ID, store.ScheduledTransitionUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for the current tick to finish.
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
