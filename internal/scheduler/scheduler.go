package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/conex/internal/engine"
	"github.com/rendis/conex/internal/secrets"
	"github.com/rendis/conex/internal/store"
	"github.com/rendis/conex/pkg/schema"
)

// Run status values recorded on a schedule after each due tick.
const (
	StatusSubmitted = "submitted"
	StatusError     = "error"
)

// DefaultInterval is how often the store is polled for due schedules.
const DefaultInterval = 60 * time.Second

// FlowRunner starts a flow run without waiting for it.
// engine.Engine satisfies it.
type FlowRunner interface {
	Start(ctx context.Context, req engine.RunRequest) (string, error)
}

// Options tunes a Scheduler. Zero values pick defaults.
type Options struct {
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Scheduler polls the store for due scheduled flows and starts them.
type Scheduler struct {
	store    store.ScheduleStore
	runner   FlowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.ScheduleStore, runner FlowRunner, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   opts.Logger,
		interval: opts.Interval,
		now:      opts.Now,
		inflight: make(map[string]struct{}),
	}
}

// Create validates the cron expression and graph of sf, fills its id and
// next run time, and stores it.
func (s *Scheduler) Create(ctx context.Context, sf *store.ScheduledFlow) error {
	if sf.FlowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires a flow id")
	}
	if _, err := decodeGraph(sf.Graph); err != nil {
		return err
	}
	now := s.now()
	next, err := s.CalculateNextRun(sf.CronExpression, now)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if sf.ID == "" {
		sf.ID = uuid.NewString()
	}
	sf.NextRunAt = &next
	sf.CreatedAt = now
	return s.store.CreateSchedule(ctx, sf)
}

// Start launches the background polling loop.
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

// tick starts every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	flows, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, sf := range flows {
		if sf.NextRunAt != nil && sf.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sf.ID) {
			continue
		}
		if err := s.runFlow(ctx, sf, now); err != nil {
			s.logger.Error("failed to run scheduled flow",
				slog.String("schedule_id", sf.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sf.ID)
	}
}

// runFlow submits one schedule to the runner and records the outcome.
func (s *Scheduler) runFlow(ctx context.Context, sf *store.ScheduledFlow, now time.Time) error {
	s.logger.Info("running scheduled flow",
		slog.String("schedule_id", sf.ID),
		slog.String("flow_id", sf.FlowID),
	)

	req, err := buildRequest(sf)
	if err != nil {
		s.logger.Error("scheduled flow is not runnable",
			slog.String("schedule_id", sf.ID),
			slog.String("error", err.Error()),
		)
		return s.record(ctx, sf, now, StatusError, "")
	}

	execID, err := s.runner.Start(ctx, req)
	status := StatusSubmitted
	if err != nil {
		status = StatusError
		s.logger.Error("scheduled flow failed to start",
			slog.String("schedule_id", sf.ID),
			slog.String("error", err.Error()),
		)
	}
	return s.record(ctx, sf, now, status, execID)
}

func (s *Scheduler) record(ctx context.Context, sf *store.ScheduledFlow, now time.Time, status, execID string) error {
	next, err := s.CalculateNextRun(sf.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sf.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sf.ID, store.ScheduleUpdate{
		LastRunAt:       &now,
		NextRunAt:       &next,
		LastRunStatus:   status,
		LastExecutionID: execID,
	})
}

// buildRequest decodes the stored graph, input and encrypted connections.
func buildRequest(sf *store.ScheduledFlow) (engine.RunRequest, error) {
	g, err := decodeGraph(sf.Graph)
	if err != nil {
		return engine.RunRequest{}, err
	}
	req := engine.RunRequest{
		Graph:          g,
		FlowID:         sf.FlowID,
		OrganizationID: sf.OrganizationID,
	}
	if len(sf.Input) > 0 {
		if err := json.Unmarshal(sf.Input, &req.Input); err != nil {
			return engine.RunRequest{}, schema.NewError(schema.ErrCodeValidation, "invalid schedule input").WithCause(err)
		}
	}
	if len(sf.Connections) > 0 {
		var conns []secrets.ConnectionRecord
		if err := json.Unmarshal(sf.Connections, &conns); err != nil {
			return engine.RunRequest{}, schema.NewError(schema.ErrCodeValidation, "invalid schedule connections").WithCause(err)
		}
		req.Connections = conns
	}
	return req, nil
}

func decodeGraph(raw json.RawMessage) (*schema.Graph, error) {
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidGraph, "schedule has no graph")
	}
	var g schema.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidGraph, "schedule graph is not valid JSON").WithCause(err)
	}
	return &g, nil
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
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
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

// RecoverMissed runs once every enabled schedule whose next run passed
// while the daemon was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	flows, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, sf := range flows {
		if sf.NextRunAt == nil || !sf.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sf.ID) {
			continue
		}
		err := s.runFlow(ctx, sf, now)
		s.release(sf.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sf.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
