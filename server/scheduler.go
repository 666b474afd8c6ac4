package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/m-demetrio/ZapOrganic-CRM/storage"
)

const defaultSchedulePollInterval = 5 * time.Second

// Schedule terminal/last statuses.
const (
	ScheduleStatusStarted = "started"
	ScheduleStatusFailed  = "failed"
)

// FunnelSchedule periodically launches a stored funnel against a chat.
// NextRunAt is always UTC.
type FunnelSchedule struct {
	ID         string     `json:"id"`
	FunnelID   string     `json:"funnelId"`
	ChatID     string     `json:"chatId"`
	Cron       string     `json:"cron"`
	Enabled    bool       `json:"enabled"`
	NextRunAt  time.Time  `json:"nextRunAt"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	LastRunID  string     `json:"lastRunId,omitempty"`
	LastStatus string     `json:"lastStatus,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// nextCronRunUTC computes the next fire time after now for a five-field
// UTC cron expression.
func nextCronRunUTC(expr string, now time.Time) (time.Time, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return time.Time{}, errors.New("cron expression is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return time.Time{}, errors.New("cron expression must be UTC-only")
	}
	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(now.UTC()), nil
}

// ScheduleStore persists funnel schedules in the storage collaborator
// under a single key. Writes are read-modify-write, serialized by the
// store's mutex within this process.
type ScheduleStore struct {
	store *storage.Store
	mu    sync.Mutex
}

// NewScheduleStore creates a schedule store over the versioned store.
func NewScheduleStore(store *storage.Store) *ScheduleStore {
	return &ScheduleStore{store: store}
}

// All returns every stored schedule keyed by id.
func (s *ScheduleStore) All(ctx context.Context) (map[string]FunnelSchedule, error) {
	schedules := make(map[string]FunnelSchedule)
	if _, err := s.store.Load(ctx, storage.SchedulesKey, &schedules); err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	return schedules, nil
}

// Get returns the schedule stored under id.
func (s *ScheduleStore) Get(ctx context.Context, id string) (FunnelSchedule, bool, error) {
	schedules, err := s.All(ctx)
	if err != nil {
		return FunnelSchedule{}, false, err
	}
	schedule, ok := schedules[id]
	return schedule, ok, nil
}

// Put inserts or replaces a schedule.
func (s *ScheduleStore) Put(ctx context.Context, schedule FunnelSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.All(ctx)
	if err != nil {
		return err
	}
	schedules[schedule.ID] = schedule
	return s.store.Save(ctx, storage.SchedulesKey, schedules)
}

// Delete removes the schedule stored under id.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.All(ctx)
	if err != nil {
		return err
	}
	delete(schedules, id)
	return s.store.Save(ctx, storage.SchedulesKey, schedules)
}

// ListDue returns enabled schedules whose NextRunAt is at or before now.
func (s *ScheduleStore) ListDue(ctx context.Context, now time.Time) ([]FunnelSchedule, error) {
	schedules, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var due []FunnelSchedule
	for _, schedule := range schedules {
		if schedule.Enabled && !schedule.NextRunAt.IsZero() && !schedule.NextRunAt.After(now) {
			due = append(due, schedule)
		}
	}
	return due, nil
}

// StartRunFunc launches the scheduled funnel and returns the run id.
type StartRunFunc func(ctx context.Context, schedule FunnelSchedule) (string, error)

// SchedulerConfig configures the background schedule runner.
type SchedulerConfig struct {
	Store        *ScheduleStore
	StartRun     StartRunFunc
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically launches due funnel schedules. Each due
// schedule fires exactly once per due time: the next fire time is
// persisted before the run starts.
type Scheduler struct {
	store        *ScheduleStore
	startRun     StartRunFunc
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler instance.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler store is nil")
	}
	if cfg.StartRun == nil {
		return nil, errors.New("scheduler start func is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:        cfg.Store,
		startRun:     cfg.StartRun,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start begins background polling. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop halts background polling and waits for the loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return err
	}
	for _, schedule := range due {
		s.fire(ctx, schedule, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, schedule FunnelSchedule, now time.Time) {
	nextRunAt, err := nextCronRunUTC(schedule.Cron, now)
	if err != nil {
		schedule.Enabled = false
		schedule.LastStatus = ScheduleStatusFailed
		schedule.LastError = err.Error()
		schedule.UpdatedAt = now
		if err := s.store.Put(ctx, schedule); err != nil {
			s.logger.Error("persist schedule failure", "scheduleId", schedule.ID, "error", err)
		}
		return
	}

	// Reschedule before launching so a crash between the two cannot
	// double-fire this due time.
	schedule.NextRunAt = nextRunAt
	schedule.UpdatedAt = now
	if err := s.store.Put(ctx, schedule); err != nil {
		s.logger.Error("reschedule before run", "scheduleId", schedule.ID, "error", err)
		return
	}

	firedAt := now
	runID, runErr := s.startRun(ctx, schedule)

	schedule.LastRunAt = &firedAt
	if runErr != nil {
		schedule.LastStatus = ScheduleStatusFailed
		schedule.LastError = runErr.Error()
		s.logger.Error("scheduled run failed to start", "scheduleId", schedule.ID, "funnelId", schedule.FunnelID, "error", runErr)
	} else {
		schedule.LastStatus = ScheduleStatusStarted
		schedule.LastError = ""
		schedule.LastRunID = runID
		s.logger.Info("scheduled run started", "scheduleId", schedule.ID, "funnelId", schedule.FunnelID, "runId", runID)
	}
	schedule.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, schedule); err != nil {
		s.logger.Error("persist schedule run result", "scheduleId", schedule.ID, "error", err)
	}
}
