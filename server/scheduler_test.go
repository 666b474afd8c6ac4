package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-demetrio/ZapOrganic-CRM/storage"
)

type startRecorder struct {
	mu    sync.Mutex
	calls []FunnelSchedule
	err   error
}

func (r *startRecorder) start(_ context.Context, schedule FunnelSchedule) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, schedule)
	if r.err != nil {
		return "", r.err
	}
	return "zop-funnel-test", nil
}

func (r *startRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newScheduleStore(t *testing.T) *ScheduleStore {
	t.Helper()
	return NewScheduleStore(storage.NewStore(storage.NewMemKV(), testLogger()))
}

func TestSchedulerFiresDueScheduleOnce(t *testing.T) {
	store := newScheduleStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)

	schedule := FunnelSchedule{
		ID:        "sched-1",
		FunnelID:  "f1",
		ChatID:    "chat-1",
		Cron:      "*/5 * * * *",
		Enabled:   true,
		NextRunAt: now.Add(-time.Second),
	}
	if err := store.Put(context.Background(), schedule); err != nil {
		t.Fatalf("put schedule: %v", err)
	}

	rec := &startRecorder{}
	sched, err := NewScheduler(SchedulerConfig{
		Store:    store,
		StartRun: rec.start,
		Now:      func() time.Time { return now },
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("starts = %d, want 1", rec.count())
	}

	got, ok, err := store.Get(context.Background(), "sched-1")
	if err != nil || !ok {
		t.Fatalf("get schedule: ok=%v err=%v", ok, err)
	}
	wantNext := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC)
	if !got.NextRunAt.Equal(wantNext) {
		t.Fatalf("nextRunAt = %v, want %v", got.NextRunAt, wantNext)
	}
	if got.LastStatus != ScheduleStatusStarted || got.LastRunID != "zop-funnel-test" {
		t.Fatalf("last status = %q, run id = %q", got.LastStatus, got.LastRunID)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Fatalf("lastRunAt = %v", got.LastRunAt)
	}

	// The same due time must not fire again.
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once again: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("starts after second pass = %d, want 1", rec.count())
	}
}

func TestSchedulerSkipsDisabledAndFuture(t *testing.T) {
	store := newScheduleStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for _, schedule := range []FunnelSchedule{
		{ID: "off", FunnelID: "f1", ChatID: "c", Cron: "* * * * *", Enabled: false, NextRunAt: now.Add(-time.Minute)},
		{ID: "later", FunnelID: "f1", ChatID: "c", Cron: "* * * * *", Enabled: true, NextRunAt: now.Add(time.Hour)},
	} {
		if err := store.Put(context.Background(), schedule); err != nil {
			t.Fatalf("put %s: %v", schedule.ID, err)
		}
	}

	rec := &startRecorder{}
	sched, err := NewScheduler(SchedulerConfig{
		Store:    store,
		StartRun: rec.start,
		Now:      func() time.Time { return now },
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("starts = %d, want 0", rec.count())
	}
}

func TestSchedulerDisablesInvalidCron(t *testing.T) {
	store := newScheduleStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	schedule := FunnelSchedule{
		ID:        "sched-bad",
		FunnelID:  "f1",
		ChatID:    "chat-1",
		Cron:      "not a cron",
		Enabled:   true,
		NextRunAt: now.Add(-time.Second),
	}
	if err := store.Put(context.Background(), schedule); err != nil {
		t.Fatalf("put schedule: %v", err)
	}

	rec := &startRecorder{}
	sched, err := NewScheduler(SchedulerConfig{
		Store:    store,
		StartRun: rec.start,
		Now:      func() time.Time { return now },
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if rec.count() != 0 {
		t.Fatalf("starts = %d, want 0", rec.count())
	}
	got, ok, err := store.Get(context.Background(), "sched-bad")
	if err != nil || !ok {
		t.Fatalf("get schedule: ok=%v err=%v", ok, err)
	}
	if got.Enabled {
		t.Fatal("schedule still enabled")
	}
	if got.LastStatus != ScheduleStatusFailed || got.LastError == "" {
		t.Fatalf("status = %q, error = %q", got.LastStatus, got.LastError)
	}
}

func TestSchedulerRecordsStartFailure(t *testing.T) {
	store := newScheduleStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	schedule := FunnelSchedule{
		ID:        "sched-err",
		FunnelID:  "ghost",
		ChatID:    "chat-1",
		Cron:      "* * * * *",
		Enabled:   true,
		NextRunAt: now.Add(-time.Second),
	}
	if err := store.Put(context.Background(), schedule); err != nil {
		t.Fatalf("put schedule: %v", err)
	}

	rec := &startRecorder{err: errors.New("funnel not found")}
	sched, err := NewScheduler(SchedulerConfig{
		Store:    store,
		StartRun: rec.start,
		Now:      func() time.Time { return now },
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, _, err := store.Get(context.Background(), "sched-err")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastStatus != ScheduleStatusFailed || got.LastError != "funnel not found" {
		t.Fatalf("status = %q, error = %q", got.LastStatus, got.LastError)
	}
	if !got.Enabled {
		t.Fatal("start failure must not disable the schedule")
	}
	if got.NextRunAt.IsZero() || !got.NextRunAt.After(now) {
		t.Fatalf("nextRunAt = %v", got.NextRunAt)
	}
}

func TestNextCronRunUTC(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)

	next, err := nextCronRunUTC("0 9 * * 1", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if next.Weekday() != time.Monday || next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("next = %v", next)
	}

	for _, expr := range []string{"", "TZ=America/Sao_Paulo 0 9 * * 1", "CRON_TZ=UTC 0 9 * * 1", "61 * * * *"} {
		if _, err := nextCronRunUTC(expr, now); err == nil {
			t.Fatalf("expression %q accepted", expr)
		}
	}
}
