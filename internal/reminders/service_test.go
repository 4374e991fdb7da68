package reminders

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestServiceCreateComputesFirstRun(t *testing.T) {
	st := openReminderStore(t)
	svc := NewService(st, fixedClock(now))
	ctx := context.Background()

	rem, err := svc.Create(ctx, "s1", "telegram", "p1", "dm", "stand up",
		Schedule{Kind: KindEvery, EveryMs: 60_000})
	if err != nil {
		t.Fatal(err)
	}
	if rem.NextRunAt == nil || !rem.NextRunAt.Equal(now.Add(time.Minute)) {
		t.Errorf("nextRunAt = %v, want %v", rem.NextRunAt, now.Add(time.Minute))
	}
	if !rem.Enabled {
		t.Error("new reminder not enabled")
	}

	got, err := svc.Get(ctx, "s1", rem.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Message != "stand up" {
		t.Errorf("message = %q", got.Message)
	}
}

func TestServiceCreateRejectsPastOneShot(t *testing.T) {
	st := openReminderStore(t)
	svc := NewService(st, fixedClock(now))

	_, err := svc.Create(context.Background(), "s1", "telegram", "p1", "dm", "too late",
		Schedule{Kind: KindAt, AtMs: now.Add(-time.Hour).UnixMilli()})
	if err == nil {
		t.Fatal("created a reminder with no future occurrence")
	}
}

func TestServiceCancelAndNotFound(t *testing.T) {
	st := openReminderStore(t)
	svc := NewService(st, fixedClock(now))
	ctx := context.Background()

	rem, err := svc.Create(ctx, "s1", "telegram", "p1", "dm", "x",
		Schedule{Kind: KindAt, AtMs: now.Add(time.Hour).UnixMilli()})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Cancel(ctx, "s1", rem.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(ctx, "s1", rem.ID)
	if got.Enabled || got.NextRunAt != nil {
		t.Errorf("cancelled reminder state: %+v", got)
	}

	// Unknown id and foreign session both map to ErrNotFound.
	if err := svc.Cancel(ctx, "s1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel missing = %v, want ErrNotFound", err)
	}
	if _, err := svc.Get(ctx, "s2", rem.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-session get = %v, want ErrNotFound", err)
	}
}

func TestServiceUpdateReschedules(t *testing.T) {
	st := openReminderStore(t)
	svc := NewService(st, fixedClock(now))
	ctx := context.Background()

	rem, err := svc.Create(ctx, "s1", "telegram", "p1", "dm", "old",
		Schedule{Kind: KindEvery, EveryMs: 60_000})
	if err != nil {
		t.Fatal(err)
	}

	err = svc.Update(ctx, "s1", rem.ID, "new", Schedule{Kind: KindEvery, EveryMs: 120_000})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(ctx, "s1", rem.ID)
	if got.Message != "new" {
		t.Errorf("message = %q", got.Message)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(now.Add(2*time.Minute)) {
		t.Errorf("nextRunAt = %v, want %v", got.NextRunAt, now.Add(2*time.Minute))
	}

	if err := svc.Update(ctx, "s1", "missing", "x", Schedule{Kind: KindEvery, EveryMs: 1000}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing = %v, want ErrNotFound", err)
	}
}

func TestServiceUpdateNextRunSnoozes(t *testing.T) {
	st := openReminderStore(t)
	svc := NewService(st, fixedClock(now))
	ctx := context.Background()

	rem, err := svc.Create(ctx, "s1", "telegram", "p1", "dm", "x",
		Schedule{Kind: KindEvery, EveryMs: 60_000})
	if err != nil {
		t.Fatal(err)
	}

	snoozed := now.Add(30 * time.Minute)
	if err := svc.UpdateNextRun(ctx, "s1", rem.ID, &snoozed); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(ctx, "s1", rem.ID)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(snoozed) {
		t.Errorf("nextRunAt = %v, want %v", got.NextRunAt, snoozed)
	}
}
