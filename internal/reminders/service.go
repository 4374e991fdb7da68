package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mozihq/mozi/internal/store"
)

// ErrNotFound is returned when a reminder does not exist in the caller's
// session. A reminder owned by another session is indistinguishable from a
// missing one.
var ErrNotFound = errors.New("reminder not found")

const maxListLimit = 200

// Service is the session-scoped reminder API exposed to tool code. Every
// mutation is keyed by (sessionKey, id); cross-session access is impossible
// by construction.
type Service struct {
	store store.ReminderStore
	now   func() time.Time
}

func NewService(st store.ReminderStore, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: st, now: now}
}

// Create persists a reminder with its first occurrence computed from the
// schedule. Schedules with no future occurrence are rejected.
func (s *Service) Create(ctx context.Context, sessionKey, channelID, peerID, peerType, message string, sched Schedule) (store.Reminder, error) {
	if err := sched.Validate(); err != nil {
		return store.Reminder{}, err
	}
	now := s.now().UTC()

	next, err := ComputeNextRun(sched, now)
	if err != nil {
		return store.Reminder{}, err
	}
	if next == nil {
		return store.Reminder{}, errors.New("schedule has no future occurrence")
	}

	raw, err := json.Marshal(sched)
	if err != nil {
		return store.Reminder{}, fmt.Errorf("encode schedule: %w", err)
	}

	r := store.Reminder{
		ID:           uuid.NewString(),
		SessionKey:   sessionKey,
		ChannelID:    channelID,
		PeerID:       peerID,
		PeerType:     peerType,
		Message:      message,
		ScheduleJSON: string(raw),
		Enabled:      true,
		NextRunAt:    next,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return store.Reminder{}, err
	}
	return r, nil
}

// List returns the session's reminders, oldest first. Limit is clamped to 200.
func (s *Service) List(ctx context.Context, sessionKey string, includeDisabled bool, limit int) ([]store.Reminder, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListBySession(ctx, sessionKey, includeDisabled, limit)
}

// Cancel disables the reminder. Idempotent per reminder; unknown ids return
// ErrNotFound.
func (s *Service) Cancel(ctx context.Context, sessionKey, id string) error {
	ok, err := s.store.CancelBySession(ctx, sessionKey, id, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Update replaces the reminder's message and schedule and recomputes its next
// occurrence. Cancelled reminders cannot be updated.
func (s *Service) Update(ctx context.Context, sessionKey, id, message string, sched Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()

	next, err := ComputeNextRun(sched, now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}

	ok, err := s.store.UpdateBySession(ctx, sessionKey, id, message, string(raw), next, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// UpdateNextRun overrides the reminder's next occurrence without touching
// its schedule, e.g. to snooze.
func (s *Service) UpdateNextRun(ctx context.Context, sessionKey, id string, nextRunAt *time.Time) error {
	ok, err := s.store.UpdateNextRunBySession(ctx, sessionKey, id, nextRunAt, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Get returns the reminder, or ErrNotFound.
func (s *Service) Get(ctx context.Context, sessionKey, id string) (store.Reminder, error) {
	r, err := s.store.GetBySession(ctx, sessionKey, id)
	if err != nil {
		return store.Reminder{}, err
	}
	if r == nil {
		return store.Reminder{}, ErrNotFound
	}
	return *r, nil
}
