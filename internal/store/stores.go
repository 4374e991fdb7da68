package store

import (
	"context"
	"time"
)

// QueueStore is the durable queue repository. Every call is a single
// transaction; conditional updates return false (not an error) when the row
// was not in the expected state, and callers re-read to distinguish races.
type QueueStore interface {
	// Enqueue inserts the item, ignoring the insert when the dedup key
	// already exists. Returns false on duplicate; never errors on one.
	Enqueue(ctx context.Context, item QueueItem) (inserted bool, err error)

	// ListRunnable returns items with status queued or retrying whose
	// available_at is at or before now, oldest enqueued first.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)

	// Claim transitions queued|retrying → running and stamps started_at.
	// Exactly one racing caller wins.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkCompletedIfRunning transitions running → completed.
	MarkCompletedIfRunning(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkFailedIfRunning transitions running → failed and records the error
	// and attempt count.
	MarkFailedIfRunning(ctx context.Context, id, errMsg string, attempts int, now time.Time) (bool, error)

	// MarkRetryingIfRunning transitions running → retrying, postponing the
	// item until nextAvailableAt.
	MarkRetryingIfRunning(ctx context.Context, id, errMsg string, attempts int, nextAvailableAt, now time.Time) (bool, error)

	// MarkInterruptedBySession mass-transitions the session's queued,
	// retrying, and running rows to interrupted. Sets finished_at and error
	// only where they are not already set. Returns the number of rows changed.
	MarkInterruptedBySession(ctx context.Context, sessionKey, reason string, now time.Time) (int, error)

	// MarkInterruptedByIDs is MarkInterruptedBySession restricted to an id set.
	MarkInterruptedByIDs(ctx context.Context, ids []string, reason string, now time.Time) error

	// MarkInterruptedFromRunning is the crash-recovery hook: every running
	// row is transitioned to interrupted. Called exactly once at kernel start.
	MarkInterruptedFromRunning(ctx context.Context, reason string, now time.Time) (int, error)

	// FindLatestQueuedBySessionSince returns the most recent queued item for
	// the session enqueued at or after since, or nil.
	FindLatestQueuedBySessionSince(ctx context.Context, sessionKey string, since time.Time) (*QueueItem, error)

	// MergeQueuedInbound replaces the inbound payload and postpones
	// available_at, only while the row is still queued.
	MergeQueuedInbound(ctx context.Context, id, newJSON string, newAvailableAt, now time.Time) (bool, error)

	// ListPendingBySession returns the session's queued and retrying rows,
	// oldest first.
	ListPendingBySession(ctx context.Context, sessionKey string) ([]QueueItem, error)

	// GetByID returns the raw row, or nil when absent.
	GetByID(ctx context.Context, id string) (*QueueItem, error)
}

// SessionStore is the durable session catalog keyed by canonical session key.
type SessionStore interface {
	Get(ctx context.Context, key string) (*Session, error)
	// Upsert inserts or fully replaces the row.
	Upsert(ctx context.Context, s Session) error
	List(ctx context.Context, agentID string) ([]Session, error)
	Delete(ctx context.Context, key string) error
}

// ReminderStore is the durable reminder repository. All mutating operations
// except MarkFired are session-scoped: an actor in one session cannot touch
// another session's reminders.
type ReminderStore interface {
	Create(ctx context.Context, r Reminder) error

	// ListDue returns enabled reminders with next_run_at at or before now,
	// oldest next_run_at first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)

	// MarkFired atomically advances a fired reminder. The update only applies
	// while next_run_at still equals expectedNextRunAt, preventing double-fire.
	MarkFired(ctx context.Context, id string, expectedNextRunAt time.Time, firedAt time.Time, nextRunAt *time.Time, enabled bool) (bool, error)

	ListBySession(ctx context.Context, sessionKey string, includeDisabled bool, limit int) ([]Reminder, error)

	// CancelBySession disables the reminder and stamps cancelled_at, only
	// when it belongs to sessionKey.
	CancelBySession(ctx context.Context, sessionKey, id string, now time.Time) (bool, error)

	// UpdateBySession replaces message and schedule, only when the reminder
	// belongs to sessionKey.
	UpdateBySession(ctx context.Context, sessionKey, id, message, scheduleJSON string, nextRunAt *time.Time, now time.Time) (bool, error)

	// UpdateNextRunBySession overrides next_run_at, only when the reminder
	// belongs to sessionKey and is still enabled.
	UpdateNextRunBySession(ctx context.Context, sessionKey, id string, nextRunAt *time.Time, now time.Time) (bool, error)

	GetBySession(ctx context.Context, sessionKey, id string) (*Reminder, error)
}
