package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mozihq/mozi/internal/store"
)

// ReminderStore implements store.ReminderStore on SQLite. MarkFired carries
// the expected next_run_at in its WHERE clause so two pollers (or a poller
// racing a manual update) can never double-fire the same occurrence.
type ReminderStore struct {
	db *sql.DB
}

func NewReminderStore(db *sql.DB) *ReminderStore {
	return &ReminderStore{db: db}
}

const reminderColumns = `id, session_key, channel_id, peer_id, peer_type, message,
	schedule_json, enabled, next_run_at, last_run_at, cancelled_at,
	created_at, updated_at`

func (s *ReminderStore) Create(ctx context.Context, r store.Reminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders
		 (id, session_key, channel_id, peer_id, peer_type, message, schedule_json,
		  enabled, next_run_at, last_run_at, cancelled_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionKey, r.ChannelID, r.PeerID, r.PeerType, r.Message, r.ScheduleJSON,
		boolInt(r.Enabled), fmtTimePtr(r.NextRunAt), fmtTimePtr(r.LastRunAt),
		fmtTimePtr(r.CancelledAt), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

func (s *ReminderStore) ListDue(ctx context.Context, now time.Time, limit int) ([]store.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC
		 LIMIT ?`,
		fmtTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *ReminderStore) MarkFired(ctx context.Context, id string, expectedNextRunAt time.Time, firedAt time.Time, nextRunAt *time.Time, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		 SET last_run_at = ?, next_run_at = ?, enabled = ?, updated_at = ?
		 WHERE id = ? AND next_run_at = ?`,
		fmtTime(firedAt), fmtTimePtr(nextRunAt), boolInt(enabled), fmtTime(firedAt),
		id, fmtTime(expectedNextRunAt),
	)
	if err != nil {
		return false, fmt.Errorf("mark reminder fired: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *ReminderStore) ListBySession(ctx context.Context, sessionKey string, includeDisabled bool, limit int) ([]store.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE session_key = ?`
	if !includeDisabled {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list reminders by session: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *ReminderStore) CancelBySession(ctx context.Context, sessionKey, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		 SET enabled = 0, next_run_at = NULL, cancelled_at = ?, updated_at = ?
		 WHERE id = ? AND session_key = ?`,
		fmtTime(now), fmtTime(now), id, sessionKey,
	)
	if err != nil {
		return false, fmt.Errorf("cancel reminder: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *ReminderStore) UpdateBySession(ctx context.Context, sessionKey, id, message, scheduleJSON string, nextRunAt *time.Time, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		 SET message = ?, schedule_json = ?, next_run_at = ?, enabled = ?, updated_at = ?
		 WHERE id = ? AND session_key = ? AND cancelled_at IS NULL`,
		message, scheduleJSON, fmtTimePtr(nextRunAt), boolInt(nextRunAt != nil), fmtTime(now),
		id, sessionKey,
	)
	if err != nil {
		return false, fmt.Errorf("update reminder: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *ReminderStore) UpdateNextRunBySession(ctx context.Context, sessionKey, id string, nextRunAt *time.Time, now time.Time) (bool, error) {
	// enabled = 1 keeps fired one-shots (disabled, not cancelled) from
	// regaining a next_run_at they would never fire on.
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders
		 SET next_run_at = ?, updated_at = ?
		 WHERE id = ? AND session_key = ? AND enabled = 1 AND cancelled_at IS NULL`,
		fmtTimePtr(nextRunAt), fmtTime(now), id, sessionKey,
	)
	if err != nil {
		return false, fmt.Errorf("update reminder next run: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *ReminderStore) GetBySession(ctx context.Context, sessionKey, id string) (*store.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = ? AND session_key = ?`,
		id, sessionKey)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanReminder(row rowScanner) (*store.Reminder, error) {
	var r store.Reminder
	var enabled int
	var nextRunAt, lastRunAt, cancelledAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&r.ID, &r.SessionKey, &r.ChannelID, &r.PeerID, &r.PeerType, &r.Message,
		&r.ScheduleJSON, &enabled, &nextRunAt, &lastRunAt, &cancelledAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Enabled = enabled != 0
	r.NextRunAt = parseTimePtr(nextRunAt)
	r.LastRunAt = parseTimePtr(lastRunAt)
	r.CancelledAt = parseTimePtr(cancelledAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func scanReminders(rows *sql.Rows) ([]store.Reminder, error) {
	var reminders []store.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, *r)
	}
	return reminders, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
