package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mozihq/mozi/internal/store"
)

// QueueStore implements store.QueueStore on SQLite. Every method is a single
// statement (SQLite runs each in its own transaction); conditional updates
// carry their expected-status predicate in the WHERE clause so racing writers
// never clobber each other.
type QueueStore struct {
	db *sql.DB
}

func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

const queueColumns = `id, dedup_key, session_key, channel_id, peer_id, peer_type,
	inbound_json, status, attempts, error, enqueued_at, available_at,
	started_at, finished_at, updated_at`

func (s *QueueStore) Enqueue(ctx context.Context, item store.QueueItem) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_items
		 (id, dedup_key, session_key, channel_id, peer_id, peer_type,
		  inbound_json, status, attempts, error, enqueued_at, available_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.DedupKey, item.SessionKey, item.ChannelID, item.PeerID, item.PeerType,
		item.InboundJSON, string(item.Status), item.Attempts, nullStr(item.Error),
		fmtTime(item.EnqueuedAt), fmtTime(item.AvailableAt), fmtTime(item.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *QueueStore) ListRunnable(ctx context.Context, now time.Time, limit int) ([]store.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items
		 WHERE status IN ('queued', 'retrying') AND available_at <= ?
		 ORDER BY enqueued_at ASC, id ASC
		 LIMIT ?`,
		fmtTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (s *QueueStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.condUpdate(ctx,
		`UPDATE queue_items
		 SET status = 'running', started_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('queued', 'retrying')`,
		fmtTime(now), fmtTime(now), id,
	)
}

func (s *QueueStore) MarkCompletedIfRunning(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.condUpdate(ctx,
		`UPDATE queue_items
		 SET status = 'completed', finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		fmtTime(now), fmtTime(now), id,
	)
}

func (s *QueueStore) MarkFailedIfRunning(ctx context.Context, id, errMsg string, attempts int, now time.Time) (bool, error) {
	return s.condUpdate(ctx,
		`UPDATE queue_items
		 SET status = 'failed', error = ?, attempts = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		errMsg, attempts, fmtTime(now), fmtTime(now), id,
	)
}

func (s *QueueStore) MarkRetryingIfRunning(ctx context.Context, id, errMsg string, attempts int, nextAvailableAt, now time.Time) (bool, error) {
	return s.condUpdate(ctx,
		`UPDATE queue_items
		 SET status = 'retrying', error = ?, attempts = ?, available_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		errMsg, attempts, fmtTime(nextAvailableAt), fmtTime(now), id,
	)
}

func (s *QueueStore) MarkInterruptedBySession(ctx context.Context, sessionKey, reason string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = 'interrupted',
		     error = COALESCE(error, ?),
		     finished_at = COALESCE(finished_at, ?),
		     updated_at = ?
		 WHERE session_key = ? AND status IN ('queued', 'retrying', 'running')`,
		reason, fmtTime(now), fmtTime(now), sessionKey,
	)
	if err != nil {
		return 0, fmt.Errorf("interrupt session %s: %w", sessionKey, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *QueueStore) MarkInterruptedByIDs(ctx context.Context, ids []string, reason string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{reason, fmtTime(now), fmtTime(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = 'interrupted',
		     error = COALESCE(error, ?),
		     finished_at = COALESCE(finished_at, ?),
		     updated_at = ?
		 WHERE id IN (`+placeholders+`) AND status IN ('queued', 'retrying', 'running')`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("interrupt by ids: %w", err)
	}
	return nil
}

func (s *QueueStore) MarkInterruptedFromRunning(ctx context.Context, reason string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items
		 SET status = 'interrupted',
		     error = COALESCE(error, ?),
		     finished_at = COALESCE(finished_at, ?),
		     updated_at = ?
		 WHERE status = 'running'`,
		reason, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("interrupt running rows: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *QueueStore) FindLatestQueuedBySessionSince(ctx context.Context, sessionKey string, since time.Time) (*store.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items
		 WHERE session_key = ? AND status = 'queued' AND enqueued_at >= ?
		 ORDER BY enqueued_at DESC, id DESC
		 LIMIT 1`,
		sessionKey, fmtTime(since),
	)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *QueueStore) MergeQueuedInbound(ctx context.Context, id, newJSON string, newAvailableAt, now time.Time) (bool, error) {
	return s.condUpdate(ctx,
		`UPDATE queue_items
		 SET inbound_json = ?, available_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		newJSON, fmtTime(newAvailableAt), fmtTime(now), id,
	)
}

func (s *QueueStore) ListPendingBySession(ctx context.Context, sessionKey string) ([]store.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items
		 WHERE session_key = ? AND status IN ('queued', 'retrying')
		 ORDER BY enqueued_at ASC, id ASC`,
		sessionKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (s *QueueStore) GetByID(ctx context.Context, id string) (*store.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *QueueStore) condUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*store.QueueItem, error) {
	var item store.QueueItem
	var status, enqueuedAt, availableAt, updatedAt string
	var errMsg, startedAt, finishedAt sql.NullString

	err := row.Scan(
		&item.ID, &item.DedupKey, &item.SessionKey, &item.ChannelID, &item.PeerID,
		&item.PeerType, &item.InboundJSON, &status, &item.Attempts, &errMsg,
		&enqueuedAt, &availableAt, &startedAt, &finishedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Status = store.Status(status)
	item.Error = errMsg.String
	item.EnqueuedAt = parseTime(enqueuedAt)
	item.AvailableAt = parseTime(availableAt)
	item.StartedAt = parseTimePtr(startedAt)
	item.FinishedAt = parseTimePtr(finishedAt)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]store.QueueItem, error) {
	var items []store.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
