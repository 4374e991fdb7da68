package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mozihq/mozi/internal/store"
)

// SessionStore implements store.SessionStore on SQLite.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `session_key, agent_id, channel_id, peer_id, peer_type,
	status, parent_key, metadata, created_at, last_active_at`

func (s *SessionStore) Get(ctx context.Context, key string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_key = ?`, key)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *SessionStore) Upsert(ctx context.Context, sess store.Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if sess.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions
		 (session_key, agent_id, channel_id, peer_id, peer_type, status,
		  parent_key, metadata, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_key) DO UPDATE SET
		   agent_id = excluded.agent_id,
		   channel_id = excluded.channel_id,
		   peer_id = excluded.peer_id,
		   peer_type = excluded.peer_type,
		   status = excluded.status,
		   parent_key = excluded.parent_key,
		   metadata = excluded.metadata,
		   last_active_at = excluded.last_active_at`,
		sess.Key, sess.AgentID, sess.ChannelID, sess.PeerID, sess.PeerType,
		string(sess.Status), nullStr(sess.ParentKey), string(meta),
		fmtTime(sess.CreatedAt), fmtTime(sess.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.Key, err)
	}
	return nil
}

func (s *SessionStore) List(ctx context.Context, agentID string) ([]store.Session, error) {
	var rows *sql.Rows
	var err error
	if agentID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE agent_id = ?
			 ORDER BY last_active_at DESC`, agentID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions ORDER BY last_active_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	return err
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var status, meta, createdAt, lastActiveAt string
	var parentKey sql.NullString

	err := row.Scan(
		&sess.Key, &sess.AgentID, &sess.ChannelID, &sess.PeerID, &sess.PeerType,
		&status, &parentKey, &meta, &createdAt, &lastActiveAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = store.NormalizeStatus(status)
	sess.ParentKey = parentKey.String
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &sess.Metadata)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActiveAt = parseTime(lastActiveAt)
	return &sess, nil
}
