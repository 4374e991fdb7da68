// Package store defines the durable row types and repository contracts for
// the runtime: queue items, sessions, and reminders. Implementations live in
// subpackages (sqlite).
package store

import "time"

// Status is the shared status vocabulary for queue items and sessions.
type Status string

const (
	StatusIdle        Status = "idle" // sessions only
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusRetrying    Status = "retrying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// NormalizeStatus maps unknown values to idle, enforcing the session status
// enumeration on reads from older rows or external writers.
func NormalizeStatus(s string) Status {
	switch Status(s) {
	case StatusIdle, StatusQueued, StatusRunning, StatusRetrying,
		StatusCompleted, StatusFailed, StatusInterrupted:
		return Status(s)
	default:
		return StatusIdle
	}
}

// IsTerminal reports whether a queue status is terminal
// (completed, failed, interrupted).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// QueueItem is one admitted envelope awaiting or under processing.
// DedupKey is globally unique across all rows regardless of status;
// deduplication is permanent.
type QueueItem struct {
	ID          string
	DedupKey    string
	SessionKey  string
	ChannelID   string
	PeerID      string
	PeerType    string
	InboundJSON string
	Status      Status
	Attempts    int
	Error       string
	EnqueuedAt  time.Time
	AvailableAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	UpdatedAt   time.Time
}

// Session is the durable catalog row for one conversation thread.
type Session struct {
	Key          string
	AgentID      string
	ChannelID    string
	PeerID       string
	PeerType     string
	Status       Status
	ParentKey    string
	Metadata     map[string]string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Reminder is a durable scheduled event that re-enters the queue as an
// inbound message when it fires.
type Reminder struct {
	ID           string
	SessionKey   string
	ChannelID    string
	PeerID       string
	PeerType     string
	Message      string
	ScheduleJSON string
	Enabled      bool
	NextRunAt    *time.Time
	LastRunAt    *time.Time
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
