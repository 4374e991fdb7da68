package runtime

import (
	"context"

	"github.com/mozihq/mozi/internal/bus"
)

// SessionContext is the routing decision a handler makes for an inbound
// message before the kernel persists anything.
type SessionContext struct {
	SessionKey string
	AgentID    string
}

// MessageHandler is the mandatory handler contract. The kernel invokes Handle
// at most once per session at any instant.
type MessageHandler interface {
	// ResolveSessionContext maps an inbound message to its session. Pure.
	ResolveSessionContext(inbound bus.InboundMessage) (SessionContext, error)

	// Handle processes one claimed queue item. Outbound traffic goes through
	// the runtime channel, never a registry.
	Handle(ctx context.Context, inbound bus.InboundMessage, ch *RuntimeChannel) error
}

// SessionInterrupter is the optional abort hook. Best effort: the handler is
// not required to cooperate, the durable interrupt already happened.
type SessionInterrupter interface {
	InterruptSession(ctx context.Context, sessionKey, reason string)
}

// SessionSteerer is the optional steering hook: inject text into a running
// turn instead of enqueueing. Returns true when the injection was accepted.
type SessionSteerer interface {
	SteerSession(ctx context.Context, sessionKey, text, mode string) bool
}

// SessionActivityReporter reports whether the handler currently has an active
// run for the session. Used by steer-backlog to choose preempt over inject.
type SessionActivityReporter interface {
	IsSessionActive(sessionKey string) bool
}

// EnqueueResult is returned by Kernel.EnqueueInbound. Accepted is false only
// for a duplicate dedup key. A successful steer injection counts as a logical
// enqueue with no queue item id.
type EnqueueResult struct {
	Accepted     bool   `json:"accepted"`
	Deduplicated bool   `json:"deduplicated"`
	QueueItemID  string `json:"queueItemId,omitempty"`
	SessionKey   string `json:"sessionKey"`
}
