package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/store"
)

// commandToken extracts the lowercased leading slash command from text, with
// any @bot-name suffix stripped. Empty when the text is not a command.
func commandToken(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return ""
	}
	token := trimmed
	if i := strings.IndexFunc(trimmed, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }); i >= 0 {
		token = trimmed[:i]
	}
	if i := strings.Index(token, "@"); i > 0 {
		token = token[:i]
	}
	return strings.ToLower(token)
}

// EnqueueInbound admits one envelope under the configured queue mode. Never
// returns a handler error: duplicates surface as Deduplicated, handler
// failures happen later in the pump. The only errors returned are repository
// failures that prevented admission.
func (k *Kernel) EnqueueInbound(ctx context.Context, env bus.Envelope) (EnqueueResult, error) {
	scx, err := k.handler.ResolveSessionContext(env.Inbound)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("resolve session context: %w", err)
	}
	sessionKey := scx.SessionKey

	text := strings.TrimSpace(env.Inbound.Text)
	token := commandToken(text)

	// /stop is handled on every admission path: durably cancel everything the
	// session has pending, then still enqueue the /stop item so the handler
	// can reply to it.
	if token == "/stop" {
		k.preemptSession(ctx, sessionKey, fmt.Sprintf("Interrupted by /stop (message %s)", env.Inbound.ID))
	}

	isSteerable := text != "" && token == ""
	if (k.cfg.Mode == ModeSteer || k.cfg.Mode == ModeSteerBacklog) && isSteerable {
		if k.cfg.Mode == ModeSteerBacklog && k.activity != nil && k.activity.IsSessionActive(sessionKey) {
			// Active run: preempt instead of injecting, then enqueue below.
			k.preemptSession(ctx, sessionKey, fmt.Sprintf("Interrupted by newer inbound message %s", env.Inbound.ID))
		} else if k.steerer != nil && k.steerer.SteerSession(ctx, sessionKey, text, "steer") {
			if err := k.touchSession(ctx, sessionKey, scx.AgentID, env.Inbound, store.StatusRunning); err != nil {
				slog.Error("update session after steer", "session", sessionKey, "error", err)
			}
			return EnqueueResult{Accepted: true, SessionKey: sessionKey}, nil
		}
	}

	if k.cfg.Mode == ModeInterrupt {
		k.preemptSession(ctx, sessionKey, fmt.Sprintf("Interrupted by newer inbound message %s", env.Inbound.ID))
	}

	now := k.now().UTC()
	availableAt := now

	if k.cfg.Mode == ModeCollect {
		availableAt = now.Add(k.cfg.CollectWindow)
		merged, itemID, err := k.tryCollectMerge(ctx, sessionKey, env, availableAt)
		if err != nil {
			slog.Error("collect merge", "session", sessionKey, "error", err)
		} else if merged {
			if err := k.touchSession(ctx, sessionKey, scx.AgentID, env.Inbound, store.StatusQueued); err != nil {
				slog.Error("update session after merge", "session", sessionKey, "error", err)
			}
			return EnqueueResult{Accepted: true, QueueItemID: itemID, SessionKey: sessionKey}, nil
		}
	}

	inboundJSON, err := json.Marshal(env.Inbound)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("marshal inbound: %w", err)
	}

	item := store.QueueItem{
		ID:          uuid.NewString(),
		DedupKey:    env.EffectiveDedupKey(),
		SessionKey:  sessionKey,
		ChannelID:   env.Inbound.Channel,
		PeerID:      env.Inbound.PeerID,
		PeerType:    env.Inbound.PeerType,
		InboundJSON: string(inboundJSON),
		Status:      store.StatusQueued,
		EnqueuedAt:  now,
		AvailableAt: availableAt,
		UpdatedAt:   now,
	}
	inserted, err := k.queue.Enqueue(ctx, item)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
	}
	if !inserted {
		slog.Debug("duplicate inbound dropped", "session", sessionKey, "dedupKey", item.DedupKey)
		return EnqueueResult{Deduplicated: true, SessionKey: sessionKey}, nil
	}

	if err := k.touchSession(ctx, sessionKey, scx.AgentID, env.Inbound, store.StatusQueued); err != nil {
		slog.Error("update session after enqueue", "session", sessionKey, "error", err)
	}
	k.trimBacklog(ctx, sessionKey)
	k.schedulePump()

	return EnqueueResult{Accepted: true, QueueItemID: item.ID, SessionKey: sessionKey}, nil
}

// tryCollectMerge folds the envelope into the session's most recent queued
// item inside the collect window. Text joins with a newline; media of the new
// message replaces unless empty.
func (k *Kernel) tryCollectMerge(ctx context.Context, sessionKey string, env bus.Envelope, newAvailableAt time.Time) (bool, string, error) {
	since := env.ReceivedAt.Add(-k.cfg.CollectWindow)
	existing, err := k.queue.FindLatestQueuedBySessionSince(ctx, sessionKey, since.UTC())
	if err != nil || existing == nil {
		return false, "", err
	}

	var prev bus.InboundMessage
	if err := json.Unmarshal([]byte(existing.InboundJSON), &prev); err != nil {
		return false, "", fmt.Errorf("decode queued inbound %s: %w", existing.ID, err)
	}

	merged := prev
	switch {
	case prev.Text == "":
		merged.Text = env.Inbound.Text
	case env.Inbound.Text == "":
		// keep prev.Text
	default:
		merged.Text = prev.Text + "\n" + env.Inbound.Text
	}
	if len(env.Inbound.Media) > 0 {
		merged.Media = env.Inbound.Media
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return false, "", fmt.Errorf("marshal merged inbound: %w", err)
	}

	ok, err := k.queue.MergeQueuedInbound(ctx, existing.ID, string(mergedJSON), newAvailableAt, k.now().UTC())
	if err != nil {
		return false, "", err
	}
	// ok=false means the item was claimed between our read and the merge; the
	// caller falls through to a normal insert.
	return ok, existing.ID, nil
}

// touchSession creates the session on first contact and sets its status.
func (k *Kernel) touchSession(ctx context.Context, sessionKey, agentID string, inbound bus.InboundMessage, status store.Status) error {
	_, _, err := k.sessions.GetOrCreate(ctx, sessionKey, store.Session{
		AgentID:   agentID,
		ChannelID: inbound.Channel,
		PeerID:    inbound.PeerID,
		PeerType:  inbound.PeerType,
		Status:    status,
	})
	if err != nil {
		return err
	}
	return k.sessions.SetStatus(ctx, sessionKey, status)
}

// trimBacklog interrupts the oldest pending rows above the configured cap.
func (k *Kernel) trimBacklog(ctx context.Context, sessionKey string) {
	if k.cfg.MaxBacklog <= 0 {
		return
	}
	pending, err := k.queue.ListPendingBySession(ctx, sessionKey)
	if err != nil {
		slog.Error("list pending for trim", "session", sessionKey, "error", err)
		return
	}
	excess := len(pending) - k.cfg.MaxBacklog
	if excess <= 0 {
		return
	}
	ids := make([]string, 0, excess)
	for _, item := range pending[:excess] {
		ids = append(ids, item.ID)
	}
	reason := fmt.Sprintf("Dropped by maxBacklog=%d", k.cfg.MaxBacklog)
	if err := k.queue.MarkInterruptedByIDs(ctx, ids, reason, k.now().UTC()); err != nil {
		slog.Error("trim backlog", "session", sessionKey, "error", err)
		return
	}
	slog.Warn("backlog trimmed", "session", sessionKey, "dropped", excess, "cap", k.cfg.MaxBacklog)
}
