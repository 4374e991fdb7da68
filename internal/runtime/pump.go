package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/store"
)

const pumpBatchSize = 64

// pump claims every runnable item whose session is free and launches one
// turn per claim. Items of the same session stay serialized because the
// session slot is taken synchronously before the next candidate is looked
// at. Loops until a pass claims nothing.
func (k *Kernel) pump(ctx context.Context) {
	for {
		items, err := k.queue.ListRunnable(ctx, k.now().UTC(), pumpBatchSize)
		if err != nil {
			slog.Error("list runnable", "error", err)
			return
		}

		claimed := 0
		for _, item := range items {
			if !k.markSessionBusy(item.SessionKey) {
				continue
			}
			ok, err := k.queue.Claim(ctx, item.ID, k.now().UTC())
			if err != nil || !ok {
				k.clearSessionBusy(item.SessionKey)
				if err != nil {
					slog.Error("claim queue item", "item", item.ID, "error", err)
				}
				continue
			}
			claimed++

			k.wg.Add(1)
			go func(it store.QueueItem) {
				defer k.wg.Done()
				k.runItem(ctx, it)
				k.clearSessionBusy(it.SessionKey)
				k.schedulePump()
			}(item)
		}

		if claimed == 0 {
			return
		}
	}
}

// runItem drives one claimed turn: handler invocation, terminal status
// write, error classification, continuation fan-out. Every mutation of the
// queue row is conditional on it still being running, so a concurrent
// interrupt always wins.
func (k *Kernel) runItem(ctx context.Context, item store.QueueItem) {
	sessionKey := item.SessionKey
	k.continuations.ResumeSession(sessionKey)

	var inbound bus.InboundMessage
	if err := json.Unmarshal([]byte(item.InboundJSON), &inbound); err != nil {
		slog.Error("decode inbound payload", "item", item.ID, "error", err)
		msg := ReasonTerminalError + ": " + err.Error()
		if _, err := k.queue.MarkFailedIfRunning(ctx, item.ID, msg, item.Attempts+1, k.now().UTC()); err != nil {
			slog.Error("mark failed", "item", item.ID, "error", err)
		}
		k.setSessionStatus(ctx, sessionKey, store.StatusFailed)
		return
	}

	k.setSessionStatus(ctx, sessionKey, store.StatusRunning)

	ch := newRuntimeChannel(k.egress, item.ID, inbound.ID, sessionKey,
		item.ChannelID, item.PeerID, item.Attempts+1)

	handlerErr := k.handler.Handle(ctx, inbound, ch)
	now := k.now().UTC()

	if handlerErr == nil {
		ok, err := k.queue.MarkCompletedIfRunning(ctx, item.ID, now)
		if err != nil {
			slog.Error("mark completed", "item", item.ID, "error", err)
			return
		}
		if !ok {
			// Row left running state under us: interrupted or a lost race.
			if k.rowInterrupted(ctx, item.ID) {
				k.setSessionStatus(ctx, sessionKey, store.StatusInterrupted)
			} else {
				slog.Warn("completed turn lost status race", "item", item.ID)
			}
			return
		}
		k.setSessionStatus(ctx, sessionKey, store.StatusCompleted)
		k.processContinuations(ctx, item, inbound)
		return
	}

	if k.rowInterrupted(ctx, item.ID) {
		k.setSessionStatus(ctx, sessionKey, store.StatusInterrupted)
		return
	}

	attempt := item.Attempts + 1
	decision := k.policy.Decide(handlerErr, attempt)
	msg := decision.Reason + ": " + handlerErr.Error()

	if decision.Retry {
		nextAt := now.Add(decision.Delay)
		if _, err := k.queue.MarkRetryingIfRunning(ctx, item.ID, msg, attempt, nextAt, now); err != nil {
			slog.Error("mark retrying", "item", item.ID, "error", err)
			return
		}
		k.setSessionStatus(ctx, sessionKey, store.StatusRetrying)
		slog.Warn("turn failed, retrying", "item", item.ID, "session", sessionKey,
			"attempt", attempt, "delay", decision.Delay, "error", handlerErr)
		return
	}

	if _, err := k.queue.MarkFailedIfRunning(ctx, item.ID, msg, attempt, now); err != nil {
		slog.Error("mark failed", "item", item.ID, "error", err)
		return
	}
	k.setSessionStatus(ctx, sessionKey, store.StatusFailed)
	slog.Error("turn failed", "item", item.ID, "session", sessionKey,
		"reason", decision.Reason, "error", handlerErr)
}

// processContinuations turns the session's pending follow-ups into fresh
// queue items, FIFO, strictly after the completing item.
func (k *Kernel) processContinuations(ctx context.Context, item store.QueueItem, inbound bus.InboundMessage) {
	reqs := k.continuations.Consume(item.SessionKey)
	if len(reqs) == 0 {
		return
	}

	for _, req := range reqs {
		now := k.now().UTC()
		id := uuid.NewString()

		raw := map[string]any{
			"source":          "continuation",
			"parentMessageId": inbound.ID,
		}
		if req.Reason != "" {
			raw["reason"] = req.Reason
		}
		if req.Context != nil {
			raw["context"] = req.Context
		}

		followup := bus.InboundMessage{
			ID:        id,
			Channel:   item.ChannelID,
			PeerID:    item.PeerID,
			PeerType:  item.PeerType,
			SenderID:  inbound.SenderID,
			Text:      req.Prompt,
			Timestamp: now,
			Raw:       raw,
		}
		inboundJSON, err := json.Marshal(followup)
		if err != nil {
			slog.Error("marshal continuation", "session", item.SessionKey, "error", err)
			continue
		}

		next := store.QueueItem{
			ID:          id,
			DedupKey:    fmt.Sprintf("continuation:%s:%s", item.SessionKey, id),
			SessionKey:  item.SessionKey,
			ChannelID:   item.ChannelID,
			PeerID:      item.PeerID,
			PeerType:    item.PeerType,
			InboundJSON: string(inboundJSON),
			Status:      store.StatusQueued,
			EnqueuedAt:  now,
			AvailableAt: now.Add(req.Delay),
			UpdatedAt:   now,
		}
		if _, err := k.queue.Enqueue(ctx, next); err != nil {
			slog.Error("enqueue continuation", "session", item.SessionKey, "error", err)
			continue
		}
	}

	k.setSessionStatus(ctx, item.SessionKey, store.StatusQueued)
	k.schedulePump()
}

func (k *Kernel) rowInterrupted(ctx context.Context, id string) bool {
	row, err := k.queue.GetByID(ctx, id)
	if err != nil {
		slog.Error("re-read queue item", "item", id, "error", err)
		return false
	}
	return row != nil && row.Status == store.StatusInterrupted
}

func (k *Kernel) setSessionStatus(ctx context.Context, sessionKey string, status store.Status) {
	if err := k.sessions.SetStatus(ctx, sessionKey, status); err != nil {
		slog.Error("update session status", "session", sessionKey, "status", status, "error", err)
	}
}
