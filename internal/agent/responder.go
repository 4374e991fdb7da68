// Package agent implements the built-in message handler: a command-driven
// responder that manages reminders and follow-ups for its session. It
// implements the full handler capability set (interrupt, steer, activity),
// so every queue mode works against it.
package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/reminders"
	"github.com/mozihq/mozi/internal/runtime"
	"github.com/mozihq/mozi/internal/sessions"
)

// Responder is the built-in MessageHandler.
type Responder struct {
	agentID       string
	reminders     *reminders.Service
	continuations *runtime.ContinuationRegistry
	now           func() time.Time

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	cancel  context.CancelFunc
	mu      sync.Mutex
	steered []string
}

// New creates a responder. The continuation registry is shared with the
// kernel; reminders may be nil to disable reminder commands.
func New(agentID string, rem *reminders.Service, cont *runtime.ContinuationRegistry, now func() time.Time) *Responder {
	if agentID == "" {
		agentID = sessions.DefaultAgentID
	}
	if now == nil {
		now = time.Now
	}
	return &Responder{
		agentID:       agentID,
		reminders:     rem,
		continuations: cont,
		now:           now,
		active:        make(map[string]*run),
	}
}

// ResolveSessionContext maps an inbound message to its canonical session.
func (r *Responder) ResolveSessionContext(inbound bus.InboundMessage) (runtime.SessionContext, error) {
	peerType := inbound.PeerType
	if peerType == "" {
		peerType = bus.PeerDM
	}
	return runtime.SessionContext{
		SessionKey: sessions.BuildKey(r.agentID, inbound.Channel, peerType, inbound.PeerID),
		AgentID:    r.agentID,
	}, nil
}

// Handle processes one turn.
func (r *Responder) Handle(ctx context.Context, inbound bus.InboundMessage, ch *runtime.RuntimeChannel) error {
	scx, err := r.ResolveSessionContext(inbound)
	if err != nil {
		return err
	}
	sessionKey := scx.SessionKey

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cur := &run{cancel: cancel}

	r.mu.Lock()
	r.active[sessionKey] = cur
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.active[sessionKey] == cur {
			delete(r.active, sessionKey)
		}
		r.mu.Unlock()
	}()

	_ = ch.BeginTyping(runCtx)

	reply, err := r.respond(runCtx, sessionKey, inbound)
	if err != nil {
		return err
	}
	if runCtx.Err() != nil {
		return runCtx.Err()
	}

	cur.mu.Lock()
	steered := cur.steered
	cur.steered = nil
	cur.mu.Unlock()
	for _, s := range steered {
		reply += "\nNoted: " + s
	}

	if reply == "" {
		return nil
	}
	return ch.Send(runCtx, reply)
}

func (r *Responder) respond(ctx context.Context, sessionKey string, inbound bus.InboundMessage) (string, error) {
	text := strings.TrimSpace(inbound.Text)

	if source, _ := inbound.Raw["source"].(string); source == "reminder" {
		return "Reminder: " + text, nil
	}

	if !strings.HasPrefix(text, "/") {
		if text == "" {
			return "Got your message.", nil
		}
		return "You said: " + text, nil
	}

	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/help":
		return strings.Join([]string{
			"Commands:",
			"  /remind <seconds> <message> — one-shot reminder",
			"  /remind every <seconds> <message> — recurring reminder",
			"  /reminders — list reminders",
			"  /remind cancel <id> — cancel a reminder",
			"  /later <seconds> <prompt> — follow up after this turn",
			"  /status — show this session's pending follow-ups",
			"  /stop — cancel everything pending for this session",
		}, "\n"), nil
	case "/status":
		n := r.continuations.Pending(sessionKey)
		if n == 0 {
			return "No follow-ups pending for this session.", nil
		}
		return fmt.Sprintf("%d follow-up(s) pending for this session.", n), nil
	case "/stop":
		return "Stopped. Pending work for this session was cancelled.", nil
	case "/remind":
		return r.handleRemind(ctx, sessionKey, inbound, args)
	case "/reminders":
		return r.listReminders(ctx, sessionKey)
	case "/later":
		return r.handleLater(sessionKey, args)
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", cmd), nil
	}
}

func (r *Responder) handleRemind(ctx context.Context, sessionKey string, inbound bus.InboundMessage, args []string) (string, error) {
	if r.reminders == nil {
		return "Reminders are not enabled.", nil
	}
	if len(args) == 0 {
		return "Usage: /remind <seconds> <message>", nil
	}

	if args[0] == "cancel" {
		if len(args) < 2 {
			return "Usage: /remind cancel <id>", nil
		}
		if err := r.reminders.Cancel(ctx, sessionKey, args[1]); err != nil {
			if err == reminders.ErrNotFound {
				return "No such reminder.", nil
			}
			return "", err
		}
		return "Reminder cancelled.", nil
	}

	recurring := false
	if args[0] == "every" {
		recurring = true
		args = args[1:]
		if len(args) == 0 {
			return "Usage: /remind every <seconds> <message>", nil
		}
	}

	secs, err := strconv.Atoi(args[0])
	if err != nil || secs <= 0 {
		return "Usage: /remind [every] <seconds> <message>", nil
	}
	message := strings.Join(args[1:], " ")
	if message == "" {
		message = "(no message)"
	}

	now := r.now().UTC()
	var sched reminders.Schedule
	if recurring {
		sched = reminders.Schedule{
			Kind:     reminders.KindEvery,
			EveryMs:  int64(secs) * 1000,
			AnchorMs: now.UnixMilli(),
		}
	} else {
		sched = reminders.Schedule{
			Kind: reminders.KindAt,
			AtMs: now.Add(time.Duration(secs) * time.Second).UnixMilli(),
		}
	}

	rem, err := r.reminders.Create(ctx, sessionKey, inbound.Channel, inbound.PeerID, inbound.PeerType, message, sched)
	if err != nil {
		return "", fmt.Errorf("create reminder: %w", err)
	}
	if recurring {
		return fmt.Sprintf("Reminding every %ds (id %s).", secs, rem.ID), nil
	}
	return fmt.Sprintf("Reminder set for %ds from now (id %s).", secs, rem.ID), nil
}

func (r *Responder) listReminders(ctx context.Context, sessionKey string) (string, error) {
	if r.reminders == nil {
		return "Reminders are not enabled.", nil
	}
	list, err := r.reminders.List(ctx, sessionKey, false, 20)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No active reminders.", nil
	}
	var b strings.Builder
	b.WriteString("Active reminders:\n")
	for _, rem := range list {
		next := "-"
		if rem.NextRunAt != nil {
			next = rem.NextRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "  %s — %q next %s\n", rem.ID, rem.Message, next)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Responder) handleLater(sessionKey string, args []string) (string, error) {
	if len(args) < 2 {
		return "Usage: /later <seconds> <prompt>", nil
	}
	secs, err := strconv.Atoi(args[0])
	if err != nil || secs < 0 {
		return "Usage: /later <seconds> <prompt>", nil
	}
	prompt := strings.Join(args[1:], " ")

	ok := r.continuations.Schedule(sessionKey, runtime.ContinuationRequest{
		Prompt: prompt,
		Delay:  time.Duration(secs) * time.Second,
		Reason: "user_requested",
	})
	if !ok {
		return "This session was stopped; follow-up not scheduled.", nil
	}
	return fmt.Sprintf("Will follow up in %ds.", secs), nil
}

// InterruptSession aborts the session's active run, if any. Best effort.
func (r *Responder) InterruptSession(ctx context.Context, sessionKey, reason string) {
	r.mu.Lock()
	cur := r.active[sessionKey]
	r.mu.Unlock()
	if cur != nil {
		cur.cancel()
	}
}

// SteerSession injects text into the session's active run. Returns false
// when no run is active.
func (r *Responder) SteerSession(ctx context.Context, sessionKey, text, mode string) bool {
	r.mu.Lock()
	cur := r.active[sessionKey]
	r.mu.Unlock()
	if cur == nil {
		return false
	}
	cur.mu.Lock()
	cur.steered = append(cur.steered, text)
	cur.mu.Unlock()
	return true
}

// IsSessionActive reports whether the session has a run in flight.
func (r *Responder) IsSessionActive(sessionKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionKey]
	return ok
}
