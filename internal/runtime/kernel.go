// Package runtime is the kernel of the agent host: it admits inbound
// envelopes under one of five queue modes, persists them as queue items,
// pumps runnable items into the message handler with at most one run per
// session, classifies handler errors for retry, and fans completed turns out
// into scheduled continuations.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mozihq/mozi/internal/sessions"
	"github.com/mozihq/mozi/internal/store"
)

// Mode selects the queue admission policy.
type Mode string

const (
	ModeFollowup     Mode = "followup"
	ModeCollect      Mode = "collect"
	ModeInterrupt    Mode = "interrupt"
	ModeSteer        Mode = "steer"
	ModeSteerBacklog Mode = "steer-backlog"
)

// NormalizeMode maps unknown mode strings to the default, steer-backlog.
func NormalizeMode(s string) Mode {
	switch Mode(s) {
	case ModeFollowup, ModeCollect, ModeInterrupt, ModeSteer, ModeSteerBacklog:
		return Mode(s)
	default:
		return ModeSteerBacklog
	}
}

// Config tunes the kernel. Zero values fall back to defaults.
type Config struct {
	Mode          Mode
	CollectWindow time.Duration // collect mode merge window
	MaxBacklog    int           // 0 = unbounded
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	c.Mode = NormalizeMode(string(c.Mode))
	if c.CollectWindow <= 0 {
		c.CollectWindow = 400 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// Kernel owns the queue, the active-session set, and the pump. All shared
// state is either durable (queue, sessions) or guarded by k.mu.
type Kernel struct {
	queue         store.QueueStore
	sessions      *sessions.Manager
	continuations *ContinuationRegistry
	policy        ErrorPolicy
	handler       MessageHandler
	egress        Egress
	cfg           Config
	now           func() time.Time

	// Optional handler capabilities, resolved once at construction.
	interrupter SessionInterrupter
	steerer     SessionSteerer
	activity    SessionActivityReporter

	mu     sync.Mutex
	active map[string]struct{}

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKernel wires the kernel. The clock is injectable for tests; pass nil for
// wall time.
func NewKernel(queue store.QueueStore, sess *sessions.Manager, cont *ContinuationRegistry,
	policy ErrorPolicy, handler MessageHandler, egress Egress, cfg Config, now func() time.Time) *Kernel {
	if now == nil {
		now = time.Now
	}
	if cont == nil {
		cont = NewContinuationRegistry()
	}
	k := &Kernel{
		queue:         queue,
		sessions:      sess,
		continuations: cont,
		policy:        policy,
		handler:       handler,
		egress:        egress,
		cfg:           cfg.withDefaults(),
		now:           now,
		active:        make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
	}
	k.interrupter, _ = handler.(SessionInterrupter)
	k.steerer, _ = handler.(SessionSteerer)
	k.activity, _ = handler.(SessionActivityReporter)
	return k
}

// Continuations exposes the registry so handlers can schedule follow-ups.
func (k *Kernel) Continuations() *ContinuationRegistry {
	return k.continuations
}

// Start recovers rows stranded by a previous crash, then launches the pump
// loop. Must be called exactly once.
func (k *Kernel) Start(ctx context.Context) error {
	n, err := k.queue.MarkInterruptedFromRunning(ctx, "Runtime stopped while processing", k.now().UTC())
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if n > 0 {
		slog.Info("recovered stranded queue items", "count", n)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	k.wg.Add(1)
	go k.loop(loopCtx)
	k.schedulePump()
	return nil
}

// Close stops the pump loop and waits for in-flight turns to return.
func (k *Kernel) Close() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
}

// schedulePump wakes the pump loop. Coalesces: at most one wakeup is pending.
func (k *Kernel) schedulePump() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// loop is the single pump owner. Pump iterations never overlap because only
// this goroutine runs them.
func (k *Kernel) loop(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-k.wake:
		}
		k.pump(ctx)
	}
}

// markSessionBusy claims the session slot. Returns false when already held.
func (k *Kernel) markSessionBusy(sessionKey string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.active[sessionKey]; ok {
		return false
	}
	k.active[sessionKey] = struct{}{}
	return true
}

func (k *Kernel) clearSessionBusy(sessionKey string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.active, sessionKey)
}

// preemptSession durably interrupts the session's pending and running rows,
// tombstones its continuations, and signals the handler to abort.
func (k *Kernel) preemptSession(ctx context.Context, sessionKey, reason string) {
	if _, err := k.queue.MarkInterruptedBySession(ctx, sessionKey, reason, k.now().UTC()); err != nil {
		slog.Error("interrupt session rows", "session", sessionKey, "error", err)
	}
	k.continuations.CancelSession(sessionKey)
	if k.interrupter != nil {
		k.interrupter.InterruptSession(ctx, sessionKey, reason)
	}
}
