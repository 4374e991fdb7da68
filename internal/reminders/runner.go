package reminders

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/runtime"
	"github.com/mozihq/mozi/internal/store"
)

const (
	minPollInterval = 250 * time.Millisecond
	defaultBatch    = 32
)

// Enqueuer is the slice of the kernel the runner needs.
type Enqueuer interface {
	EnqueueInbound(ctx context.Context, env bus.Envelope) (runtime.EnqueueResult, error)
}

// Runner polls for due reminders and feeds them back into the kernel as
// inbound messages. Ticks are single-flight; the expected-next_run_at guard
// in MarkFired makes firing safe even against a second runner.
type Runner struct {
	store  store.ReminderStore
	kernel Enqueuer
	poll   time.Duration
	batch  int
	now    func() time.Time

	ticking atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(st store.ReminderStore, kernel Enqueuer, poll time.Duration, batch int, now func() time.Time) *Runner {
	if poll < minPollInterval {
		poll = minPollInterval
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	if now == nil {
		now = time.Now
	}
	return &Runner{store: st, kernel: kernel, poll: poll, batch: batch, now: now}
}

// Start launches the poll loop.
func (r *Runner) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.Tick(loopCtx)
			}
		}
	}()
}

// Close stops the poll loop and waits for an in-flight tick.
func (r *Runner) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Tick fires every due reminder once. Errors are logged per reminder; the
// batch proceeds.
func (r *Runner) Tick(ctx context.Context) {
	if !r.ticking.CompareAndSwap(false, true) {
		return
	}
	defer r.ticking.Store(false)

	due, err := r.store.ListDue(ctx, r.now().UTC(), r.batch)
	if err != nil {
		slog.Error("list due reminders", "error", err)
		return
	}

	for _, rem := range due {
		if err := r.fire(ctx, rem); err != nil {
			slog.Error("fire reminder", "reminder", rem.ID, "error", err)
		}
	}
}

func (r *Runner) fire(ctx context.Context, rem store.Reminder) error {
	if rem.NextRunAt == nil {
		return nil
	}
	scheduledAt := *rem.NextRunAt

	sched, err := ParseSchedule(rem.ScheduleJSON)
	if err != nil {
		return err
	}

	firedAt := r.now().UTC()

	var nextRun *time.Time
	if sched.Kind != KindAt {
		nextRun, err = ComputeNextRun(sched, firedAt.Add(time.Millisecond))
		if err != nil {
			return err
		}
	}
	keepEnabled := sched.Kind != KindAt && nextRun != nil

	advanced, err := r.store.MarkFired(ctx, rem.ID, scheduledAt, firedAt, nextRun, keepEnabled)
	if err != nil {
		return err
	}
	if !advanced {
		// Another runner already advanced the row.
		return nil
	}

	firedAtIso := firedAt.Format(time.RFC3339)
	inbound := bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   rem.ChannelID,
		PeerID:    rem.PeerID,
		PeerType:  rem.PeerType,
		SenderID:  "system:reminder",
		Text:      rem.Message,
		Timestamp: firedAt,
		Raw: map[string]any{
			"source":      "reminder",
			"reminderId":  rem.ID,
			"scheduledAt": scheduledAt.Format(time.RFC3339),
		},
	}
	env := bus.Envelope{
		ID:         uuid.NewString(),
		Inbound:    inbound,
		DedupKey:   "reminder:" + rem.ID + ":" + firedAtIso,
		ReceivedAt: firedAt,
	}

	res, err := r.kernel.EnqueueInbound(ctx, env)
	if err != nil {
		return err
	}
	slog.Debug("reminder fired", "reminder", rem.ID, "session", rem.SessionKey,
		"accepted", res.Accepted, "next", nextRun)
	return nil
}
