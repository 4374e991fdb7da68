package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/sessions"
	"github.com/mozihq/mozi/internal/store"
	"github.com/mozihq/mozi/internal/store/sqlite"
)

type fakeEgress struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (e *fakeEgress) Send(ctx context.Context, msg bus.OutboundMessage, receipt bus.DeliveryReceipt) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, msg)
	return nil
}

func (e *fakeEgress) BeginTyping(ctx context.Context, channelID, peerID string, receipt bus.DeliveryReceipt) error {
	return nil
}

// fakeHandler implements the full capability set. Behavior is steered by the
// exported-ish fields; all access is mutex-guarded because turns run on
// kernel goroutines.
type fakeHandler struct {
	mu          sync.Mutex
	calls       []bus.InboundMessage
	inFlight    int
	maxInFlight int
	interrupted []string
	steered     []string

	handleDelay time.Duration
	errByText   map[string]error
	onHandle    func(inbound bus.InboundMessage)
	steerAccept bool
	activeFlag  bool
}

func (h *fakeHandler) ResolveSessionContext(inbound bus.InboundMessage) (SessionContext, error) {
	peerType := inbound.PeerType
	if peerType == "" {
		peerType = bus.PeerDM
	}
	return SessionContext{
		SessionKey: sessions.BuildKey("mozi", inbound.Channel, peerType, inbound.PeerID),
		AgentID:    "mozi",
	}, nil
}

func (h *fakeHandler) Handle(ctx context.Context, inbound bus.InboundMessage, ch *RuntimeChannel) error {
	h.mu.Lock()
	h.inFlight++
	if h.inFlight > h.maxInFlight {
		h.maxInFlight = h.inFlight
	}
	h.calls = append(h.calls, inbound)
	delay := h.handleDelay
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.inFlight--
		h.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.onHandle != nil {
		h.onHandle(inbound)
	}
	if err, ok := h.errByText[inbound.Text]; ok {
		return err
	}
	return nil
}

func (h *fakeHandler) InterruptSession(ctx context.Context, sessionKey, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupted = append(h.interrupted, reason)
}

func (h *fakeHandler) SteerSession(ctx context.Context, sessionKey, text, mode string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.steerAccept {
		return false
	}
	h.steered = append(h.steered, text)
	return true
}

func (h *fakeHandler) IsSessionActive(sessionKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeFlag
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *fakeHandler) idle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight == 0
}

func newTestKernel(t *testing.T, cfg Config, h MessageHandler) (*Kernel, store.QueueStore, *sessions.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.db")
	if err := sqlite.Migrate(path); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	queue := sqlite.NewQueueStore(db)
	sessionMgr := sessions.NewManager(sqlite.NewSessionStore(db), nil)
	k := NewKernel(queue, sessionMgr, nil, DefaultErrorPolicy(), h, &fakeEgress{}, cfg, nil)
	return k, queue, sessionMgr
}

func startKernel(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("start kernel: %v", err)
	}
	t.Cleanup(k.Close)
}

func testEnvelope(msgID, peerID, text string) bus.Envelope {
	now := time.Now().UTC()
	return bus.Envelope{
		ID: "env-" + msgID,
		Inbound: bus.InboundMessage{
			ID:        msgID,
			Channel:   "telegram",
			PeerID:    peerID,
			PeerType:  bus.PeerDM,
			SenderID:  "u1",
			Text:      text,
			Timestamp: now,
		},
		ReceivedAt: now,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFollowupFIFOSerialization(t *testing.T) {
	h := &fakeHandler{handleDelay: 30 * time.Millisecond}
	k, queue, _ := newTestKernel(t, Config{Mode: ModeFollowup}, h)
	startKernel(t, k)
	ctx := context.Background()

	r1, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "first"))
	if err != nil || !r1.Accepted {
		t.Fatalf("enqueue m1: %+v err=%v", r1, err)
	}
	r2, err := k.EnqueueInbound(ctx, testEnvelope("m2", "p1", "second"))
	if err != nil || !r2.Accepted {
		t.Fatalf("enqueue m2: %+v err=%v", r2, err)
	}

	waitFor(t, 3*time.Second, func() bool { return h.callCount() == 2 && h.idle() }, "both turns did not run")

	h.mu.Lock()
	if h.maxInFlight != 1 {
		t.Errorf("max concurrent handlers = %d, want 1", h.maxInFlight)
	}
	if h.calls[0].ID != "m1" || h.calls[1].ID != "m2" {
		t.Errorf("order = %s, %s; want m1, m2", h.calls[0].ID, h.calls[1].ID)
	}
	h.mu.Unlock()

	for _, id := range []string{r1.QueueItemID, r2.QueueItemID} {
		waitFor(t, 2*time.Second, func() bool {
			item, _ := queue.GetByID(context.Background(), id)
			return item != nil && item.Status == store.StatusCompleted
		}, "item "+id+" never completed")
	}
}

func TestParallelismAcrossSessions(t *testing.T) {
	h := &fakeHandler{handleDelay: 150 * time.Millisecond}
	k, _, _ := newTestKernel(t, Config{Mode: ModeFollowup}, h)
	startKernel(t, k)
	ctx := context.Background()

	if _, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "hi")); err != nil {
		t.Fatal(err)
	}
	if _, err := k.EnqueueInbound(ctx, testEnvelope("m2", "p2", "hi")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.maxInFlight == 2
	}, "distinct sessions did not run in parallel")
}

func TestDeduplication(t *testing.T) {
	h := &fakeHandler{}
	k, _, _ := newTestKernel(t, Config{Mode: ModeFollowup}, h)
	startKernel(t, k)
	ctx := context.Background()

	env := testEnvelope("same-id", "p1", "hello")
	env.DedupKey = "telegram:same-id"

	r1, err := k.EnqueueInbound(ctx, env)
	if err != nil || !r1.Accepted {
		t.Fatalf("first enqueue: %+v err=%v", r1, err)
	}
	r2, err := k.EnqueueInbound(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Accepted || !r2.Deduplicated {
		t.Fatalf("second enqueue = %+v, want deduplicated", r2)
	}

	waitFor(t, 2*time.Second, func() bool { return h.callCount() == 1 }, "turn did not run")
	time.Sleep(100 * time.Millisecond)
	if n := h.callCount(); n != 1 {
		t.Errorf("handler invoked %d times, want 1", n)
	}
}

func TestCrashRecovery(t *testing.T) {
	h := &fakeHandler{}
	k, queue, _ := newTestKernel(t, Config{Mode: ModeFollowup}, h)
	ctx := context.Background()

	// A row left running by a previous process.
	stale := store.QueueItem{
		ID: "stale", DedupKey: "telegram:stale", SessionKey: "mozi:telegram:dm:p1",
		ChannelID: "telegram", PeerID: "p1", PeerType: "dm",
		InboundJSON: `{"id":"stale","channel":"telegram","peerId":"p1","senderId":"u1","text":"old"}`,
		Status:      store.StatusQueued,
		EnqueuedAt:  time.Now().UTC(), AvailableAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if _, err := queue.Enqueue(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if ok, _ := queue.Claim(ctx, "stale", time.Now().UTC()); !ok {
		t.Fatal("claim failed")
	}

	startKernel(t, k)

	item, _ := queue.GetByID(ctx, "stale")
	if item.Status != store.StatusInterrupted {
		t.Fatalf("stale row status = %s, want interrupted", item.Status)
	}
	if item.Error != "Runtime stopped while processing" {
		t.Errorf("stale row error = %q", item.Error)
	}
	if item.FinishedAt == nil {
		t.Error("stale row finishedAt not set")
	}

	// New traffic flows normally.
	if _, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "fresh")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return h.callCount() == 1 }, "fresh item did not run")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls[0].ID != "m1" {
		t.Errorf("recovered row was dispatched: got %s", h.calls[0].ID)
	}
}

func TestCollectMerge(t *testing.T) {
	h := &fakeHandler{}
	k, _, _ := newTestKernel(t, Config{Mode: ModeCollect, CollectWindow: 120 * time.Millisecond}, h)
	startKernel(t, k)
	ctx := context.Background()

	r1, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "hello-m1"))
	if err != nil || !r1.Accepted {
		t.Fatalf("enqueue m1: %+v err=%v", r1, err)
	}
	time.Sleep(30 * time.Millisecond)
	r2, err := k.EnqueueInbound(ctx, testEnvelope("m2", "p1", "hello-m2"))
	if err != nil || !r2.Accepted {
		t.Fatalf("enqueue m2: %+v err=%v", r2, err)
	}
	if r2.QueueItemID != r1.QueueItemID {
		t.Fatalf("m2 created a new row (%s != %s)", r2.QueueItemID, r1.QueueItemID)
	}

	waitFor(t, 3*time.Second, func() bool { return h.callCount() == 1 && h.idle() }, "merged turn did not run")
	time.Sleep(100 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(h.calls))
	}
	text := h.calls[0].Text
	if !strings.Contains(text, "hello-m1") || !strings.Contains(text, "hello-m2") {
		t.Errorf("merged text = %q, want both messages", text)
	}
	if text != "hello-m1\nhello-m2" {
		t.Errorf("merged text = %q, want newline join", text)
	}
}

func TestInterruptModePreempts(t *testing.T) {
	h := &fakeHandler{}
	// Kernel not started: the first row stays queued so the preemption is
	// observable deterministically.
	k, queue, _ := newTestKernel(t, Config{Mode: ModeInterrupt}, h)
	ctx := context.Background()

	r1, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "first"))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := k.EnqueueInbound(ctx, testEnvelope("m2", "p1", "second"))
	if err != nil || !r2.Accepted {
		t.Fatalf("enqueue m2: %+v err=%v", r2, err)
	}

	first, _ := queue.GetByID(ctx, r1.QueueItemID)
	if first.Status != store.StatusInterrupted {
		t.Errorf("first row status = %s, want interrupted", first.Status)
	}
	if !strings.Contains(first.Error, "m2") {
		t.Errorf("interrupt reason %q does not mention the new message", first.Error)
	}
	second, _ := queue.GetByID(ctx, r2.QueueItemID)
	if second.Status != store.StatusQueued {
		t.Errorf("second row status = %s, want queued", second.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.interrupted) != 2 {
		// One abort signal per admission (m1 had nothing to abort but the
		// hook still fires).
		t.Logf("abort signals: %v", h.interrupted)
	}
	if len(h.interrupted) == 0 {
		t.Error("interrupt hook never called")
	}
}

func TestSteerInjection(t *testing.T) {
	h := &fakeHandler{steerAccept: true, activeFlag: true}
	k, queue, sessionMgr := newTestKernel(t, Config{Mode: ModeSteer}, h)
	ctx := context.Background()

	res, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "change of plans"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.QueueItemID != "" {
		t.Fatalf("steer result = %+v, want accepted with no queue item", res)
	}

	pending, _ := queue.ListPendingBySession(ctx, res.SessionKey)
	if len(pending) != 0 {
		t.Errorf("steer created %d queue rows", len(pending))
	}

	sess, ok := sessionMgr.Get(ctx, res.SessionKey)
	if !ok || sess.Status != store.StatusRunning {
		t.Errorf("session status = %v, want running", sess.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steered) != 1 || h.steered[0] != "change of plans" {
		t.Errorf("steered = %v", h.steered)
	}
}

func TestSteerCommandsBypassSteering(t *testing.T) {
	h := &fakeHandler{steerAccept: true}
	k, queue, _ := newTestKernel(t, Config{Mode: ModeSteer}, h)
	ctx := context.Background()

	res, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "/status"))
	if err != nil || !res.Accepted {
		t.Fatalf("enqueue: %+v err=%v", res, err)
	}
	if res.QueueItemID == "" {
		t.Fatal("slash command was steered instead of enqueued")
	}
	item, _ := queue.GetByID(ctx, res.QueueItemID)
	if item == nil || item.Status != store.StatusQueued {
		t.Errorf("command row = %+v, want queued", item)
	}
}

func TestSteerBacklogPreemptsActiveRun(t *testing.T) {
	h := &fakeHandler{steerAccept: true, activeFlag: true}
	k, queue, _ := newTestKernel(t, Config{Mode: ModeSteerBacklog}, h)
	ctx := context.Background()

	r1, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "working"))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := k.EnqueueInbound(ctx, testEnvelope("m2", "p1", "do this instead"))
	if err != nil || !r2.Accepted || r2.QueueItemID == "" {
		t.Fatalf("enqueue m2: %+v err=%v", r2, err)
	}

	first, _ := queue.GetByID(ctx, r1.QueueItemID)
	if first.Status != store.StatusInterrupted {
		t.Errorf("preempted row status = %s, want interrupted", first.Status)
	}
	second, _ := queue.GetByID(ctx, r2.QueueItemID)
	if second.Status != store.StatusQueued {
		t.Errorf("new row status = %s, want queued", second.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steered) != 0 {
		t.Errorf("active run was steered (%v), want preemption", h.steered)
	}
	if len(h.interrupted) == 0 {
		t.Error("abort signal not sent")
	}
}

func TestBacklogTrim(t *testing.T) {
	h := &fakeHandler{}
	k, queue, _ := newTestKernel(t, Config{Mode: ModeFollowup, MaxBacklog: 2}, h)
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 3; i++ {
		res, err := k.EnqueueInbound(ctx, testEnvelope(fmt.Sprintf("m%d", i), "p1", "msg"))
		if err != nil || !res.Accepted {
			t.Fatalf("enqueue m%d: %+v err=%v", i, res, err)
		}
		ids = append(ids, res.QueueItemID)
	}

	oldest, _ := queue.GetByID(ctx, ids[0])
	if oldest.Status != store.StatusInterrupted {
		t.Fatalf("oldest row status = %s, want interrupted", oldest.Status)
	}
	if oldest.Error != "Dropped by maxBacklog=2" {
		t.Errorf("trim reason = %q", oldest.Error)
	}
	for _, id := range ids[1:] {
		item, _ := queue.GetByID(ctx, id)
		if item.Status != store.StatusQueued {
			t.Errorf("row %s status = %s, want queued", id, item.Status)
		}
	}
}

func TestTransientErrorRetries(t *testing.T) {
	h := &fakeHandler{errByText: map[string]error{"flaky": errors.New("request timeout")}}
	k, queue, sessionMgr := newTestKernel(t, Config{Mode: ModeFollowup}, h)
	startKernel(t, k)
	ctx := context.Background()

	res, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "flaky"))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		item, _ := queue.GetByID(ctx, res.QueueItemID)
		return item != nil && item.Status == store.StatusRetrying
	}, "item never entered retrying")

	item, _ := queue.GetByID(ctx, res.QueueItemID)
	if item.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", item.Attempts)
	}
	if !strings.HasPrefix(item.Error, ReasonTransientError+": ") {
		t.Errorf("error = %q, want transient classification", item.Error)
	}
	if !item.AvailableAt.After(time.Now().UTC()) {
		t.Errorf("availableAt %v not pushed into the future", item.AvailableAt)
	}
	sess, _ := sessionMgr.Get(ctx, res.SessionKey)
	if sess.Status != store.StatusRetrying {
		t.Errorf("session status = %s, want retrying", sess.Status)
	}
}

func TestTerminalErrorFails(t *testing.T) {
	h := &fakeHandler{errByText: map[string]error{"bad": errors.New("model does not support image input")}}
	k, queue, _ := newTestKernel(t, Config{Mode: ModeFollowup}, h)
	startKernel(t, k)
	ctx := context.Background()

	res, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "bad"))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		item, _ := queue.GetByID(ctx, res.QueueItemID)
		return item != nil && item.Status == store.StatusFailed
	}, "item never failed")

	item, _ := queue.GetByID(ctx, res.QueueItemID)
	if !strings.HasPrefix(item.Error, ReasonCapabilityError+": ") {
		t.Errorf("error = %q, want capability classification", item.Error)
	}
}

func TestContinuationsRunAfterCompletion(t *testing.T) {
	h := &fakeHandler{}
	k, queue, _ := newTestKernel(t, Config{Mode: ModeFollowup}, h)
	h.onHandle = func(inbound bus.InboundMessage) {
		if inbound.Text == "plan" {
			k.Continuations().Schedule("mozi:telegram:dm:p1", ContinuationRequest{Prompt: "follow up"})
		}
	}
	startKernel(t, k)
	ctx := context.Background()

	if _, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "plan")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool { return h.callCount() == 2 && h.idle() }, "continuation did not run")

	h.mu.Lock()
	followup := h.calls[1]
	h.mu.Unlock()
	if followup.Text != "follow up" {
		t.Errorf("continuation text = %q", followup.Text)
	}
	if src, _ := followup.Raw["source"].(string); src != "continuation" {
		t.Errorf("raw.source = %v, want continuation", followup.Raw["source"])
	}
	if parent, _ := followup.Raw["parentMessageId"].(string); parent != "m1" {
		t.Errorf("raw.parentMessageId = %v, want m1", followup.Raw["parentMessageId"])
	}

	item, _ := queue.GetByID(ctx, followup.ID)
	if item == nil || !strings.HasPrefix(item.DedupKey, "continuation:mozi:telegram:dm:p1:") {
		t.Errorf("continuation dedup key = %+v", item)
	}
}

func TestStopCancelsContinuations(t *testing.T) {
	h := &fakeHandler{}
	k, queue, _ := newTestKernel(t, Config{Mode: ModeFollowup}, h)
	sessionKey := "mozi:telegram:dm:p1"
	h.onHandle = func(inbound bus.InboundMessage) {
		if inbound.Text == "plan" {
			// Far-future delay keeps the continuation row queued.
			k.Continuations().Schedule(sessionKey, ContinuationRequest{Prompt: "later", Delay: time.Hour})
		}
	}
	startKernel(t, k)
	ctx := context.Background()

	if _, err := k.EnqueueInbound(ctx, testEnvelope("m1", "p1", "plan")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		pending, _ := queue.ListPendingBySession(ctx, sessionKey)
		return len(pending) == 1 && h.callCount() == 1 && h.idle()
	}, "continuation row not queued")

	pending, _ := queue.ListPendingBySession(ctx, sessionKey)
	contID := pending[0].ID

	res, err := k.EnqueueInbound(ctx, testEnvelope("m2", "p1", "/stop"))
	if err != nil || !res.Accepted {
		t.Fatalf("enqueue /stop: %+v err=%v", res, err)
	}

	cont, _ := queue.GetByID(ctx, contID)
	if cont.Status != store.StatusInterrupted {
		t.Errorf("continuation row status = %s, want interrupted", cont.Status)
	}
	stopRow, _ := queue.GetByID(ctx, res.QueueItemID)
	if stopRow.Status.IsTerminal() && stopRow.Status != store.StatusCompleted {
		t.Errorf("/stop row status = %s", stopRow.Status)
	}

	h.mu.Lock()
	aborts := len(h.interrupted)
	h.mu.Unlock()
	if aborts == 0 {
		t.Error("abort signal not sent on /stop")
	}

	// Once the /stop turn itself completes, the tombstone is cleared and new
	// follow-ups are accepted again.
	waitFor(t, 3*time.Second, func() bool {
		row, _ := queue.GetByID(ctx, res.QueueItemID)
		return row != nil && row.Status == store.StatusCompleted
	}, "/stop turn did not complete")
	if !k.Continuations().Schedule(sessionKey, ContinuationRequest{Prompt: "fresh"}) {
		t.Error("tombstone not cleared after /stop turn completed")
	}
}
