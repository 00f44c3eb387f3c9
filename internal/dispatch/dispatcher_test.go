package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autochirp/internal/eventbus"
	"autochirp/internal/publisher"
	"autochirp/internal/runtime/supervisor"
	"autochirp/internal/scheduler"
	"autochirp/internal/storage"
	logx "autochirp/pkg/logx"
)

type harness struct {
	store *storage.Store
	pub   *publisher.Memory
	sched *scheduler.Service
	sup   *supervisor.Supervisor
	d     *Dispatcher
	ev    <-chan eventbus.Event
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.AppDomain = "https://chirp.example"
	p.RetryBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond}
	p.MaxRetries = 2
	p.ThreadDeferDelay = time.Hour
	p.ThreadMaxDefers = 1
	p.PublishTimeout = 2 * time.Second
	return p
}

func newHarness(t *testing.T, dbPath string, pol Policy) *harness {
	t.Helper()
	ctx := context.Background()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "dispatch.db")
	}
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: dbPath, Location: time.UTC}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bus := eventbus.New()
	ev, unsub := bus.Subscribe(256)
	h := &harness{
		store: st,
		pub:   publisher.NewMemory(100),
		sched: scheduler.New(scheduler.Config{Location: time.UTC}, logx.Nop()),
		sup:   supervisor.New(ctx, supervisor.WithCancelOnError(true)),
		ev:    ev,
	}
	h.d, err = New(Options{
		Store:      st,
		Publisher:  h.pub,
		Timers:     h.sched,
		Supervisor: h.sup,
		Bus:        bus,
		Policy:     pol,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	h.sched.SetFireFunc(h.d.Fire)
	t.Cleanup(func() {
		h.shutdown()
		unsub()
		_ = st.Close()
	})
	return h
}

// shutdown simulates the process going away: timers vanish, fires drain.
func (h *harness) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h.sched.Stop(ctx)
	_ = h.sup.Stop(ctx)
}

func (h *harness) user(t *testing.T, id int64, token string) {
	t.Helper()
	if _, err := h.store.InsertUser(context.Background(), storage.User{ID: id, Handle: "@u", Token: token, TokenSecret: "s"}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func (h *harness) group(t *testing.T, userID int64, enabled, threaded bool, msgs ...storage.NewMessage) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	gid, err := h.store.InsertGroup(ctx, storage.Group{UserID: userID, Title: "g", Enabled: enabled, Threaded: threaded})
	if err != nil {
		t.Fatalf("insert group: %v", err)
	}
	ids, err := h.store.InsertMessages(ctx, userID, gid, msgs)
	if err != nil {
		t.Fatalf("insert messages: %v", err)
	}
	return gid, ids
}

func (h *harness) message(t *testing.T, userID, id int64) storage.Message {
	t.Helper()
	m, err := h.store.GetMessage(context.Background(), userID, id)
	if err != nil || m == nil {
		t.Fatalf("get message %d: %v", id, err)
	}
	return *m
}

// await collects n events of kind, failing after within.
func (h *harness) await(t *testing.T, kind eventbus.Kind, n int, within time.Duration) []eventbus.Event {
	t.Helper()
	var got []eventbus.Event
	deadline := time.After(within)
	for len(got) < n {
		select {
		case e := <-h.ev:
			if e.Kind == kind {
				got = append(got, e)
			}
		case <-deadline:
			t.Fatalf("saw %d/%d %s events within %s", len(got), n, kind, within)
		}
	}
	return got
}

// at returns a whole-second time offset from now; stored times have
// second precision.
func at(offset time.Duration) time.Time {
	return time.Now().UTC().Truncate(time.Second).Add(offset)
}

func msg(content string, when time.Time) storage.NewMessage {
	return storage.NewMessage{Content: content, ScheduledAt: when}
}

func TestOneShot(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 7, "tok")
	gid, ids := h.group(t, 7, false, false, msg("hello", at(2*time.Second)))

	if n, err := h.d.ScheduleGroup(context.Background(), 7, gid); err != nil || n != 1 {
		t.Fatalf("schedule: n=%d err=%v", n, err)
	}
	if !h.sched.IsArmed(7, ids[0]) {
		t.Fatalf("message not armed")
	}
	ev := h.await(t, eventbus.Published, 1, 4*time.Second)

	calls := h.pub.Calls()
	if len(calls) != 1 || calls[0].Payload.Text != "hello" || calls[0].Creds.Token != "tok" {
		t.Fatalf("calls=%+v", calls)
	}
	m := h.message(t, 7, ids[0])
	if !m.Tweeted || m.RemoteStatusID != 100 || ev[0].RemoteID != 100 {
		t.Fatalf("message=%+v event=%+v", m, ev[0])
	}
}

func TestDisableRace(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	gid, ids := h.group(t, 1, false, false, msg("later", at(2*time.Second)))

	if _, err := h.d.ScheduleGroup(ctx, 1, gid); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if err := h.d.UnscheduleGroup(ctx, 1, gid); err != nil {
		t.Fatalf("unschedule: %v", err)
	}
	if h.sched.IsArmed(1, ids[0]) {
		t.Fatalf("still armed after unschedule")
	}
	time.Sleep(2 * time.Second)
	if len(h.pub.Calls()) != 0 || h.message(t, 1, ids[0]).Tweeted {
		t.Fatalf("disabled group published")
	}

	// Re-enabling a past-due group fires it through catch-up.
	on, err := h.d.ToggleGroup(ctx, 1, gid)
	if err != nil || !on {
		t.Fatalf("toggle: on=%v err=%v", on, err)
	}
	h.await(t, eventbus.Published, 1, 2*time.Second)
}

func TestDisabledAfterArmIsSkipped(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	gid, ids := h.group(t, 1, true, false, msg("x", at(time.Hour)))

	if err := h.store.SetGroupEnabled(ctx, 1, gid, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if out := h.d.Process(ctx, 1, ids[0]); out != OutcomeSkipped {
		t.Fatalf("outcome=%s", out)
	}
	if len(h.pub.Calls()) != 0 {
		t.Fatalf("published for disabled group")
	}
}

func TestThreadedChain(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 3, "tok")
	gid, ids := h.group(t, 3, false, true,
		msg("A", at(2*time.Second)), msg("B", at(3*time.Second)), msg("C", at(4*time.Second)))

	if _, err := h.d.ScheduleGroup(context.Background(), 3, gid); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.await(t, eventbus.Published, 3, 6*time.Second)

	calls := h.pub.Published()
	want := []struct {
		text    string
		replyTo int64
	}{{"A", 0}, {"B", 100}, {"C", 101}}
	for i, w := range want {
		if calls[i].Payload.Text != w.text || calls[i].Payload.InReplyTo != w.replyTo {
			t.Fatalf("call %d = %+v, want %+v", i, calls[i].Payload, w)
		}
	}
	if m := h.message(t, 3, ids[2]); m.RemoteStatusID != 102 {
		t.Fatalf("C remote id=%d", m.RemoteStatusID)
	}
}

func TestThreadDeferAndFailedPredecessor(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 4, "tok")
	_, ids := h.group(t, 4, true, true, msg("A", at(-time.Minute)), msg("B", at(-time.Second)))
	a, b := ids[0], ids[1]

	if out := h.d.Process(ctx, 4, b); out != OutcomeDeferred {
		t.Fatalf("first B outcome=%s", out)
	}
	if deadline, ok := h.sched.Deadline(4, b); !ok || time.Until(deadline) < 59*time.Minute {
		t.Fatalf("B not re-armed after the defer delay: %v %v", deadline, ok)
	}
	if len(h.pub.Calls()) != 0 {
		t.Fatalf("B published before A")
	}

	// A fails permanently; B then posts without a reply target.
	h.pub.Script = func(attempt int, p publisher.Payload) (int64, error) {
		if p.Text == "A" {
			return 0, publisher.Permanent(errors.New("status rejected"))
		}
		return 500, nil
	}
	if out := h.d.Process(ctx, 4, a); out != OutcomeFailed {
		t.Fatalf("A outcome=%s", out)
	}
	if m := h.message(t, 4, a); !m.Tweeted || m.RemoteStatusID != 0 {
		t.Fatalf("A=%+v", m)
	}
	if out := h.d.Process(ctx, 4, b); out != OutcomePublished {
		t.Fatalf("second B outcome=%s", out)
	}
	calls := h.pub.Published()
	if len(calls) != 1 || calls[0].Payload.InReplyTo != 0 {
		t.Fatalf("B calls=%+v", calls)
	}
}

func TestThreadDeferLimit(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 4, "tok")
	_, ids := h.group(t, 4, true, true, msg("A", at(time.Hour)), msg("B", at(2*time.Hour)))

	if out := h.d.Process(ctx, 4, ids[1]); out != OutcomeDeferred {
		t.Fatalf("outcome=%s", out)
	}
	if out := h.d.Process(ctx, 4, ids[1]); out != OutcomeFailed {
		t.Fatalf("defer limit not enforced: %s", out)
	}
	if m := h.message(t, 4, ids[1]); !m.Tweeted {
		t.Fatalf("B should be terminal")
	}
}

func TestOversizeUsesFlashcard(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 5, "tok")
	_, ids := h.group(t, 5, true, false, msg(strings.Repeat("x", 400), at(time.Hour)))

	if out := h.d.Process(context.Background(), 5, ids[0]); out != OutcomePublished {
		t.Fatalf("outcome=%s", out)
	}
	p := h.pub.Calls()[0].Payload
	if p.Media == nil || p.Media.URL != FlashcardURL("https://chirp.example", ids[0]) {
		t.Fatalf("media=%+v", p.Media)
	}
	if len([]rune(p.Text)) > 280 || !strings.HasSuffix(p.Text, "…") {
		t.Fatalf("text=%q", p.Text)
	}
}

func TestTransientThenOK(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 6, "tok")
	_, ids := h.group(t, 6, true, false, msg("retry me", at(-time.Second)))
	h.pub.Script = func(attempt int, p publisher.Payload) (int64, error) {
		if attempt < 3 {
			return 0, publisher.Transient(errors.New("503"))
		}
		return 42, nil
	}

	if out := h.d.Process(context.Background(), 6, ids[0]); out != OutcomeRetry {
		t.Fatalf("outcome=%s", out)
	}
	h.await(t, eventbus.Published, 1, 3*time.Second)

	calls := h.pub.Calls()
	if len(calls) != 3 {
		t.Fatalf("attempts=%d", len(calls))
	}
	if gap := calls[1].At.Sub(calls[0].At); gap < 50*time.Millisecond {
		t.Fatalf("first gap %s", gap)
	}
	if gap := calls[2].At.Sub(calls[1].At); gap < 200*time.Millisecond {
		t.Fatalf("second gap %s", gap)
	}
	if m := h.message(t, 6, ids[0]); !m.Tweeted || m.RemoteStatusID != 42 {
		t.Fatalf("message=%+v", m)
	}
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 6, "tok")
	_, ids := h.group(t, 6, true, false, msg("down", at(-time.Second)))
	h.pub.Script = func(int, publisher.Payload) (int64, error) {
		return 0, errors.New("connection reset")
	}

	h.d.Process(context.Background(), 6, ids[0])
	h.await(t, eventbus.Failed, 1, 3*time.Second)

	if n := len(h.pub.Calls()); n != 3 {
		t.Fatalf("attempts=%d, want 1 + 2 retries", n)
	}
	if m := h.message(t, 6, ids[0]); !m.Tweeted || m.RemoteStatusID != 0 {
		t.Fatalf("message=%+v", m)
	}
}

func TestRetryAfterHintWins(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 6, "tok")
	_, ids := h.group(t, 6, true, false, msg("slow down", at(-time.Second)))
	h.pub.Script = func(int, publisher.Payload) (int64, error) {
		return 0, publisher.RetryAfter(errors.New("429"), time.Minute)
	}

	if out := h.d.Process(context.Background(), 6, ids[0]); out != OutcomeRetry {
		t.Fatalf("outcome=%s", out)
	}
	deadline, ok := h.sched.Deadline(6, ids[0])
	if !ok || time.Until(deadline) < 55*time.Second {
		t.Fatalf("deadline=%v ok=%v", deadline, ok)
	}
}

func TestPermanentAndNoCredentials(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 8, "tok")
	h.user(t, 9, "")
	_, a := h.group(t, 8, true, false, msg("dup", at(time.Hour)))
	_, b := h.group(t, 9, true, false, msg("anon", at(time.Hour)))
	h.pub.Script = func(int, publisher.Payload) (int64, error) {
		return 0, publisher.Permanent(errors.New("duplicate status"))
	}

	if out := h.d.Process(ctx, 8, a[0]); out != OutcomeFailed {
		t.Fatalf("permanent outcome=%s", out)
	}
	if out := h.d.Process(ctx, 9, b[0]); out != OutcomeFailed {
		t.Fatalf("no-credentials outcome=%s", out)
	}
	if n := len(h.pub.Calls()); n != 1 {
		t.Fatalf("calls=%d", n)
	}
	for _, m := range []storage.Message{h.message(t, 8, a[0]), h.message(t, 9, b[0])} {
		if !m.Tweeted || m.RemoteStatusID != 0 {
			t.Fatalf("message=%+v", m)
		}
	}
}

func TestEmptyPayloadIsPermanent(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 1, "tok")
	_, ids := h.group(t, 1, true, false, msg("   ", at(time.Hour)))

	if out := h.d.Process(context.Background(), 1, ids[0]); out != OutcomeFailed {
		t.Fatalf("outcome=%s", out)
	}
	if len(h.pub.Calls()) != 0 {
		t.Fatalf("empty payload was published")
	}
}

func TestMediaFailureInlines(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 2, "tok")
	gid, _ := h.group(t, 2, true, false)
	ids, err := h.store.InsertMessages(context.Background(), 2, gid, []storage.NewMessage{{
		Content: "look", ScheduledAt: at(time.Hour), ImageURL: "https://img.example/cat.png",
	}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	h.pub.Script = func(attempt int, p publisher.Payload) (int64, error) {
		if p.Media != nil {
			return 0, publisher.MediaFailed(errors.New("fetch 404"))
		}
		return 77, nil
	}

	if out := h.d.Process(context.Background(), 2, ids[0]); out != OutcomePublished {
		t.Fatalf("outcome=%s", out)
	}
	calls := h.pub.Calls()
	if len(calls) != 2 || calls[1].Payload.Media != nil || calls[1].Payload.Text != "look https://img.example/cat.png" {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestExactlyOnceAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "p1.db")
	h := newHarness(t, dbPath, testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	_, ids := h.group(t, 1, true, false, msg("once", at(-time.Second)), msg("twice?", at(-time.Second)))

	h.d.Process(ctx, 1, ids[0])
	// Crash between the two writes: remote id recorded, flag not set.
	if err := h.store.RecordRemoteStatus(ctx, 1, ids[1], 555); err != nil {
		t.Fatalf("record: %v", err)
	}
	h.shutdown()

	h2 := newHarness(t, dbPath, testPolicy())
	if _, err := h2.d.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	h2.await(t, eventbus.Published, 1, 2*time.Second)
	if n := len(h2.pub.Calls()); n != 0 {
		t.Fatalf("restart republished %d messages", n)
	}
	if m := h2.message(t, 1, ids[1]); !m.Tweeted || m.RemoteStatusID != 555 {
		t.Fatalf("repair failed: %+v", m)
	}
	if out := h2.d.Process(ctx, 1, ids[0]); out != OutcomeSkipped || len(h2.pub.Calls()) != 0 {
		t.Fatalf("tweeted message fired again: %s", out)
	}
}

// flakyStore fails the first remote-id write.
type flakyStore struct {
	*storage.Store
	fails atomic.Int32
}

func (f *flakyStore) RecordRemoteStatus(ctx context.Context, userID, messageID, remoteID int64) error {
	if f.fails.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return f.Store.RecordRemoteStatus(ctx, userID, messageID, remoteID)
}

func TestStoreWriteFailureDoesNotRepublish(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	_, ids := h.group(t, 1, true, false, msg("fragile", at(time.Hour)))

	fs := &flakyStore{Store: h.store}
	fs.fails.Store(1)
	pol := testPolicy()
	pol.RetryBackoff = []time.Duration{time.Hour}
	d, err := New(Options{Store: fs, Publisher: h.pub, Timers: h.sched, Supervisor: h.sup, Policy: pol})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if out := d.Process(ctx, 1, ids[0]); out != OutcomePublished {
		t.Fatalf("outcome=%s", out)
	}
	if h.message(t, 1, ids[0]).Tweeted {
		t.Fatalf("write should have failed")
	}
	if !h.sched.IsArmed(1, ids[0]) {
		t.Fatalf("repair not armed")
	}
	if out := d.Process(ctx, 1, ids[0]); out != OutcomePublished {
		t.Fatalf("repair outcome=%s", out)
	}
	if n := len(h.pub.Calls()); n != 1 {
		t.Fatalf("published %d times", n)
	}
	if m := h.message(t, 1, ids[0]); !m.Tweeted || m.RemoteStatusID != 100 {
		t.Fatalf("message=%+v", m)
	}
}

// panicOn makes the publisher panic for content and succeed otherwise.
func panicOn(content string) func(int, publisher.Payload) (int64, error) {
	return func(attempt int, p publisher.Payload) (int64, error) {
		if p.Text == content {
			panic("driver bug")
		}
		return 500 + int64(attempt), nil
	}
}

func (h *harness) awaitIdle(t *testing.T, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for h.d.InFlight() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d fires still in flight", h.d.InFlight())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPanicInCatchUpKeepsLaterMessages(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	_, ids := h.group(t, 1, true, false, msg("boom", at(-2*time.Minute)), msg("after", at(-time.Minute)))
	h.pub.Script = panicOn("boom")

	if n, err := h.d.Recover(ctx); err != nil || n != 2 {
		t.Fatalf("recover n=%d err=%v", n, err)
	}
	failed := h.await(t, eventbus.Failed, 1, 3*time.Second)
	h.await(t, eventbus.Published, 1, 3*time.Second)
	h.awaitIdle(t, time.Second)

	if failed[0].MessageID != ids[0] || !strings.Contains(failed[0].Reason, "panicked") {
		t.Fatalf("failed=%+v", failed[0])
	}
	if m := h.message(t, 1, ids[0]); !m.Tweeted || m.RemoteStatusID != 0 {
		t.Fatalf("panicking message=%+v", m)
	}
	if m := h.message(t, 1, ids[1]); !m.Tweeted || m.RemoteStatusID == 0 {
		t.Fatalf("later message=%+v", m)
	}
	if err := h.sup.Context().Err(); err != nil {
		t.Fatalf("supervisor canceled: %v (%v)", err, h.sup.Err())
	}
	if n, _ := h.d.Reconcile(ctx); n != 0 {
		t.Fatalf("reconcile re-armed %d", n)
	}
}

func TestPanicInFireIsolatedFromOtherUsers(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok1")
	h.user(t, 2, "tok2")
	_, bad := h.group(t, 1, true, false, msg("boom", at(time.Hour)))
	_, good := h.group(t, 2, true, false, msg("fine", at(time.Hour)))
	h.pub.Script = panicOn("boom")

	h.d.Fire(1, bad[0])
	h.await(t, eventbus.Failed, 1, 3*time.Second)
	h.d.Fire(2, good[0])
	h.await(t, eventbus.Published, 1, 3*time.Second)
	h.awaitIdle(t, time.Second)

	if err := h.sup.Context().Err(); err != nil {
		t.Fatalf("supervisor canceled: %v (%v)", err, h.sup.Err())
	}
	if m := h.message(t, 2, good[0]); !m.Tweeted || m.RemoteStatusID == 0 {
		t.Fatalf("other user's message=%+v", m)
	}
	if !h.message(t, 1, bad[0]).Tweeted {
		t.Fatalf("panicking message left pending")
	}

	// The synchronous path contains the panic too.
	_, again := h.group(t, 1, true, false, msg("boom", at(time.Hour)))
	if out := h.d.Process(ctx, 1, again[0]); out != OutcomeFailed {
		t.Fatalf("outcome=%s", out)
	}
}

// readFailStore fails the first message reads.
type readFailStore struct {
	*storage.Store
	fails atomic.Int32
}

func (f *readFailStore) GetMessage(ctx context.Context, userID, messageID int64) (*storage.Message, error) {
	if f.fails.Add(-1) >= 0 {
		return nil, errors.New("disk I/O error")
	}
	return f.Store.GetMessage(ctx, userID, messageID)
}

func TestStoreReadFailureRearms(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	_, ids := h.group(t, 1, true, false, msg("later", at(-time.Second)))

	fs := &readFailStore{Store: h.store}
	fs.fails.Store(1)
	pol := testPolicy()
	pol.RetryBackoff = []time.Duration{time.Hour}
	d, err := New(Options{Store: fs, Publisher: h.pub, Timers: h.sched, Supervisor: h.sup, Policy: pol})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if out := d.Process(ctx, 1, ids[0]); out != OutcomeSkipped {
		t.Fatalf("outcome=%s", out)
	}
	if !h.sched.IsArmed(1, ids[0]) {
		t.Fatalf("message not re-armed after read failure")
	}
	if out := d.Process(ctx, 1, ids[0]); out != OutcomePublished {
		t.Fatalf("second outcome=%s", out)
	}
	if n := len(h.pub.Calls()); n != 1 {
		t.Fatalf("published %d times", n)
	}
}

func TestConcurrentTogglesSerialise(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	gid, ids := h.group(t, 1, false, false, msg("m", at(time.Hour)))

	const n = 10
	var (
		wg  sync.WaitGroup
		on  atomic.Int32
		bad atomic.Value
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enabled, err := h.d.ToggleGroup(ctx, 1, gid)
			if err != nil {
				bad.Store(err)
				return
			}
			if enabled {
				on.Add(1)
			}
		}()
	}
	wg.Wait()

	if err, _ := bad.Load().(error); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if got := on.Load(); got != n/2 {
		t.Fatalf("%d of %d toggles reported enabled", got, n)
	}
	enabled, err := h.store.IsGroupEnabled(ctx, 1, gid)
	if err != nil || enabled {
		t.Fatalf("enabled=%v err=%v after an even number of toggles", enabled, err)
	}
	if h.sched.IsArmed(1, ids[0]) {
		t.Fatalf("disabled group left armed")
	}
}

func TestCopyGroupShifted(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	t0 := at(-24 * time.Hour)
	gid, _ := h.group(t, 1, false, false, msg("one", t0.Add(time.Second)), msg("two", t0.Add(2*time.Second)))

	shift := 24 * time.Hour
	newGID, err := h.d.CopyGroupShifted(ctx, 1, gid, shift, "copy")
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	copied, err := h.store.ListGroupMessages(ctx, 1, newGID)
	if err != nil || len(copied) != 2 {
		t.Fatalf("copied=%v err=%v", copied, err)
	}
	for i, want := range []string{"one", "two"} {
		m := copied[i]
		if m.Content != want || m.Tweeted || !m.ScheduledAt.Equal(t0.Add(time.Duration(i+1)*time.Second).Add(shift)) {
			t.Fatalf("copy %d = %+v", i, m)
		}
	}

	evs := h.await(t, eventbus.Published, 2, 4*time.Second)
	for i, e := range evs {
		drift := e.Time.Sub(copied[i].ScheduledAt)
		if drift < -time.Second || drift > time.Second {
			t.Fatalf("message %d fired %s off schedule", i, drift)
		}
	}
}

func TestCopyVariants(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	t0 := at(time.Hour)
	gid, ids := h.group(t, 1, false, false, msg("one", t0), msg("two", t0.Add(time.Minute)))

	yearGID, err := h.d.RepeatGroupInYears(ctx, 1, gid, 1, "")
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	yearMsgs, _ := h.store.ListGroupMessages(ctx, 1, yearGID)
	if !yearMsgs[0].ScheduledAt.Equal(t0.AddDate(1, 0, 0)) || !h.sched.IsArmed(1, yearMsgs[0].ID) {
		t.Fatalf("repeat=%+v", yearMsgs[0])
	}

	target := t0.Add(48 * time.Hour)
	refGID, err := h.d.CopyGroupFromReference(ctx, 1, gid, ids[1], target, "ref")
	if err != nil {
		t.Fatalf("copy from reference: %v", err)
	}
	refMsgs, _ := h.store.ListGroupMessages(ctx, 1, refGID)
	if !refMsgs[1].ScheduledAt.Equal(target) || !refMsgs[0].ScheduledAt.Equal(target.Add(-time.Minute)) {
		t.Fatalf("reference copy=%+v", refMsgs)
	}
	if _, err := h.d.CopyGroupFromReference(ctx, 1, gid, 99999, target, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown reference err=%v", err)
	}
}

func TestRecoveryMatchesNoCrashRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "p7.db")
	h := newHarness(t, dbPath, testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	gid, _ := h.group(t, 1, false, false, msg("x", at(2*time.Second)), msg("y", at(3*time.Second)))
	if _, err := h.d.ScheduleGroup(ctx, 1, gid); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.shutdown()

	h2 := newHarness(t, dbPath, testPolicy())
	if n, err := h2.d.Recover(ctx); err != nil || n != 2 {
		t.Fatalf("recover n=%d err=%v", n, err)
	}
	h2.await(t, eventbus.Published, 2, 5*time.Second)
	var texts []string
	for _, c := range h2.pub.Published() {
		texts = append(texts, c.Payload.Text)
	}
	if strings.Join(texts, ",") != "x,y" || len(h.pub.Calls()) != 0 {
		t.Fatalf("publishes=%v (before crash %d)", texts, len(h.pub.Calls()))
	}
}

func TestPastDueRecoveryThreaded(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	h.user(t, 2, "tok")
	h.group(t, 2, true, true,
		msg("first", at(-10*time.Second)), msg("second", at(-5*time.Second)), msg("third", at(-time.Second)))

	if _, err := h.d.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	h.await(t, eventbus.Published, 3, 3*time.Second)

	calls := h.pub.Published()
	for i, want := range []int64{0, 100, 101} {
		if calls[i].Payload.InReplyTo != want {
			t.Fatalf("call %d (%s) replied to %d, want %d", i, calls[i].Payload.Text, calls[i].Payload.InReplyTo, want)
		}
	}
}

func TestReconcileArmsExternalRows(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	_, ids := h.group(t, 1, true, false, msg("a", at(time.Hour)), msg("b", at(2*time.Hour)))
	h.group(t, 1, false, false, msg("off", at(time.Hour)))

	n, err := h.d.Reconcile(ctx)
	if err != nil || n != 2 {
		t.Fatalf("reconcile n=%d err=%v", n, err)
	}
	for _, id := range ids {
		if !h.sched.IsArmed(1, id) {
			t.Fatalf("message %d not armed", id)
		}
	}
	if n, _ := h.d.Reconcile(ctx); n != 0 {
		t.Fatalf("second reconcile armed %d", n)
	}
}

func TestAdmissionIncremental(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	gid, _ := h.group(t, 1, true, false)

	ids, err := h.d.AddMessages(ctx, 1, gid, []storage.NewMessage{msg("a", at(time.Hour)), msg("b", at(time.Hour))})
	if err != nil || len(ids) != 2 {
		t.Fatalf("add: %v %v", ids, err)
	}
	if h.sched.Len() != 2 {
		t.Fatalf("armed=%d", h.sched.Len())
	}
	if err := h.d.RemoveMessage(ctx, 1, ids[0]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if h.sched.IsArmed(1, ids[0]) {
		t.Fatalf("removed message still armed")
	}
	if err := h.d.OnMessageRemoved(ctx, 1, ids[1]); err != nil || h.sched.IsArmed(1, ids[1]) {
		t.Fatalf("OnMessageRemoved err=%v", err)
	}
	if err := h.d.OnMessageAdded(ctx, 1, ids[1]); err != nil || !h.sched.IsArmed(1, ids[1]) {
		t.Fatalf("OnMessageAdded err=%v", err)
	}
	if err := h.d.OnMessageAdded(ctx, 1, 4242); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown message err=%v", err)
	}

	g, err := h.store.GetGroup(ctx, 1, gid)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	g.Title, g.Threaded = "renamed", true
	if err := h.d.EditGroup(ctx, g); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if threaded, _ := h.store.IsGroupThreaded(ctx, 1, gid); !threaded {
		t.Fatalf("edit did not set threaded")
	}
	if err := h.d.SetThreaded(ctx, 1, gid, false); err != nil {
		t.Fatalf("set threaded: %v", err)
	}

	gid2, ids2 := h.group(t, 1, true, false, msg("c", at(time.Hour)))
	h.d.Reconcile(ctx)
	if n, err := h.d.DeleteGroups(ctx, 1, []int64{gid, gid2, 999}); err != nil || n != 2 {
		t.Fatalf("delete groups n=%d err=%v", n, err)
	}
	if h.sched.IsArmed(1, ids[1]) || h.sched.IsArmed(1, ids2[0]) || h.sched.Len() != 0 {
		t.Fatalf("timers survived group deletion: %d", h.sched.Len())
	}
}

func TestDeleteGroupDisarms(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	ctx := context.Background()
	h.user(t, 1, "tok")
	gid, ids := h.group(t, 1, false, false, msg("a", at(time.Hour)))
	if _, err := h.d.ScheduleGroup(ctx, 1, gid); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := h.d.DeleteGroup(ctx, 1, gid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if h.sched.IsArmed(1, ids[0]) {
		t.Fatalf("timer survived")
	}
	if err := h.d.DeleteGroup(ctx, 1, gid); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}

func TestApplyPolicy(t *testing.T) {
	h := newHarness(t, "", testPolicy())
	p := h.d.Policy()
	p.MaxLen = 140
	h.d.ApplyPolicy(p)
	if h.d.Policy().MaxLen != 140 {
		t.Fatalf("policy not applied")
	}
}
