package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"autochirp/internal/eventbus"
	"autochirp/internal/publisher"
	"autochirp/internal/runtime/supervisor"
	"autochirp/internal/storage"
	logx "autochirp/pkg/logx"
)

const stripeCount = 64

// Store is the persistence the dispatcher needs.
type Store interface {
	GetMessage(ctx context.Context, userID, messageID int64) (*storage.Message, error)
	IsGroupEnabled(ctx context.Context, userID, groupID int64) (bool, error)
	IsGroupThreaded(ctx context.Context, userID, groupID int64) (bool, error)
	PriorMessage(ctx context.Context, userID, groupID, messageID int64) (storage.Prior, error)
	GetCredentials(ctx context.Context, userID int64) (storage.Credentials, error)
	MarkTweeted(ctx context.Context, userID, messageID int64) (bool, error)
	RecordRemoteStatus(ctx context.Context, userID, messageID, remoteStatusID int64) error

	ListPendingForArming(ctx context.Context) ([]storage.PendingRef, error)
	ListGroupPending(ctx context.Context, userID, groupID int64) ([]storage.PendingRef, error)
	ListGroupMessageIDs(ctx context.Context, userID, groupID int64) ([]int64, error)

	SetGroupEnabled(ctx context.Context, userID, groupID int64, enabled bool) error
	SetGroupThreaded(ctx context.Context, userID, groupID int64, threaded bool) error
	EditGroup(ctx context.Context, g storage.Group) error
	InsertMessages(ctx context.Context, userID, groupID int64, msgs []storage.NewMessage) ([]int64, error)
	DeleteMessage(ctx context.Context, userID, messageID int64) error
	DeleteGroup(ctx context.Context, userID, groupID int64) error
	DeleteGroups(ctx context.Context, userID int64, groupIDs []int64) (int, error)
	CopyGroupShifted(ctx context.Context, userID, groupID int64, shift time.Duration, newTitle string) (int64, error)
	CopyGroupYears(ctx context.Context, userID, groupID int64, years int, newTitle string) (int64, error)
	ShiftFromReference(ctx context.Context, userID, groupID, refMessageID int64, newTime time.Time) (time.Duration, error)
}

// Timers is the timer registry. scheduler.Service implements it.
type Timers interface {
	Arm(userID, messageID int64, at time.Time) bool
	Disarm(userID, messageID int64) bool
	DisarmAll(userID int64, messageIDs []int64) int
	IsArmed(userID, messageID int64) bool
}

type Options struct {
	Store      Store
	Publisher  publisher.Publisher
	Timers     Timers
	Supervisor *supervisor.Supervisor
	Bus        eventbus.Bus
	Policy     Policy
	Log        logx.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

type key struct{ user, msg int64 }

// Dispatcher turns timer expiries into publishes and owns the admission
// interface used by front-ends.
type Dispatcher struct {
	store  Store
	pub    publisher.Publisher
	timers Timers
	sup    *supervisor.Supervisor
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	policy  atomic.Pointer[Policy]
	stripes [stripeCount]sync.Mutex

	// mu guards the bookkeeping maps below. Never held across I/O.
	mu       sync.Mutex
	inflight map[key]int
	attempts map[key]int
	defers   map[key]int
	// unrecorded holds remote ids whose store write failed, so the next
	// fire repairs the row instead of publishing again.
	unrecorded map[key]int64
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil || opts.Publisher == nil || opts.Timers == nil || opts.Supervisor == nil {
		return nil, errors.New("dispatch: store, publisher, timers and supervisor are required")
	}
	d := &Dispatcher{
		store:      opts.Store,
		pub:        opts.Publisher,
		timers:     opts.Timers,
		sup:        opts.Supervisor,
		bus:        opts.Bus,
		log:        opts.Log,
		now:        opts.Now,
		inflight:   map[key]int{},
		attempts:   map[key]int{},
		defers:     map[key]int{},
		unrecorded: map[key]int64{},
	}
	if d.bus == nil {
		d.bus = eventbus.Nop()
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.ApplyPolicy(opts.Policy)
	return d, nil
}

// ApplyPolicy swaps the policy used by subsequent fires.
func (d *Dispatcher) ApplyPolicy(p Policy) {
	p = p.normalized()
	d.policy.Store(&p)
}

func (d *Dispatcher) Policy() Policy { return *d.policy.Load() }

// InFlight is the number of fires currently running or queued for catch-up.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.inflight {
		n += c
	}
	return n
}

func (d *Dispatcher) stripe(userID int64) *sync.Mutex {
	i := userID % stripeCount
	if i < 0 {
		i = -i
	}
	return &d.stripes[i]
}

func (d *Dispatcher) begin(k key) {
	d.mu.Lock()
	d.inflight[k]++
	d.mu.Unlock()
}

func (d *Dispatcher) end(k key) {
	d.mu.Lock()
	if d.inflight[k] <= 1 {
		delete(d.inflight, k)
	} else {
		d.inflight[k]--
	}
	d.mu.Unlock()
}

// forget drops retry and defer bookkeeping for k.
func (d *Dispatcher) forget(k key) {
	d.mu.Lock()
	delete(d.attempts, k)
	delete(d.defers, k)
	d.mu.Unlock()
}

func (d *Dispatcher) emit(kind eventbus.Kind, k key, remoteID int64, attempt int, reason string) {
	d.bus.Publish(eventbus.Event{
		Kind:      kind,
		Time:      d.now(),
		UserID:    k.user,
		MessageID: k.msg,
		RemoteID:  remoteID,
		Attempt:   attempt,
		Reason:    reason,
	})
}

// Fire is the timer callback. It returns at once; the fire runs on a
// supervised goroutine.
func (d *Dispatcher) Fire(userID, messageID int64) {
	k := key{userID, messageID}
	d.begin(k)
	d.sup.Go0("dispatch.fire", func(ctx context.Context) {
		defer d.end(k)
		d.run(ctx, k)
	})
}

// Process runs one fire synchronously and reports its outcome.
func (d *Dispatcher) Process(ctx context.Context, userID, messageID int64) Outcome {
	k := key{userID, messageID}
	d.begin(k)
	defer d.end(k)
	return d.run(ctx, k)
}

// run is process with panics contained to the one message. A panicking
// fire marks its message failed so it can never fire again; other messages
// and users keep going.
func (d *Dispatcher) run(ctx context.Context, k key) (out Outcome) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log := d.log.With(logx.Int64("user", k.user), logx.Int64("msg", k.msg))
		log.Error("fire panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))

		mu := d.stripe(k.user)
		mu.Lock()
		defer mu.Unlock()
		out = d.fail(context.WithoutCancel(ctx), log, k, fmt.Errorf("%w: %v", ErrFirePanicked, r))
	}()
	return d.process(ctx, k)
}

func (d *Dispatcher) process(ctx context.Context, k key) Outcome {
	mu := d.stripe(k.user)
	mu.Lock()
	defer mu.Unlock()

	if ctx.Err() != nil {
		return OutcomeSkipped
	}
	pol := d.Policy()
	log := d.log.With(logx.Int64("user", k.user), logx.Int64("msg", k.msg))
	start := d.now()

	msg, err := d.store.GetMessage(ctx, k.user, k.msg)
	if err != nil {
		log.Error("read message failed", logx.Err(err))
		return d.storeUnavailable(k, pol)
	}
	if msg == nil {
		d.forget(k)
		return d.skip(k, "not found")
	}
	if msg.Tweeted {
		d.forget(k)
		return d.skip(k, "already tweeted")
	}
	if id, ok := d.pendingRecord(k); ok {
		return d.complete(ctx, log, k, id, start)
	}
	if msg.RemoteStatusID != 0 {
		log.Warn("repairing published message left pending", logx.Int64("remote_id", msg.RemoteStatusID))
		return d.complete(ctx, log, k, msg.RemoteStatusID, start)
	}

	enabled, err := d.store.IsGroupEnabled(ctx, k.user, msg.GroupID)
	if err != nil {
		log.Error("read group failed", logx.Int64("group", msg.GroupID), logx.Err(err))
		return d.storeUnavailable(k, pol)
	}
	if !enabled {
		d.forget(k)
		return d.skip(k, "group disabled")
	}

	creds, err := d.store.GetCredentials(ctx, k.user)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return d.fail(ctx, log, k, ErrNoCredentials)
	case err != nil:
		log.Error("read credentials failed", logx.Err(err))
		return d.storeUnavailable(k, pol)
	case !creds.Valid():
		return d.fail(ctx, log, k, ErrNoCredentials)
	}

	var replyTo int64
	threaded, err := d.store.IsGroupThreaded(ctx, k.user, msg.GroupID)
	if err != nil {
		log.Error("read group failed", logx.Int64("group", msg.GroupID), logx.Err(err))
		return d.storeUnavailable(k, pol)
	}
	if threaded {
		prior, err := d.store.PriorMessage(ctx, k.user, msg.GroupID, k.msg)
		if err != nil {
			log.Error("read predecessor failed", logx.Err(err))
			return d.storeUnavailable(k, pol)
		}
		switch {
		case !prior.Exists:
		case prior.Published():
			replyTo = prior.RemoteStatusID
		case prior.Failed():
			log.Debug("predecessor failed, posting without reply", logx.Int64("prior", prior.MessageID))
		default:
			return d.deferThread(ctx, log, k, prior.MessageID, pol)
		}
	}

	payload := Compose(*msg, replyTo, pol, false)
	if payload.Empty() {
		return d.fail(ctx, log, k, ErrPayloadInvalid)
	}

	pc := publisher.Credentials{Token: creds.Token, TokenSecret: creds.TokenSecret, Handle: creds.Handle}
	remoteID, err := d.publish(ctx, pc, payload, pol)
	if err != nil && publisher.IsMediaFailure(err) && ctx.Err() == nil {
		log.Warn("media attach failed, inlining url", logx.Err(err))
		payload = Compose(*msg, replyTo, pol, true)
		remoteID, err = d.publish(ctx, pc, payload, pol)
	}
	if err == nil {
		return d.complete(ctx, log, k, remoteID, start)
	}
	if ctx.Err() != nil {
		// Shutdown mid-publish: the row stays pending for recovery.
		log.Info("fire interrupted", logx.Err(err))
		return OutcomeSkipped
	}
	if publisher.IsPermanent(err) || publisher.IsMediaFailure(err) {
		return d.fail(ctx, log, k, err)
	}
	return d.retry(ctx, log, k, err, pol)
}

func (d *Dispatcher) publish(ctx context.Context, creds publisher.Credentials, p publisher.Payload, pol Policy) (int64, error) {
	pctx, cancel := context.WithTimeout(ctx, pol.PublishTimeout)
	defer cancel()
	id, err := d.pub.Publish(pctx, creds, p)
	if err == nil && id == 0 {
		err = publisher.Permanent(errors.New("upstream returned no status id"))
	}
	return id, err
}

func (d *Dispatcher) skip(k key, reason string) Outcome {
	d.emit(eventbus.Skipped, k, 0, 0, reason)
	return OutcomeSkipped
}

// storeUnavailable re-arms k after a failed store read. Nothing was
// published, so the next fire starts over.
func (d *Dispatcher) storeUnavailable(k key, pol Policy) Outcome {
	d.timers.Arm(k.user, k.msg, d.now().Add(pol.backoff(1)))
	return d.skip(k, "store")
}

func (d *Dispatcher) pendingRecord(k key) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.unrecorded[k]
	return id, ok
}

// complete records the remote id and then the terminal flag. If either
// write fails the id is kept in memory and the message re-armed, so the
// next fire retries the writes without publishing again.
func (d *Dispatcher) complete(ctx context.Context, log logx.Logger, k key, remoteID int64, start time.Time) Outcome {
	err := d.store.RecordRemoteStatus(ctx, k.user, k.msg, remoteID)
	if err == nil {
		_, err = d.store.MarkTweeted(ctx, k.user, k.msg)
	}
	if err != nil {
		d.mu.Lock()
		d.unrecorded[k] = remoteID
		d.mu.Unlock()
		log.Error("published but store write failed", logx.Int64("remote_id", remoteID), logx.Err(err))
		d.timers.Arm(k.user, k.msg, d.now().Add(d.Policy().backoff(1)))
		return OutcomePublished
	}

	d.mu.Lock()
	attempt := d.attempts[k] + 1
	delete(d.unrecorded, k)
	d.mu.Unlock()
	d.forget(k)

	log.Info("tweet published", logx.Int64("remote_id", remoteID), logx.Int("attempt", attempt), logx.Duration("took", d.now().Sub(start)))
	d.emit(eventbus.Published, k, remoteID, attempt, "")
	return OutcomePublished
}

// fail moves the message to the terminal state without a remote id.
func (d *Dispatcher) fail(ctx context.Context, log logx.Logger, k key, cause error) Outcome {
	d.forget(k)
	if _, err := d.store.MarkTweeted(ctx, k.user, k.msg); err != nil {
		log.Error("mark failed message", logx.Err(err), logx.String("cause", cause.Error()))
	} else {
		log.Warn("tweet failed permanently", logx.Err(cause))
	}
	d.emit(eventbus.Failed, k, 0, 0, cause.Error())
	return OutcomeFailed
}

func (d *Dispatcher) retry(ctx context.Context, log logx.Logger, k key, cause error, pol Policy) Outcome {
	d.mu.Lock()
	n := d.attempts[k] + 1
	d.attempts[k] = n
	d.mu.Unlock()

	if n > pol.MaxRetries {
		return d.fail(ctx, log, k, fmt.Errorf("gave up after %d retries: %w", pol.MaxRetries, cause))
	}
	wait := pol.backoff(n)
	if hint, ok := publisher.RetryAfterHint(cause); ok && hint > wait {
		wait = hint
	}
	if !d.timers.Arm(k.user, k.msg, d.now().Add(wait)) {
		log.Warn("retry not armed, scheduler stopped", logx.Err(cause))
		return OutcomeSkipped
	}
	log.Warn("publish failed, retrying", logx.Int("retry", n), logx.Duration("in", wait), logx.Err(cause))
	d.emit(eventbus.Retrying, k, 0, n, cause.Error())
	return OutcomeRetry
}

func (d *Dispatcher) deferThread(ctx context.Context, log logx.Logger, k key, priorID int64, pol Policy) Outcome {
	d.mu.Lock()
	n := d.defers[k] + 1
	d.defers[k] = n
	d.mu.Unlock()

	if n > pol.ThreadMaxDefers {
		return d.fail(ctx, log, k, fmt.Errorf("%w (message %d)", ErrPredecessorStuck, priorID))
	}
	if !d.timers.Arm(k.user, k.msg, d.now().Add(pol.ThreadDeferDelay)) {
		return OutcomeSkipped
	}
	log.Debug("waiting for thread predecessor", logx.Int64("prior", priorID), logx.Int("defer", n), logx.Duration("in", pol.ThreadDeferDelay))
	d.emit(eventbus.Deferred, k, 0, n, "predecessor pending")
	return OutcomeDeferred
}
