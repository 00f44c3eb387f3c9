package dispatch

import (
	"context"
	"fmt"
	"time"

	"autochirp/internal/eventbus"
	"autochirp/internal/storage"
	logx "autochirp/pkg/logx"
)

// Admission calls are serialised per user through the same stripe lock
// fires take. They never publish inline: due messages go to a catch-up
// goroutine.

// ScheduleGroup enables the group and arms its pending messages. Messages
// that already hold a timer or are firing keep their state, so calling it
// twice is harmless.
func (d *Dispatcher) ScheduleGroup(ctx context.Context, userID, groupID int64) (int, error) {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()
	return d.scheduleLocked(ctx, userID, groupID)
}

// UnscheduleGroup disables the group and cancels its timers.
func (d *Dispatcher) UnscheduleGroup(ctx context.Context, userID, groupID int64) error {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()
	return d.unscheduleLocked(ctx, userID, groupID)
}

// ToggleGroup flips the enabled flag and reports the new state. The read
// and the flip happen under one stripe hold, so concurrent toggles each see
// the previous one's result.
func (d *Dispatcher) ToggleGroup(ctx context.Context, userID, groupID int64) (bool, error) {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	enabled, err := d.store.IsGroupEnabled(ctx, userID, groupID)
	if err != nil {
		return false, err
	}
	if enabled {
		return false, d.unscheduleLocked(ctx, userID, groupID)
	}
	_, err = d.scheduleLocked(ctx, userID, groupID)
	return err == nil, err
}

func (d *Dispatcher) scheduleLocked(ctx context.Context, userID, groupID int64) (int, error) {
	if err := d.store.SetGroupEnabled(ctx, userID, groupID, true); err != nil {
		return 0, fmt.Errorf("enable group %d: %w", groupID, err)
	}
	refs, err := d.store.ListGroupPending(ctx, userID, groupID)
	if err != nil {
		return 0, fmt.Errorf("list group %d: %w", groupID, err)
	}
	n := d.arm(refs, true)
	d.log.Info("group scheduled", logx.Int64("user", userID), logx.Int64("group", groupID), logx.Int("pending", n))
	return n, nil
}

func (d *Dispatcher) unscheduleLocked(ctx context.Context, userID, groupID int64) error {
	if err := d.store.SetGroupEnabled(ctx, userID, groupID, false); err != nil {
		return fmt.Errorf("disable group %d: %w", groupID, err)
	}
	ids, err := d.store.ListGroupMessageIDs(ctx, userID, groupID)
	if err != nil {
		return fmt.Errorf("list group %d: %w", groupID, err)
	}
	n := d.disarm(userID, ids)
	d.log.Info("group unscheduled", logx.Int64("user", userID), logx.Int64("group", groupID), logx.Int("disarmed", n))
	return nil
}

// SetThreaded changes whether the group posts as a reply chain. Timers are
// unaffected; the flag is read at fire time.
func (d *Dispatcher) SetThreaded(ctx context.Context, userID, groupID int64, threaded bool) error {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()
	return d.store.SetGroupThreaded(ctx, userID, groupID, threaded)
}

// EditGroup updates the group's descriptive fields and threading.
func (d *Dispatcher) EditGroup(ctx context.Context, g storage.Group) error {
	mu := d.stripe(g.UserID)
	mu.Lock()
	defer mu.Unlock()

	if err := d.store.EditGroup(ctx, g); err != nil {
		return err
	}
	return d.store.SetGroupThreaded(ctx, g.UserID, g.ID, g.Threaded)
}

// OnMessageAdded arms a message written by a front-end. Calling it for an
// edited message re-arms it at its stored time.
func (d *Dispatcher) OnMessageAdded(ctx context.Context, userID, messageID int64) error {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := d.store.GetMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %d: %w", messageID, storage.ErrNotFound)
	}
	if msg.Tweeted {
		return nil
	}
	enabled, err := d.store.IsGroupEnabled(ctx, userID, msg.GroupID)
	if err != nil || !enabled {
		return err
	}
	k := key{userID, messageID}
	d.forget(k)
	d.arm([]storage.PendingRef{{UserID: userID, MessageID: messageID, ScheduledAt: msg.ScheduledAt}}, false)
	return nil
}

// OnMessageRemoved cancels the message's timer.
func (d *Dispatcher) OnMessageRemoved(ctx context.Context, userID, messageID int64) error {
	d.disarm(userID, []int64{messageID})
	return nil
}

// AddMessages inserts messages into a group and arms them when the group
// is enabled.
func (d *Dispatcher) AddMessages(ctx context.Context, userID, groupID int64, msgs []storage.NewMessage) ([]int64, error) {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	ids, err := d.store.InsertMessages(ctx, userID, groupID, msgs)
	if err != nil {
		return nil, err
	}
	enabled, err := d.store.IsGroupEnabled(ctx, userID, groupID)
	if err != nil {
		return ids, err
	}
	if enabled {
		refs := make([]storage.PendingRef, len(ids))
		for i, id := range ids {
			refs[i] = storage.PendingRef{UserID: userID, MessageID: id, ScheduledAt: msgs[i].ScheduledAt}
		}
		d.arm(refs, false)
	}
	return ids, nil
}

// RemoveMessage deletes a message and its timer.
func (d *Dispatcher) RemoveMessage(ctx context.Context, userID, messageID int64) error {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := d.store.DeleteMessage(ctx, userID, messageID); err != nil {
		return err
	}
	d.disarm(userID, []int64{messageID})
	return nil
}

// DeleteGroup removes a group with its messages and timers.
func (d *Dispatcher) DeleteGroup(ctx context.Context, userID, groupID int64) error {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	ids, err := d.store.ListGroupMessageIDs(ctx, userID, groupID)
	if err != nil {
		return err
	}
	if err := d.store.DeleteGroup(ctx, userID, groupID); err != nil {
		return err
	}
	d.disarm(userID, ids)
	return nil
}

// DeleteGroups removes several groups in one transaction and reports how
// many existed.
func (d *Dispatcher) DeleteGroups(ctx context.Context, userID int64, groupIDs []int64) (int, error) {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	var ids []int64
	for _, g := range groupIDs {
		gids, err := d.store.ListGroupMessageIDs(ctx, userID, g)
		if err != nil {
			return 0, err
		}
		ids = append(ids, gids...)
	}
	n, err := d.store.DeleteGroups(ctx, userID, groupIDs)
	if err != nil {
		return 0, err
	}
	d.disarm(userID, ids)
	return n, nil
}

// CopyGroupShifted copies a group with every message moved by shift and
// arms the copy.
func (d *Dispatcher) CopyGroupShifted(ctx context.Context, userID, groupID int64, shift time.Duration, title string) (int64, error) {
	return d.copyAndArm(ctx, userID, func() (int64, error) {
		return d.store.CopyGroupShifted(ctx, userID, groupID, shift, title)
	})
}

// RepeatGroupInYears copies a group to the same dates years later.
func (d *Dispatcher) RepeatGroupInYears(ctx context.Context, userID, groupID int64, years int, title string) (int64, error) {
	return d.copyAndArm(ctx, userID, func() (int64, error) {
		return d.store.CopyGroupYears(ctx, userID, groupID, years, title)
	})
}

// CopyGroupFromReference copies a group so that refMessageID lands on
// newTime, keeping the spacing of the rest.
func (d *Dispatcher) CopyGroupFromReference(ctx context.Context, userID, groupID, refMessageID int64, newTime time.Time, title string) (int64, error) {
	return d.copyAndArm(ctx, userID, func() (int64, error) {
		shift, err := d.store.ShiftFromReference(ctx, userID, groupID, refMessageID, newTime)
		if err != nil {
			return 0, err
		}
		return d.store.CopyGroupShifted(ctx, userID, groupID, shift, title)
	})
}

func (d *Dispatcher) copyAndArm(ctx context.Context, userID int64, copyFn func() (int64, error)) (int64, error) {
	mu := d.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	newID, err := copyFn()
	if err != nil {
		return 0, err
	}
	refs, err := d.store.ListGroupPending(ctx, userID, newID)
	if err != nil {
		return newID, err
	}
	n := d.arm(refs, false)
	d.log.Info("group copied", logx.Int64("user", userID), logx.Int64("group", newID), logx.Int("armed", n))
	return newID, nil
}

// Recover arms every pending message once at startup. Past-due messages
// fire right away in stored order per user.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	refs, err := d.store.ListPendingForArming(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	n := d.arm(refs, false)
	d.log.Info("recovered pending tweets", logx.Int("count", n))
	return n, nil
}

// Reconcile arms pending messages that hold no timer and are not firing,
// such as rows written straight into the database.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	refs, err := d.store.ListPendingForArming(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}
	n := d.arm(refs, true)
	if n > 0 {
		d.log.Info("reconcile armed tweets", logx.Int("count", n))
	}
	return n, nil
}

// arm installs timers for future refs and queues past-due refs for
// catch-up. With onlyIdle set, refs that already hold a timer are left
// alone. Refs that are firing are always skipped. It returns how many refs
// were armed or queued.
func (d *Dispatcher) arm(refs []storage.PendingRef, onlyIdle bool) int {
	now := d.now()
	var due []key
	n := 0

	d.mu.Lock()
	for _, r := range refs {
		k := key{r.UserID, r.MessageID}
		if d.inflight[k] > 0 {
			continue
		}
		if onlyIdle && d.timers.IsArmed(k.user, k.msg) {
			continue
		}
		if r.ScheduledAt.After(now) {
			if d.timers.Arm(k.user, k.msg, r.ScheduledAt) {
				n++
				d.emit(eventbus.Armed, k, 0, 0, "")
			}
			continue
		}
		d.timers.Disarm(k.user, k.msg)
		d.inflight[k]++
		due = append(due, k)
		n++
	}
	d.mu.Unlock()

	d.catchUp(due)
	return n
}

// catchUp fires due keys sequentially per user, in the given order.
func (d *Dispatcher) catchUp(due []key) {
	if len(due) == 0 {
		return
	}
	byUser := map[int64][]key{}
	var order []int64
	for _, k := range due {
		if _, ok := byUser[k.user]; !ok {
			order = append(order, k.user)
		}
		byUser[k.user] = append(byUser[k.user], k)
	}
	for _, u := range order {
		keys := byUser[u]
		d.sup.Go0("dispatch.catchup", func(ctx context.Context) {
			for _, k := range keys {
				func() {
					defer d.end(k)
					d.run(ctx, k)
				}()
			}
		})
	}
}

func (d *Dispatcher) disarm(userID int64, ids []int64) int {
	n := d.timers.DisarmAll(userID, ids)
	for _, id := range ids {
		k := key{userID, id}
		d.forget(k)
		d.emit(eventbus.Disarmed, k, 0, 0, "")
	}
	return n
}
