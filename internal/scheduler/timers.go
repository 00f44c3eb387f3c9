package scheduler

import (
	"sort"
	"time"
)

// Arm installs a timer for (userID, messageID) that fires at at, replacing
// any existing one. A deadline in the past fires immediately. Arm is a no-op
// after Stop and reports whether a timer was installed.
func (s *Service) Arm(userID, messageID int64, at time.Time) bool {
	k := Key{UserID: userID, MessageID: messageID}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.stopped {
		return false
	}
	s.armLocked(k, at)
	return true
}

// ArmAll arms refs in one critical section.
func (s *Service) ArmAll(refs []Ref) int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.stopped {
		return 0
	}
	for _, r := range refs {
		s.armLocked(r.Key, r.At)
	}
	return len(refs)
}

func (s *Service) armLocked(k Key, at time.Time) {
	if cur, ok := s.armed[k]; ok {
		cur.t.Stop()
		delete(s.armed, k)
	}
	s.seq++
	ver := s.seq

	delay := max(0, time.Until(at))
	e := &armedTimer{at: at, ver: ver}
	e.t = time.AfterFunc(delay, func() { s.expire(k, ver) })
	s.armed[k] = e
}

// expire runs on the timer goroutine. Stale callbacks (replaced or disarmed
// entries) are dropped.
func (s *Service) expire(k Key, ver uint64) {
	s.tmu.Lock()
	cur, ok := s.armed[k]
	if !ok || cur.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.armed, k)
	fire := s.fire
	s.tmu.Unlock()

	if fire != nil {
		fire(k.UserID, k.MessageID)
	}
}

// Disarm cancels the timer for (userID, messageID). It is idempotent and
// reports whether a timer was removed.
func (s *Service) Disarm(userID, messageID int64) bool {
	k := Key{UserID: userID, MessageID: messageID}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.disarmLocked(k)
}

// DisarmAll cancels the timers of the given messages of one user.
func (s *Service) DisarmAll(userID int64, messageIDs []int64) int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	n := 0
	for _, id := range messageIDs {
		if s.disarmLocked(Key{UserID: userID, MessageID: id}) {
			n++
		}
	}
	return n
}

func (s *Service) disarmLocked(k Key) bool {
	cur, ok := s.armed[k]
	if !ok {
		return false
	}
	cur.t.Stop()
	delete(s.armed, k)
	return true
}

func (s *Service) IsArmed(userID, messageID int64) bool {
	s.tmu.Lock()
	_, ok := s.armed[Key{UserID: userID, MessageID: messageID}]
	s.tmu.Unlock()
	return ok
}

// Deadline returns the fire time of an armed message.
func (s *Service) Deadline(userID, messageID int64) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	e, ok := s.armed[Key{UserID: userID, MessageID: messageID}]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len is the number of armed timers.
func (s *Service) Len() int {
	s.tmu.Lock()
	n := len(s.armed)
	s.tmu.Unlock()
	return n
}

// Snapshot lists armed timers ordered by deadline.
func (s *Service) Snapshot() []Ref {
	s.tmu.Lock()
	out := make([]Ref, 0, len(s.armed))
	for k, e := range s.armed {
		out = append(out, Ref{Key: k, At: e.at})
	}
	s.tmu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}
