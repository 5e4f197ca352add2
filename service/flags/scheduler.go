package flags

import (
	"sync"
	"time"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/golang/glog"
)

// Default windows, matching the wall's presentation timing.
const (
	ArrivedWindow   = 1200 * time.Millisecond
	LikePulseWindow = 500 * time.Millisecond
	RemovalWindow   = 300 * time.Millisecond
)

// FlagStore is the part of the post store the scheduler writes to.
type FlagStore interface {
	SetFlag(ref models.RecordRef, flag models.Flag, deadline time.Time) bool
	ClearFlag(ref models.RecordRef, flag models.Flag) bool
}

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// Clock lets tests drive expiry by hand.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func SystemClock() Clock {
	return systemClock{}
}

type entryKey struct {
	ref  models.RecordRef
	flag models.Flag
}

// entry is one slot of the arena: a flag on a record and its deadline.
type entry struct {
	deadline   time.Time
	timer      Timer
	generation uint64
	// expiry runs a caller action instead of the plain clear
	expiry bool
}

// Scheduler arms self-clearing transient flags. It is scoped to one feed
// view: Close cancels every timer, and a callback that loses the race with
// Close or with a re-arm does nothing.
type Scheduler struct {
	store FlagStore
	clock Clock

	mutex      sync.Mutex
	entries    map[entryKey]*entry
	generation uint64
	closed     bool
}

func NewScheduler(store FlagStore, clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		store:   store,
		clock:   clock,
		entries: map[entryKey]*entry{},
	}
}

// Arm sets flag on ref and clears it after d. Re-arming before expiry
// resets the deadline.
func (s *Scheduler) Arm(ref models.RecordRef, flag models.Flag, d time.Duration) bool {
	return s.ArmFunc(ref, flag, d, nil)
}

// ArmFunc is Arm with onExpire run in place of the plain clear. onExpire
// runs without the scheduler lock held.
func (s *Scheduler) ArmFunc(ref models.RecordRef, flag models.Flag, d time.Duration, onExpire func()) bool {
	s.mutex.Lock()
	closed := s.closed
	s.mutex.Unlock()
	if closed {
		return false
	}

	// the store is never called with the scheduler lock held
	deadline := s.clock.Now().Add(d)
	if !s.store.SetFlag(ref, flag, deadline) {
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false
	}
	key := entryKey{ref: ref, flag: flag}
	if prev, ok := s.entries[key]; ok {
		prev.timer.Stop()
	}
	s.generation += 1
	generation := s.generation
	e := &entry{
		deadline:   deadline,
		generation: generation,
		expiry:     onExpire != nil,
	}
	e.timer = s.clock.AfterFunc(d, func() {
		s.expire(key, generation, onExpire)
	})
	s.entries[key] = e
	return true
}

func (s *Scheduler) expire(key entryKey, generation uint64, onExpire func()) {
	s.mutex.Lock()
	e, ok := s.entries[key]
	if s.closed || !ok || e.generation != generation {
		s.mutex.Unlock()
		return
	}
	delete(s.entries, key)
	s.mutex.Unlock()

	glog.V(2).Infof("[flags]%s: %s expired", key.ref, key.flag)
	if onExpire != nil {
		onExpire()
	} else {
		s.store.ClearFlag(key.ref, key.flag)
	}
}

// Disarm cancels the timer and clears the flag now.
func (s *Scheduler) Disarm(ref models.RecordRef, flag models.Flag) {
	s.mutex.Lock()
	key := entryKey{ref: ref, flag: flag}
	e, ok := s.entries[key]
	if ok {
		e.timer.Stop()
		delete(s.entries, key)
	}
	closed := s.closed
	s.mutex.Unlock()

	if !closed {
		s.store.ClearFlag(ref, flag)
	}
}

// Release cancels a plain Arm of flag on ref and clears the flag. An entry
// armed with ArmFunc is left running and Release returns false.
func (s *Scheduler) Release(ref models.RecordRef, flag models.Flag) bool {
	s.mutex.Lock()
	key := entryKey{ref: ref, flag: flag}
	e, ok := s.entries[key]
	if ok && e.expiry {
		s.mutex.Unlock()
		return false
	}
	if ok {
		e.timer.Stop()
		delete(s.entries, key)
	}
	closed := s.closed
	s.mutex.Unlock()

	if !closed {
		s.store.ClearFlag(ref, flag)
	}
	return true
}

// Expiring reports whether flag on ref is armed with an expiry action.
func (s *Scheduler) Expiring(ref models.RecordRef, flag models.Flag) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[entryKey{ref: ref, flag: flag}]
	return ok && e.expiry
}

// Armed reports the pending deadline for flag on ref.
func (s *Scheduler) Armed(ref models.RecordRef, flag models.Flag) (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[entryKey{ref: ref, flag: flag}]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

func (s *Scheduler) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.entries)
}

// Close cancels every pending timer. Later Arm calls are refused.
func (s *Scheduler) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
}
