// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package schedule implements the priority-aware queue of outbound frames.
//
// Tasks are kept in arrival order within each priority. A scheduled task
// stays queued until it is finalized, so a target that reports transient
// backpressure can be delayed and the same task retried later. Each priority
// may fill the queue up to a shared base capacity plus its own allowance.
package schedule

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/wire"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

var (
	// ErrContainerFull is reported by Add when the priority's capacity is used.
	ErrContainerFull = errors.New("schedule: container full")

	// ErrContainerEmpty is reported by Schedule when no task is queued.
	ErrContainerEmpty = errors.New("schedule: container empty")

	// ErrOutstanding is reported by Schedule while the previously scheduled
	// task is neither finalized nor released.
	ErrOutstanding = errors.New("schedule: scheduled task not finalized")

	// ErrStopped is passed to the completion callback of tasks discarded by
	// Stop, and reported by Add after Stop.
	ErrStopped = errors.New("schedule: scheduler stopped")
)

// A Task is a frame waiting to be sent to a target.
type Task struct {
	Buf       *packet.Buffer
	Target    string
	FrameType wire.FrameType
	OnEnd     func(error) // called once when the task is finalized; may be nil
}

// End reports err to the completion callback of t, if it has one.
func (t *Task) End(err error) {
	if t.OnEnd != nil {
		t.OnEnd(err)
	}
}

// Config carries the capacity settings for a [Scheduler], in bytes.
type Config struct {
	Base        int // shared by all priorities
	NormalExtra int // additional capacity for normal priority
	HighExtra   int // additional capacity for high priority
}

// DefaultConfig returns the default scheduler capacity.
func DefaultConfig() Config {
	return Config{Base: 64 << 20, NormalExtra: 32 << 20, HighExtra: 64 << 20}
}

func (c Config) limit(p wire.Priority) int {
	switch p {
	case wire.PriorityNormal:
		return c.Base + c.NormalExtra
	case wire.PriorityHigh:
		return c.Base + c.HighExtra
	}
	return c.Base
}

// A Transition reports changes of the scheduler's fill state caused by
// finalizing a task.
type Transition uint8

const (
	FullToNotFull   Transition = 1 << iota // usage dropped below the capacity of some priority
	NotEmptyToEmpty                        // the last task was removed
)

// Has reports whether t includes all the flags of u.
func (t Transition) Has(u Transition) bool { return t&u == u }

// priorities in scheduling order.
var priorities = []wire.Priority{wire.PriorityHigh, wire.PriorityNormal, wire.PriorityLow}

type level struct {
	order  []string // one entry per task, in arrival order
	queues map[string]*queue.Queue[*Task]
}

// A Scheduler orders send tasks by priority and arrival. Its methods are
// safe for concurrent use by multiple goroutines.
type Scheduler struct {
	cfg Config

	μ       sync.Mutex
	levels  [3]level // indexed by wire.Priority
	delayed mapset.Set[string]
	nDelay  int // tasks whose target is delayed
	total   int // tasks queued
	size    int // bytes queued
	stopped bool

	last     *Task // scheduled and not yet finalized
	lastPrio wire.Priority
}

// New constructs an empty scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{cfg: cfg, delayed: mapset.New[string]()}
	for i := range s.levels {
		s.levels[i].queues = make(map[string]*queue.Queue[*Task])
	}
	return s
}

// Add queues t at priority p.
func (s *Scheduler) Add(t *Task, p wire.Priority) error {
	if t == nil || t.Buf == nil || int(p) >= len(s.levels) {
		return fmt.Errorf("schedule: invalid task or priority %v", p)
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.stopped {
		return ErrStopped
	} else if s.size >= s.cfg.limit(p) {
		return fmt.Errorf("%w: %d bytes queued at %v", ErrContainerFull, s.size, p)
	}
	lv := &s.levels[p]
	q := lv.queues[t.Target]
	if q == nil {
		q = new(queue.Queue[*Task])
		lv.queues[t.Target] = q
	}
	q.Add(t)
	lv.order = append(lv.order, t.Target)
	s.total++
	s.size += t.Buf.Len()
	if s.delayed.Has(t.Target) {
		s.nDelay++
	}
	return nil
}

// Schedule selects the next task to send. If any task has a target that is
// not delayed, the oldest such task of the highest priority is chosen;
// otherwise the oldest delayed task of the highest priority is chosen.
//
// The task remains queued until FinalizeLast is called, or its target is
// delayed, and no other task is scheduled in the meantime.
func (s *Scheduler) Schedule() (*Task, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.total == 0 {
		return nil, ErrContainerEmpty
	} else if s.last != nil {
		return nil, fmt.Errorf("%w: target %q", ErrOutstanding, s.last.Target)
	}
	allDelayed := s.nDelay >= s.total
	for _, p := range priorities {
		lv := &s.levels[p]
		for _, target := range lv.order {
			if !allDelayed && s.delayed.Has(target) {
				continue
			}
			t := lv.queues[target].Front()
			s.last, s.lastPrio = t, p
			return t, nil
		}
	}
	return nil, ErrContainerEmpty // unreachable while the counts are consistent
}

// FinalizeLast removes the most recently scheduled task and reports the
// resulting change in fill state. The caller is responsible for calling the
// task's completion callback.
func (s *Scheduler) FinalizeLast() (Transition, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.last == nil {
		return 0, errors.New("schedule: no task scheduled")
	}
	t, p := s.last, s.lastPrio
	s.last = nil

	lv := &s.levels[p]
	q := lv.queues[t.Target]
	q.Pop()
	if q.IsEmpty() {
		delete(lv.queues, t.Target)
	}
	if i := slices.Index(lv.order, t.Target); i >= 0 {
		lv.order = slices.Delete(lv.order, i, i+1)
	}
	if s.delayed.Has(t.Target) {
		s.nDelay--
	}

	var tr Transition
	before := s.size
	s.total--
	s.size -= t.Buf.Len()
	for _, p := range priorities {
		if lim := s.cfg.limit(p); before >= lim && s.size < lim {
			tr |= FullToNotFull
		}
	}
	if s.total == 0 {
		tr |= NotEmptyToEmpty
	}
	return tr, nil
}

// Delay marks target as unable to accept data. Its tasks are skipped while
// other targets have tasks. If the scheduled task belongs to target, it is
// released so that another task can be scheduled.
func (s *Scheduler) Delay(target string) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.last != nil && s.last.Target == target {
		s.last = nil
	}
	if s.delayed.Has(target) {
		return
	}
	s.delayed.Add(target)
	s.nDelay += s.countLocked(target)
}

// NoDelay marks target as able to accept data again.
func (s *Scheduler) NoDelay(target string) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if !s.delayed.Has(target) {
		return
	}
	s.delayed.Remove(target)
	s.nDelay -= s.countLocked(target)
}

func (s *Scheduler) countLocked(target string) int {
	var n int
	for i := range s.levels {
		if q := s.levels[i].queues[target]; q != nil {
			n += q.Len()
		}
	}
	return n
}

// NoDelayCount reports the number of queued tasks whose target is not delayed.
func (s *Scheduler) NoDelayCount() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.total - s.nDelay
}

// Len reports the number of tasks and bytes queued.
func (s *Scheduler) Len() (tasks, size int) {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.total, s.size
}

// Stop discards all queued tasks, calling their completion callbacks with
// [ErrStopped]. Callbacks are invoked without holding the scheduler lock.
// After Stop, Add fails with [ErrStopped].
func (s *Scheduler) Stop() {
	s.μ.Lock()
	s.stopped = true
	var ended []*Task
	for i := range s.levels {
		lv := &s.levels[i]
		for _, target := range lv.order {
			t, _ := lv.queues[target].Pop()
			ended = append(ended, t)
		}
		lv.order = nil
		clear(lv.queues)
	}
	s.delayed = mapset.New[string]()
	s.nDelay, s.total, s.size, s.last = 0, 0, 0, nil
	s.μ.Unlock()

	for _, t := range ended {
		t.End(ErrStopped)
	}
}
