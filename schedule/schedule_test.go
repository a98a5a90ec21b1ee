// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package schedule_test

import (
	"errors"
	"testing"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/schedule"
	"github.com/creachadair/commux/wire"
	"github.com/google/go-cmp/cmp"
)

type entry struct {
	Prio   wire.Priority
	Target string
}

func newTask(t *testing.T, target string, size int) *schedule.Task {
	t.Helper()
	buf := new(packet.Buffer)
	if err := buf.AllocByTotalLength(size, 0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	return &schedule.Task{Buf: buf, Target: target, FrameType: wire.FrameApp}
}

func mustAdd(t *testing.T, s *schedule.Scheduler, target string, p wire.Priority) *schedule.Task {
	t.Helper()
	task := newTask(t, target, 64)
	if err := s.Add(task, p); err != nil {
		t.Fatalf("Add(%q, %v): unexpected error: %v", target, p, err)
	}
	return task
}

// drain schedules and finalizes every task, recording the order.
func drain(t *testing.T, s *schedule.Scheduler, prio map[*schedule.Task]wire.Priority) []entry {
	t.Helper()
	var got []entry
	for {
		task, err := s.Schedule()
		if errors.Is(err, schedule.ErrContainerEmpty) {
			return got
		} else if err != nil {
			t.Fatalf("Schedule: unexpected error: %v", err)
		}
		got = append(got, entry{prio[task], task.Target})
		if _, err := s.FinalizeLast(); err != nil {
			t.Fatalf("FinalizeLast: unexpected error: %v", err)
		}
	}
}

func TestPriorityOrder(t *testing.T) {
	s := schedule.New(schedule.DefaultConfig())
	prio := make(map[*schedule.Task]wire.Priority)
	for _, e := range []entry{
		{wire.PriorityLow, "A"},
		{wire.PriorityNormal, "B"},
		{wire.PriorityHigh, "C"},
		{wire.PriorityLow, "B"},
		{wire.PriorityNormal, "C"},
		{wire.PriorityHigh, "A"},
	} {
		prio[mustAdd(t, s, e.Target, e.Prio)] = e.Prio
	}

	want := []entry{
		{wire.PriorityHigh, "C"},
		{wire.PriorityHigh, "A"},
		{wire.PriorityNormal, "B"},
		{wire.PriorityNormal, "C"},
		{wire.PriorityLow, "A"},
		{wire.PriorityLow, "B"},
	}
	if diff := cmp.Diff(drain(t, s, prio), want); diff != "" {
		t.Errorf("Schedule order (-got, +want):\n%s", diff)
	}
}

func TestOutstanding(t *testing.T) {
	s := schedule.New(schedule.DefaultConfig())
	if _, err := s.Schedule(); !errors.Is(err, schedule.ErrContainerEmpty) {
		t.Errorf("Schedule(empty): got %v, want %v", err, schedule.ErrContainerEmpty)
	}
	a := mustAdd(t, s, "A", wire.PriorityNormal)
	mustAdd(t, s, "B", wire.PriorityNormal)

	got, err := s.Schedule()
	if err != nil || got != a {
		t.Fatalf("Schedule: got %v, %v; want task A", got, err)
	}
	if _, err := s.Schedule(); !errors.Is(err, schedule.ErrOutstanding) {
		t.Errorf("Schedule(outstanding): got %v, want %v", err, schedule.ErrOutstanding)
	}

	// Delaying A releases its task and lets B go first.
	s.Delay("A")
	if n := s.NoDelayCount(); n != 1 {
		t.Errorf("NoDelayCount = %d, want 1", n)
	}
	got, err = s.Schedule()
	if err != nil || got.Target != "B" {
		t.Fatalf("Schedule after delay: got %v, %v; want task B", got, err)
	}
	if tr, err := s.FinalizeLast(); err != nil || tr.Has(schedule.NotEmptyToEmpty) {
		t.Errorf("FinalizeLast: got %v, %v", tr, err)
	}

	// Only delayed tasks remain, so they are scheduled anyway.
	got, err = s.Schedule()
	if err != nil || got != a {
		t.Fatalf("Schedule(all delayed): got %v, %v; want task A", got, err)
	}
	tr, err := s.FinalizeLast()
	if err != nil || !tr.Has(schedule.NotEmptyToEmpty) {
		t.Errorf("FinalizeLast: got %v, %v; want NotEmptyToEmpty", tr, err)
	}
	if _, err := s.FinalizeLast(); err == nil {
		t.Error("FinalizeLast with nothing scheduled: got nil error")
	}
}

func TestDelayCounts(t *testing.T) {
	s := schedule.New(schedule.DefaultConfig())
	mustAdd(t, s, "A", wire.PriorityLow)
	mustAdd(t, s, "A", wire.PriorityHigh)
	mustAdd(t, s, "B", wire.PriorityLow)

	s.Delay("A")
	if n := s.NoDelayCount(); n != 1 {
		t.Errorf("NoDelayCount = %d, want 1", n)
	}
	mustAdd(t, s, "A", wire.PriorityNormal) // delayed on arrival
	if n := s.NoDelayCount(); n != 1 {
		t.Errorf("NoDelayCount = %d, want 1", n)
	}

	// The non-delayed low task wins over delayed high tasks.
	got, err := s.Schedule()
	if err != nil || got.Target != "B" {
		t.Fatalf("Schedule: got %v, %v; want task B", got, err)
	}
	if _, err := s.FinalizeLast(); err != nil {
		t.Fatalf("FinalizeLast: %v", err)
	}

	s.NoDelay("A")
	if n := s.NoDelayCount(); n != 3 {
		t.Errorf("NoDelayCount = %d, want 3", n)
	}
	if n, _ := s.Len(); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
}

func TestCapacity(t *testing.T) {
	s := schedule.New(schedule.Config{Base: 100, NormalExtra: 40, HighExtra: 100})

	add := func(p wire.Priority, size int) error { return s.Add(newTask(t, "T", size), p) }
	if err := add(wire.PriorityLow, 96); err != nil {
		t.Fatalf("Add low: %v", err)
	}
	if err := add(wire.PriorityLow, 8); err != nil {
		t.Fatalf("Add low: %v", err) // 96 < 100
	}
	if err := add(wire.PriorityLow, 8); !errors.Is(err, schedule.ErrContainerFull) {
		t.Errorf("Add low over base: got %v, want %v", err, schedule.ErrContainerFull)
	}
	if err := add(wire.PriorityNormal, 40); err != nil {
		t.Fatalf("Add normal: %v", err) // 104 < 140
	}
	if err := add(wire.PriorityNormal, 8); !errors.Is(err, schedule.ErrContainerFull) {
		t.Errorf("Add normal over limit: got %v, want %v", err, schedule.ErrContainerFull)
	}
	if err := add(wire.PriorityHigh, 8); err != nil {
		t.Fatalf("Add high: %v", err) // 144 < 200
	}

	// Sizes after each finalize: 144, 104 (below the normal limit), 8 (below
	// the base), 0.
	var trs []schedule.Transition
	for range 4 {
		if _, err := s.Schedule(); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		tr, err := s.FinalizeLast()
		if err != nil {
			t.Fatalf("FinalizeLast: %v", err)
		}
		trs = append(trs, tr)
	}
	want := []schedule.Transition{0, schedule.FullToNotFull, schedule.FullToNotFull, schedule.NotEmptyToEmpty}
	if diff := cmp.Diff(trs, want); diff != "" {
		t.Errorf("Transitions (-got, +want):\n%s", diff)
	}
}

func TestStop(t *testing.T) {
	s := schedule.New(schedule.DefaultConfig())
	var ended []error
	for _, target := range []string{"A", "B", "A"} {
		task := newTask(t, target, 64)
		task.OnEnd = func(err error) { ended = append(ended, err) }
		if err := s.Add(task, wire.PriorityNormal); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	s.Stop()
	if len(ended) != 3 {
		t.Fatalf("Stop ended %d tasks, want 3", len(ended))
	}
	for _, err := range ended {
		if !errors.Is(err, schedule.ErrStopped) {
			t.Errorf("OnEnd: got %v, want %v", err, schedule.ErrStopped)
		}
	}
	if n, size := s.Len(); n != 0 || size != 0 {
		t.Errorf("Len after Stop = %d, %d", n, size)
	}

	// A task added after Stop is refused rather than stranded.
	late := newTask(t, "A", 64)
	late.OnEnd = func(error) { t.Error("OnEnd called for a refused task") }
	if err := s.Add(late, wire.PriorityHigh); !errors.Is(err, schedule.ErrStopped) {
		t.Errorf("Add after Stop: got %v, want %v", err, schedule.ErrStopped)
	}
	if n, _ := s.Len(); n != 0 {
		t.Errorf("Len after late Add = %d, want 0", n)
	}
}
