// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package retainer_test

import (
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/retainer"
	"github.com/creachadair/commux/wire"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

var (
	labA = wire.LabelFromUint64(0xA)
	labB = wire.LabelFromUint64(0xB)
)

func frame(t *testing.T, label wire.Label, src string, id uint32, size int) retainer.Frame {
	t.Helper()
	buf := new(packet.Buffer)
	if err := buf.AllocByTotalLength(size, wire.AppHeaderLen); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	return retainer.Frame{Label: label, Source: src, FrameID: id, Buf: buf}
}

func frameIDs(fs []retainer.Frame) []uint32 {
	var out []uint32
	for _, f := range fs {
		out = append(out, f.FrameID)
	}
	return out
}

func TestFetchOrder(t *testing.T) {
	r := retainer.New(retainer.DefaultConfig(), zerolog.Nop())
	for i, src := range []string{"x", "y", "x", "z", "y"} {
		if err := r.Retain(frame(t, labA, src, uint32(i+1), 80)); err != nil {
			t.Fatalf("Retain: %v", err)
		}
	}
	if err := r.Retain(frame(t, labB, "x", 99, 80)); err != nil {
		t.Fatalf("Retain: %v", err)
	}

	if diff := cmp.Diff(frameIDs(r.Fetch(labA)), []uint32{1, 2, 3, 4, 5}); diff != "" {
		t.Errorf("Fetch(A) (-got, +want):\n%s", diff)
	}
	if got := r.Fetch(labA); len(got) != 0 {
		t.Errorf("second Fetch(A): got %d frames, want 0", len(got))
	}
	if n, size := r.Len(); n != 1 || size != 80 {
		t.Errorf("Len = %d, %d; want 1, 80", n, size)
	}
}

func TestPerTargetLimit(t *testing.T) {
	r := retainer.New(retainer.DefaultConfig(), zerolog.Nop())
	for i := range 7 {
		if err := r.Retain(frame(t, labA, "x", uint32(i+1), 80)); err != nil {
			t.Fatalf("Retain: %v", err)
		}
	}
	if err := r.Retain(frame(t, labA, "y", 100, 80)); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	// The two oldest frames from x were dropped; y has its own budget.
	if diff := cmp.Diff(frameIDs(r.Fetch(labA)), []uint32{3, 4, 5, 6, 7, 100}); diff != "" {
		t.Errorf("Fetch (-got, +want):\n%s", diff)
	}
}

func TestTotalLimit(t *testing.T) {
	cfg := retainer.DefaultConfig()
	cfg.MaxTotal = 1000
	r := retainer.New(cfg, zerolog.Nop())

	if err := r.Retain(frame(t, labA, "x", 1, 400)); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if err := r.Retain(frame(t, labB, "y", 2, 400)); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if err := r.Retain(frame(t, labB, "x", 3, 400)); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if err := r.Retain(frame(t, labA, "z", 4, 2000)); !errors.Is(err, retainer.ErrTooLarge) {
		t.Errorf("Retain(oversize): got %v, want %v", err, retainer.ErrTooLarge)
	}

	// The globally oldest frame (label A) was evicted to make room.
	if got := r.Fetch(labA); len(got) != 0 {
		t.Errorf("Fetch(A): got frames %v, want none", frameIDs(got))
	}
	if diff := cmp.Diff(frameIDs(r.Fetch(labB)), []uint32{2, 3}); diff != "" {
		t.Errorf("Fetch(B) (-got, +want):\n%s", diff)
	}
}

func TestOwnsStorage(t *testing.T) {
	r := retainer.New(retainer.DefaultConfig(), zerolog.Nop())
	src := make([]byte, 96)
	src[80] = 'k'
	var buf packet.Buffer
	if err := buf.SetExternal(src, 96, wire.AppHeaderLen); err != nil {
		t.Fatalf("SetExternal: %v", err)
	}
	if err := r.Retain(retainer.Frame{Label: labA, Source: "x", Buf: &buf}); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	src[80] = 'X'

	got := r.Fetch(labA)
	if len(got) != 1 || got[0].Buf.External() || got[0].Buf.Entire()[80] != 'k' {
		t.Error("retained frame still aliases the caller's storage")
	}
}

func TestExpiry(t *testing.T) {
	defer leaktest.Check(t)()

	synctest.Test(t, func(t *testing.T) {
		r := retainer.New(retainer.DefaultConfig(), zerolog.Nop())
		r.Start()
		defer r.Stop()

		if err := r.Retain(frame(t, labA, "x", 1, 80)); err != nil {
			t.Fatalf("Retain: %v", err)
		}
		time.Sleep(5 * time.Second)
		if err := r.Retain(frame(t, labA, "x", 2, 80)); err != nil {
			t.Fatalf("Retain: %v", err)
		}

		time.Sleep(5500 * time.Millisecond)
		synctest.Wait()
		if n, _ := r.Len(); n != 1 {
			t.Errorf("Len after first expiry = %d, want 1", n)
		}

		time.Sleep(5 * time.Second)
		synctest.Wait()
		if n, size := r.Len(); n != 0 || size != 0 {
			t.Errorf("Len after second expiry = %d, %d; want 0, 0", n, size)
		}
	})
}
