// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"testing"

	"github.com/creachadair/commux/packet"
	"github.com/google/go-cmp/cmp"
)

func TestBuilder(t *testing.T) {
	var b packet.Builder
	b.Bool(true)
	b.Put(5, 9, 100)
	b.Uint8(7)
	b.Uint16(5000)
	b.Uint32(0xfc009a01)
	b.Uint64(0x0102030405060708)
	b.Zero(2)
	b.Put([]byte("xyzzy")...)

	const want = "\x01\x05\x09\x64\x07\x13\x88\xfc\x00\x9a\x01\x01\x02\x03\x04\x05\x06\x07\x08\x00\x00xyzzy"
	//             ^   ^---^---^-- ^-- ^-----  ^-------------- ^------------------------------ ^------ ^----
	//          bool  byte*3      u8   uint16  uint32          uint64                          zero    literal

	if n := b.Len(); n != len(want) {
		t.Errorf("Len = %d, want %d", n, len(want))
	}
	if string(b.Bytes()) != want {
		t.Errorf("Bytes = %q, want %q", b.Bytes(), want)
	}

	s := packet.NewScanner(b.Bytes())
	check(t, "Bool", s.Bool, true)
	check(t, "Byte 1", s.Byte, 5)
	check(t, "Byte 2", s.Byte, 9)
	check(t, "Byte 3", s.Byte, 100)
	check(t, "Byte 4", s.Byte, 7)
	check(t, "Uint16", s.Uint16, 5000)
	check(t, "Uint32", s.Uint32, 0xfc009a01)
	check(t, "Uint64", s.Uint64, 0x0102030405060708)
	if err := s.Skip(2); err != nil {
		t.Errorf("Skip: unexpected error: %v", err)
	}
	check(t, "Literal", func() (string, error) { return packet.Get[string](s, 5) }, "xyzzy")

	if s.Len() != 0 {
		t.Errorf("Extra data at EOF (%d bytes): %q", s.Len(), s.Rest())
	}
	if s.Offset() != len(want) {
		t.Errorf("Offset = %d, want %d", s.Offset(), len(want))
	}
}

func TestScannerTruncated(t *testing.T) {
	s := packet.NewScanner("\x01\x02\x03")
	if _, err := s.Uint32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Uint32: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if _, err := s.Uint64(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Uint64: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	if err := s.Skip(4); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Skip: got %v, want %v", err, io.ErrUnexpectedEOF)
	}
	check(t, "Uint16", s.Uint16, 0x0102)
}

func TestInto(t *testing.T) {
	dst := make([]byte, 6)
	b := packet.Into(dst)
	b.Uint16(0xAAAA)
	b.Uint32(42)
	if b.Len() != len(dst) {
		t.Fatalf("Len = %d, want %d", b.Len(), len(dst))
	}
	if diff := cmp.Diff(dst, []byte{0xaa, 0xaa, 0, 0, 0, 42}); diff != "" {
		t.Errorf("Into storage (-got, +want):\n%s", diff)
	}
}

func TestAlign8(t *testing.T) {
	for _, tc := range []struct{ in, want int }{
		{0, 0}, {1, 8}, {7, 8}, {8, 8}, {9, 16}, {72, 72}, {73, 80},
	} {
		if got := packet.Align8(tc.in); got != tc.want {
			t.Errorf("Align8(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func check[T any](t *testing.T, label string, f func() (T, error), want T) {
	t.Helper()

	got, err := f()
	if err != nil {
		t.Errorf("%s: unexpected error: %v", label, err)
	} else if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("%s result (-got, +want):\n%s", label, diff)
	}
}
