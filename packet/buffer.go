// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"errors"
	"fmt"
)

// MaxTotalLen is the largest region a [Buffer] will allocate.
const MaxTotalLen = 100 << 20

var (
	// ErrInvalidArgs is reported for a malformed allocation request.
	ErrInvalidArgs = errors.New("packet: invalid arguments")

	// ErrTooLarge is reported when an allocation exceeds [MaxTotalLen].
	ErrTooLarge = errors.New("packet: buffer too large")

	// ErrAlreadyAllocated is reported when a buffer is allocated twice.
	ErrAlreadyAllocated = errors.New("packet: buffer already allocated")
)

// A Buffer is a single contiguous byte region holding a frame or packet,
// logically divided into a header, a payload and trailing padding:
//
//	| header | payload | padding |
//	 <------ frame ----->
//	 <---------- entire ---------->
//
// A Buffer is allocated exactly once. The zero value is empty and ready to be
// allocated. A buffer may own its storage, or borrow it from the caller via
// [Buffer.SetExternal]; borrowed storage must be converted with [Buffer.Own]
// before the buffer is handed to another goroutine.
type Buffer struct {
	data     []byte
	header   int
	padding  int
	external bool
}

// AllocByPayloadLength allocates b so that its total length is the smallest
// multiple of 8 not less than payload+header. The difference is padding.
func (b *Buffer) AllocByPayloadLength(payload, header int) error {
	if b.data != nil {
		return ErrAlreadyAllocated
	} else if payload < 0 || header < 0 || payload+header == 0 {
		return fmt.Errorf("%w: payload=%d header=%d", ErrInvalidArgs, payload, header)
	}
	total := Align8(payload + header)
	if total > MaxTotalLen {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}
	b.data = make([]byte, total)
	b.header = header
	b.padding = total - payload - header
	return nil
}

// AllocByTotalLength allocates b with exactly total bytes and no padding.
func (b *Buffer) AllocByTotalLength(total, header int) error {
	if b.data != nil {
		return ErrAlreadyAllocated
	} else if total <= 0 || header < 0 || total < header {
		return fmt.Errorf("%w: total=%d header=%d", ErrInvalidArgs, total, header)
	} else if total > MaxTotalLen {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}
	b.data = make([]byte, total)
	b.header = header
	return nil
}

// SetExternal makes b borrow data without copying. The first frameLen bytes
// of data are the frame, whose first header bytes are the header; anything
// after the frame is padding.
func (b *Buffer) SetExternal(data []byte, frameLen, header int) error {
	if b.data != nil {
		return ErrAlreadyAllocated
	} else if len(data) == 0 || frameLen > len(data) || header < 0 || header > frameLen {
		return fmt.Errorf("%w: len=%d frame=%d header=%d", ErrInvalidArgs, len(data), frameLen, header)
	}
	b.data = data
	b.header = header
	b.padding = len(data) - frameLen
	b.external = true
	return nil
}

// Own copies borrowed storage into memory owned by b. It has no effect if b
// already owns its storage.
func (b *Buffer) Own() {
	if !b.external {
		return
	}
	b.data = append([]byte(nil), b.data...)
	b.external = false
}

// External reports whether b borrows its storage from the caller.
func (b *Buffer) External() bool { return b.external }

// Clone returns a deep copy of b that owns its storage.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{
		data:    append([]byte(nil), b.data...),
		header:  b.header,
		padding: b.padding,
	}
}

// Len reports the total length of b including padding.
func (b *Buffer) Len() int { return len(b.data) }

// HeaderLen reports the length of the header region of b.
func (b *Buffer) HeaderLen() int { return b.header }

// PaddingLen reports the length of the trailing padding of b.
func (b *Buffer) PaddingLen() int { return b.padding }

// Entire returns the whole region of b, including padding.
func (b *Buffer) Entire() []byte { return b.data }

// Frame returns the region of b without its padding.
func (b *Buffer) Frame() []byte { return b.data[:len(b.data)-b.padding] }

// Header returns the header region of b.
func (b *Buffer) Header() []byte { return b.data[:b.header] }

// Payload returns the region of b between the header and the padding.
func (b *Buffer) Payload() []byte { return b.data[b.header : len(b.data)-b.padding] }

// PayloadWithPadding returns the region of b after the header.
func (b *Buffer) PayloadWithPadding() []byte { return b.data[b.header:] }
