// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"fmt"

	"github.com/creachadair/commux/packet"
)

// SplitFrame splits the frame in buf into packets of at most mtu bytes.
// The physical header of buf must already be set. If the whole buffer fits
// within mtu, SplitFrame returns nil and the buffer should be sent as-is.
//
// The frame body (everything after the physical header) is divided into
// equal pieces, with the last piece absorbing the remainder. Each packet
// gets a copy of the physical header with its own length, padding and
// checksum, followed by an option header giving the frame length, fragment
// count and fragment number.
func SplitFrame(buf *packet.Buffer, mtu int) ([][]byte, error) {
	if buf.Len() <= mtu {
		return nil, nil
	}
	frame := buf.Frame()
	if len(frame) <= PhyHeaderLen || len(frame) > MaxFrameLen {
		return nil, fmt.Errorf("%w: frame length %d", ErrInvalidArgs, len(frame))
	}
	maxFrag := (mtu - PhyHeaderLen - PhyOptHeaderLen) &^ 7
	if maxFrag <= 0 {
		return nil, fmt.Errorf("%w: mtu %d too small", ErrInvalidArgs, mtu)
	}
	toSplit := len(frame) - PhyHeaderLen
	count := max(MinFragmentCount, (toSplit+maxFrag-1)/maxFrag)
	for {
		quot, rem := toSplit/count, toSplit%count
		if packet.Align8(quot+rem) <= maxFrag {
			break
		}
		count++
	}
	if count > 0xFFFF {
		return nil, fmt.Errorf("%w: %d fragments", ErrInvalidArgs, count)
	}

	hdr := readPhyHeader(frame)
	quot := toSplit / count
	last := quot + toSplit%count
	out := make([][]byte, count)
	for i := range count {
		pieceLen := quot
		if i == count-1 {
			pieceLen = last
		}
		pkt := make([]byte, PhyHeaderLen+PhyOptHeaderLen+packet.Align8(pieceLen))

		h := hdr
		h.packetLen = uint32(len(pkt))
		h.packetType.Fragmented = true
		h.paddingLen = uint8(packet.Align8(pieceLen) - pieceLen)
		writePhyHeader(pkt, h)

		b := packet.Into(pkt[PhyHeaderLen : PhyHeaderLen+PhyOptHeaderLen])
		b.Uint32(uint32(len(frame)))
		b.Uint16(uint16(count))
		b.Uint16(uint16(i))

		start := PhyHeaderLen + i*quot
		copy(pkt[PhyHeaderLen+PhyOptHeaderLen:], frame[start:start+pieceLen])
		if err := stampChecksum(pkt); err != nil {
			return nil, err
		}
		out[i] = pkt
	}
	return out, nil
}

// AnalyzeSplit checks the fragment fields of info for consistency, and
// reports the length of a regular fragment and of the last fragment of the
// frame the packet belongs to.
func AnalyzeSplit(info ParseResult) (fragLen, lastLen uint32, _ error) {
	if info.FrameLen <= PhyHeaderLen || info.FrameLen > MaxFrameLen {
		return 0, 0, fmt.Errorf("%w: frame length %d", ErrParseFail, info.FrameLen)
	}
	toSplit := info.FrameLen - PhyHeaderLen
	count := uint32(info.FragCount)
	if count < MinFragmentCount || count > toSplit || uint32(info.FragNo) >= count {
		return 0, 0, fmt.Errorf("%w: fragment %d of %d for %d bytes", ErrParseFail, info.FragNo, count, toSplit)
	}
	fragLen = toSplit / count
	lastLen = fragLen + toSplit%count
	thisLen := fragLen
	if uint32(info.FragNo) == count-1 {
		thisLen = lastLen
	}
	want := PhyHeaderLen + PhyOptHeaderLen + thisLen + uint32(info.PaddingLen)
	if want != info.PacketLen {
		return 0, 0, fmt.Errorf("%w: packet length %d, want %d", ErrParseFail, info.PacketLen, want)
	}
	return fragLen, lastLen, nil
}

// CombinePacket copies the n data bytes of fragment packet pkt into frame at
// the given offset from the end of the frame's physical header.
func CombinePacket(frame, pkt []byte, offset, n int) error {
	if len(frame) < PhyHeaderLen+offset+n || len(pkt) < PhyHeaderLen+PhyOptHeaderLen+n {
		return fmt.Errorf("%w: combine %d bytes at %d into %d from %d",
			ErrInvalidArgs, n, offset, len(frame), len(pkt))
	}
	copy(frame[PhyHeaderLen+offset:], pkt[PhyHeaderLen+PhyOptHeaderLen:PhyHeaderLen+PhyOptHeaderLen+n])
	return nil
}
