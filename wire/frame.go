// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/creachadair/commux/packet"
)

// PhyInfo carries the per-send fields of the physical header.
type PhyInfo struct {
	SourceID  uint64
	FrameID   uint32
	FrameType FrameType
}

// Checksum computes the XOR of the little-endian 64-bit words of b[16:].
// The length of b must be a multiple of 8.
func Checksum(b []byte) (uint64, error) {
	if len(b) < checksumOffset || len(b)%8 != 0 {
		return 0, fmt.Errorf("%w: checksum over %d bytes", ErrLength, len(b))
	}
	var sum uint64
	for i := checksumOffset; i < len(b); i += 8 {
		sum ^= binary.LittleEndian.Uint64(b[i:])
	}
	return sum, nil
}

// SetPhyHeader fills in the physical header of buf and computes its checksum.
// The header must be the last thing modified before the buffer is sent.
func SetPhyHeader(buf *packet.Buffer, info PhyInfo) error {
	data := buf.Entire()
	if len(data) < PhyHeaderLen || !info.FrameType.Valid() {
		return fmt.Errorf("%w: buffer %d bytes, frame type %v", ErrInvalidArgs, len(data), info.FrameType)
	}
	writePhyHeader(data, phyHeader{
		packetLen:  uint32(len(data)),
		sourceID:   info.SourceID,
		frameID:    info.FrameID,
		packetType: PacketType{Frame: info.FrameType},
		paddingLen: uint8(buf.PaddingLen()),
	})
	return stampChecksum(data)
}

type phyHeader struct {
	magic      uint16
	version    uint16
	packetLen  uint32
	checksum   uint64
	sourceID   uint64
	frameID    uint32
	packetType PacketType
	paddingLen uint8
	dbVersion  uint16
}

// writePhyHeader writes h into the front of data with the protocol magic,
// version and schema fields set, and a zero checksum.
func writePhyHeader(data []byte, h phyHeader) {
	b := packet.Into(data)
	b.Uint16(Magic)
	b.Uint16(ProtocolVersion)
	b.Uint32(h.packetLen)
	b.Uint64(0)
	b.Uint64(h.sourceID)
	b.Uint32(h.frameID)
	b.Uint8(h.packetType.Encode())
	b.Uint8(h.paddingLen)
	b.Uint16(SchemaVersion)
}

func readPhyHeader(data []byte) phyHeader {
	s := packet.NewScanner(data[:PhyHeaderLen])
	var h phyHeader
	h.magic, _ = s.Uint16()
	h.version, _ = s.Uint16()
	h.packetLen, _ = s.Uint32()
	h.checksum, _ = s.Uint64()
	h.sourceID, _ = s.Uint64()
	h.frameID, _ = s.Uint32()
	pt, _ := s.Byte()
	h.packetType = DecodePacketType(pt)
	h.paddingLen, _ = s.Byte()
	h.dbVersion, _ = s.Uint16()
	return h
}

func stampChecksum(data []byte) error {
	sum, err := Checksum(data)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(data[8:], sum)
	return nil
}

// SetDivergeHeader fills in the diverge header of an application frame
// produced by [Registry.ToBuffer], addressing it to the given label.
func SetDivergeHeader(buf *packet.Buffer, label Label) error {
	if buf.HeaderLen() != AppHeaderLen {
		return fmt.Errorf("%w: header length %d != %d", ErrInvalidArgs, buf.HeaderLen(), AppHeaderLen)
	}
	b := packet.Into(buf.Entire()[PhyHeaderLen:AppHeaderLen])
	b.Uint16(ProtocolVersion)
	b.Uint16(0) // reserved
	b.Uint32(uint32(len(buf.Payload())))
	b.Put(label[:]...)
	return nil
}

// BuildEmptyFrame returns a frame with no payload, used to probe the protocol
// version of a peer.
func BuildEmptyFrame() *packet.Buffer {
	buf := new(packet.Buffer)
	if err := buf.AllocByPayloadLength(0, CommHeaderLen); err != nil {
		panic(err) // cannot fail for a fixed size
	}
	return buf
}

// BuildFeedbackFrame returns an application frame carrying only the header of
// msg, addressed to label.
func BuildFeedbackFrame(msg *Message, label Label) (*packet.Buffer, error) {
	var r Registry // a header-only encoding needs no transforms
	buf, err := r.ToBuffer(msg, true)
	if err != nil {
		return nil, err
	}
	if err := SetDivergeHeader(buf, label); err != nil {
		return nil, err
	}
	return buf, nil
}

// Label exchange payload layout.
const (
	labelExchangeVersion = 0
	labelExchangeFixed   = 32 // version, distinct, sequence, count
	labelExchangeAckLen  = 24 // version, distinct, sequence
)

// BuildLabelExchange returns a label exchange frame announcing labels as the
// complete set of labels online at the sender. The labels are encoded in
// ascending order without duplicates.
func BuildLabelExchange(distinct, seq uint64, labels []Label) (*packet.Buffer, error) {
	sorted := slices.Clone(labels)
	slices.SortFunc(sorted, func(a, b Label) int { return bytes.Compare(a[:], b[:]) })
	sorted = slices.Compact(sorted)

	buf := new(packet.Buffer)
	if err := buf.AllocByPayloadLength(labelExchangeFixed+LabelLen*len(sorted), CommHeaderLen); err != nil {
		return nil, err
	}
	b := packet.Into(buf.Payload())
	b.Uint64(labelExchangeVersion)
	b.Uint64(distinct)
	b.Uint64(seq)
	b.Uint64(uint64(len(sorted)))
	for _, lab := range sorted {
		b.Put(lab[:]...)
	}
	return buf, nil
}

// BuildLabelExchangeAck returns an acknowledgement of the label exchange
// with the given distinct value and sequence number.
func BuildLabelExchangeAck(distinct, seq uint64) *packet.Buffer {
	buf := new(packet.Buffer)
	if err := buf.AllocByPayloadLength(labelExchangeAckLen, CommHeaderLen); err != nil {
		panic(err) // cannot fail for a fixed size
	}
	b := packet.Into(buf.Payload())
	b.Uint64(labelExchangeVersion)
	b.Uint64(distinct)
	b.Uint64(seq)
	return buf
}
