// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"fmt"
	"math"
	"strings"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/mds/mapset"
)

// ParseResult records the fields decoded from a packet or frame.
type ParseResult struct {
	PacketLen  uint32
	PaddingLen uint8
	Fragmented bool
	FrameType  FrameType
	SourceID   uint64
	FrameID    uint32
	DBVersion  uint16 // schema version reported by the sender

	// Fragment fields, set when Fragmented is true.
	FrameLen  uint32
	FragCount uint16
	FragNo    uint16

	// Application frame fields.
	PayloadLen uint32
	Label      Label

	// Label exchange and acknowledgement fields.
	Distinct   uint64
	Sequence   uint64
	Labels     mapset.Set[Label]
	Duplicates int // duplicate labels ignored while parsing
}

// CheckAndParsePacket validates packet b received from src and decodes its
// headers. Fragments are validated only through their option header; the
// caller must reassemble them and call [CheckAndParseFrame] on the result.
func CheckAndParsePacket(src string, b []byte) (ParseResult, error) {
	var res ParseResult
	if len(b) > packet.MaxTotalLen {
		return res, fmt.Errorf("%w: packet %d bytes", ErrInvalidArgs, len(b))
	}
	if err := checkMagicAndVersion(b); err != nil {
		return res, err
	}
	if len(b) < PhyHeaderLen {
		return res, fmt.Errorf("%w: packet %d bytes", ErrParseFail, len(b))
	}
	h := readPhyHeader(b)
	switch {
	case h.sourceID != SourceID(src):
		return res, fmt.Errorf("%w: source id %016x does not match %q", ErrParseFail, h.sourceID, src)
	case int(h.packetLen) != len(b):
		return res, fmt.Errorf("%w: packet length %d, received %d", ErrParseFail, h.packetLen, len(b))
	case h.paddingLen > MaxPaddingLen:
		return res, fmt.Errorf("%w: padding length %d", ErrParseFail, h.paddingLen)
	case PhyHeaderLen+uint32(h.paddingLen) > h.packetLen:
		return res, fmt.Errorf("%w: padding %d exceeds packet", ErrParseFail, h.paddingLen)
	}
	sum, err := Checksum(b)
	if err != nil {
		return res, err
	} else if sum != h.checksum {
		return res, fmt.Errorf("%w: got %016x, want %016x", ErrChecksumMismatch, sum, h.checksum)
	}

	res.PacketLen = h.packetLen
	res.PaddingLen = h.paddingLen
	res.Fragmented = h.packetType.Fragmented
	res.FrameType = h.packetType.Frame
	res.SourceID = h.sourceID
	res.FrameID = h.frameID
	res.DBVersion = h.dbVersion
	if !res.FrameType.Valid() {
		return res, fmt.Errorf("%w: %v", ErrFrameTypeNotSupported, res.FrameType)
	}
	if res.FrameType == FrameEmpty {
		return res, nil
	}
	if res.Fragmented {
		if len(b) < PhyHeaderLen+PhyOptHeaderLen {
			return res, fmt.Errorf("%w: fragment %d bytes", ErrLength, len(b))
		}
		s := packet.NewScanner(b[PhyHeaderLen:])
		res.FrameLen, _ = s.Uint32()
		res.FragCount, _ = s.Uint16()
		res.FragNo, _ = s.Uint16()
		return res, nil
	}
	return res, parseFrameBody(b, &res)
}

// CheckAndParseFrame decodes the headers of a complete frame. The packet
// fields of res must already be set, either by [CheckAndParsePacket] or by
// reassembly of fragments.
func CheckAndParseFrame(buf *packet.Buffer, res *ParseResult) error {
	if res.Fragmented {
		return fmt.Errorf("%w: frame is a fragment", ErrInvalidArgs)
	}
	return parseFrameBody(buf.Entire(), res)
}

func parseFrameBody(b []byte, res *ParseResult) error {
	if int(res.PacketLen) > len(b) || res.PacketLen < PhyHeaderLen+uint32(res.PaddingLen) {
		return fmt.Errorf("%w: packet length %d for %d bytes", ErrParseFail, res.PacketLen, len(b))
	}
	if res.FrameType == FrameApp {
		return parseDivergeHeader(b, res)
	}
	return parseCommPayload(b[PhyHeaderLen:res.PacketLen-uint32(res.PaddingLen)], res)
}

func checkMagicAndVersion(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("%w: packet %d bytes", ErrLength, len(b))
	}
	s := packet.NewScanner(b)
	if magic, _ := s.Uint16(); magic != Magic {
		return fmt.Errorf("%w: bad magic %04x", ErrParseFail, magic)
	}
	if ver, _ := s.Uint16(); ver != ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d", ErrVersionNotSupported, ver)
	}
	return nil
}

func parseDivergeHeader(b []byte, res *ParseResult) error {
	if len(b) < PhyHeaderLen+2 {
		return fmt.Errorf("%w: frame %d bytes", ErrParseFail, len(b))
	}
	s := packet.NewScanner(b[PhyHeaderLen:])
	if ver, _ := s.Uint16(); ver != ProtocolVersion {
		return fmt.Errorf("%w: diverge version %d", ErrVersionNotSupported, ver)
	}
	if len(b) < AppHeaderLen {
		return fmt.Errorf("%w: frame %d bytes", ErrParseFail, len(b))
	}
	s.Skip(2) // reserved
	res.PayloadLen, _ = s.Uint32()
	lab, _ := packet.Get[[]byte](s, LabelLen)
	copy(res.Label[:], lab)
	want := uint64(AppHeaderLen) + uint64(res.PayloadLen) + uint64(res.PaddingLen)
	if want != uint64(res.PacketLen) {
		return fmt.Errorf("%w: payload %d + padding %d does not fill packet %d",
			ErrParseFail, res.PayloadLen, res.PaddingLen, res.PacketLen)
	}
	return nil
}

func parseCommPayload(p []byte, res *ParseResult) error {
	switch res.FrameType {
	case FrameLabelExchange:
		return parseLabelExchange(p, res)
	case FrameLabelExchangeAck:
		return parseLabelExchangeAck(p, res)
	}
	return fmt.Errorf("%w: %v", ErrFrameTypeNotSupported, res.FrameType)
}

func checkExchangeVersion(p []byte) (*packet.Scanner, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("%w: exchange payload %d bytes", ErrLength, len(p))
	}
	s := packet.NewScanner(p)
	if ver, _ := s.Uint64(); ver > labelExchangeVersion {
		return nil, fmt.Errorf("%w: exchange version %d", ErrVersionNotSupported, ver)
	}
	return s, nil
}

func parseLabelExchange(p []byte, res *ParseResult) error {
	s, err := checkExchangeVersion(p)
	if err != nil {
		return err
	}
	if len(p) < labelExchangeFixed {
		return fmt.Errorf("%w: exchange payload %d bytes", ErrLength, len(p))
	}
	res.Distinct, _ = s.Uint64()
	res.Sequence, _ = s.Uint64()
	count, _ := s.Uint64()
	if count > math.MaxUint32 || count > uint64(s.Len()/LabelLen) {
		return fmt.Errorf("%w: %d labels in %d bytes", ErrLength, count, s.Len())
	}
	res.Labels = mapset.New[Label]()
	res.Duplicates = 0
	for range count {
		raw, _ := packet.Get[[]byte](s, LabelLen)
		lab, _ := LabelFromBytes(raw)
		if res.Labels.Has(lab) {
			res.Duplicates++
			continue
		}
		res.Labels.Add(lab)
	}
	return nil
}

func parseLabelExchangeAck(p []byte, res *ParseResult) error {
	s, err := checkExchangeVersion(p)
	if err != nil {
		return err
	}
	if len(p) < labelExchangeAckLen {
		return fmt.Errorf("%w: ack payload %d bytes", ErrLength, len(p))
	}
	res.Distinct, _ = s.Uint64()
	res.Sequence, _ = s.Uint64()
	return nil
}

// Describe returns a human-readable summary of the headers of packet b.
// It does not validate the checksum or source of the packet.
func Describe(b []byte) string {
	if err := checkMagicAndVersion(b); err != nil {
		return fmt.Sprintf("invalid packet (%d bytes): %v", len(b), err)
	} else if len(b) < PhyHeaderLen {
		return fmt.Sprintf("short packet (%d bytes)", len(b))
	}
	h := readPhyHeader(b)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v len=%d pad=%d src=%016x frame=%d db=%d sum=%016x",
		h.packetType.Frame, h.packetLen, h.paddingLen, h.sourceID, h.frameID, h.dbVersion, h.checksum)
	if h.packetType.Fragmented && len(b) >= PhyHeaderLen+PhyOptHeaderLen {
		s := packet.NewScanner(b[PhyHeaderLen:])
		frameLen, _ := s.Uint32()
		count, _ := s.Uint16()
		no, _ := s.Uint16()
		fmt.Fprintf(&sb, " fragment=%d/%d frameLen=%d", no+1, count, frameLen)
		return sb.String()
	}
	res := ParseResult{
		PacketLen:  h.packetLen,
		PaddingLen: h.paddingLen,
		FrameType:  h.packetType.Frame,
	}
	if !res.FrameType.Valid() || res.FrameType == FrameEmpty || int(h.packetLen) > len(b) {
		return sb.String()
	}
	if err := parseFrameBody(b, &res); err != nil {
		fmt.Fprintf(&sb, " body=%v", err)
		return sb.String()
	}
	switch res.FrameType {
	case FrameApp:
		fmt.Fprintf(&sb, " label=%v payload=%d", res.Label, res.PayloadLen)
	case FrameLabelExchange:
		fmt.Fprintf(&sb, " distinct=%016x seq=%d labels=%d", res.Distinct, res.Sequence, res.Labels.Len())
	case FrameLabelExchangeAck:
		fmt.Fprintf(&sb, " distinct=%016x seq=%d", res.Distinct, res.Sequence)
	}
	return sb.String()
}
