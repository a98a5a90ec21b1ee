// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package wire implements the commux wire format: the physical packet header,
// fragmentation, the application-layer diverge and message headers, and the
// label exchange control frames.
//
// # Layout
//
// Every packet starts with a 32-byte physical header. A fragment carries an
// additional 8-byte option header. An application frame carries a 40-byte
// diverge header with the 32-byte label of the destination communicator,
// followed by a 24-byte message header and the serialized message body.
// All multi-byte integers are big-endian. Every packet is padded to a
// multiple of 8 bytes and protected by an XOR checksum over the 64-bit words
// following the checksum field.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Protocol constants.
const (
	Magic           = 0xAAAA
	ProtocolVersion = 0
	SchemaVersion   = 2 // database integration version carried by every packet

	MaxPaddingLen    = 7
	MaxFrameLen      = 32 << 20
	MinFragmentCount = 2
)

// Header sizes in bytes.
const (
	PhyHeaderLen     = 32
	PhyOptHeaderLen  = 8
	DivergeHeaderLen = 40
	MessageHeaderLen = 24
	LabelLen         = 32

	// AppHeaderLen is the length of the headers preceding the message header
	// of an application frame.
	AppHeaderLen = PhyHeaderLen + DivergeHeaderLen

	// CommHeaderLen is the length of the header of a communication-layer
	// control frame.
	CommHeaderLen = PhyHeaderLen

	// Overhead is the length of all headers preceding the serialized body of
	// an application message.
	Overhead = AppHeaderLen + MessageHeaderLen

	checksumOffset = 16
)

// Errors reported by the codec. Errors are wrapped with additional context;
// use [errors.Is] to check them.
var (
	ErrInvalidArgs           = errors.New("wire: invalid arguments")
	ErrLength                = errors.New("wire: invalid length")
	ErrParseFail             = errors.New("wire: parse failed")
	ErrChecksumMismatch      = errors.New("wire: checksum mismatch")
	ErrVersionNotSupported   = errors.New("wire: version not supported")
	ErrFrameTypeNotSupported = errors.New("wire: frame type not supported")
	ErrNotRegistered         = errors.New("wire: message transform not registered")
	ErrAlreadyRegistered     = errors.New("wire: message transform already registered")
)

// A FrameType identifies the kind of frame carried by a packet.
type FrameType uint8

const (
	FrameEmpty            FrameType = iota // version negotiation probe
	FrameApp                               // application message
	FrameLabelExchange                     // label exchange
	FrameLabelExchangeAck                  // label exchange acknowledgement
	frameTypeMax
)

var frameTypeStr = [...]string{
	FrameEmpty:            "EMPTY",
	FrameApp:              "APPLICATION_MESSAGE",
	FrameLabelExchange:    "LABEL_EXCHANGE",
	FrameLabelExchangeAck: "LABEL_EXCHANGE_ACK",
}

// Valid reports whether f is a known frame type.
func (f FrameType) Valid() bool { return f < frameTypeMax }

func (f FrameType) String() string {
	if f.Valid() {
		return frameTypeStr[f]
	}
	return "INVALID:" + strconv.Itoa(int(f))
}

// A PacketType is the decoded form of the packet type byte of the physical
// header: bit 0 marks a fragment, bits 4–7 hold the frame type.
type PacketType struct {
	Fragmented bool
	Frame      FrameType
}

// Encode packs t into a single byte.
func (t PacketType) Encode() byte {
	v := byte(t.Frame&0x0F) << 4
	if t.Fragmented {
		v |= 0x01
	}
	return v
}

// DecodePacketType unpacks a packet type byte.
func DecodePacketType(v byte) PacketType {
	return PacketType{Fragmented: v&0x01 != 0, Frame: FrameType(v >> 4)}
}

// A Label identifies a communicator. Labels are opaque 32-byte values.
type Label [LabelLen]byte

// LabelFromBytes returns the label whose contents are b.
// It reports [ErrInvalidArgs] if len(b) != 32.
func LabelFromBytes(b []byte) (Label, error) {
	var lab Label
	if len(b) != LabelLen {
		return lab, fmt.Errorf("%w: label length %d != %d", ErrInvalidArgs, len(b), LabelLen)
	}
	copy(lab[:], b)
	return lab, nil
}

// LabelFromUint64 returns a label whose first 8 bytes are v in big-endian
// order and whose remaining bytes are zero.
func LabelFromUint64(v uint64) Label {
	var lab Label
	binary.BigEndian.PutUint64(lab[:], v)
	return lab
}

func (l Label) String() string { return hex.EncodeToString(l[:8]) }

// A Priority orders outbound frames in the send scheduler.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "PRIORITY:" + strconv.Itoa(int(p))
	}
}

// SourceID returns the source identifier stamped into the physical header of
// packets sent by the node with the given identity.
func SourceID(identity string) uint64 { return xxhash.Sum64String(identity) }
