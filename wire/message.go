// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"fmt"
	"sync"

	"github.com/creachadair/commux/packet"
)

// Message versions understood by this package.
const (
	MessageVersionBase = 1
	MessageVersionExt  = 2
)

// A MessageType classifies a message.
type MessageType uint16

const (
	TypeInvalid MessageType = iota
	TypeRequest
	TypeResponse
	TypeNotify
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeNotify:
		return "NOTIFY"
	default:
		return fmt.Sprintf("TYPE:%d", uint16(t))
	}
}

// Error numbers carried by feedback responses. A response carrying one of
// these has no body.
const (
	FeedbackUnknownMessage       = 1111
	FeedbackCommunicatorNotFound = 1112
)

// IsFeedback reports whether errNo is a feedback error number.
func IsFeedback(errNo uint32) bool {
	return errNo == FeedbackUnknownMessage || errNo == FeedbackCommunicatorNotFound
}

// A Message is a unit of application data exchanged by communicators.
// The body is carried in Object and encoded by the [Transform] registered for
// the message ID.
type Message struct {
	ID         uint32
	Type       MessageType
	Version    uint16 // 0 is treated as MessageVersionBase
	SessionID  uint32
	SequenceID uint32
	ErrorNo    uint32
	Priority   Priority // local only, not sent on the wire

	Object any
}

func (m *Message) version() uint16 {
	if m.Version == 0 {
		return MessageVersionBase
	}
	return m.Version
}

// A Transform encodes and decodes the body of messages with a given ID.
type Transform struct {
	// Length reports the encoded length of the body of m.
	Length func(m *Message) int

	// Serialize writes the body of m into dst, whose length is the value
	// most recently reported by Length.
	Serialize func(dst []byte, m *Message) error

	// Deserialize decodes src into the body of m.
	Deserialize func(src []byte, m *Message) error
}

// A Registry maps message IDs to transforms. The zero value is ready for use.
// A Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	μ  sync.RWMutex
	tx map[uint32]Transform
}

// NewRegistry constructs a new empty registry.
func NewRegistry() *Registry { return new(Registry) }

// Register adds a transform for message id. Each id may be registered once.
func (r *Registry) Register(id uint32, t Transform) error {
	if t.Length == nil || t.Serialize == nil || t.Deserialize == nil {
		return fmt.Errorf("%w: incomplete transform for message %d", ErrInvalidArgs, id)
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.tx[id]; ok {
		return fmt.Errorf("%w: message %d", ErrAlreadyRegistered, id)
	}
	if r.tx == nil {
		r.tx = make(map[uint32]Transform)
	}
	r.tx[id] = t
	return nil
}

// Lookup reports the transform for message id, if any.
func (r *Registry) Lookup(id uint32) (Transform, bool) {
	r.μ.RLock()
	defer r.μ.RUnlock()
	t, ok := r.tx[id]
	return t, ok
}

// ToBuffer encodes msg into a new application frame buffer. The physical and
// diverge headers are left zero; use [SetDivergeHeader] and [SetPhyHeader] to
// fill them in. If onlyHeader is true the body is not encoded.
func (r *Registry) ToBuffer(msg *Message, onlyHeader bool) (*packet.Buffer, error) {
	var bodyLen int
	var tx Transform
	if !onlyHeader {
		var ok bool
		tx, ok = r.Lookup(msg.ID)
		if !ok {
			return nil, fmt.Errorf("%w: message %d", ErrNotRegistered, msg.ID)
		}
		bodyLen = tx.Length(msg)
		if bodyLen <= 0 || packet.Align8(bodyLen) > MaxFrameLen-Overhead {
			return nil, fmt.Errorf("%w: message %d body length %d", ErrLength, msg.ID, bodyLen)
		}
	}
	buf := new(packet.Buffer)
	if err := buf.AllocByPayloadLength(bodyLen+MessageHeaderLen, AppHeaderLen); err != nil {
		return nil, err
	}
	payload := buf.Payload()
	b := packet.Into(payload)
	b.Uint16(msg.version())
	b.Uint16(uint16(msg.Type))
	b.Uint32(msg.ID)
	b.Uint32(msg.SessionID)
	b.Uint32(msg.SequenceID)
	b.Uint32(msg.ErrorNo)
	b.Uint32(uint32(bodyLen))
	if bodyLen > 0 {
		if err := tx.Serialize(payload[MessageHeaderLen:], msg); err != nil {
			return nil, fmt.Errorf("serialize message %d: %w", msg.ID, err)
		}
	}
	return buf, nil
}

// ToMessage decodes the message carried in the payload of buf. If onlyHeader
// is true, or the message is a feedback response, the body is not decoded.
//
// If no transform is registered for the message ID, ToMessage returns the
// decoded header together with [ErrNotRegistered].
func (r *Registry) ToMessage(buf *packet.Buffer, onlyHeader bool) (*Message, error) {
	payload := buf.Payload()
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: message payload %d bytes", ErrLength, len(payload))
	}
	s := packet.NewScanner(payload)
	ver, _ := s.Uint16()
	if ver != MessageVersionBase && ver != MessageVersionExt {
		return nil, fmt.Errorf("%w: message version %d", ErrVersionNotSupported, ver)
	}
	if len(payload) < MessageHeaderLen {
		return nil, fmt.Errorf("%w: message header %d bytes", ErrLength, len(payload))
	}
	msg := &Message{Version: ver}
	mtype, _ := s.Uint16()
	msg.Type = MessageType(mtype)
	msg.ID, _ = s.Uint32()
	msg.SessionID, _ = s.Uint32()
	msg.SequenceID, _ = s.Uint32()
	msg.ErrorNo, _ = s.Uint32()
	dataLen, _ := s.Uint32()
	if int(dataLen) != s.Len() {
		return nil, fmt.Errorf("%w: message body %d bytes, header says %d", ErrLength, s.Len(), dataLen)
	}
	if IsFeedback(msg.ErrorNo) || onlyHeader || dataLen == 0 {
		return msg, nil
	}
	tx, ok := r.Lookup(msg.ID)
	if !ok {
		return msg, fmt.Errorf("%w: message %d", ErrNotRegistered, msg.ID)
	}
	if err := tx.Deserialize(s.Rest(), msg); err != nil {
		return nil, fmt.Errorf("deserialize message %d: %w", msg.ID, err)
	}
	return msg, nil
}
