// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/wire"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const textID = 100

var textTransform = wire.Transform{
	Length: func(m *wire.Message) int { return len(m.Object.(string)) },
	Serialize: func(dst []byte, m *wire.Message) error {
		copy(dst, m.Object.(string))
		return nil
	},
	Deserialize: func(src []byte, m *wire.Message) error {
		m.Object = string(src)
		return nil
	},
}

func newRegistry(t *testing.T) *wire.Registry {
	t.Helper()
	r := wire.NewRegistry()
	if err := r.Register(textID, textTransform); err != nil {
		t.Fatalf("Register: unexpected error: %v", err)
	}
	return r
}

// appPacket encodes msg as a complete application packet from src to label.
func appPacket(t *testing.T, r *wire.Registry, src string, label wire.Label, msg *wire.Message) *packet.Buffer {
	t.Helper()
	buf, err := r.ToBuffer(msg, false)
	if err != nil {
		t.Fatalf("ToBuffer: unexpected error: %v", err)
	}
	if err := wire.SetDivergeHeader(buf, label); err != nil {
		t.Fatalf("SetDivergeHeader: unexpected error: %v", err)
	}
	if err := wire.SetPhyHeader(buf, wire.PhyInfo{
		SourceID:  wire.SourceID(src),
		FrameID:   17,
		FrameType: wire.FrameApp,
	}); err != nil {
		t.Fatalf("SetPhyHeader: unexpected error: %v", err)
	}
	return buf
}

func decodeApp(t *testing.T, r *wire.Registry, frame []byte, res wire.ParseResult) *wire.Message {
	t.Helper()
	var rb packet.Buffer
	if err := rb.SetExternal(frame, len(frame)-int(res.PaddingLen), wire.AppHeaderLen); err != nil {
		t.Fatalf("SetExternal: unexpected error: %v", err)
	}
	msg, err := r.ToMessage(&rb, false)
	if err != nil {
		t.Fatalf("ToMessage: unexpected error: %v", err)
	}
	return msg
}

func TestRoundTrip(t *testing.T) {
	r := newRegistry(t)
	label := wire.LabelFromUint64(0xfeedface)
	msg := &wire.Message{
		ID:         textID,
		Type:       wire.TypeRequest,
		Version:    wire.MessageVersionExt,
		SessionID:  5,
		SequenceID: 9,
		Object:     "hello, world",
	}
	buf := appPacket(t, r, "alice", label, msg)
	if buf.Len()%8 != 0 {
		t.Errorf("packet length %d is not 8-aligned", buf.Len())
	}

	res, err := wire.CheckAndParsePacket("alice", buf.Entire())
	if err != nil {
		t.Fatalf("CheckAndParsePacket: unexpected error: %v", err)
	}
	if res.FrameType != wire.FrameApp || res.Fragmented {
		t.Errorf("FrameType = %v, fragmented = %v", res.FrameType, res.Fragmented)
	}
	if res.Label != label {
		t.Errorf("Label = %v, want %v", res.Label, label)
	}
	if res.FrameID != 17 || res.SourceID != wire.SourceID("alice") || res.DBVersion != wire.SchemaVersion {
		t.Errorf("header: frame=%d source=%x db=%d", res.FrameID, res.SourceID, res.DBVersion)
	}

	got := decodeApp(t, r, buf.Entire(), res)
	if diff := cmp.Diff(got, msg); diff != "" {
		t.Errorf("Message (-got, +want):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	r := newRegistry(t)
	good := appPacket(t, r, "alice", wire.LabelFromUint64(1),
		&wire.Message{ID: textID, Type: wire.TypeNotify, Object: "some text here"}).Entire()

	mod := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		f(b)
		return b
	}
	tests := []struct {
		name string
		src  string
		pkt  []byte
		want error
	}{
		{"Short", "alice", good[:3], wire.ErrLength},
		{"BadMagic", "alice", mod(func(b []byte) { b[0] = 0x55 }), wire.ErrParseFail},
		{"BadVersion", "alice", mod(func(b []byte) { b[3] = 1 }), wire.ErrVersionNotSupported},
		{"Truncated", "alice", good[:24], wire.ErrParseFail},
		{"WrongSource", "bob", good, wire.ErrParseFail},
		{"BadLength", "alice", good[:len(good)-8], wire.ErrParseFail},
		{"BadPadding", "alice", mod(func(b []byte) { b[29] = 9 }), wire.ErrParseFail},
		{"BodyFlip", "alice", mod(func(b []byte) { b[len(b)-10] ^= 0x20 }), wire.ErrChecksumMismatch},
		{"LabelFlip", "alice", mod(func(b []byte) { b[40] ^= 1 }), wire.ErrChecksumMismatch},
		{"ChecksumFlip", "alice", mod(func(b []byte) { b[9] ^= 1 }), wire.ErrChecksumMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := wire.CheckAndParsePacket(tc.src, tc.pkt)
			if !errors.Is(err, tc.want) {
				t.Errorf("CheckAndParsePacket: got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFrameTypeNotSupported(t *testing.T) {
	buf := wire.BuildEmptyFrame()
	if err := wire.SetPhyHeader(buf, wire.PhyInfo{SourceID: wire.SourceID("a"), FrameType: wire.FrameEmpty}); err != nil {
		t.Fatalf("SetPhyHeader: unexpected error: %v", err)
	}
	res, err := wire.CheckAndParsePacket("a", buf.Entire())
	if err != nil || res.FrameType != wire.FrameEmpty {
		t.Fatalf("empty frame: got %v, %v", res.FrameType, err)
	}

	// Rewrite the frame type to an unknown value and fix up the checksum.
	b := buf.Entire()
	b[28] = 0x90
	sum, err := wire.Checksum(b)
	if err != nil {
		t.Fatalf("Checksum: unexpected error: %v", err)
	}
	for i := range 8 {
		b[8+i] = byte(sum >> (56 - 8*i))
	}
	if _, err := wire.CheckAndParsePacket("a", b); !errors.Is(err, wire.ErrFrameTypeNotSupported) {
		t.Errorf("CheckAndParsePacket: got %v, want %v", err, wire.ErrFrameTypeNotSupported)
	}

	if err := wire.SetPhyHeader(buf, wire.PhyInfo{FrameType: 7}); !errors.Is(err, wire.ErrInvalidArgs) {
		t.Errorf("SetPhyHeader(invalid type): got %v, want %v", err, wire.ErrInvalidArgs)
	}
}

func TestSplitAndCombine(t *testing.T) {
	r := newRegistry(t)
	text := strings.Repeat("0123456789abcdef", 64) + "tail"
	msg := &wire.Message{ID: textID, Type: wire.TypeNotify, Object: text}
	buf := appPacket(t, r, "carol", wire.LabelFromUint64(2), msg)

	if pkts, err := wire.SplitFrame(buf, buf.Len()); err != nil || pkts != nil {
		t.Fatalf("SplitFrame(fits): got %d packets, %v", len(pkts), err)
	}

	for _, mtu := range []int{64, 100, 200, 333, 1000} {
		pkts, err := wire.SplitFrame(buf, mtu)
		if err != nil {
			t.Fatalf("SplitFrame(%d): unexpected error: %v", mtu, err)
		}
		if len(pkts) < wire.MinFragmentCount {
			t.Fatalf("SplitFrame(%d): got %d packets", mtu, len(pkts))
		}

		var frame []byte
		var first wire.ParseResult
		// Reassemble in a shuffled order.
		for _, i := range rand.Perm(len(pkts)) {
			pkt := pkts[i]
			if len(pkt) > mtu || len(pkt)%8 != 0 {
				t.Errorf("mtu %d: packet %d has length %d", mtu, i, len(pkt))
			}
			res, err := wire.CheckAndParsePacket("carol", pkt)
			if err != nil {
				t.Fatalf("mtu %d: parse packet %d: %v", mtu, i, err)
			}
			if !res.Fragmented || int(res.FragNo) != i || int(res.FragCount) != len(pkts) {
				t.Fatalf("mtu %d: packet %d: fragment %d/%d", mtu, i, res.FragNo, res.FragCount)
			}
			fragLen, lastLen, err := wire.AnalyzeSplit(res)
			if err != nil {
				t.Fatalf("mtu %d: AnalyzeSplit: %v", mtu, err)
			}
			if frame == nil {
				first = res
				frame = make([]byte, res.FrameLen)
				copy(frame, pkt[:wire.PhyHeaderLen])
			}
			n := fragLen
			if i == len(pkts)-1 {
				n = lastLen
			}
			if err := wire.CombinePacket(frame, pkt, i*int(fragLen), int(n)); err != nil {
				t.Fatalf("mtu %d: CombinePacket: %v", mtu, err)
			}
		}

		var fb packet.Buffer
		if err := fb.AllocByTotalLength(len(frame), wire.PhyHeaderLen); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		copy(fb.Entire(), frame)
		res := first
		res.Fragmented = false
		res.PacketLen = first.FrameLen
		res.PaddingLen = 0
		if err := wire.CheckAndParseFrame(&fb, &res); err != nil {
			t.Fatalf("mtu %d: CheckAndParseFrame: %v", mtu, err)
		}
		got := decodeApp(t, r, fb.Entire(), res)
		if got.Object != text {
			t.Errorf("mtu %d: reassembled body mismatch (%d bytes)", mtu, len(got.Object.(string)))
		}
	}
}

func TestAnalyzeSplitErrors(t *testing.T) {
	base := wire.ParseResult{FrameLen: 132, FragCount: 2, FragNo: 0, PacketLen: 90, PaddingLen: 0}
	if _, _, err := wire.AnalyzeSplit(base); err != nil {
		t.Fatalf("AnalyzeSplit(base): unexpected error: %v", err)
	}
	for name, mod := range map[string]func(*wire.ParseResult){
		"ShortFrame": func(r *wire.ParseResult) { r.FrameLen = wire.PhyHeaderLen },
		"HugeFrame":  func(r *wire.ParseResult) { r.FrameLen = wire.MaxFrameLen + 1 },
		"OneFrag":    func(r *wire.ParseResult) { r.FragCount = 1 },
		"FragNo":     func(r *wire.ParseResult) { r.FragNo = 2 },
		"Length":     func(r *wire.ParseResult) { r.PacketLen = 96 },
	} {
		res := base
		mod(&res)
		if _, _, err := wire.AnalyzeSplit(res); !errors.Is(err, wire.ErrParseFail) {
			t.Errorf("%s: got %v, want %v", name, err, wire.ErrParseFail)
		}
	}
}

func TestLabelExchange(t *testing.T) {
	labels := []wire.Label{wire.LabelFromUint64(3), wire.LabelFromUint64(1), wire.LabelFromUint64(3)}
	buf, err := wire.BuildLabelExchange(0xabc, 12, labels)
	if err != nil {
		t.Fatalf("BuildLabelExchange: unexpected error: %v", err)
	}
	if err := wire.SetPhyHeader(buf, wire.PhyInfo{SourceID: wire.SourceID("d"), FrameType: wire.FrameLabelExchange}); err != nil {
		t.Fatalf("SetPhyHeader: %v", err)
	}
	res, err := wire.CheckAndParsePacket("d", buf.Entire())
	if err != nil {
		t.Fatalf("CheckAndParsePacket: unexpected error: %v", err)
	}
	if res.Distinct != 0xabc || res.Sequence != 12 {
		t.Errorf("distinct=%x seq=%d", res.Distinct, res.Sequence)
	}
	want := []wire.Label{wire.LabelFromUint64(1), wire.LabelFromUint64(3)}
	if diff := cmp.Diff(res.Labels.Slice(), want, cmpopts.SortSlices(func(a, b wire.Label) bool {
		return a.String() < b.String()
	})); diff != "" {
		t.Errorf("Labels (-got, +want):\n%s", diff)
	}

	ack := wire.BuildLabelExchangeAck(0xabc, 12)
	if err := wire.SetPhyHeader(ack, wire.PhyInfo{SourceID: wire.SourceID("d"), FrameType: wire.FrameLabelExchangeAck}); err != nil {
		t.Fatalf("SetPhyHeader: %v", err)
	}
	res, err = wire.CheckAndParsePacket("d", ack.Entire())
	if err != nil {
		t.Fatalf("CheckAndParsePacket(ack): unexpected error: %v", err)
	}
	if res.FrameType != wire.FrameLabelExchangeAck || res.Distinct != 0xabc || res.Sequence != 12 {
		t.Errorf("ack: %v distinct=%x seq=%d", res.FrameType, res.Distinct, res.Sequence)
	}
}

func TestRegistry(t *testing.T) {
	r := newRegistry(t)
	if err := r.Register(textID, textTransform); !errors.Is(err, wire.ErrAlreadyRegistered) {
		t.Errorf("Register twice: got %v, want %v", err, wire.ErrAlreadyRegistered)
	}
	if err := r.Register(5, wire.Transform{}); !errors.Is(err, wire.ErrInvalidArgs) {
		t.Errorf("Register(empty): got %v, want %v", err, wire.ErrInvalidArgs)
	}
	if _, err := r.ToBuffer(&wire.Message{ID: 99}, false); !errors.Is(err, wire.ErrNotRegistered) {
		t.Errorf("ToBuffer(unregistered): got %v, want %v", err, wire.ErrNotRegistered)
	}
	if _, err := r.ToBuffer(&wire.Message{ID: textID, Object: ""}, false); !errors.Is(err, wire.ErrLength) {
		t.Errorf("ToBuffer(empty body): got %v, want %v", err, wire.ErrLength)
	}

	// A receiver without the transform still gets the header.
	buf, err := r.ToBuffer(&wire.Message{ID: textID, Type: wire.TypeRequest, SessionID: 3, Object: "x"}, false)
	if err != nil {
		t.Fatalf("ToBuffer: unexpected error: %v", err)
	}
	msg, err := wire.NewRegistry().ToMessage(buf, false)
	if !errors.Is(err, wire.ErrNotRegistered) {
		t.Errorf("ToMessage(unregistered): got %v, want %v", err, wire.ErrNotRegistered)
	}
	if msg == nil || msg.ID != textID || msg.SessionID != 3 || msg.Type != wire.TypeRequest {
		t.Errorf("ToMessage(unregistered): got message %+v", msg)
	}
}

func TestFeedbackFrame(t *testing.T) {
	label := wire.LabelFromUint64(42)
	msg := &wire.Message{ID: 77, Type: wire.TypeResponse, SessionID: 8, ErrorNo: wire.FeedbackCommunicatorNotFound}
	buf, err := wire.BuildFeedbackFrame(msg, label)
	if err != nil {
		t.Fatalf("BuildFeedbackFrame: unexpected error: %v", err)
	}
	if err := wire.SetPhyHeader(buf, wire.PhyInfo{SourceID: wire.SourceID("e"), FrameType: wire.FrameApp}); err != nil {
		t.Fatalf("SetPhyHeader: %v", err)
	}
	res, err := wire.CheckAndParsePacket("e", buf.Entire())
	if err != nil {
		t.Fatalf("CheckAndParsePacket: unexpected error: %v", err)
	}
	if res.Label != label || res.PayloadLen != wire.MessageHeaderLen {
		t.Errorf("label=%v payload=%d", res.Label, res.PayloadLen)
	}
	// No transform is needed to decode feedback.
	got := decodeApp(t, wire.NewRegistry(), buf.Entire(), res)
	if got.ErrorNo != wire.FeedbackCommunicatorNotFound || got.ID != 77 || got.Object != nil {
		t.Errorf("feedback message: %+v", got)
	}
}

func TestMessageVersion(t *testing.T) {
	r := newRegistry(t)
	buf, err := r.ToBuffer(&wire.Message{ID: textID, Object: "v"}, false)
	if err != nil {
		t.Fatalf("ToBuffer: %v", err)
	}
	buf.Payload()[1] = 9 // version 9
	if _, err := r.ToMessage(buf, false); !errors.Is(err, wire.ErrVersionNotSupported) {
		t.Errorf("ToMessage: got %v, want %v", err, wire.ErrVersionNotSupported)
	}
	buf.Payload()[1] = wire.MessageVersionBase
	buf.Payload()[23] = 5 // data length
	if _, err := r.ToMessage(buf, false); !errors.Is(err, wire.ErrLength) {
		t.Errorf("ToMessage: got %v, want %v", err, wire.ErrLength)
	}
}

func TestLabels(t *testing.T) {
	lab := wire.LabelFromUint64(0x0102030405060708)
	if got := lab.String(); got != "0102030405060708" {
		t.Errorf("String = %q", got)
	}
	if _, err := wire.LabelFromBytes(make([]byte, 31)); !errors.Is(err, wire.ErrInvalidArgs) {
		t.Errorf("LabelFromBytes(31): got %v, want %v", err, wire.ErrInvalidArgs)
	}
	got, err := wire.LabelFromBytes(lab[:])
	if err != nil || got != lab {
		t.Errorf("LabelFromBytes: got %v, %v", got, err)
	}
}

func TestDescribe(t *testing.T) {
	r := newRegistry(t)
	buf := appPacket(t, r, "f", wire.LabelFromUint64(5), &wire.Message{ID: textID, Object: "describe me"})
	got := wire.Describe(buf.Entire())
	for _, want := range []string{"APPLICATION_MESSAGE", "label=0000000000000005", "frame=17"} {
		if !strings.Contains(got, want) {
			t.Errorf("Describe = %q, missing %q", got, want)
		}
	}
	if got := wire.Describe([]byte{1, 2}); !strings.HasPrefix(got, "invalid packet") {
		t.Errorf("Describe(short) = %q", got)
	}
}
