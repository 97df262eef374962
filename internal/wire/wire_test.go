package wire

import (
	"bytes"
	"testing"

	"github.com/adred-codev/syncscribe/internal/ident"
)

func TestTypeEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Type{
		{Opcode: OpWrite, Flags: FlagSync | FlagEcho, VarType: VarInt32},
		{Opcode: OpChannel, Flags: FlagForce, VarType: VarNotDefined, ChanSub: ChanAnons},
		{Opcode: OpServerStatus},
	}
	for _, tc := range cases {
		raw := tc.Encode()
		got := DecodeType(raw)
		if got != tc {
			t.Errorf("round trip mismatch: in=%+v out=%+v raw=0x%08x", tc, got, raw)
		}
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Type:          Type{Opcode: OpWrite, VarType: VarInt32},
		ID:            ident.FromString("count"),
		SyncA:         1000,
		SyncB:         2000,
		UpdateCounter: 42,
		PayloadLen:    4,
	}
	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("Encode() length = %d, want %d", len(buf), HeaderSize)
	}
	if buf[0] != Magic0 || buf[HeaderSize-1] != Magic1 {
		t.Fatalf("magic bytes wrong: first=0x%02x last=0x%02x", buf[0], buf[HeaderSize-1])
	}
	got, err := DecodeHeader(buf[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.Type != h.Type || !got.ID.Equal(h.ID) || got.SyncA != h.SyncA ||
		got.SyncB != h.SyncB || got.UpdateCounter != h.UpdateCounter || got.PayloadLen != h.PayloadLen {
		t.Errorf("header round trip mismatch: in=%+v out=%+v", h, got)
	}
}

func TestDataSizePadding(t *testing.T) {
	h := Header{PayloadLen: 17, Padding: 3}
	buf := h.Encode()
	got, err := DecodeHeader(buf[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.PayloadLen != 17 || got.Padding != 3 {
		t.Errorf("size/padding mismatch: payloadLen=%d padding=%d", got.PayloadLen, got.Padding)
	}
}

func TestEncodePlainDecode(t *testing.T) {
	p := Packet{
		Header: Header{
			Type: Type{Opcode: OpWrite, VarType: VarInt32},
			ID:   ident.FromString("count"),
		},
		Payload: []byte{0x53, 0x00, 0x00, 0x00},
	}
	raw, err := EncodePlain(p)
	if err != nil {
		t.Fatalf("EncodePlain: %v", err)
	}
	got, err := Decode(raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("payload mismatch: got %v want %v", got.Payload, p.Payload)
	}
	if got.Header.Type.Opcode != OpWrite || got.Header.Type.VarType != VarInt32 {
		t.Errorf("type mismatch: %+v", got.Header.Type)
	}
}

func TestEncodePlainPayloadTooLarge(t *testing.T) {
	p := Packet{Payload: make([]byte, MaxPayload+1)}
	if _, err := EncodePlain(p); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}

func TestFramerSingleFrame(t *testing.T) {
	p := Packet{
		Header:  Header{Type: Type{Opcode: OpRead}, ID: ident.FromString("x")},
		Payload: nil,
	}
	raw, err := EncodePlain(p)
	if err != nil {
		t.Fatalf("EncodePlain: %v", err)
	}
	f := NewFramer()
	f.Feed(raw)
	frame, ok := f.Next()
	if !ok {
		t.Fatalf("Next() returned ok=false for a complete frame")
	}
	if !bytes.Equal(frame, raw) {
		t.Errorf("frame mismatch")
	}
	if _, ok := f.Next(); ok {
		t.Errorf("Next() returned ok=true after buffer drained")
	}
}

func TestFramerPartialRead(t *testing.T) {
	p := Packet{
		Header:  Header{Type: Type{Opcode: OpEvent}, ID: ident.FromString("temp")},
		Payload: []byte{1, 2, 3, 4},
	}
	raw, err := EncodePlain(p)
	if err != nil {
		t.Fatalf("EncodePlain: %v", err)
	}
	f := NewFramer()
	f.Feed(raw[:HeaderSize-1])
	if _, ok := f.Next(); ok {
		t.Fatalf("Next() should wait for more bytes")
	}
	f.Feed(raw[HeaderSize-1:])
	frame, ok := f.Next()
	if !ok {
		t.Fatalf("Next() should succeed once full frame is fed")
	}
	if !bytes.Equal(frame, raw) {
		t.Errorf("frame mismatch after partial feed")
	}
}

func TestFramerResyncOnCorruptMagic(t *testing.T) {
	p := Packet{
		Header: Header{Type: Type{Opcode: OpRead}, ID: ident.FromString("y")},
	}
	raw, err := EncodePlain(p)
	if err != nil {
		t.Fatalf("EncodePlain: %v", err)
	}
	garbage := append([]byte{0xAA, 0xBB, 0xCC}, raw...)
	f := NewFramer()
	f.Feed(garbage)
	frame, ok := f.Next()
	if !ok {
		t.Fatalf("Next() should resync past garbage bytes")
	}
	if !bytes.Equal(frame, raw) {
		t.Errorf("resynced frame mismatch")
	}
}

func TestFramerMultipleFrames(t *testing.T) {
	p1 := Packet{Header: Header{Type: Type{Opcode: OpRead}, ID: ident.FromString("a")}}
	p2 := Packet{Header: Header{Type: Type{Opcode: OpRead}, ID: ident.FromString("b")}, Payload: []byte{9, 9}}
	raw1, _ := EncodePlain(p1)
	raw2, _ := EncodePlain(p2)

	f := NewFramer()
	f.Feed(append(append([]byte{}, raw1...), raw2...))

	got1, ok := f.Next()
	if !ok || !bytes.Equal(got1, raw1) {
		t.Fatalf("first frame mismatch, ok=%v", ok)
	}
	got2, ok := f.Next()
	if !ok || !bytes.Equal(got2, raw2) {
		t.Fatalf("second frame mismatch, ok=%v", ok)
	}
}
