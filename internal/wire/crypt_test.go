package wire_test

import (
	"bytes"
	"testing"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
	"github.com/adred-codev/syncscribe/internal/xcrypto"
)

func testKey() [xcrypto.KeySize]byte {
	var k [xcrypto.KeySize]byte
	for i := range k {
		k[i] = byte(i * 3)
	}
	return k
}

func TestEncodeCryptDecodeRoundTrip(t *testing.T) {
	codec, err := xcrypto.New(testKey())
	if err != nil {
		t.Fatalf("xcrypto.New: %v", err)
	}

	p := wire.Packet{
		Header: wire.Header{
			Type:          wire.Type{Opcode: wire.OpWrite, VarType: wire.VarString},
			ID:            ident.FromString("secretmsg"),
			UpdateCounter: 7,
		},
		Payload: []byte("top secret\x00"),
	}

	raw, err := wire.EncodeCrypt(p, codec)
	if err != nil {
		t.Fatalf("EncodeCrypt: %v", err)
	}

	f := wire.NewFramer()
	f.Feed(raw)
	frame, ok := f.Next()
	if !ok {
		t.Fatalf("framer did not recognize encrypted frame")
	}

	got, err := wire.Decode(frame, codec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("payload mismatch: got %q want %q", got.Payload, p.Payload)
	}
	if !got.Header.ID.Equal(p.Header.ID) {
		t.Errorf("id mismatch after crypt round trip")
	}
	if !got.Header.Type.Has(wire.FlagCrypt) {
		t.Errorf("decoded header missing CRYPT flag")
	}
}

func TestDecodeCryptWithoutOpenerFails(t *testing.T) {
	codec, _ := xcrypto.New(testKey())
	p := wire.Packet{Header: wire.Header{Type: wire.Type{Opcode: wire.OpRead}, ID: ident.FromString("x")}}
	raw, err := wire.EncodeCrypt(p, codec)
	if err != nil {
		t.Fatalf("EncodeCrypt: %v", err)
	}
	if _, err := wire.Decode(raw, nil); err == nil {
		t.Fatalf("expected error decoding crypt packet with nil opener")
	}
}

func TestDecodeCryptTamperedCiphertextFails(t *testing.T) {
	codec, _ := xcrypto.New(testKey())
	p := wire.Packet{
		Header:  wire.Header{Type: wire.Type{Opcode: wire.OpWrite}, ID: ident.FromString("x")},
		Payload: []byte("abcdefgh"),
	}
	raw, err := wire.EncodeCrypt(p, codec)
	if err != nil {
		t.Fatalf("EncodeCrypt: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if _, err := wire.Decode(raw, codec); err == nil {
		t.Fatalf("expected error decoding tampered ciphertext")
	}
}
