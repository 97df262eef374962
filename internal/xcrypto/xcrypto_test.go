package xcrypto

import (
	"bytes"
	"testing"
)

func testKey() [KeySize]byte {
	var k [KeySize]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := [][]byte{
		nil,
		{1},
		[]byte("hello world"),
		make([]byte, 64),
	}
	for _, plain := range cases {
		ciphertext, err := c.Seal(plain)
		if err != nil {
			t.Fatalf("Seal(%v): %v", plain, err)
		}
		if len(ciphertext)%c.BlockSize() != 0 {
			t.Fatalf("ciphertext length %d not a multiple of block size %d", len(ciphertext), c.BlockSize())
		}
		padding := len(ciphertext) - len(plain)
		got, err := c.Open(ciphertext, padding%c.BlockSize())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(got, plain) && !(len(got) == 0 && len(plain) == 0) {
			t.Errorf("round trip mismatch: got %v want %v", got, plain)
		}
	}
}

func TestOpenRejectsCorruptPadding(t *testing.T) {
	c, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plain := []byte("payload")
	ciphertext, err := c.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	padding := len(ciphertext) - len(plain)
	ciphertext[len(ciphertext)-1] ^= 0xFF
	if _, err := c.Open(ciphertext, padding); err == nil {
		t.Fatalf("expected error opening tampered ciphertext")
	}
}

func TestDifferentKeysProduceDifferentCiphertext(t *testing.T) {
	k1 := testKey()
	k2 := testKey()
	k2[31] ^= 1

	c1, _ := New(k1)
	c2, _ := New(k2)

	ct1, _ := c1.Seal([]byte("same plaintext"))
	ct2, _ := c2.Seal([]byte("same plaintext"))
	if bytes.Equal(ct1, ct2) {
		t.Errorf("different keys produced identical ciphertext")
	}
}
