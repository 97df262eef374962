package ident

import "testing"

func TestFromStringRoundTrip(t *testing.T) {
	cases := []string{"", "a", "count", "temp", "the-longest-label-that-fits32"}
	for _, s := range cases {
		id := FromString(s)
		if got := id.String(); got != s {
			t.Errorf("FromString(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestFromStringTruncates(t *testing.T) {
	long := "this identifier is definitely longer than thirty two bytes"
	id := FromString(long)
	want := long[:Size]
	if got := id.String(); got != want {
		t.Errorf("truncated String() = %q, want %q", got, want)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	id := FromString("mode")
	b := id.Bytes()
	id2 := FromBytes(b[:])
	if !id.Equal(id2) {
		t.Errorf("round trip through Bytes/FromBytes changed identifier")
	}
}

func TestEmptySentinel(t *testing.T) {
	if !Empty.IsEmpty() {
		t.Errorf("Empty.IsEmpty() = false, want true")
	}
	if FromString("x").IsEmpty() {
		t.Errorf("non-sentinel identifier reported IsEmpty() = true")
	}
}

func TestEqual(t *testing.T) {
	a := FromString("temp")
	b := FromString("temp")
	c := FromString("count")
	if !a.Equal(b) {
		t.Errorf("identical identifiers compared unequal")
	}
	if a.Equal(c) {
		t.Errorf("distinct identifiers compared equal")
	}
}

func TestWithByteAndByte(t *testing.T) {
	id := FromString("seq")
	tagged := id.WithByte(0, 7).WithByte(4, 1)
	if tagged.Byte(0) != 7 || tagged.Byte(4) != 1 {
		t.Errorf("WithByte/Byte mismatch: byte0=%d byte4=%d", tagged.Byte(0), tagged.Byte(4))
	}
	// Original identifier must be untouched.
	if id.Byte(0) == 7 {
		t.Errorf("WithByte mutated receiver")
	}
}

func TestFromWords(t *testing.T) {
	id := FromWords(1, 2, 3, 4)
	if id.Word(0) != 1 || id.Word(1) != 2 || id.Word(2) != 3 || id.Word(3) != 4 {
		t.Errorf("FromWords/Word mismatch: %v", id)
	}
}
