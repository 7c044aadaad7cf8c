package padding

import (
	"bytes"
	"errors"
	"testing"
)

func TestPadRoundTrip(t *testing.T) {
	cases := []struct {
		size   int
		padded int
	}{
		{0, 160},
		{1, 160},
		{159, 160},
		{160, 320},
		{161, 320},
		{319, 320},
		{320, 480},
	}
	for _, tc := range cases {
		in := bytes.Repeat([]byte{0xab}, tc.size)
		out := Pad(in)
		if len(out) != tc.padded {
			t.Fatalf("Pad(%d bytes): got %d bytes, want %d", tc.size, len(out), tc.padded)
		}
		if out[tc.size] != 0x80 {
			t.Fatalf("Pad(%d bytes): terminator missing", tc.size)
		}
		got, err := Unpad(out)
		if err != nil {
			t.Fatalf("Unpad(%d bytes): %v", tc.size, err)
		}
		if !bytes.Equal(got, in) {
			t.Fatalf("Unpad(%d bytes): content mismatch", tc.size)
		}
	}
}

func TestUnpadKeepsTrailingPayloadBytes(t *testing.T) {
	in := []byte{0x01, 0x80, 0x00}
	got, err := Unpad(Pad(in))
	if err != nil {
		t.Fatalf("Unpad: %v", err)
	}
	if !bytes.Equal(got, in) {
		t.Fatalf("got %x, want %x", got, in)
	}
}

func TestUnpadRejectsMalformed(t *testing.T) {
	for _, in := range [][]byte{
		nil,
		{0x00, 0x00},
		{0x01, 0x02},
		{0x80, 0x00, 0x7f},
	} {
		if _, err := Unpad(in); !errors.Is(err, ErrInvalidPadding) {
			t.Fatalf("Unpad(%x): expected ErrInvalidPadding, got %v", in, err)
		}
	}
}
