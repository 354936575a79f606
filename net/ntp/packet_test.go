package ntp

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	leaps := []LeapIndicator{NoLeap, Positive, Negative, UnknownLeap}
	modes := []Mode{SymmetricActive, SymmetricPassive, Client, Server, Broadcast}

	for _, leap := range leaps {
		for version := uint8(0); version < 8; version++ {
			for _, mode := range modes {
				h := Header{
					LeapIndicator:  leap,
					Version:        version,
					Mode:           mode,
					Stratum:        1,
					Poll:           7,
					Precision:      -18,
					RootDelay:      10,
					RootDispersion: 20,
					ReferenceID:    0x4e54534e,
					Reference:      1,
					Origin:         2,
					Receive:        3,
					Transmit:       4,
				}
				got, err := ParseHeader(SerializeHeader(h))
				if err != nil {
					t.Fatalf("ParseHeader: %v", err)
				}
				if got != h {
					t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
				}
			}
		}
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 47)); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestParseHeaderInvalidMode(t *testing.T) {
	h := Header{Mode: 0, Version: 4}
	buf := SerializeHeader(h)
	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got.Mode != Invalid {
		t.Fatalf("expected Invalid mode for zero mode bits, got %v", got.Mode)
	}
}

func TestExtensionRoundTrip(t *testing.T) {
	exts := []Extension{
		{Type: UniqueIdentifier, Contents: bytes.Repeat([]byte{0x11}, 32)},
		{Type: NTSCookie, Contents: bytes.Repeat([]byte{0x22}, 16)},
	}
	wire := SerializeExtensions(exts)
	if len(wire)%4 != 0 {
		t.Fatalf("serialized extensions not word-aligned: %d bytes", len(wire))
	}
	got, err := ParseExtensions(wire)
	if err != nil {
		t.Fatalf("ParseExtensions: %v", err)
	}
	if len(got) != len(exts) {
		t.Fatalf("got %d extensions, want %d", len(got), len(exts))
	}
	for i := range exts {
		if got[i].Type != exts[i].Type || !bytes.Equal(got[i].Contents, exts[i].Contents) {
			t.Fatalf("extension %d mismatch: got %+v, want %+v", i, got[i], exts[i])
		}
	}
}

func TestExtensionPadding(t *testing.T) {
	exts := []Extension{{Type: NTSCookie, Contents: []byte{1, 2, 3}}}
	wire := SerializeExtensions(exts)
	// 4-byte header + 3 content bytes padded to 4 = 8 bytes total.
	if len(wire) != 8 {
		t.Fatalf("expected padded length 8, got %d", len(wire))
	}
	got, err := ParseExtensions(wire)
	if err != nil {
		t.Fatalf("ParseExtensions: %v", err)
	}
	// The wire length covers the padding, so the parsed contents are the
	// 3 content bytes followed by one zero pad byte.
	if !bytes.Equal(got[0].Contents, []byte{1, 2, 3, 0}) {
		t.Fatalf("expected padded contents [1 2 3 0], got %v", got[0].Contents)
	}
}

func TestParseExtensionsRejectsMisaligned(t *testing.T) {
	buf := []byte{0x01, 0x04, 0x00, 0x05, 0xff}
	if _, err := ParseExtensions(buf); err == nil {
		t.Fatal("expected error for non-word-aligned extension length")
	}
}

func TestParseExtensionsTrailingBytesIgnored(t *testing.T) {
	exts := []Extension{{Type: UniqueIdentifier, Contents: []byte{1, 2, 3, 4}}}
	wire := append(SerializeExtensions(exts), 0x01, 0x02, 0x03)
	got, err := ParseExtensions(wire)
	if err != nil {
		t.Fatalf("ParseExtensions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected trailing short bytes to be ignored, got %d extensions", len(got))
	}
}

func TestIsNTSPacket(t *testing.T) {
	p := Packet{Extensions: []Extension{
		{Type: UniqueIdentifier},
		{Type: NTSCookie},
		{Type: NTSAuthenticator},
	}}
	if !IsNTSPacket(p) {
		t.Fatal("expected packet with all three extensions to be recognized as NTS")
	}
	p2 := Packet{Extensions: []Extension{{Type: UniqueIdentifier}}}
	if IsNTSPacket(p2) {
		t.Fatal("expected packet missing cookie/authenticator to not be recognized as NTS")
	}
}

func TestTimestampFromUnix(t *testing.T) {
	ts := TimestampFromUnix(0, 0)
	if ts>>32 != UnixToNTPOffset {
		t.Fatalf("expected seconds field %d, got %d", UnixToNTPOffset, ts>>32)
	}
}
