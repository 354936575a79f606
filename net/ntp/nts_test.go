package ntp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/thekuwayama/cfnts/internal/ntserr"
	"github.com/thekuwayama/cfnts/net/aead"
)

func testPacket() NTSPacket {
	return NTSPacket{
		Header: Header{
			LeapIndicator: NoLeap,
			Version:       4,
			Mode:          Client,
			Stratum:       1,
		},
		AuthExts: []Extension{
			{Type: UniqueIdentifier, Contents: bytes.Repeat([]byte{0x11}, 32)},
			{Type: NTSCookie, Contents: bytes.Repeat([]byte{0x22}, 32)},
		},
		AuthEncExts: []Extension{
			{Type: NTSCookiePlaceholder, Contents: bytes.Repeat([]byte{0xfe}, 32)},
		},
	}
}

func TestNTSRoundTrip(t *testing.T) {
	key := make([]byte, aead.KeySize)
	a, err := aead.New(key)
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}
	pkt := testPacket()

	wire, err := SerializeNTS(pkt, a)
	if err != nil {
		t.Fatalf("SerializeNTS: %v", err)
	}
	got, err := ParseNTS(wire, a)
	if err != nil {
		t.Fatalf("ParseNTS: %v", err)
	}
	if got.Header != pkt.Header {
		t.Fatalf("header mismatch: got %+v, want %+v", got.Header, pkt.Header)
	}
	if len(got.AuthExts) != len(pkt.AuthExts) || len(got.AuthEncExts) != len(pkt.AuthEncExts) {
		t.Fatalf("extension count mismatch: got auth=%d enc=%d, want auth=%d enc=%d",
			len(got.AuthExts), len(got.AuthEncExts), len(pkt.AuthExts), len(pkt.AuthEncExts))
	}
	for i := range pkt.AuthExts {
		if !bytes.Equal(got.AuthExts[i].Contents, pkt.AuthExts[i].Contents) {
			t.Fatalf("auth ext %d mismatch", i)
		}
	}
	for i := range pkt.AuthEncExts {
		if !bytes.Equal(got.AuthEncExts[i].Contents, pkt.AuthEncExts[i].Contents) {
			t.Fatalf("enc ext %d mismatch", i)
		}
	}
}

func TestNTSTamperDetection(t *testing.T) {
	key := make([]byte, aead.KeySize)
	a, err := aead.New(key)
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}
	wire, err := SerializeNTS(testPacket(), a)
	if err != nil {
		t.Fatalf("SerializeNTS: %v", err)
	}

	for i := 0; i < len(wire); i++ {
		tampered := bytes.Clone(wire)
		tampered[i] ^= 0xff
		_, err := ParseNTS(tampered, a)
		if err == nil {
			t.Fatalf("byte %d: expected tamper detection to fail parsing", i)
		}
		if !errors.Is(err, ntserr.AuthFailed) && !errors.Is(err, ntserr.Malformed) {
			t.Fatalf("byte %d: expected AuthFailed or Malformed, got %v", i, err)
		}
	}
}

func TestNTSWrongKeyFails(t *testing.T) {
	key1 := make([]byte, aead.KeySize)
	key2 := bytes.Repeat([]byte{0x01}, aead.KeySize)
	a1, _ := aead.New(key1)
	a2, _ := aead.New(key2)

	wire, err := SerializeNTS(testPacket(), a1)
	if err != nil {
		t.Fatalf("SerializeNTS: %v", err)
	}
	if _, err := ParseNTS(wire, a2); !errors.Is(err, ntserr.AuthFailed) {
		t.Fatalf("expected AuthFailed with wrong key, got %v", err)
	}
}

func TestNTSRejectsTrailingExtension(t *testing.T) {
	key := make([]byte, aead.KeySize)
	a, err := aead.New(key)
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}
	wire, err := SerializeNTS(testPacket(), a)
	if err != nil {
		t.Fatalf("SerializeNTS: %v", err)
	}
	wire = append(wire, SerializeExtensions([]Extension{{Type: UniqueIdentifier, Contents: make([]byte, 4)}})...)
	if _, err := ParseNTS(wire, a); !errors.Is(err, ntserr.Malformed) {
		t.Fatalf("expected Malformed for trailing extension, got %v", err)
	}
}
