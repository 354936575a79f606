package cookie

import (
	"bytes"
	"errors"
	"testing"

	"github.com/thekuwayama/cfnts/internal/ntserr"
)

func testKeys() Keys {
	var k Keys
	for i := range k.C2S {
		k.C2S[i] = byte(i)
	}
	for i := range k.S2C {
		k.S2C[i] = byte(255 - i)
	}
	return k
}

func TestCookieRoundTrip(t *testing.T) {
	masterKey := make([]byte, 32)
	keys := testKeys()
	var id KeyID
	id[0] = 0x01

	c, err := Make(keys, masterKey, id)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	if len(c) != Size {
		t.Fatalf("cookie length = %d, want %d", len(c), Size)
	}

	gotID, ok := KeyIDOf(c)
	if !ok || gotID != id {
		t.Fatalf("KeyIDOf = %v, %v; want %v, true", gotID, ok, id)
	}

	got, err := Eat(c, masterKey)
	if err != nil {
		t.Fatalf("Eat: %v", err)
	}
	if got != keys {
		t.Fatalf("Eat round trip mismatch: got %+v, want %+v", got, keys)
	}
}

func TestCookieWrongMasterKeyFails(t *testing.T) {
	masterKey := make([]byte, 32)
	wrongKey := bytes.Repeat([]byte{0x01}, 32)
	keys := testKeys()
	var id KeyID

	c, err := Make(keys, masterKey, id)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	if _, err := Eat(c, wrongKey); !errors.Is(err, ntserr.AuthFailed) {
		t.Fatalf("expected AuthFailed with wrong master key, got %v", err)
	}
}

func TestCookieTooShortKeyID(t *testing.T) {
	if _, ok := KeyIDOf(make([]byte, 4)); ok {
		t.Fatal("expected KeyIDOf to reject a cookie shorter than the key id")
	}
}

func TestCookieTamperFails(t *testing.T) {
	masterKey := make([]byte, 32)
	var id KeyID
	c, err := Make(testKeys(), masterKey, id)
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	c[len(c)-1] ^= 0xff
	if _, err := Eat(c, masterKey); !errors.Is(err, ntserr.AuthFailed) {
		t.Fatalf("expected AuthFailed for tampered cookie, got %v", err)
	}
}
