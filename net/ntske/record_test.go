package ntske

import (
	"bytes"
	"errors"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	r := Record{Critical: true, Type: NextProtocolNegotiation, Contents: EncodeU16(NTPv4NextProtocol)}
	wire := Serialize(r)
	got, n, err := Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("consumed %d, want %d", n, len(wire))
	}
	if got.Critical != r.Critical || got.Type != r.Type || !bytes.Equal(got.Contents, r.Contents) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestRecordTooShort(t *testing.T) {
	r := Record{Critical: true, Type: NewCookie, Contents: []byte{1, 2, 3, 4, 5}}
	wire := Serialize(r)
	for n := 0; n < len(wire); n++ {
		_, _, err := Deserialize(wire[:n])
		var tooShort *TooShort
		if !errors.As(err, &tooShort) {
			t.Fatalf("prefix length %d: expected TooShort, got %v", n, err)
		}
	}
}

func TestRecordUnknownNonCriticalSkipped(t *testing.T) {
	wire := Serialize(Record{Critical: false, Type: RecordType(99), Contents: []byte{1, 2, 3}})
	rec, n, err := Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for unknown non-critical type, got %+v", rec)
	}
	if n != len(wire) {
		t.Fatalf("consumed %d, want %d", n, len(wire))
	}
}

func TestRecordUnknownCriticalErrors(t *testing.T) {
	wire := Serialize(Record{Critical: true, Type: RecordType(99), Contents: nil})
	_, _, err := Deserialize(wire)
	if err == nil {
		t.Fatal("expected error for unknown critical record")
	}
}

func TestEndOfMessageMustBeEmpty(t *testing.T) {
	buf := make([]byte, 4+2)
	// Type = EndOfMessage with critical bit, length = 2 (invalid).
	buf[0] = 0x80
	buf[1] = 0x00
	buf[2] = 0x00
	buf[3] = 0x02
	_, _, err := Deserialize(buf)
	if err == nil {
		t.Fatal("expected error for non-empty EndOfMessage")
	}
}

func TestU16SliceRoundTrip(t *testing.T) {
	vals := []uint16{0, 15, 65535}
	got, err := DecodeU16Slice(EncodeU16Slice(vals))
	if err != nil {
		t.Fatalf("DecodeU16Slice: %v", err)
	}
	if len(got) != len(vals) {
		t.Fatalf("got %d values, want %d", len(got), len(vals))
	}
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("value %d: got %d, want %d", i, got[i], vals[i])
		}
	}
}
