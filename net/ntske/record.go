/*
Copyright 2018--2019 Michael Cardell Widerkrantz, Martin Samuelsson,
Daniel Lublin

Permission to use, copy, modify, and/or distribute this software for
any purpose with or without fee is hereby granted, provided that the
above copyright notice and this permission notice appear in all
copies.

THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL
DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR
PROFITS, WHETHER IN AN ACTION OF CONTRACT, NEGLIGENCE OR OTHER
TORTIOUS ACTION, ARISING OUT OF OR IN CONNECTION WITH THE USE OR
PERFORMANCE OF THIS SOFTWARE.
*/

// Package ntske implements the NTS Key Establishment protocol: the
// TLV record codec running over TLS with ALPN "ntske/1", and the
// server and client sides of the record exchange.
package ntske

import (
	"encoding/binary"
	"fmt"
)

// ALPN is the protocol identifier NTS-KE connections must negotiate.
const ALPN = "ntske/1"

// RecordType identifies the wire type of an NTS-KE record. The top bit
// of the first wire byte is the critical flag and is not part of the
// type's numeric value.
type RecordType uint16

const (
	EndOfMessage             RecordType = 0
	NextProtocolNegotiation  RecordType = 1
	ErrorRecord              RecordType = 2
	WarningRecord            RecordType = 3
	AEADAlgorithmNegotiation RecordType = 4
	NewCookie                RecordType = 5
	ServerNegotiation        RecordType = 6
	PortNegotiation          RecordType = 7
)

// NTPv4NextProtocol is the next-protocol id meaning "NTPv4" in a
// NextProtocolNegotiation record.
const NTPv4NextProtocol uint16 = 0

// AESSIVCMAC256 is the AEAD id meaning AES-SIV-CMAC-256 in an
// AEADAlgorithmNegotiation record.
const AESSIVCMAC256 uint16 = 15

// Record is one NTS-KE TLV record.
type Record struct {
	Critical bool
	Type     RecordType
	Contents []byte
}

const recordHeaderSize = 4

// criticalBit is the top bit of the first wire byte of the 16-bit type
// field.
const criticalBit = 0x8000

// TooShort is returned by Deserialize when buf does not yet contain a
// full record. N is the number of additional bytes the caller needs
// before trying again — callers grow their buffer by N and retry
// without re-parsing what they already have.
type TooShort struct {
	N int
}

func (e *TooShort) Error() string {
	return fmt.Sprintf("ntske: need %d more bytes to parse a record", e.N)
}

// unknownCriticalError is returned when an unrecognized record type
// arrives with its critical bit set; the receiver MUST treat this as an
// error per the NTS-KE record format.
type unknownCriticalError struct {
	Type uint16
}

func (e *unknownCriticalError) Error() string {
	return fmt.Sprintf("ntske: unknown record type %d with critical bit set", e.Type)
}

// Serialize packs a record to wire form: a 2-byte type (critical bit in
// the high bit), a 2-byte length, then the contents verbatim.
func Serialize(r Record) []byte {
	buf := make([]byte, recordHeaderSize+len(r.Contents))
	typ := uint16(r.Type)
	if r.Critical {
		typ |= criticalBit
	}
	binary.BigEndian.PutUint16(buf[0:2], typ)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.Contents)))
	copy(buf[recordHeaderSize:], r.Contents)
	return buf
}

// Deserialize reads one record from the front of buf.
//
// Four outcomes:
//   - (*Record, n, nil): a recognized record, consuming n bytes.
//   - (nil, n, nil): an unrecognized record with its critical bit
//     clear — skipped per protocol, consuming n bytes.
//   - (nil, 0, *TooShort): buf does not yet hold a complete record.
//   - (nil, 0, err): a protocol error (unknown critical record, bad
//     EndOfMessage framing).
func Deserialize(buf []byte) (*Record, int, error) {
	if len(buf) < recordHeaderSize {
		return nil, 0, &TooShort{N: recordHeaderSize - len(buf)}
	}
	rawType := binary.BigEndian.Uint16(buf[0:2])
	critical := rawType&criticalBit != 0
	typ := RecordType(rawType &^ criticalBit)
	length := int(binary.BigEndian.Uint16(buf[2:4]))

	total := recordHeaderSize + length
	if len(buf) < total {
		return nil, 0, &TooShort{N: total - len(buf)}
	}
	contents := make([]byte, length)
	copy(contents, buf[recordHeaderSize:total])

	if !isKnownType(typ) {
		if critical {
			return nil, 0, &unknownCriticalError{Type: rawType &^ criticalBit}
		}
		return nil, total, nil
	}
	if typ == EndOfMessage && length != 0 {
		return nil, 0, fmt.Errorf("ntske: EndOfMessage record must be empty, got %d bytes", length)
	}

	return &Record{Critical: critical, Type: typ, Contents: contents}, total, nil
}

func isKnownType(t RecordType) bool {
	switch t {
	case EndOfMessage, NextProtocolNegotiation, ErrorRecord, WarningRecord,
		AEADAlgorithmNegotiation, NewCookie, ServerNegotiation, PortNegotiation:
		return true
	default:
		return false
	}
}

// EncodeU16Slice packs a list of uint16 values into record contents, as
// used by NextProtocolNegotiation and AEADAlgorithmNegotiation.
func EncodeU16Slice(vals []uint16) []byte {
	buf := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint16(buf[2*i:2*i+2], v)
	}
	return buf
}

// DecodeU16Slice is the inverse of EncodeU16Slice.
func DecodeU16Slice(contents []byte) ([]uint16, error) {
	if len(contents)%2 != 0 {
		return nil, fmt.Errorf("ntske: odd-length uint16 record contents (%d bytes)", len(contents))
	}
	vals := make([]uint16, len(contents)/2)
	for i := range vals {
		vals[i] = binary.BigEndian.Uint16(contents[2*i : 2*i+2])
	}
	return vals, nil
}

// EncodeU16 packs a single uint16, as used by PortNegotiation.
func EncodeU16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

// DecodeU16 is the inverse of EncodeU16.
func DecodeU16(contents []byte) (uint16, error) {
	if len(contents) != 2 {
		return 0, fmt.Errorf("ntske: expected 2-byte record contents, got %d", len(contents))
	}
	return binary.BigEndian.Uint16(contents), nil
}
