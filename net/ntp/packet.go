// Package ntp implements the RFC 5905 packet header and RFC 7822
// extension-field wire codec, plus the NTS authenticator-and-encrypted-
// extensions envelope from draft-ietf-ntp-using-nts-for-ntp.
package ntp

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/thekuwayama/cfnts/internal/ntserr"
)

// Version is the NTP version this responder speaks.
const Version = 4

// UnixToNTPOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const UnixToNTPOffset = 2208988800

// HeaderSize is the fixed size in bytes of an NTP packet header.
const HeaderSize = 48

// LeapIndicator is the 2-bit leap-second warning field.
type LeapIndicator uint8

const (
	NoLeap LeapIndicator = iota
	Positive
	Negative
	UnknownLeap
)

// Mode is the 3-bit NTP association mode.
type Mode uint8

const (
	Invalid          Mode = 0
	SymmetricActive  Mode = 1
	SymmetricPassive Mode = 2
	Client           Mode = 3
	Server           Mode = 4
	Broadcast        Mode = 5
)

// Header is the fixed 48-byte NTP packet header. See RFC 5905 Figure 8
// for the wire layout of the first word.
type Header struct {
	LeapIndicator LeapIndicator
	Version       uint8
	Mode          Mode
	Stratum       uint8
	Poll          int8
	Precision     int8
	RootDelay     uint32
	RootDispersion uint32
	ReferenceID   uint32
	Reference     uint64
	Origin        uint64
	Receive       uint64
	Transmit      uint64
}

func parseMode(b byte) Mode {
	switch b & 0x07 {
	case 1:
		return SymmetricActive
	case 2:
		return SymmetricPassive
	case 3:
		return Client
	case 4:
		return Server
	case 5:
		return Broadcast
	default:
		return Invalid
	}
}

func parseLeap(b byte) LeapIndicator {
	switch b >> 6 {
	case 0:
		return NoLeap
	case 1:
		return Positive
	case 2:
		return Negative
	default:
		return UnknownLeap
	}
}

func firstByte(h Header) byte {
	return (byte(h.LeapIndicator) << 6) | ((h.Version << 3) & 0x38) | (byte(h.Mode) & 0x07)
}

// ParseHeader decodes the fixed 48-byte header from the front of buf.
// An out-of-range mode byte decodes to Invalid rather than an error;
// only a short buffer is Malformed.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("ntp: header too short (%d bytes): %w", len(buf), ntserr.Malformed)
	}
	var h Header
	h.LeapIndicator = parseLeap(buf[0])
	h.Version = (buf[0] & 0x38) >> 3
	h.Mode = parseMode(buf[0])
	h.Stratum = buf[1]
	h.Poll = int8(buf[2])
	h.Precision = int8(buf[3])
	h.RootDelay = binary.BigEndian.Uint32(buf[4:8])
	h.RootDispersion = binary.BigEndian.Uint32(buf[8:12])
	h.ReferenceID = binary.BigEndian.Uint32(buf[12:16])
	h.Reference = binary.BigEndian.Uint64(buf[16:24])
	h.Origin = binary.BigEndian.Uint64(buf[24:32])
	h.Receive = binary.BigEndian.Uint64(buf[32:40])
	h.Transmit = binary.BigEndian.Uint64(buf[40:48])
	return h, nil
}

// SerializeHeader packs a header into its 48-byte wire form.
func SerializeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = firstByte(h)
	buf[1] = h.Stratum
	buf[2] = byte(h.Poll)
	buf[3] = byte(h.Precision)
	binary.BigEndian.PutUint32(buf[4:8], h.RootDelay)
	binary.BigEndian.PutUint32(buf[8:12], h.RootDispersion)
	binary.BigEndian.PutUint32(buf[12:16], h.ReferenceID)
	binary.BigEndian.PutUint64(buf[16:24], h.Reference)
	binary.BigEndian.PutUint64(buf[24:32], h.Origin)
	binary.BigEndian.PutUint64(buf[32:40], h.Receive)
	binary.BigEndian.PutUint64(buf[40:48], h.Transmit)
	return buf
}

// ExtensionType identifies the wire type of an NTP extension field.
type ExtensionType uint16

const (
	UniqueIdentifier     ExtensionType = 0x0104
	NTSCookie            ExtensionType = 0x0204
	NTSCookiePlaceholder ExtensionType = 0x0304
	NTSAuthenticator     ExtensionType = 0x0404
)

// Extension is a single (type, contents) extension field. Contents
// length on the wire is always a multiple of 4; Extension stores the
// unpadded logical contents are whatever the caller supplies, and
// Serialize pads it to a word boundary.
type Extension struct {
	Type     ExtensionType
	Contents []byte
}

// roundUp4 rounds n up to the next multiple of 4.
func roundUp4(n int) int {
	return (n + 3) &^ 3
}

// pack appends the wire form of ext to buf: a 4-byte header followed by
// contents padded with zero bytes to a multiple of 4.
func (ext Extension) pack(buf *bytes.Buffer) {
	padded := roundUp4(len(ext.Contents))
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(ext.Type))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(padded+4))
	buf.Write(hdr[:])
	buf.Write(ext.Contents)
	for i := len(ext.Contents); i < padded; i++ {
		buf.WriteByte(0)
	}
}

// SerializeExtensions packs a list of extensions back to back. Every
// extension is padded to a multiple of 4 bytes, so the result always
// has a length that is itself a multiple of 4.
func SerializeExtensions(exts []Extension) []byte {
	var buf bytes.Buffer
	for _, ext := range exts {
		ext.pack(&buf)
	}
	return buf.Bytes()
}

// ParseExtensions reads a back-to-back list of extensions from buf.
// Trailing bytes shorter than an extension header (4 bytes) are
// tolerated and ignored: legacy MAC trailers are not supported by this
// implementation and are not mistaken for one.
func ParseExtensions(buf []byte) ([]Extension, error) {
	var exts []Extension
	pos := 0
	for len(buf)-pos >= 4 {
		typ := binary.BigEndian.Uint16(buf[pos : pos+2])
		length := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
		if length%4 != 0 {
			return nil, fmt.Errorf("ntp: extension length %d not word-aligned: %w", length, ntserr.Malformed)
		}
		if length < 4 {
			return nil, fmt.Errorf("ntp: extension length %d too short: %w", length, ntserr.Malformed)
		}
		contentsLen := int(length) - 4
		if pos+4+contentsLen > len(buf) {
			return nil, fmt.Errorf("ntp: extension contents run past end of packet: %w", ntserr.Malformed)
		}
		contents := make([]byte, contentsLen)
		copy(contents, buf[pos+4:pos+4+contentsLen])
		exts = append(exts, Extension{Type: ExtensionType(typ), Contents: contents})
		pos += 4 + contentsLen
	}
	return exts, nil
}

// Packet is a plain (non-NTS) NTP packet: a header plus whatever
// extensions were attached, none of them authenticated.
type Packet struct {
	Header     Header
	Extensions []Extension
}

// Parse decodes a plain NTP packet.
func Parse(buf []byte) (Packet, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	exts, err := ParseExtensions(buf[HeaderSize:])
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Extensions: exts}, nil
}

// Serialize encodes a plain NTP packet to wire form.
func Serialize(p Packet) []byte {
	var buf bytes.Buffer
	buf.Write(SerializeHeader(p.Header))
	buf.Write(SerializeExtensions(p.Extensions))
	return buf.Bytes()
}

// HasExtension reports whether p carries an extension of the given type.
func HasExtension(p Packet, kind ExtensionType) bool {
	for _, ext := range p.Extensions {
		if ext.Type == kind {
			return true
		}
	}
	return false
}

// ExtractExtension returns the first extension of the given type, if any.
func ExtractExtension(p Packet, kind ExtensionType) (Extension, bool) {
	for _, ext := range p.Extensions {
		if ext.Type == kind {
			return ext, true
		}
	}
	return Extension{}, false
}

// IsNTSPacket reports whether p is plausibly an NTS request: it must
// carry a unique identifier, a cookie, and an authenticator. The
// authenticator's contents are not inspected here; verification happens
// in ParseNTS.
func IsNTSPacket(p Packet) bool {
	return HasExtension(p, UniqueIdentifier) &&
		HasExtension(p, NTSCookie) &&
		HasExtension(p, NTSAuthenticator)
}

// TimestampFromUnix returns the Unix time secs+nanos encoded as an
// NTP-format 64-bit timestamp: seconds
// since 1900-01-01 in the high 32 bits, fractional seconds scaled by
// 2^32 in the low 32 bits.
func TimestampFromUnix(secs int64, nanos int64) uint64 {
	ntpSecs := uint64(secs) + UnixToNTPOffset
	frac := uint64((float64(nanos) * 4294967296.0 / 1e9) + 0.5)
	return (ntpSecs << 32) | (frac & 0xffffffff)
}
