package ntp

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/thekuwayama/cfnts/internal/ntserr"
)

// NonceSize is the length in bytes of the random nonce generated for
// every NTS authenticator. AES-SIV is misuse-resistant, so this is a
// generous margin rather than a strict per-message-uniqueness
// requirement.
const NonceSize = 32

// NTSPacket is the parsed form of an NTS-protected NTP packet: a
// header, the associated-data extensions visible on the wire
// (auth_exts), and the extensions that were sealed inside the
// authenticator (auth_enc_exts).
type NTSPacket struct {
	Header      Header
	AuthExts    []Extension
	AuthEncExts []Extension
}

// SerializeNTS builds the wire form of an NTS packet: header, then the
// associated-data extensions, then an NTSAuthenticator extension whose
// contents seal auth_enc_exts under seal, using the header and
// associated-data extensions as AEAD associated data.
func SerializeNTS(p NTSPacket, seal cipher.AEAD) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(SerializeHeader(p.Header))
	buf.Write(SerializeExtensions(p.AuthExts))

	plaintext := SerializeExtensions(p.AuthEncExts)

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("ntp: generating authenticator nonce: %w", err)
	}
	ciphertext := seal.Seal(nil, nonce, plaintext, buf.Bytes())

	var authBuf bytes.Buffer
	var lens [4]byte
	binary.BigEndian.PutUint16(lens[0:2], uint16(len(nonce)))
	binary.BigEndian.PutUint16(lens[2:4], uint16(len(ciphertext)))
	authBuf.Write(lens[:])
	authBuf.Write(nonce)
	for i := 0; i < (4-len(nonce)%4)%4; i++ {
		authBuf.WriteByte(0)
	}
	authBuf.Write(ciphertext)
	for i := 0; i < (4-len(ciphertext)%4)%4; i++ {
		authBuf.WriteByte(0)
	}

	authExt := Extension{Type: NTSAuthenticator, Contents: authBuf.Bytes()}
	buf.Write(SerializeExtensions([]Extension{authExt}))
	return buf.Bytes(), nil
}

// ParseNTS decodes an NTS packet and verifies its authenticator with
// open. Extensions before the authenticator become AuthExts (visible
// associated data); the authenticator's sealed contents are decrypted
// and parsed into AuthEncExts. Any extension after the authenticator
// is rejected as Malformed: the authenticator is mandated to be the
// final extension on the wire (see DESIGN.md for the rationale, which
// tightens the historical implementation's silent-ignore behavior).
func ParseNTS(buf []byte, open cipher.AEAD) (NTSPacket, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return NTSPacket{}, err
	}

	var authExts []Extension
	pos := HeaderSize
	for len(buf)-pos >= 4 {
		typ := ExtensionType(binary.BigEndian.Uint16(buf[pos : pos+2]))
		length := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
		if length%4 != 0 || length < 4 {
			return NTSPacket{}, fmt.Errorf("ntp: extension length %d invalid: %w", length, ntserr.Malformed)
		}
		contentsLen := int(length) - 4
		if pos+4+contentsLen > len(buf) {
			return NTSPacket{}, fmt.Errorf("ntp: extension contents run past end of packet: %w", ntserr.Malformed)
		}

		if typ == NTSAuthenticator {
			ad := buf[:pos]
			authContents := buf[pos+4 : pos+4+contentsLen]
			encExts, err := openAuthenticator(ad, authContents, open)
			if err != nil {
				return NTSPacket{}, err
			}
			end := pos + 4 + contentsLen
			if end != len(buf) {
				return NTSPacket{}, fmt.Errorf("ntp: extension follows authenticator: %w", ntserr.Malformed)
			}
			return NTSPacket{Header: h, AuthExts: authExts, AuthEncExts: encExts}, nil
		}

		contents := make([]byte, contentsLen)
		copy(contents, buf[pos+4:pos+4+contentsLen])
		authExts = append(authExts, Extension{Type: typ, Contents: contents})
		pos += 4 + contentsLen
	}
	return NTSPacket{}, fmt.Errorf("ntp: no authenticator extension present: %w", ntserr.Malformed)
}

// openAuthenticator verifies and decrypts the contents of an
// NTSAuthenticator extension, returning the encrypted extension list it
// contained.
func openAuthenticator(ad, contents []byte, open cipher.AEAD) ([]Extension, error) {
	if len(contents) < 4 {
		return nil, fmt.Errorf("ntp: authenticator shorter than its own length prefix: %w", ntserr.Malformed)
	}
	nonceLen := int(binary.BigEndian.Uint16(contents[0:2]))
	ctLen := int(binary.BigEndian.Uint16(contents[2:4]))
	noncePad := roundUp4(nonceLen)
	ctPad := roundUp4(ctLen)
	if 4+noncePad+ctPad > len(contents) {
		return nil, fmt.Errorf("ntp: authenticator lengths exceed envelope: %w", ntserr.Malformed)
	}
	nonce := contents[4 : 4+nonceLen]
	ciphertext := contents[4+noncePad : 4+noncePad+ctLen]

	plaintext, err := open.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("ntp: authenticator tag mismatch: %w", ntserr.AuthFailed)
	}
	exts, err := ParseExtensions(plaintext)
	if err != nil {
		return nil, err
	}
	return exts, nil
}
