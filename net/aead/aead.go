// Package aead wraps AES-SIV-CMAC-256 (IANA AEAD id 15) behind the
// standard library's crypto/cipher.AEAD interface, so every caller in
// this module — packet authenticators and cookie sealing — shares one
// construction path.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	siv "github.com/secure-io/siv-go"
)

// KeySize is the key length AES-SIV-CMAC-256 expects (two AES-128 keys
// concatenated: one for CMAC, one for CTR).
const KeySize = 32

// AESSIVCMAC256 is the IANA AEAD algorithm identifier used in NTS-KE
// AEAD negotiation records.
const AESSIVCMAC256 = 15

// New constructs an AES-SIV-CMAC-256 AEAD from a 32-byte key.
func New(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return siv.NewCMAC(block)
}
