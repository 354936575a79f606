// Package cookie implements the NTS cookie codec: sealing and opening
// the opaque, stateless tokens NTS servers hand clients to carry their
// per-association AEAD keys across requests.
package cookie

import (
	"crypto/rand"
	"fmt"

	"github.com/thekuwayama/cfnts/internal/ntserr"
	"github.com/thekuwayama/cfnts/net/aead"
)

// KeyIDSize is the length in bytes of the master-key identifier
// prefixing every cookie.
const KeyIDSize = 8

// keySize is the length of each directional NTS key (c2s or s2c).
const keySize = 32

// nonceSize is the random nonce length used when sealing a cookie.
const nonceSize = 16

// Size is the fixed wire size of a cookie: key id, nonce, sealed
// plaintext (c2s || s2c) plus the AEAD's authentication overhead.
const Size = KeyIDSize + nonceSize + 2*keySize + 16

// KeyID identifies the master key a cookie was sealed under.
type KeyID [KeyIDSize]byte

// Keys is the pair of directional AEAD keys exchanged during NTS-KE and
// carried inside a cookie for the lifetime of a client's association.
type Keys struct {
	C2S [keySize]byte
	S2C [keySize]byte
}

// Make seals keys under masterKey, identified on the wire by keyID, and
// returns the opaque cookie bytes: keyID || nonce || ciphertext.
func Make(keys Keys, masterKey []byte, keyID KeyID) ([]byte, error) {
	a, err := aead.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("cookie: %w", err)
	}

	plaintext := make([]byte, 0, 2*keySize)
	plaintext = append(plaintext, keys.C2S[:]...)
	plaintext = append(plaintext, keys.S2C[:]...)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cookie: generating nonce: %w", err)
	}

	ciphertext := a.Seal(nil, nonce, plaintext, keyID[:])

	out := make([]byte, 0, KeyIDSize+len(nonce)+len(ciphertext))
	out = append(out, keyID[:]...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// KeyIDOf returns the key id embedded in a cookie, or false if the
// cookie is too short to contain one.
func KeyIDOf(c []byte) (KeyID, bool) {
	var id KeyID
	if len(c) < KeyIDSize {
		return id, false
	}
	copy(id[:], c[:KeyIDSize])
	return id, true
}

// Eat reverses Make: it recovers the NTS keys sealed in cookie under
// masterKey. Any failure — too short, AEAD tag mismatch — is reported
// as ntserr.AuthFailed; callers cannot and should not distinguish a
// malformed cookie from a forged one.
func Eat(c []byte, masterKey []byte) (Keys, error) {
	if len(c) < KeyIDSize+nonceSize {
		return Keys{}, fmt.Errorf("cookie: too short: %w", ntserr.AuthFailed)
	}
	keyID := c[:KeyIDSize]
	nonce := c[KeyIDSize : KeyIDSize+nonceSize]
	ciphertext := c[KeyIDSize+nonceSize:]

	a, err := aead.New(masterKey)
	if err != nil {
		return Keys{}, fmt.Errorf("cookie: %w", err)
	}

	plaintext, err := a.Open(nil, nonce, ciphertext, keyID)
	if err != nil {
		return Keys{}, fmt.Errorf("cookie: tag mismatch: %w", ntserr.AuthFailed)
	}
	if len(plaintext) != 2*keySize {
		return Keys{}, fmt.Errorf("cookie: unexpected plaintext length %d: %w", len(plaintext), ntserr.AuthFailed)
	}

	var keys Keys
	copy(keys.C2S[:], plaintext[:keySize])
	copy(keys.S2C[:], plaintext[keySize:])
	return keys, nil
}
