// Package crypto holds the per-session authenticated encryption used on the
// data channel and the key establishment run during the handshake.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the symmetric key size in bytes.
	KeySize = 32

	// NonceSize is the AEAD nonce size in bytes.
	NonceSize = 12

	// TagSize is the AEAD authentication tag size in bytes.
	TagSize = 16

	// Overhead is what Encrypt adds to a plaintext: the prepended nonce and
	// the trailing tag.
	Overhead = NonceSize + TagSize

	// hkdfInfo is the derivation context shared with the desktop agent.
	hkdfInfo = "edgeclaw-session-v1"
)

// Cipher suites.
const (
	CipherChaCha20Poly1305 = "chacha20-poly1305"
	CipherAES256GCM        = "aes-256-gcm"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionExpired        = errors.New("session expired")
	ErrSessionNotEstablished = errors.New("session not established")
	ErrCiphertextTooShort    = errors.New("ciphertext too short")
	ErrDecryptFailed         = errors.New("decryption failed")
	ErrReplayedNonce         = errors.New("nonce already seen")
	ErrWrongDirection        = errors.New("nonce direction does not match peer role")
	ErrUnknownCipher         = errors.New("unknown cipher suite")
)

// FailureReason maps a Decrypt error to a short metrics label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrReplayedNonce):
		return "replay"
	case errors.Is(err, ErrWrongDirection):
		return "direction"
	case errors.Is(err, ErrCiphertextTooShort):
		return "too_short"
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionNotEstablished):
		return "session"
	default:
		return "auth"
	}
}

// newAEAD builds the AEAD for a cipher suite name. An empty name selects
// ChaCha20-Poly1305.
func newAEAD(suite string, key []byte) (cipher.AEAD, error) {
	switch suite {
	case "", CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, suite)
	}
}

// ValidCipher reports whether suite names a supported cipher.
func ValidCipher(suite string) bool {
	switch suite {
	case "", CipherChaCha20Poly1305, CipherAES256GCM:
		return true
	}
	return false
}

// buildNonce lays out a nonce as a 4 byte direction prefix followed by the
// big-endian counter. Initiators use a zero prefix.
func buildNonce(counter uint64, responder bool) [NonceSize]byte {
	var nonce [NonceSize]byte
	if responder {
		nonce[0] = 0x80
	}
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// nonceDirection reports whether a nonce carries the responder prefix. ok is
// false for a prefix that belongs to neither direction.
func nonceDirection(nonce []byte) (responder, ok bool) {
	switch {
	case nonce[0] == 0x80 && nonce[1] == 0 && nonce[2] == 0 && nonce[3] == 0:
		return true, true
	case nonce[0] == 0 && nonce[1] == 0 && nonce[2] == 0 && nonce[3] == 0:
		return false, true
	default:
		return false, false
	}
}

// nonceCounter extracts the counter from a nonce.
func nonceCounter(nonce []byte) uint64 {
	return binary.BigEndian.Uint64(nonce[4:NonceSize])
}

// ZeroKey wipes key material.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// ZeroBytes wipes a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
