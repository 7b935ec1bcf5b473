package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Key establishment modes negotiated in the handshake.
const (
	// KexX25519 runs an ephemeral X25519 exchange.
	KexX25519 = "x25519"

	// KexHybrid adds an ML-KEM-768 encapsulation to the X25519 exchange.
	KexHybrid = "x25519-mlkem768"

	// KexPSK takes the key from a KeyProvider on both ends.
	KexPSK = "psk"
)

var (
	ErrUnknownKeyExchange = errors.New("unknown key exchange")
	ErrInvalidPublicKey   = errors.New("invalid public key")
	ErrMissingKeyMaterial = errors.New("missing key material")
)

// ValidKeyExchange reports whether mode is supported.
func ValidKeyExchange(mode string) bool {
	switch mode {
	case KexX25519, KexHybrid, KexPSK:
		return true
	}
	return false
}

// HandshakeNonceSize is the length of the random nonce each side adds to
// the handshake. Both nonces salt the key derivation, so every session gets
// its own key even when the input secret is a fixed pre-shared key.
const HandshakeNonceSize = 16

// Offer is the key material an initiator places in its handshake.
type Offer struct {
	PublicKey        []byte
	EncapsulationKey []byte
	Nonce            []byte
}

// Reply is the key material a responder places in its acknowledgement.
type Reply struct {
	PublicKey  []byte
	Ciphertext []byte
	Nonce      []byte
}

// Initiator holds the ephemeral secrets for one handshake attempt.
type Initiator struct {
	mode string
	keys KeyProvider

	priv  [KeySize]byte
	pub   [KeySize]byte
	dk    *mlkem768.DecapsulationKey
	nonce []byte
}

// NewInitiator prepares ephemeral key material for mode. keys is only
// consulted for KexPSK.
func NewInitiator(mode string, keys KeyProvider) (*Initiator, error) {
	i := &Initiator{mode: mode, keys: keys}

	switch mode {
	case KexPSK:
		if keys == nil {
			return nil, fmt.Errorf("%w: psk mode needs a key provider", ErrMissingKeyMaterial)
		}
	case KexX25519, KexHybrid:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyExchange, mode)
	}

	var err error
	if i.nonce, err = newHandshakeNonce(); err != nil {
		return nil, err
	}
	if mode == KexPSK {
		return i, nil
	}
	i.priv, i.pub, err = GenerateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	if mode == KexHybrid {
		i.dk, err = mlkem768.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate ml-kem key: %w", err)
		}
	}
	return i, nil
}

// Mode returns the negotiated mode name.
func (i *Initiator) Mode() string { return i.mode }

// Offer returns the public half to send in the handshake.
func (i *Initiator) Offer() Offer {
	o := Offer{Nonce: append([]byte(nil), i.nonce...)}
	switch i.mode {
	case KexPSK:
	case KexHybrid:
		o.PublicKey = append([]byte(nil), i.pub[:]...)
		o.EncapsulationKey = i.dk.EncapsulationKey()
	default:
		o.PublicKey = append([]byte(nil), i.pub[:]...)
	}
	return o
}

// Complete derives the session key from the responder's reply and wipes the
// ephemeral private key.
func (i *Initiator) Complete(r Reply) ([KeySize]byte, error) {
	defer ZeroKey(&i.priv)

	salt := handshakeSalt(i.nonce, r.Nonce)
	if i.mode == KexPSK {
		if len(r.Nonce) != HandshakeNonceSize {
			return [KeySize]byte{}, fmt.Errorf("%w: responder nonce", ErrMissingKeyMaterial)
		}
		return pskSessionKey(i.keys, salt)
	}

	remote, err := toKey(r.PublicKey)
	if err != nil {
		return [KeySize]byte{}, err
	}
	shared, err := ComputeECDH(i.priv, remote)
	if err != nil {
		return [KeySize]byte{}, err
	}
	defer ZeroKey(&shared)

	if i.mode != KexHybrid {
		return deriveKey(shared[:], salt, hkdfInfo)
	}

	if len(r.Ciphertext) == 0 {
		return [KeySize]byte{}, fmt.Errorf("%w: ml-kem ciphertext", ErrMissingKeyMaterial)
	}
	pq, err := mlkem768.Decapsulate(i.dk, r.Ciphertext)
	if err != nil {
		return [KeySize]byte{}, fmt.Errorf("ml-kem decapsulate: %w", err)
	}
	defer ZeroBytes(pq)
	return deriveKey(append(shared[:], pq...), salt, hkdfInfo+"+mlkem768")
}

// Respond answers an offer and returns the derived session key together with
// the reply for the acknowledgement.
func Respond(mode string, keys KeyProvider, o Offer) ([KeySize]byte, Reply, error) {
	var zero [KeySize]byte

	switch mode {
	case KexPSK, KexX25519, KexHybrid:
	default:
		return zero, Reply{}, fmt.Errorf("%w: %q", ErrUnknownKeyExchange, mode)
	}

	nonce, err := newHandshakeNonce()
	if err != nil {
		return zero, Reply{}, err
	}
	salt := handshakeSalt(o.Nonce, nonce)

	if mode == KexPSK {
		if len(o.Nonce) != HandshakeNonceSize {
			return zero, Reply{}, fmt.Errorf("%w: initiator nonce", ErrMissingKeyMaterial)
		}
		key, err := pskSessionKey(keys, salt)
		return key, Reply{Nonce: nonce}, err
	}

	remote, err := toKey(o.PublicKey)
	if err != nil {
		return zero, Reply{}, err
	}
	priv, pub, err := GenerateEphemeralKeypair()
	if err != nil {
		return zero, Reply{}, err
	}
	defer ZeroKey(&priv)

	shared, err := ComputeECDH(priv, remote)
	if err != nil {
		return zero, Reply{}, err
	}
	defer ZeroKey(&shared)

	reply := Reply{PublicKey: append([]byte(nil), pub[:]...), Nonce: nonce}
	if mode == KexX25519 {
		key, err := deriveKey(shared[:], salt, hkdfInfo)
		return key, reply, err
	}

	if len(o.EncapsulationKey) == 0 {
		return zero, Reply{}, fmt.Errorf("%w: ml-kem encapsulation key", ErrMissingKeyMaterial)
	}
	ct, pq, err := mlkem768.Encapsulate(o.EncapsulationKey)
	if err != nil {
		return zero, Reply{}, fmt.Errorf("ml-kem encapsulate: %w", err)
	}
	defer ZeroBytes(pq)
	reply.Ciphertext = ct

	key, err := deriveKey(append(shared[:], pq...), salt, hkdfInfo+"+mlkem768")
	return key, reply, err
}

// GenerateEphemeralKeypair returns a clamped X25519 keypair.
func GenerateEphemeralKeypair() (priv, pub [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// ComputeECDH performs X25519 and rejects the all-zero low-order result.
func ComputeECDH(priv, remote [KeySize]byte) ([KeySize]byte, error) {
	var zero, shared [KeySize]byte
	if remote == zero {
		return shared, fmt.Errorf("%w: zero key", ErrInvalidPublicKey)
	}
	curve25519.ScalarMult(&shared, &priv, &remote)
	if shared == zero {
		return shared, fmt.Errorf("%w: low-order point", ErrInvalidPublicKey)
	}
	return shared, nil
}

// deriveKey expands secret with HKDF-SHA256.
func deriveKey(secret, salt []byte, info string) ([KeySize]byte, error) {
	var key [KeySize]byte
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

func newHandshakeNonce() ([]byte, error) {
	n := make([]byte, HandshakeNonceSize)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return n, nil
}

// handshakeSalt is the initiator nonce followed by the responder nonce.
func handshakeSalt(initiator, responder []byte) []byte {
	salt := make([]byte, 0, len(initiator)+len(responder))
	salt = append(salt, initiator...)
	return append(salt, responder...)
}

func pskSessionKey(keys KeyProvider, salt []byte) ([KeySize]byte, error) {
	if keys == nil {
		return [KeySize]byte{}, fmt.Errorf("%w: psk mode needs a key provider", ErrMissingKeyMaterial)
	}
	psk, err := keys.SessionKey()
	if err != nil {
		return [KeySize]byte{}, err
	}
	defer ZeroKey(&psk)
	return deriveKey(psk[:], salt, hkdfInfo+"+psk")
}

func toKey(b []byte) ([KeySize]byte, error) {
	var k [KeySize]byte
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}
