package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
)

// KeyProvider supplies pre-provisioned key material. Platform secure storage
// implements it; the engine never persists keys itself.
type KeyProvider interface {
	SessionKey() ([KeySize]byte, error)
}

// StaticKeyProvider returns a fixed key.
type StaticKeyProvider struct {
	key [KeySize]byte
}

// NewStaticKeyProvider copies key.
func NewStaticKeyProvider(key [KeySize]byte) *StaticKeyProvider {
	return &StaticKeyProvider{key: key}
}

// ParseHexKey decodes a 64 character hex string into a StaticKeyProvider.
func ParseHexKey(s string) (*StaticKeyProvider, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	var k [KeySize]byte
	copy(k[:], raw)
	ZeroBytes(raw)
	return &StaticKeyProvider{key: k}, nil
}

func (p *StaticKeyProvider) SessionKey() ([KeySize]byte, error) {
	return p.key, nil
}

// RandomKeyProvider generates one random key on first use and returns it from
// then on. Both ends must share the same provider for the key to match, which
// only holds in-process.
type RandomKeyProvider struct {
	once sync.Once
	key  [KeySize]byte
	err  error
}

func (p *RandomKeyProvider) SessionKey() ([KeySize]byte, error) {
	p.once.Do(func() {
		_, p.err = io.ReadFull(rand.Reader, p.key[:])
	})
	return p.key, p.err
}

// GenerateHexKey returns a fresh random key encoded as hex, for config files.
func GenerateHexKey() (string, error) {
	var k [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return "", err
	}
	defer ZeroKey(&k)
	return hex.EncodeToString(k[:]), nil
}
