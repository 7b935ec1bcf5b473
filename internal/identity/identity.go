// Package identity manages the persistent device identity: a UUID device id
// and an Ed25519 key whose fingerprint is shown to the user when pairing.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const fileName = "device.json"

// ErrNotFound is returned by Load when no identity has been stored yet.
var ErrNotFound = errors.New("device identity not found")

// Device is a device's long-lived identity.
type Device struct {
	ID        string
	PublicKey ed25519.PublicKey
	CreatedAt time.Time

	private ed25519.PrivateKey
}

type stored struct {
	DeviceID  string    `json:"device_id"`
	Seed      string    `json:"seed"`
	CreatedAt time.Time `json:"created_at"`
}

// New generates a fresh identity.
func New() (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Device{
		ID:        uuid.NewString(),
		PublicKey: pub,
		CreatedAt: time.Now().UTC(),
		private:   priv,
	}, nil
}

// Fingerprint is the first 8 bytes of SHA-256 over the public key, hex encoded.
func (d *Device) Fingerprint() string {
	sum := sha256.Sum256(d.PublicKey)
	return hex.EncodeToString(sum[:8])
}

// PublicKeyHex returns the public key as hex.
func (d *Device) PublicKeyHex() string {
	return hex.EncodeToString(d.PublicKey)
}

// Sign signs msg with the device key.
func (d *Device) Sign(msg []byte) []byte {
	return ed25519.Sign(d.private, msg)
}

// Verify checks a signature made by the holder of pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}

// Store writes the identity to dataDir atomically.
func (d *Device) Store(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	data, err := json.MarshalIndent(stored{
		DeviceID:  d.ID,
		Seed:      hex.EncodeToString(d.private.Seed()),
		CreatedAt: d.CreatedAt,
	}, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dataDir, fileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

// Load reads a stored identity.
func Load(dataDir string) (*Device, error) {
	path := filepath.Join(dataDir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var s stored
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	if _, err := uuid.Parse(s.DeviceID); err != nil {
		return nil, fmt.Errorf("parse device id: %w", err)
	}
	seed, err := hex.DecodeString(s.Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid identity seed in %s", path)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Device{
		ID:        s.DeviceID,
		PublicKey: priv.Public().(ed25519.PublicKey),
		CreatedAt: s.CreatedAt,
		private:   priv,
	}, nil
}

// LoadOrCreate loads the identity in dataDir or creates and stores a new one.
// The boolean reports whether a new identity was created.
func LoadOrCreate(dataDir string) (*Device, bool, error) {
	d, err := Load(dataDir)
	if err == nil {
		return d, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	d, err = New()
	if err != nil {
		return nil, false, err
	}
	if err := d.Store(dataDir); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// Exists reports whether dataDir holds an identity.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, fileName))
	return err == nil
}
