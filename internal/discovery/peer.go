// Package discovery finds the desktop agent on the local network and decides
// which stream address the engine should dial.
package discovery

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is an advertised agent.
type Peer struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Address      string    `json:"address"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"-"`
	Connected    bool      `json:"-"`
}

// MatchesSignature reports whether the peer's name or type contains any of
// signatures, ignoring case.
func (p Peer) MatchesSignature(signatures []string) bool {
	name := strings.ToLower(p.Name)
	typ := strings.ToLower(p.Type)
	for _, sig := range signatures {
		sig = strings.ToLower(strings.TrimSpace(sig))
		if sig == "" {
			continue
		}
		if strings.Contains(name, sig) || strings.Contains(typ, sig) {
			return true
		}
	}
	return false
}

// StreamAddress interprets an advertised address as host:port or a bare
// host, filling in defaultPort. Hardware identifiers (MAC addresses, BLE
// UUIDs) and anything else that is not routable report ok=false.
func StreamAddress(addr string, defaultPort int) (string, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", false
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 || isHardwareID(host) || !validHost(host) {
			return "", false
		}
		return net.JoinHostPort(host, port), true
	}

	if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(defaultPort)), true
	}
	if isHardwareID(addr) || !validHost(addr) {
		return "", false
	}
	return net.JoinHostPort(addr, strconv.Itoa(defaultPort)), true
}

// isHardwareID reports MAC addresses with or without separators and UUIDs.
func isHardwareID(s string) bool {
	if _, err := net.ParseMAC(s); err == nil {
		return true
	}
	if len(s) == 12 {
		if _, err := hex.DecodeString(s); err == nil {
			return true
		}
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func validHost(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}

// ErrPeerNotFound is returned for unknown peer ids.
var ErrPeerNotFound = errors.New("peer not found")

// Registry tracks discovered peers under a single lock.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*Peer
	now   func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer), now: time.Now}
}

// Upsert records a sighting and reports whether the peer was new. The
// connected flag of a known peer is preserved.
func (r *Registry) Upsert(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.LastSeen = r.now()
	if existing, ok := r.peers[p.ID]; ok {
		p.Connected = existing.Connected
		*existing = p
		return false
	}
	r.peers[p.ID] = &p
	return true
}

// SetConnected flags a peer as the one currently connected.
func (r *Registry) SetConnected(id string, connected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	p.Connected = connected
	p.LastSeen = r.now()
	return nil
}

// Remove deletes a peer and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.peers[id]
	delete(r.peers, id)
	return ok
}

// Get returns a copy of one peer.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns every peer, most recently seen first.
func (r *Registry) List() []Peer {
	return r.filter(func(*Peer) bool { return true })
}

// Connected returns the peers flagged connected.
func (r *Registry) Connected() []Peer {
	return r.filter(func(p *Peer) bool { return p.Connected })
}

func (r *Registry) filter(keep func(*Peer) bool) []Peer {
	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if keep(p) {
			out = append(out, *p)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CleanupStale drops disconnected peers not seen within maxAge.
func (r *Registry) CleanupStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	n := 0
	for id, p := range r.peers {
		if !p.Connected && p.LastSeen.Before(cutoff) {
			delete(r.peers, id)
			n++
		}
	}
	return n
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
