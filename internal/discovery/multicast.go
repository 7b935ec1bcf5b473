package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/edgeclaw/edgeclaw-sync/internal/logging"
)

const (
	// DefaultGroup is the multicast group beacons are sent to.
	DefaultGroup = "239.255.77.77:8444"
	// DefaultInterval is the advertiser's beacon period.
	DefaultInterval = 2 * time.Second

	beaconMagic   = "ecnp-discovery"
	beaconVersion = 1
	maxBeaconSize = 2048
	readPoll      = 500 * time.Millisecond
)

// Scanner reports peers it hears until ctx ends.
type Scanner interface {
	// Available reports whether scanning can run on this host.
	Available() bool
	// Scan sends every sighting to found and returns when ctx is done.
	Scan(ctx context.Context, found chan<- Peer) error
}

type beacon struct {
	Magic   string `json:"magic"`
	Version int    `json:"v"`
	Peer
}

func encodeBeacon(p Peer) ([]byte, error) {
	return json.Marshal(beacon{Magic: beaconMagic, Version: beaconVersion, Peer: p})
}

// decodeBeacon parses a datagram from src. An advertised address with an
// empty host (":8443") is completed with the sender's IP.
func decodeBeacon(data []byte, src net.Addr) (Peer, error) {
	var b beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return Peer{}, fmt.Errorf("malformed beacon: %w", err)
	}
	if b.Magic != beaconMagic {
		return Peer{}, errors.New("not a discovery beacon")
	}
	if b.Version != beaconVersion {
		return Peer{}, fmt.Errorf("unsupported beacon version %d", b.Version)
	}
	if b.ID == "" {
		return Peer{}, errors.New("beacon without id")
	}

	p := b.Peer
	if host, port, err := net.SplitHostPort(p.Address); err == nil && host == "" {
		if udp, ok := src.(*net.UDPAddr); ok {
			p.Address = net.JoinHostPort(udp.IP.String(), port)
		}
	}
	return p, nil
}

func resolveGroup(group string) (*net.UDPAddr, error) {
	if group == "" {
		group = DefaultGroup
	}
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("invalid multicast group %q: %w", group, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", addr.IP)
	}
	return addr, nil
}

func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
			out = append(out, ifi)
		}
	}
	return out
}

// MulticastScanner listens for agent beacons on a UDP multicast group.
type MulticastScanner struct {
	Group  string
	Logger *slog.Logger
}

// NewMulticastScanner returns a scanner for group (DefaultGroup if empty).
func NewMulticastScanner(group string, logger *slog.Logger) *MulticastScanner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &MulticastScanner{Group: group, Logger: logger.With(logging.KeyComponent, "discovery")}
}

func (s *MulticastScanner) Available() bool {
	if _, err := resolveGroup(s.Group); err != nil {
		return false
	}
	return len(multicastInterfaces()) > 0
}

func (s *MulticastScanner) Scan(ctx context.Context, found chan<- Peer) error {
	group, err := resolveGroup(s.Group)
	if err != nil {
		return err
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	c, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
	if err != nil {
		return fmt.Errorf("discovery listen: %w", err)
	}
	defer c.Close()

	pc := ipv4.NewPacketConn(c)
	joined := 0
	for _, ifi := range multicastInterfaces() {
		ifi := ifi
		if err := pc.JoinGroup(&ifi, &net.UDPAddr{IP: group.IP}); err != nil {
			s.Logger.Debug("join group failed", "interface", ifi.Name, logging.KeyError, err)
			continue
		}
		joined++
	}
	if joined == 0 {
		return fmt.Errorf("could not join %s on any interface", group.IP)
	}
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		s.Logger.Debug("control messages unavailable", logging.KeyError, err)
	}

	buf := make([]byte, maxBeaconSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pc.SetReadDeadline(time.Now().Add(readPoll))
		n, cm, src, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("discovery read: %w", err)
		}
		if cm != nil && cm.Dst != nil && !cm.Dst.Equal(group.IP) {
			continue
		}

		p, err := decodeBeacon(buf[:n], src)
		if err != nil {
			s.Logger.Debug("ignoring datagram", logging.KeyRemoteAddr, src, logging.KeyError, err)
			continue
		}
		select {
		case found <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Advertiser periodically multicasts a beacon describing the local agent.
type Advertiser struct {
	Group    string
	Peer     Peer
	Interval time.Duration
	Logger   *slog.Logger
}

// Run sends beacons until ctx is done.
func (a *Advertiser) Run(ctx context.Context) error {
	group, err := resolveGroup(a.Group)
	if err != nil {
		return err
	}
	interval := a.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.KeyComponent, "advertiser")

	payload, err := encodeBeacon(a.Peer)
	if err != nil {
		return err
	}

	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("advertiser socket: %w", err)
	}
	defer c.Close()

	pc := ipv4.NewPacketConn(c)
	pc.SetMulticastTTL(1)
	pc.SetMulticastLoopback(true)

	ifaces := multicastInterfaces()
	send := func() {
		sent := false
		for _, ifi := range ifaces {
			ifi := ifi
			if err := pc.SetMulticastInterface(&ifi); err != nil {
				continue
			}
			if _, err := pc.WriteTo(payload, nil, group); err == nil {
				sent = true
			}
		}
		if !sent {
			if _, err := pc.WriteTo(payload, nil, group); err != nil {
				logger.Debug("beacon send failed", logging.KeyError, err)
			}
		}
	}

	logger.Info("advertising agent",
		logging.KeyPeerID, a.Peer.ID,
		logging.KeyAddress, a.Peer.Address,
		"group", group.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	send()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			send()
		}
	}
}
