package crypto

import (
	"crypto/cipher"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL bounds a session's lifetime.
const DefaultSessionTTL = time.Hour

// SessionState is the lifecycle stage of a session.
type SessionState int

const (
	SessionInitiating SessionState = iota
	SessionEstablished
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionInitiating:
		return "initiating"
	case SessionEstablished:
		return "established"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Role selects the nonce direction prefix so both ends of a session never
// seal under the same nonce.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID               string
	PeerID           string
	State            SessionState
	CreatedAt        time.Time
	ExpiresAt        time.Time
	MessagesSent     uint64
	MessagesReceived uint64
}

type session struct {
	id        string
	peerID    string
	role      Role
	state     SessionState
	key       [KeySize]byte
	aead      cipher.AEAD
	sendCount uint64
	recvCount uint64
	createdAt time.Time
	expiresAt time.Time

	messagesSent     uint64
	messagesReceived uint64
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:               s.id,
		PeerID:           s.peerID,
		State:            s.state,
		CreatedAt:        s.createdAt,
		ExpiresAt:        s.expiresAt,
		MessagesSent:     s.messagesSent,
		MessagesReceived: s.messagesReceived,
	}
}

// ManagerConfig configures a SessionManager.
type ManagerConfig struct {
	// TTL is the session lifetime. Zero means DefaultSessionTTL.
	TTL time.Duration

	// Cipher is the AEAD suite. Empty means ChaCha20-Poly1305.
	Cipher string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// SessionManager owns every session. One mutex guards the whole table; the
// counter bump and the seal for a session happen under it so a nonce is never
// handed out twice.
type SessionManager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager validates cfg and returns an empty manager.
func NewSessionManager(cfg ManagerConfig) (*SessionManager, error) {
	if !ValidCipher(cfg.Cipher) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, cfg.Cipher)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}, nil
}

// Reserve registers a session in the Initiating state. It cannot encrypt
// until Establish installs a key.
func (m *SessionManager) Reserve(peerID string, role Role) SessionInfo {
	now := m.cfg.Now()
	s := &session{
		id:        uuid.NewString(),
		peerID:    peerID,
		role:      role,
		state:     SessionInitiating,
		createdAt: now,
		expiresAt: now.Add(m.cfg.TTL),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s.info()
}

// Establish installs the session key and moves the session to Established.
func (m *SessionManager) Establish(id string, key [KeySize]byte) (SessionInfo, error) {
	aead, err := newAEAD(m.cfg.Cipher, key[:])
	if err != nil {
		return SessionInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.key = key
	s.aead = aead
	s.state = SessionEstablished
	return s.info(), nil
}

// Create is Reserve followed by Establish.
func (m *SessionManager) Create(peerID string, key [KeySize]byte, role Role) (SessionInfo, error) {
	info := m.Reserve(peerID, role)
	return m.Establish(info.ID, key)
}

// lookup returns a usable session. Callers hold m.mu.
func (m *SessionManager) lookup(id string) (*session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.state == SessionExpired || !m.cfg.Now().Before(s.expiresAt) {
		s.state = SessionExpired
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	if s.state != SessionEstablished {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotEstablished, id)
	}
	return s, nil
}

// Encrypt seals plaintext and returns nonce || ciphertext || tag. The send
// counter is incremented before use, so the first nonce carries counter 1.
func (m *SessionManager) Encrypt(id string, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	s.sendCount++
	nonce := buildNonce(s.sendCount, s.role == RoleResponder)

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])
	out = s.aead.Seal(out, nonce[:], plaintext, nil)

	s.messagesSent++
	return out, nil
}

// Decrypt opens data produced by the peer's Encrypt. A nonce whose counter is
// not above the last accepted one is rejected as a replay, and one carrying
// this end's own direction prefix is rejected as reflected.
func (m *SessionManager) Decrypt(id string, data []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextTooShort, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	fromResponder, ok := nonceDirection(data[:NonceSize])
	if !ok || fromResponder == (s.role == RoleResponder) {
		return nil, fmt.Errorf("%w: prefix %x", ErrWrongDirection, data[:4])
	}

	counter := nonceCounter(data[:NonceSize])
	if counter <= s.recvCount {
		return nil, fmt.Errorf("%w: counter %d", ErrReplayedNonce, counter)
	}

	plaintext, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	s.recvCount = counter
	s.messagesReceived++
	return plaintext, nil
}

// Get returns a snapshot of one session.
func (m *SessionManager) Get(id string) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.info(), nil
}

// Active lists established, unexpired sessions.
func (m *SessionManager) Active() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.state == SessionEstablished && now.Before(s.expiresAt) {
			out = append(out, s.info())
		}
	}
	return out
}

// Len returns the number of sessions held, expired ones included.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close removes a session and wipes its key.
func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	ZeroKey(&s.key)
	delete(m.sessions, id)
	return nil
}

// CloseForPeer removes every session bound to peerID and returns how many
// were removed.
func (m *SessionManager) CloseForPeer(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if s.peerID == peerID {
			ZeroKey(&s.key)
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// CleanupExpired drops sessions past their expiry and returns the count.
func (m *SessionManager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()
	n := 0
	for id, s := range m.sessions {
		if s.state == SessionExpired || !now.Before(s.expiresAt) {
			ZeroKey(&s.key)
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
