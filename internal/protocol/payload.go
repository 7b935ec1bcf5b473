package protocol

import (
	"encoding/json"
	"fmt"
)

// Handshake is the JSON payload of a FrameHandshake. The key exchange fields
// are empty when the session key is provisioned out of band.
type Handshake struct {
	Protocol         string   `json:"protocol"`
	Version          string   `json:"version"`
	ClientType       string   `json:"client_type"`
	DeviceID         string   `json:"device_id,omitempty"`
	Capabilities     []string `json:"capabilities"`
	KeyExchange      string   `json:"key_exchange,omitempty"`
	PublicKey        []byte   `json:"public_key,omitempty"`
	EncapsulationKey []byte   `json:"encapsulation_key,omitempty"`
	Nonce            []byte   `json:"nonce,omitempty"`
}

// NewHandshake returns the standard mobile handshake.
func NewHandshake(deviceID string) *Handshake {
	return &Handshake{
		Protocol:     ProtocolName,
		Version:      ProtocolRelease,
		ClientType:   ClientTypeMobile,
		DeviceID:     deviceID,
		Capabilities: DefaultCapabilities(),
	}
}

// Validate checks the protocol identity fields.
func (h *Handshake) Validate() error {
	if h.Protocol != ProtocolName {
		return fmt.Errorf("%w: protocol %q", ErrInvalidFrame, h.Protocol)
	}
	if h.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidFrame)
	}
	return nil
}

// HasCapability reports whether the sender announced c.
func (h *Handshake) HasCapability(c string) bool {
	for _, have := range h.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HandshakeAck is the JSON payload of a FrameAck answering a handshake.
type HandshakeAck struct {
	DeviceID     string   `json:"device_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	KeyExchange  string   `json:"key_exchange,omitempty"`
	PublicKey    []byte   `json:"public_key,omitempty"`
	Ciphertext   []byte   `json:"ciphertext,omitempty"`
	Nonce        []byte   `json:"nonce,omitempty"`
}

// Heartbeat is the JSON payload of a FrameHeartbeat.
type Heartbeat struct {
	DeviceID       string  `json:"device_id"`
	UptimeSecs     uint64  `json:"uptime_secs"`
	CPUUsage       float32 `json:"cpu_usage,omitempty"`
	MemoryUsage    float32 `json:"memory_usage,omitempty"`
	ActiveSessions uint32  `json:"active_sessions,omitempty"`
}

// ErrorPayload is the JSON payload of a FrameError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorPayload) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// MarshalPayload encodes v as a frame payload.
func MarshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalPayload decodes a frame payload into v.
func UnmarshalPayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}
