// Package protocol implements the ECNP wire format: a fixed six byte header
// followed by an opaque payload.
package protocol

// Header layout and limits.
const (
	ProtocolVersion uint8 = 0x01

	HeaderSize     = 6
	MaxPayloadSize = 1 << 20 // 1 MiB
	DefaultPort    = 8443
)

// Frame types
const (
	FrameHandshake uint8 = 0x01 // Session setup request
	FrameData      uint8 = 0x02 // Encrypted application message
	FrameControl   uint8 = 0x03 // Out-of-band control
	FrameHeartbeat uint8 = 0x04 // Liveness signal
	FrameAck       uint8 = 0x05 // Handshake acknowledgement
	FrameError     uint8 = 0x06 // Peer reported failure
)

// Handshake identity
const (
	ProtocolName      = "ecnp"
	ProtocolRelease   = "1.1"
	ClientTypeMobile  = "mobile"
	ClientTypeDesktop = "desktop"
)

// Capabilities advertised during the handshake.
const (
	CapConfigSync = "config_sync"
	CapRemoteExec = "remote_exec"
	CapStatusPush = "status_push"
)

// DefaultCapabilities is the set a mobile client announces.
func DefaultCapabilities() []string {
	return []string{CapConfigSync, CapRemoteExec, CapStatusPush}
}

// FrameTypeName returns a readable name for logs.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameHandshake:
		return "HANDSHAKE"
	case FrameData:
		return "DATA"
	case FrameControl:
		return "CONTROL"
	case FrameHeartbeat:
		return "HEARTBEAT"
	case FrameAck:
		return "ACK"
	case FrameError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ValidFrameType reports whether t is one of the defined frame types.
func ValidFrameType(t uint8) bool {
	return t >= FrameHandshake && t <= FrameError
}
