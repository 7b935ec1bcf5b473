package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrProtocolViolation marks a malformed header. It is fatal to the
	// connection that produced it.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrBadVersion is returned for a header whose version byte is not
	// ProtocolVersion.
	ErrBadVersion = fmt.Errorf("%w: unsupported version", ErrProtocolViolation)

	// ErrFrameTooLarge is returned when a declared or actual payload exceeds
	// MaxPayloadSize.
	ErrFrameTooLarge = fmt.Errorf("%w: payload exceeds maximum size", ErrProtocolViolation)

	// ErrInvalidFrame is returned when a buffer cannot hold the frame it claims.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrConnectionClosed is returned when the stream ends before a complete
	// frame was read.
	ErrConnectionClosed = errors.New("connection closed")
)

// Frame is one unit on the wire.
//
//	Version [1 byte]
//	Type    [1 byte]
//	Length  [4 bytes] big-endian payload length
//	Payload [Length bytes]
type Frame struct {
	Version uint8
	Type    uint8
	Payload []byte
}

// NewFrame returns a frame stamped with the current protocol version.
func NewFrame(frameType uint8, payload []byte) *Frame {
	return &Frame{Version: ProtocolVersion, Type: frameType, Payload: payload}
}

// Encode serializes the frame.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	version := f.Version
	if version == 0 {
		version = ProtocolVersion
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = version
	buf[1] = f.Type
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Encode is a shorthand for NewFrame(frameType, payload).Encode().
func Encode(frameType uint8, payload []byte) ([]byte, error) {
	return NewFrame(frameType, payload).Encode()
}

// DecodeHeader validates a header and returns its type and payload length.
func DecodeHeader(buf []byte) (frameType uint8, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}
	if buf[0] != ProtocolVersion {
		return 0, 0, fmt.Errorf("%w: got 0x%02x", ErrBadVersion, buf[0])
	}
	length = binary.BigEndian.Uint32(buf[2:6])
	if length > MaxPayloadSize {
		return 0, 0, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, length)
	}
	return buf[1], length, nil
}

// Decode parses exactly one frame from buf. Trailing bytes are rejected.
func Decode(buf []byte) (*Frame, error) {
	frameType, length, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) != HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: length %d does not match buffer of %d bytes",
			ErrInvalidFrame, length, len(buf)-HeaderSize)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:])
	return &Frame{Version: ProtocolVersion, Type: frameType, Payload: payload}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Version=%d, PayloadLen=%d}",
		FrameTypeName(f.Type), f.Version, len(f.Payload))
}

// FrameReader reads frames from a stream. It is not safe for concurrent use;
// each connection has exactly one reading goroutine.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read blocks until a full frame arrives. A header with a bad version or an
// oversized length is reported without consuming any payload bytes.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, closedOr(err)
	}

	frameType, length, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	f := &Frame{Version: ProtocolVersion, Type: frameType}
	if length == 0 {
		return f, nil
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
		return nil, closedOr(err)
	}
	return f, nil
}

func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return err
}

// FrameWriter writes frames to a stream. Callers serialize access.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write encodes f and writes it with a single Write call so a frame is never
// interleaved with another.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return closedOr(err)
}

// WriteFrame writes a frame of the given type.
func (fw *FrameWriter) WriteFrame(frameType uint8, payload []byte) error {
	return fw.Write(NewFrame(frameType, payload))
}
