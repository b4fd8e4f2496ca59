package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize is the largest frame body accepted (1 MiB).
const MaxFrameSize = 1 << 20

// headerSize is the length prefix size in bytes.
const headerSize = 4

// ErrFrameTooLarge is returned when a frame declares a body above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ProtocolError reports a malformed frame body or payload. It always
// terminates the connection that produced it.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError returns true if err is a framing or payload violation.
// Uses errors.As to handle wrapped errors.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) || errors.Is(err, ErrFrameTooLarge)
}

// Encode serializes m and prefixes the 4-byte big-endian body length.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("encode %s (%d bytes): %w", m.Type, len(body), ErrFrameTooLarge)
	}

	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Decode consumes every complete frame in buf. It returns the decoded
// messages and the unconsumed tail, which holds at most one partial frame and
// must be prepended to the next read.
//
// On error, the messages decoded before the offending frame are returned
// together with the error; the connection must then be dropped.
func Decode(buf []byte) ([]Message, []byte, error) {
	var out []Message
	for len(buf) >= headerSize {
		n := binary.BigEndian.Uint32(buf[:headerSize])
		if n > MaxFrameSize {
			return out, buf, fmt.Errorf("declared length %d: %w", n, ErrFrameTooLarge)
		}
		end := headerSize + int(n)
		if len(buf) < end {
			break // partial frame, wait for more bytes
		}

		var m Message
		if err := json.Unmarshal(buf[headerSize:end], &m); err != nil {
			return out, buf, &ProtocolError{Reason: "malformed frame body", Err: err}
		}
		if !m.Type.Known() {
			return out, buf, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", m.Type)}
		}
		out = append(out, m)
		buf = buf[end:]
	}
	return out, buf, nil
}
