package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Framing on stream transports: a 4-byte big-endian length prefix followed
// by that many bytes of compact UTF-8 JSON of the envelope.

var (
	// ErrFrameTooLarge means the frame exceeds the transport's ceiling.
	// Stream readers close the connection on it.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame means the frame decoded but is not a usable
	// envelope. The frame is dropped; the connection stays open.
	ErrMalformedFrame = errors.New("malformed gossip frame")
)

// MarshalEnvelope serialises an envelope as compact JSON.
func MarshalEnvelope(env *GossipEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.MessageID, err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes and validates an envelope. A body that fails to
// parse or lacks any required field yields ErrMalformedFrame.
func UnmarshalEnvelope(data []byte) (*GossipEnvelope, error) {
	var env GossipEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Topic == "" || env.SenderID == "" || env.MessageID == "" || len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedFrame)
	}
	return &env, nil
}

// EncodeFrame produces the length-prefixed wire frame for an envelope,
// enforcing the size ceiling.
func EncodeFrame(env *GossipEnvelope, maxFrameBytes int) ([]byte, error) {
	body, err := MarshalEnvelope(env)
	if err != nil {
		return nil, err
	}
	if len(body) > maxFrameBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), maxFrameBytes)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// ReadFrame reads one length-prefixed envelope from r. An oversize length
// prefix returns ErrFrameTooLarge before any body bytes are consumed, so
// the caller must close the stream. Malformed bodies return
// ErrMalformedFrame with the stream intact and positioned at the next
// frame.
func ReadFrame(r io.Reader, maxFrameBytes int) (*GossipEnvelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > uint32(maxFrameBytes) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxFrameBytes)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return UnmarshalEnvelope(body)
}
