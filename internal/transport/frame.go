package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame header: [4B payload_length big-endian][1B frame_type]
const frameHeaderSize = 5

// maxFrameSize bounds a frame payload. Envelopes never exceed the UDP limit.
const maxFrameSize = 64 * 1024

type frameType byte

const (
	frameAuthRequest  frameType = 0x01
	frameAuthResponse frameType = 0x02
	frameEnvelope     frameType = 0x20
)

type authStatus byte

const (
	authOK     authStatus = 0
	authFailed authStatus = 1
)

// authTokenSize is the HMAC token length carried by frameAuthRequest.
const authTokenSize = 32

var (
	ErrFrameTooLarge   = errors.New("frame exceeds maximum size")
	ErrUnexpectedFrame = errors.New("unexpected frame type")
	ErrShortFrame      = errors.New("frame payload too short")
)

// writeFrame writes header and payload. Streams shared by several writers
// must serialize calls.
func writeFrame(w io.Writer, t frameType, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(t)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (frameType, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	t := frameType(header[4])

	if payloadLen > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return t, payload, nil
}

// expectFrame reads one frame and fails unless it has type want and at
// least min payload bytes.
func expectFrame(r io.Reader, want frameType, min int) ([]byte, error) {
	t, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("%w: 0x%02x, want 0x%02x", ErrUnexpectedFrame, byte(t), byte(want))
	}
	if len(payload) < min {
		return nil, ErrShortFrame
	}
	return payload, nil
}
