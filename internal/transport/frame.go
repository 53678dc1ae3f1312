package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"kvsync/pkg/wire"
)

// A frame is [2B magic][2B version][4B length][payload], big endian. The
// payload is one wire-encoded message.
const (
	Magic      = 0x4B56 // "KV"
	Version    = 0x0001
	MaxPayload = 1 << 16
	HeaderSize = 8
)

// ErrFrameTooLarge is returned for payloads above MaxPayload.
var ErrFrameTooLarge = errors.New("transport: payload too large")

// WriteFrame writes payload as one frame in a single Write call, so a
// frame travels in one Noise message.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxPayload)
	}
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, HeaderSize+len(payload)), Magic)
	buf = binary.BigEndian.AppendUint16(buf, Version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	_, err := w.Write(append(buf, payload...))
	return err
}

// ReadFrame reads one frame. A header that is not ours is malformed wire
// input; a stream that ends early keeps its io error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	if magic := binary.BigEndian.Uint16(hdr[0:2]); magic != Magic {
		return nil, fmt.Errorf("%w: invalid magic 0x%04X", wire.ErrMalformed, magic)
	}
	if version := binary.BigEndian.Uint16(hdr[2:4]); version != Version {
		return nil, fmt.Errorf("%w: unsupported link version %d", wire.ErrMalformed, version)
	}
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > MaxPayload {
		return nil, fmt.Errorf("%w: %w: %d > %d", wire.ErrMalformed, ErrFrameTooLarge, length, MaxPayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}
