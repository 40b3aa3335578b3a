package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single control frame. Anything larger is treated as
// a framing error and the connection is closed by the caller.
const MaxFrameSize = 64 * 1024

var (
	// ErrFrameTooLarge reports a length prefix beyond MaxFrameSize.
	ErrFrameTooLarge = errors.New("proto: frame exceeds size cap")
	// ErrEmptyFrame reports a zero-length frame.
	ErrEmptyFrame = errors.New("proto: empty frame")
)

// WriteMessage frames m as a 4-byte big-endian length followed by JSON.
// The frame is written with a single Write call so concurrent writers
// serialized by the caller never interleave partial frames.
func WriteMessage(w io.Writer, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("proto: marshal: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one length-delimited frame and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return Message{}, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("proto: decode: %w", err)
	}
	return m, nil
}
