package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is command (1) + id (2) + length (2).
	HeaderSize = 5

	// MaxBodySize is the largest length the header can express.
	MaxBodySize = math.MaxUint16
)

// MalformedError reports a frame whose header and payload do not agree.
// The connection survives it.
type MalformedError struct {
	ID     uint16
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed message: " + e.Reason
}

// UnknownCommandError reports a well-framed message with an undefined command code.
type UnknownCommandError struct {
	ID   uint16
	Code uint8
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command code %d (id %d)", e.Code, e.ID)
}

// RejectedID returns the correlation id of a frame that failed to decode,
// and whether err is a decode failure the connection should survive.
func RejectedID(err error) (uint16, bool) {
	var mal *MalformedError
	if errors.As(err, &mal) {
		return mal.ID, true
	}
	var unk *UnknownCommandError
	if errors.As(err, &unk) {
		return unk.ID, true
	}
	return 0, false
}

// Encode serializes m into a single frame.
func Encode(m *Message) ([]byte, error) {
	n := m.Len()
	if n > MaxBodySize {
		return nil, fmt.Errorf("encode %s: body of %d bytes exceeds %d", m.Command, n, MaxBodySize)
	}

	buf := make([]byte, HeaderSize+n)
	buf[0] = byte(m.Command)
	binary.BigEndian.PutUint16(buf[1:3], m.ID)
	binary.BigEndian.PutUint16(buf[3:5], uint16(n))

	off := HeaderSize
	if m.Command == CmdResponse {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(m.Status))
		off += 2
	}
	copy(buf[off:], m.Body)
	return buf, nil
}

// Decode parses exactly one frame. The buffer must hold the whole frame
// and nothing else.
func Decode(b []byte) (*Message, error) {
	if len(b) < HeaderSize {
		return nil, &MalformedError{Reason: fmt.Sprintf("%d bytes is shorter than the header", len(b))}
	}
	id := binary.BigEndian.Uint16(b[1:3])
	n := int(binary.BigEndian.Uint16(b[3:5]))
	if got := len(b) - HeaderSize; got != n {
		return nil, &MalformedError{ID: id, Reason: fmt.Sprintf("length header %d, payload %d", n, got)}
	}
	return decodePayload(b[0], id, b[HeaderSize:])
}

// ReadFrame reads one frame from a stream. Decode failures that leave the
// stream aligned are returned as *MalformedError or *UnknownCommandError;
// anything else is an I/O error.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	id := binary.BigEndian.Uint16(hdr[1:3])
	n := binary.BigEndian.Uint16(hdr[3:5])

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decodePayload(hdr[0], id, payload)
}

// WriteFrame encodes m and writes it to w.
func WriteFrame(w io.Writer, m *Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func decodePayload(code byte, id uint16, payload []byte) (*Message, error) {
	cmd := Command(code)
	if !cmd.Valid() {
		return nil, &UnknownCommandError{ID: id, Code: code}
	}

	m := &Message{ID: id, Command: cmd}
	if cmd == CmdResponse {
		if len(payload) < 2 {
			return nil, &MalformedError{ID: id, Reason: "response without status code"}
		}
		m.Status = Status(binary.BigEndian.Uint16(payload[:2]))
		payload = payload[2:]
	}
	if len(payload) > 0 {
		m.Body = append([]byte(nil), payload...)
	}
	return m, nil
}
