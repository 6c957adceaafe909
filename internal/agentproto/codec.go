package agentproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Limits constrains frame reads.
type Limits struct {
	MaxFrameBytes uint32
}

// DefaultLimits matches the maximum message size OpenSSH's agent accepts.
func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 256 * 1024}
}

// Parse decodes the first frame in b.
//
// A prefix shorter than the declared length yields ErrTruncated. Unrecognized
// message types decode to Unknown.
func Parse(b []byte) (Message, error) {
	if len(b) < HeaderLen {
		return nil, ErrTruncated
	}
	length := binary.BigEndian.Uint32(b[:HeaderLen])
	if uint64(len(b)-HeaderLen) < uint64(length) {
		return nil, ErrTruncated
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	msgType := b[HeaderLen]
	body := b[HeaderLen+1 : HeaderLen+int(length)]

	switch msgType {
	case TypeRequestIdentities:
		return RequestIdentities{}, nil
	case TypeRemoveAllIdentities:
		return RemoveAllIdentities{}, nil
	case TypeSignRequest:
		return parseSignRequest(body)
	default:
		return Unknown{Tag: msgType}, nil
	}
}

func parseSignRequest(body []byte) (Message, error) {
	r := reader{buf: body}
	keyBlob, err := r.string()
	if err != nil {
		return nil, fmt.Errorf("%w: sign request key blob", ErrMalformed)
	}
	data, err := r.string()
	if err != nil {
		return nil, fmt.Errorf("%w: sign request data", ErrMalformed)
	}
	flags, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("%w: sign request flags", ErrMalformed)
	}
	return SignRequest{KeyBlob: keyBlob, Data: data, Flags: flags}, nil
}

// Marshal encodes m as a complete frame. Unknown messages cannot be
// marshalled because their body is not kept.
func Marshal(m Message) ([]byte, error) {
	var w writer
	switch msg := m.(type) {
	case RequestIdentities, RemoveAllIdentities:
	case SignRequest:
		w.string(msg.KeyBlob)
		w.string(msg.Data)
		w.uint32(msg.Flags)
	case Unknown:
		return nil, ErrUnknownMessage
	default:
		return nil, fmt.Errorf("agentproto: unsupported message %T", m)
	}
	return Encode(m.Type(), w.buf), nil
}

// Encode builds a frame from a message type and a raw body.
func Encode(msgType byte, body []byte) []byte {
	frame := make([]byte, HeaderLen+1+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderLen], uint32(1+len(body)))
	frame[HeaderLen] = msgType
	copy(frame[HeaderLen+1:], body)
	return frame
}

// FailureFrame returns the canonical SSH_AGENT_FAILURE frame: 00 00 00 01 05.
func FailureFrame() []byte {
	return Encode(TypeFailure, nil)
}

// ReadFrame reads exactly one raw frame (length prefix included) from r.
//
// It returns io.EOF if r is closed before any byte is read, and ErrTruncated
// if it is closed part-way through a frame.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrTruncated, err)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if length > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	frame := make([]byte, HeaderLen+int(length))
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[HeaderLen:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrTruncated, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes the whole of frame to w, retrying short writes.
func WriteFrame(w io.Writer, frame []byte) error {
	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}

type reader struct {
	buf []byte
}

func (r *reader) uint32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v, nil
}

func (r *reader) string() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)) < uint64(n) {
		return nil, io.ErrUnexpectedEOF
	}
	s := make([]byte, n)
	copy(s, r.buf[:n])
	r.buf = r.buf[n:]
	return s, nil
}

type writer struct {
	buf []byte
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) string(s []byte) {
	w.uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}
