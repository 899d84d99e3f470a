package voippkt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MTUMax is the ceiling on the total encoded frame size. Frames at or
	// below this limit fit in a single unfragmented datagram on typical
	// Internet paths.
	MTUMax = 1300

	// PrefixLen is the size of the big-endian length prefix that opens every
	// frame. The prefix holds len(encoded header) + len(payload).
	PrefixLen = 8
)

var (
	ErrEncode    = errors.New("voippkt: header encode failed")
	ErrDecode    = errors.New("voippkt: header decode failed")
	ErrOversize  = errors.New("voippkt: datagram exceeds MTU")
	ErrTruncated = errors.New("voippkt: datagram shorter than declared length")
)

// MessageType tags the kind of media a frame carries.
type MessageType uint8

const (
	Voice MessageType = iota + 1
	Video
)

func (t MessageType) String() string {
	switch t {
	case Voice:
		return "voice"
	case Video:
		return "video"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t MessageType) valid() bool {
	return t == Voice || t == Video
}

// Header describes one logical voip message. It is immutable once
// constructed; a new Header is built for every outgoing message.
type Header struct {
	Type       MessageType
	PayloadLen uint64
	Author     uuid.UUID
}

// NewHeader builds a Header whose declared payload length matches payloadLen.
func NewHeader(t MessageType, author uuid.UUID, payloadLen int) Header {
	return Header{Type: t, PayloadLen: uint64(payloadLen), Author: author}
}

var (
	_ msgpack.CustomEncoder = (*Header)(nil)
	_ msgpack.CustomDecoder = (*Header)(nil)
)

// EncodeMsgpack writes the canonical header encoding: a 3-element array of
// message-type tag, declared payload length, and the 16-byte author UUID.
// The layout is fixed here rather than left to struct-tag defaults so the
// wire format cannot drift with library versions.
func (h *Header) EncodeMsgpack(enc *msgpack.Encoder) error {
	if !h.Type.valid() {
		return fmt.Errorf("%w: unsupported message type %d", ErrEncode, uint8(h.Type))
	}
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(h.Type)); err != nil {
		return err
	}
	if err := enc.EncodeUint64(h.PayloadLen); err != nil {
		return err
	}
	return enc.EncodeBytes(h.Author[:])
}

func (h *Header) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("header array has %d elements, want 3", n)
	}
	tag, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	t := MessageType(tag)
	if !t.valid() {
		return fmt.Errorf("unknown message type tag %d", tag)
	}
	length, err := dec.DecodeUint64()
	if err != nil {
		return err
	}
	raw, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(raw) != 16 {
		return fmt.Errorf("author field has %d bytes, want 16", len(raw))
	}
	h.Type = t
	h.PayloadLen = length
	copy(h.Author[:], raw)
	return nil
}

// Frame is a fully encoded wire buffer: length prefix, canonical header
// encoding, payload. It is consumed by exactly one send call and then
// discarded.
type Frame struct {
	buf []byte
}

func (f Frame) Bytes() []byte { return f.buf }

func (f Frame) Len() int { return len(f.buf) }

// ExceedsMTU reports whether the frame is too large to transmit. Encode does
// not enforce the MTU itself; the transport checks this before any frame can
// reach the wire.
func (f Frame) ExceedsMTU() bool { return len(f.buf) > MTUMax }

// Encode serializes header and payload into a single frame. The declared
// payload length in the header is forced to len(payload) so the two can
// never disagree on the wire.
func Encode(h Header, payload []byte) (Frame, error) {
	h.PayloadLen = uint64(len(payload))
	hb, err := msgpack.Marshal(&h)
	if err != nil {
		if errors.Is(err, ErrEncode) {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	buf := make([]byte, PrefixLen, PrefixLen+len(hb)+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(len(hb)+len(payload)))
	buf = append(buf, hb...)
	buf = append(buf, payload...)
	return Frame{buf: buf}, nil
}

// Decode parses one complete received datagram. UDP delivers whole datagrams,
// so the prefix, header, and payload are all sliced out of the single buffer
// handed in; nothing is ever read incrementally from the socket.
//
// All returned errors are non-fatal to a receive loop: the datagram is
// discarded and the loop continues.
func Decode(datagram []byte) (Header, []byte, error) {
	if len(datagram) < PrefixLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(datagram), PrefixLen)
	}
	declared := binary.BigEndian.Uint64(datagram[:PrefixLen])
	if declared > MTUMax {
		return Header{}, nil, fmt.Errorf("%w: declared length %d > %d", ErrOversize, declared, MTUMax)
	}

	body := datagram[PrefixLen:]
	r := bytes.NewReader(body)
	var h Header
	if err := msgpack.NewDecoder(r).Decode(&h); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	rest := body[len(body)-r.Len():]
	if uint64(len(rest)) < h.PayloadLen {
		return Header{}, nil, fmt.Errorf("%w: header declares %d payload bytes, %d remain", ErrTruncated, h.PayloadLen, len(rest))
	}
	return h, rest[:h.PayloadLen], nil
}
