// Package fragment implements the wire codec for the message-oriented
// fragment protocol carried inside one-hop RF payloads: DATA fragments,
// selective NACKs and end-to-end DONE acknowledgements. It performs no
// I/O — callers hand it byte slices and get back either a decoded
// struct or an error.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/minimirror1/xbeelink/crc"
)

// Version is the only protocol version this codec emits or accepts.
const Version = 0x01

// Type tags, placed at header[1] / message[1].
const (
	TypeData = 0x01
	TypeNack = 0x02
	TypeDone = 0x03
)

// HeaderSize is the fixed length of a DATA fragment header, before
// payload and CRC.
const HeaderSize = 13

// DoneSize is the total length of an encoded DONE message.
const DoneSize = 6

// ErrInvalid is returned by the parse functions for any malformed,
// wrong-version or CRC-failed input; it carries no detail so that
// callers never branch on message content, only on drop-vs-keep.
var ErrInvalid = errors.New("fragment: not a valid message")

// Header is the fixed 13-byte preamble of a DATA fragment.
type Header struct {
	Version    byte
	Type       byte
	MsgID      uint16
	TotalLen   uint32
	FragIdx    uint16
	FragCnt    uint16
	PayloadLen byte
}

// EncodeHeader writes h into buf[0:HeaderSize]. buf must be at least
// HeaderSize bytes long.
func EncodeHeader(buf []byte, h Header) {
	buf[0] = h.Version
	buf[1] = h.Type
	binary.BigEndian.PutUint16(buf[2:4], h.MsgID)
	binary.BigEndian.PutUint32(buf[4:8], h.TotalLen)
	binary.BigEndian.PutUint16(buf[8:10], h.FragIdx)
	binary.BigEndian.PutUint16(buf[10:12], h.FragCnt)
	buf[12] = h.PayloadLen
}

// DecodeHeader reads a Header from the front of buf, which must be at
// least HeaderSize bytes long.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("fragment: header too short (%d bytes): %w", len(buf), ErrInvalid)
	}
	return Header{
		Version:    buf[0],
		Type:       buf[1],
		MsgID:      binary.BigEndian.Uint16(buf[2:4]),
		TotalLen:   binary.BigEndian.Uint32(buf[4:8]),
		FragIdx:    binary.BigEndian.Uint16(buf[8:10]),
		FragCnt:    binary.BigEndian.Uint16(buf[10:12]),
		PayloadLen: buf[12],
	}, nil
}

// EncodeData builds a complete DATA fragment: header || payload || crc16.
func EncodeData(h Header, payload []byte) []byte {
	h.Type = TypeData
	h.PayloadLen = byte(len(payload))
	buf := make([]byte, HeaderSize+len(payload)+crc.Size)
	EncodeHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	crc.Append(buf, HeaderSize+len(payload))
	return buf
}

// DecodeData validates the CRC and version of a DATA fragment and
// returns its header and payload. It requires at least HeaderSize+2
// bytes, per the "length >= 15" floor in the fragment receiver.
func DecodeData(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize+crc.Size {
		return Header{}, nil, fmt.Errorf("fragment: data fragment too short (%d bytes): %w", len(buf), ErrInvalid)
	}
	if !crc.Verify(buf) {
		return Header{}, nil, fmt.Errorf("fragment: data fragment crc failed: %w", ErrInvalid)
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("fragment: unknown protocol version %#02x: %w", h.Version, ErrInvalid)
	}
	payload := buf[HeaderSize : len(buf)-crc.Size]
	if len(payload) != int(h.PayloadLen) {
		return Header{}, nil, fmt.Errorf("fragment: payload length mismatch (%d declared, %d present): %w",
			h.PayloadLen, len(payload), ErrInvalid)
	}
	return h, payload, nil
}

// Nack is a selective negative acknowledgement naming the fragment
// indices still missing for a msg_id.
type Nack struct {
	MsgID   uint16
	Indices []uint16
}

// EncodeNack builds version(1) || type=0x02(1) || msg_id(2) || count(1)
// || count*index(2) || crc16(2).
func EncodeNack(n Nack) []byte {
	buf := make([]byte, 0, 5+2*len(n.Indices)+crc.Size)
	buf = append(buf, Version, TypeNack)
	msgID := make([]byte, 2)
	binary.BigEndian.PutUint16(msgID, n.MsgID)
	buf = append(buf, msgID...)
	buf = append(buf, byte(len(n.Indices)))
	for _, idx := range n.Indices {
		idxBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(idxBuf, idx)
		buf = append(buf, idxBuf...)
	}
	body := len(buf)
	buf = append(buf, 0, 0)
	crc.Append(buf, body)
	return buf
}

// DecodeNack parses and CRC/version-checks a NACK message.
func DecodeNack(buf []byte) (Nack, error) {
	if len(buf) < 5+crc.Size {
		return Nack{}, fmt.Errorf("fragment: nack too short: %w", ErrInvalid)
	}
	if !crc.Verify(buf) {
		return Nack{}, fmt.Errorf("fragment: nack crc failed: %w", ErrInvalid)
	}
	if buf[0] != Version {
		return Nack{}, fmt.Errorf("fragment: nack unknown version %#02x: %w", buf[0], ErrInvalid)
	}
	if buf[1] != TypeNack {
		return Nack{}, fmt.Errorf("fragment: not a nack message: %w", ErrInvalid)
	}
	msgID := binary.BigEndian.Uint16(buf[2:4])
	count := int(buf[4])
	want := 5 + 2*count + crc.Size
	if len(buf) != want {
		return Nack{}, fmt.Errorf("fragment: nack count %d inconsistent with length %d: %w", count, len(buf), ErrInvalid)
	}
	indices := make([]uint16, count)
	for i := 0; i < count; i++ {
		off := 5 + 2*i
		indices[i] = binary.BigEndian.Uint16(buf[off : off+2])
	}
	return Nack{MsgID: msgID, Indices: indices}, nil
}

// EncodeDone builds version(1) || type=0x03(1) || msg_id(2) || crc16(2).
func EncodeDone(msgID uint16) []byte {
	buf := make([]byte, DoneSize)
	buf[0] = Version
	buf[1] = TypeDone
	binary.BigEndian.PutUint16(buf[2:4], msgID)
	crc.Append(buf, 4)
	return buf
}

// DecodeDone parses and CRC/version-checks a DONE message, returning
// its msg_id.
func DecodeDone(buf []byte) (uint16, error) {
	if len(buf) != DoneSize {
		return 0, fmt.Errorf("fragment: done has wrong length %d: %w", len(buf), ErrInvalid)
	}
	if !crc.Verify(buf) {
		return 0, fmt.Errorf("fragment: done crc failed: %w", ErrInvalid)
	}
	if buf[0] != Version {
		return 0, fmt.Errorf("fragment: done unknown version %#02x: %w", buf[0], ErrInvalid)
	}
	if buf[1] != TypeDone {
		return 0, fmt.Errorf("fragment: not a done message: %w", ErrInvalid)
	}
	return binary.BigEndian.Uint16(buf[2:4]), nil
}

// PeekType reads the type tag out of any fragment-protocol message
// without validating it, so the receiver can dispatch before fully
// parsing.
func PeekType(buf []byte) (byte, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return buf[1], true
}
