// Package apiframe implements XBee API Mode 2 (escaped) framing: building
// outgoing TX-request and AT-command frames, and a byte-fed stream parser
// that recovers RX, explicit-RX, TX-status and AT-response frames from a
// raw serial byte stream.
package apiframe

import "encoding/binary"

// Frame type bytes, as placed in body[0].
const (
	TypeTxRequest  = 0x10
	TypeRxPacket   = 0x90
	TypeExplicitRx = 0x91
	TypeTxStatus   = 0x8B
	TypeATCommand  = 0x08
	TypeATResponse = 0x88
)

const (
	StartDelimiter = 0x7E
	escapeByte     = 0x7D
	xonByte        = 0x11
	xoffByte       = 0x13
	escapeXOR      = 0x20
)

// Broadcast64 is the DigiMesh broadcast 64-bit address.
const Broadcast64 uint64 = 0x000000000000FFFF

// UnknownAddr16 marks a 16-bit network address as not (yet) resolved.
const UnknownAddr16 uint16 = 0xFFFE

func needsEscape(b byte) bool {
	return b == StartDelimiter || b == escapeByte || b == xonByte || b == xoffByte
}

// escape appends b to out, escaping it if required. b is never the
// leading start delimiter of a frame when this is called.
func escape(out []byte, b byte) []byte {
	if needsEscape(b) {
		return append(out, escapeByte, b^escapeXOR)
	}
	return append(out, b)
}

// frame lays body out as 0x7E || len_hi || len_lo || body || checksum and
// escape-encodes everything after the leading delimiter.
func frame(body []byte) []byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	checksum := 0xFF - sum

	out := make([]byte, 0, 4+2*len(body))
	out = append(out, StartDelimiter)

	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(body)))
	out = escape(out, lenBuf[0])
	out = escape(out, lenBuf[1])
	for _, b := range body {
		out = escape(out, b)
	}
	out = escape(out, checksum)
	return out
}

// BuildTxRequest builds a Transmit Request (0x10) frame addressed to
// dest64 at the well-known reserved 16-bit address, carrying data.
// frameID 0 means "no TX-status response wanted"; any other value is
// placed verbatim, it is the caller's job to have obtained it from a
// FrameIDGenerator.
func BuildTxRequest(frameID byte, dest64 uint64, data []byte) []byte {
	body := make([]byte, 0, 14+len(data))
	body = append(body, TypeTxRequest, frameID)
	dst := make([]byte, 8)
	binary.BigEndian.PutUint64(dst, dest64)
	body = append(body, dst...)
	addr16 := UnknownAddr16
	body = append(body, byte(addr16>>8), byte(addr16))
	body = append(body, 0x00) // broadcast radius: default
	body = append(body, 0x00) // options: none
	body = append(body, data...)
	return frame(body)
}

// BuildATCommand builds a local AT Command (0x08) frame. at must be the
// two ASCII characters of the AT command (e.g. "SH"). params may be nil.
func BuildATCommand(frameID byte, at [2]byte, params []byte) []byte {
	body := make([]byte, 0, 4+len(params))
	body = append(body, TypeATCommand, frameID, at[0], at[1])
	body = append(body, params...)
	return frame(body)
}

// FrameIDGenerator hands out frame ids in 1..255, wrapping and skipping 0
// so that a frame id of 0 unambiguously means "no response expected."
type FrameIDGenerator struct {
	next byte
}

// NewFrameIDGenerator returns a generator starting at 1.
func NewFrameIDGenerator() *FrameIDGenerator {
	return &FrameIDGenerator{next: 1}
}

// Next returns the next frame id, never 0.
func (g *FrameIDGenerator) Next() byte {
	id := g.next
	if id == 0 {
		id = 1
	}
	g.next = id + 1
	if g.next == 0 {
		g.next = 1
	}
	return id
}
