package apiframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadLength is raised when a declared frame length is zero or exceeds
// the maximum the parser will buffer.
var ErrBadLength = errors.New("apiframe: bad frame length")

// ErrChecksum is raised when a frame's trailing checksum byte does not
// bring the running sum to 0xFF.
var ErrChecksum = errors.New("apiframe: checksum mismatch")

// ErrUnderLength is raised when a dispatched frame's body is too short
// for its declared type.
var ErrUnderLength = errors.New("apiframe: frame body too short for its type")

const maxFrameLen = 256

type parserState int

const (
	stateWaitingForStart parserState = iota
	stateLengthMsb
	stateLengthLsb
	stateFrameData
	stateChecksum
)

// RxPacket is the typed record for 0x90 RX Packet and 0x91 Explicit Rx
// frames; 0x91 is promoted into this same shape with Explicit set.
type RxPacket struct {
	Src64    uint64
	Src16    uint16
	Options  byte
	Data     []byte
	Explicit bool
	SrcEP    byte
	DstEP    byte
	Cluster  uint16
	Profile  uint16
}

// TxStatus is the typed record for 0x8B Transmit Status frames.
type TxStatus struct {
	FrameID         byte
	Dst16           uint16
	Retries         byte
	DeliveryStatus  byte
	DiscoveryStatus byte
}

// ATResponse is the typed record for 0x88 AT Command Response frames.
type ATResponse struct {
	FrameID byte
	AT      [2]byte
	Status  byte
	Data    []byte
}

// Frame is a parsed API frame; exactly one of the typed fields matching
// Type is non-nil.
type Frame struct {
	Type       byte
	RxPacket   *RxPacket
	TxStatus   *TxStatus
	ATResponse *ATResponse
}

// Parser is a byte-fed API Mode 2 stream parser. It owns a bounded
// per-frame scratch buffer and is not safe for concurrent use — the
// serial reader context owns it exclusively.
type Parser struct {
	state    parserState
	length   int
	body     []byte
	pos      int
	checksum byte
	escaping bool
}

// NewParser returns a parser ready to consume bytes from the start.
func NewParser() *Parser {
	return &Parser{state: stateWaitingForStart}
}

func (p *Parser) reset() {
	p.state = stateWaitingForStart
	p.length = 0
	p.body = nil
	p.pos = 0
	p.checksum = 0
	p.escaping = false
}

// Feed advances the parser by one raw (still-escaped) wire byte. It
// returns a non-nil Frame when a complete, checksum-valid frame has been
// dispatched, or a non-nil error when the frame just completed is
// malformed — in both cases the parser has already reset to wait for the
// next start delimiter. Both return values are nil while a frame is
// still being accumulated.
func (p *Parser) Feed(raw byte) (*Frame, error) {
	if p.escaping {
		p.escaping = false
		return p.feedUnescaped(raw ^ escapeXOR)
	}
	if raw == escapeByte && p.state != stateWaitingForStart {
		p.escaping = true
		return nil, nil
	}
	if raw == StartDelimiter {
		// Resync: a raw (never escaped) start delimiter re-enters
		// LengthMsb from any state and resets the checksum accumulator.
		p.state = stateLengthMsb
		p.length = 0
		p.body = nil
		p.pos = 0
		p.checksum = 0
		return nil, nil
	}
	return p.feedUnescaped(raw)
}

func (p *Parser) feedUnescaped(b byte) (*Frame, error) {
	switch p.state {
	case stateWaitingForStart:
		return nil, nil

	case stateLengthMsb:
		p.length = int(b) << 8
		p.state = stateLengthLsb
		return nil, nil

	case stateLengthLsb:
		p.length |= int(b)
		if p.length == 0 || p.length > maxFrameLen {
			p.reset()
			return nil, ErrBadLength
		}
		p.body = make([]byte, p.length)
		p.pos = 0
		p.checksum = 0
		p.state = stateFrameData
		return nil, nil

	case stateFrameData:
		p.body[p.pos] = b
		p.pos++
		p.checksum += b
		if p.pos == p.length {
			p.state = stateChecksum
		}
		return nil, nil

	case stateChecksum:
		total := p.checksum + b
		body := p.body
		p.reset()
		if total != 0xFF {
			return nil, ErrChecksum
		}
		f, err := dispatch(body)
		return f, err

	default:
		p.reset()
		return nil, nil
	}
}

func dispatch(body []byte) (*Frame, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("apiframe: %w", ErrUnderLength)
	}
	typ := body[0]
	switch typ {
	case TypeRxPacket, TypeExplicitRx:
		return dispatchRx(typ, body)
	case TypeTxStatus:
		return dispatchTxStatus(body)
	case TypeATResponse:
		return dispatchATResponse(body)
	default:
		// well-formed frames of a type this parser does not decode
		// (e.g. an echoed TX-request) are dropped without an error.
		return nil, nil
	}
}

func dispatchRx(typ byte, body []byte) (*Frame, error) {
	if typ == TypeRxPacket {
		// type(1) src64(8) src16(2) options(1) rf_data(N)
		if len(body) < 12 {
			return nil, fmt.Errorf("apiframe: rx packet: %w", ErrUnderLength)
		}
		rx := &RxPacket{
			Src64:   binary.BigEndian.Uint64(body[1:9]),
			Src16:   binary.BigEndian.Uint16(body[9:11]),
			Options: body[11],
			Data:    append([]byte(nil), body[12:]...),
		}
		return &Frame{Type: TypeRxPacket, RxPacket: rx}, nil
	}

	// explicit rx: type(1) src64(8) src16(2) src_ep(1) dst_ep(1) cluster(2) profile(2) options(1) rf_data(N)
	if len(body) < 18 {
		return nil, fmt.Errorf("apiframe: explicit rx: %w", ErrUnderLength)
	}
	rx := &RxPacket{
		Src64:    binary.BigEndian.Uint64(body[1:9]),
		Src16:    binary.BigEndian.Uint16(body[9:11]),
		SrcEP:    body[11],
		DstEP:    body[12],
		Cluster:  binary.BigEndian.Uint16(body[13:15]),
		Profile:  binary.BigEndian.Uint16(body[15:17]),
		Options:  body[17],
		Data:     append([]byte(nil), body[18:]...),
		Explicit: true,
	}
	// promoted to a virtual 0x90 for uniform downstream handling
	return &Frame{Type: TypeRxPacket, RxPacket: rx}, nil
}

func dispatchTxStatus(body []byte) (*Frame, error) {
	// type(1) frame_id(1) dst16(2) retries(1) delivery_status(1) discovery_status(1)
	if len(body) < 7 {
		return nil, fmt.Errorf("apiframe: tx status: %w", ErrUnderLength)
	}
	ts := &TxStatus{
		FrameID:         body[1],
		Dst16:           binary.BigEndian.Uint16(body[2:4]),
		Retries:         body[4],
		DeliveryStatus:  body[5],
		DiscoveryStatus: body[6],
	}
	return &Frame{Type: TypeTxStatus, TxStatus: ts}, nil
}

func dispatchATResponse(body []byte) (*Frame, error) {
	// type(1) frame_id(1) at_code(2) status(1) data(N)
	if len(body) < 5 {
		return nil, fmt.Errorf("apiframe: at response: %w", ErrUnderLength)
	}
	resp := &ATResponse{
		FrameID: body[1],
		AT:      [2]byte{body[2], body[3]},
		Status:  body[4],
		Data:    append([]byte(nil), body[5:]...),
	}
	return &Frame{Type: TypeATResponse, ATResponse: resp}, nil
}
