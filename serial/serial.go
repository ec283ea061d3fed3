// Package serial owns a single physical serial port: opening it at the
// requested line settings, pumping inbound bytes to a registered sink,
// and serializing writes. It knows nothing about API frames or
// fragments — it is the physical layer the rest of the stack rides on.
package serial

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	goserial "github.com/jacobsa/go-serial/serial"
)

// DefaultBaudRate is used by Config when BaudRate is left at zero.
const DefaultBaudRate = 115200

// Inbound bytes are drained in 1 KiB scratch batches. bufferSize (16 KiB)
// is not applied to the port: Open sets no driver buffer sizes, so the
// operating system's defaults are used in each direction.
const (
	bufferSize = 16 * 1024
	scratchSize = 1024
)

// readerCloseGrace bounds how long Close waits for the reader goroutine
// to notice cancellation and return.
const readerCloseGrace = 500 * time.Millisecond

// ErrClosed is returned by Write once the port has been closed.
var ErrClosed = errors.New("serial: port is closed")

// Config describes how to open a physical port. It is a plain
// JSON-tagged struct, not a builder — callers fill it in directly.
type Config struct {
	Name     string `json:"name"`
	BaudRate uint   `json:"baudRate"`
	DataBits uint   `json:"dataBits"`
	Parity   string `json:"parity"`
	StopBits uint   `json:"stopBits"`
}

func (c Config) normalized() Config {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	return c
}

func parity(s string) goserial.ParityMode {
	switch s {
	case "odd":
		return goserial.PARITY_ODD
	case "even":
		return goserial.PARITY_EVEN
	default:
		return goserial.PARITY_NONE
	}
}

// Sink receives one batch of freshly-read bytes. It must not block for
// long: it runs on the reader goroutine and a slow sink starves the
// port.
type Sink func([]byte)

// Port is one open physical serial port plus its background reader.
type Port struct {
	mu     sync.Mutex
	rwc    io.ReadWriteCloser
	closed bool

	sink Sink

	stop   chan struct{}
	joined chan struct{}
}

// Open opens cfg.Name at 8N1/115200 defaults and starts the background
// reader. The sink is invoked for every batch of bytes read until
// Close; it may be nil, in which case inbound bytes are discarded.
func Open(cfg Config, sink Sink) (*Port, error) {
	cfg = cfg.normalized()

	opts := goserial.OpenOptions{
		PortName:              cfg.Name,
		BaudRate:              cfg.BaudRate,
		DataBits:              cfg.DataBits,
		StopBits:              cfg.StopBits,
		ParityMode:            parity(cfg.Parity),
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}

	rwc, err := goserial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Name, err)
	}

	p := &Port{
		rwc:    rwc,
		sink:   sink,
		stop:   make(chan struct{}),
		joined: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

// SetSink replaces the batch sink. Safe to call concurrently with reads.
func (p *Port) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

func (p *Port) readLoop() {
	defer close(p.joined)
	scratch := make([]byte, scratchSize)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := p.rwc.Read(scratch)
		if n > 0 {
			batch := make([]byte, n)
			copy(batch, scratch[:n])
			p.mu.Lock()
			sink := p.sink
			p.mu.Unlock()
			if sink != nil {
				sink(batch)
			}
		}
		if err != nil {
			if isTimeout(err) || err == io.EOF {
				continue
			}
			log.Printf("serial: read error: %s", err)
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// Write sends data to the wire under the port's write lock. Short
// writes are not expected: the caller is always handing over a
// complete, already-framed buffer.
func (p *Port) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_, err := p.rwc.Write(data)
	if err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

// Close is idempotent. It signals the reader to stop and waits up to
// readerCloseGrace for it to join before closing the underlying
// descriptor.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	select {
	case <-p.joined:
	case <-time.After(readerCloseGrace):
		log.Printf("serial: reader did not join within %s", readerCloseGrace)
	}
	return p.rwc.Close()
}
