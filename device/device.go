// Package device combines the API-frame codec with a physical serial
// port into an XBee radio: it knows its own 64-bit address, can send
// byte payloads to a destination address, and turns inbound RX frames
// into a single callback. Pending TX-status and AT-response requests
// are tracked in frame-id-keyed maps, one-shot and mutex-protected.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/minimirror1/xbeelink/apiframe"
	"github.com/minimirror1/xbeelink/serial"
)

// settleDelay is how long Connect waits after opening the port before
// issuing AT commands, giving the radio time to leave command-mode
// guard windows and finish booting.
const settleDelay = 1200 * time.Millisecond

// ErrDisconnected is handed to every pending TX-status/AT-response
// waiter when the device is closed.
var ErrDisconnected = errors.New("device: disconnected")

// ErrTimeout is returned by SendWithStatus/SendAT when no matching
// response arrives before their deadline.
var ErrTimeout = errors.New("device: timed out waiting for response")

// OnReceive is invoked once per inbound RF payload, carrying the
// sender's 64-bit address.
type OnReceive func(data []byte, src64 uint64)

// Device is not safe to Connect more than once; create a new Device per
// physical connection.
type Device struct {
	port   *serial.Port
	parser *apiframe.Parser

	addr64 uint64

	mu        sync.Mutex
	txIDGen   *apiframe.FrameIDGenerator
	atIDGen   *apiframe.FrameIDGenerator
	pendingTx map[byte]chan apiframe.TxStatus
	pendingAT map[byte]chan apiframe.ATResponse

	onReceive OnReceive
}

// New returns a Device ready to Connect.
func New() *Device {
	return &Device{
		parser:    apiframe.NewParser(),
		txIDGen:   apiframe.NewFrameIDGenerator(),
		atIDGen:   apiframe.NewFrameIDGenerator(),
		pendingTx: make(map[byte]chan apiframe.TxStatus),
		pendingAT: make(map[byte]chan apiframe.ATResponse),
	}
}

// SetOnReceive registers the single subscriber for inbound RF payloads.
// Per the facade being the only intended subscriber, this replaces any
// previous registration rather than adding to a multicast list.
func (d *Device) SetOnReceive(fn OnReceive) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReceive = fn
}

// Connect opens the physical port and reads the radio's own 64-bit
// serial number via the SH/SL AT commands. Inability to read either
// leaves Addr64 at zero and logs a warning rather than failing Connect
// — the device is still usable for sending to explicit destinations.
func (d *Device) Connect(ctx context.Context, cfg serial.Config) error {
	port, err := serial.Open(cfg, d.handleBytes)
	if err != nil {
		return fmt.Errorf("device: connect: %w", err)
	}
	d.port = port

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	sh, err := d.SendAT(ctx, [2]byte{'S', 'H'}, nil)
	if err != nil {
		log.Printf("device: could not read SH, address unknown: %s", err)
		return nil
	}
	sl, err := d.SendAT(ctx, [2]byte{'S', 'L'}, nil)
	if err != nil {
		log.Printf("device: could not read SL, address unknown: %s", err)
		return nil
	}
	if len(sh.Data) != 4 || len(sl.Data) != 4 {
		log.Printf("device: unexpected SH/SL response lengths (%d, %d), address unknown", len(sh.Data), len(sl.Data))
		return nil
	}
	d.addr64 = uint64(sh.Data[0])<<56 | uint64(sh.Data[1])<<48 | uint64(sh.Data[2])<<40 | uint64(sh.Data[3])<<32 |
		uint64(sl.Data[0])<<24 | uint64(sl.Data[1])<<16 | uint64(sl.Data[2])<<8 | uint64(sl.Data[3])
	return nil
}

// Addr64 returns the radio's own address, or 0 if it could not be read.
func (d *Device) Addr64() uint64 {
	return d.addr64
}

// Send writes a TX-request with frame_id 0: no TX-status is requested.
func (d *Device) Send(dest64 uint64, data []byte) error {
	wire := apiframe.BuildTxRequest(0, dest64, data)
	return d.port.Write(wire)
}

// SendWithStatus assigns a frame id, writes the TX-request, and awaits
// the matching Transmit Status frame.
func (d *Device) SendWithStatus(ctx context.Context, dest64 uint64, data []byte, timeout time.Duration) (apiframe.TxStatus, error) {
	d.mu.Lock()
	id := d.txIDGen.Next()
	ch := make(chan apiframe.TxStatus, 1)
	d.pendingTx[id] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pendingTx, id)
		d.mu.Unlock()
	}()

	wire := apiframe.BuildTxRequest(id, dest64, data)
	if err := d.port.Write(wire); err != nil {
		return apiframe.TxStatus{}, fmt.Errorf("device: send with status: %w", err)
	}

	return awaitTxStatus(ctx, ch, timeout)
}

func awaitTxStatus(ctx context.Context, ch chan apiframe.TxStatus, timeout time.Duration) (apiframe.TxStatus, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case status, ok := <-ch:
		if !ok {
			return apiframe.TxStatus{}, ErrDisconnected
		}
		return status, nil
	case <-timer.C:
		return apiframe.TxStatus{}, ErrTimeout
	case <-ctx.Done():
		return apiframe.TxStatus{}, ctx.Err()
	}
}

// SendAT issues a local AT command and awaits its response until ctx is
// done. It has no timeout of its own; callers normally pass a bounded
// context.
func (d *Device) SendAT(ctx context.Context, at [2]byte, params []byte) (apiframe.ATResponse, error) {
	d.mu.Lock()
	id := d.atIDGen.Next()
	ch := make(chan apiframe.ATResponse, 1)
	d.pendingAT[id] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pendingAT, id)
		d.mu.Unlock()
	}()

	wire := apiframe.BuildATCommand(id, at, params)
	if err := d.port.Write(wire); err != nil {
		return apiframe.ATResponse{}, fmt.Errorf("device: send at %s: %w", at, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return apiframe.ATResponse{}, ErrDisconnected
		}
		return resp, nil
	case <-ctx.Done():
		return apiframe.ATResponse{}, ctx.Err()
	}
}

func (d *Device) handleBytes(batch []byte) {
	for _, b := range batch {
		f, err := d.parser.Feed(b)
		if err != nil {
			log.Printf("device: frame parse error: %s", err)
			continue
		}
		if f == nil {
			continue
		}
		d.dispatch(f)
	}
}

func (d *Device) dispatch(f *apiframe.Frame) {
	switch f.Type {
	case apiframe.TypeRxPacket:
		d.mu.Lock()
		onReceive := d.onReceive
		d.mu.Unlock()
		if onReceive != nil {
			onReceive(f.RxPacket.Data, f.RxPacket.Src64)
		}
	case apiframe.TypeTxStatus:
		d.mu.Lock()
		ch, ok := d.pendingTx[f.TxStatus.FrameID]
		d.mu.Unlock()
		if ok {
			ch <- *f.TxStatus
		}
	case apiframe.TypeATResponse:
		d.mu.Lock()
		ch, ok := d.pendingAT[f.ATResponse.FrameID]
		d.mu.Unlock()
		if ok {
			ch <- *f.ATResponse
		}
	}
}

// Close shuts down the physical port and fails every pending
// TX-status/AT-response waiter with ErrDisconnected.
func (d *Device) Close() error {
	var err error
	if d.port != nil {
		err = d.port.Close()
	}

	d.mu.Lock()
	for id, ch := range d.pendingTx {
		close(ch)
		delete(d.pendingTx, id)
	}
	for id, ch := range d.pendingAT {
		close(ch)
		delete(d.pendingAT, id)
	}
	d.mu.Unlock()

	return err
}
