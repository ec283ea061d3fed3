// Package facade combines the device, session manager, fragment
// receiver and fragment transmitter into the single surface an
// application talks to: Connect, SendMessage, OnMessage and Stats.
package facade

import (
	"context"
	"fmt"
	"log"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/minimirror1/xbeelink/device"
	"github.com/minimirror1/xbeelink/diag"
	"github.com/minimirror1/xbeelink/serial"
	"github.com/minimirror1/xbeelink/session"
	"github.com/minimirror1/xbeelink/transport"
)

// Stats is a point-in-time snapshot of every transport counter.
type Stats = transport.Snapshot

// Facade is not safe for concurrent Connect/Disconnect calls, but
// SendMessage may be called concurrently from multiple goroutines once
// connected: each call owns its own msg_id and completion signal.
type Facade struct {
	sessionID string

	mu      sync.Mutex
	dev     *device.Device
	mgr     *session.Manager
	recv    *transport.Receiver
	tx      *transport.Transmitter
	stats   transport.Counters
	monitor *diag.Monitor

	onMessage func(data []byte, src64 uint64)
}

// New returns a disconnected Facade.
func New() *Facade {
	return &Facade{sessionID: uuid.NewV4().String()}
}

// SessionID is a per-Facade-instance identifier that tags this Facade's
// log output; every connect/disconnect cycle of the same Facade logs the
// same id.
func (f *Facade) SessionID() string {
	return f.sessionID
}

// AttachMonitor wires an optional diag.Monitor that observes every
// inbound and outbound byte payload. It must be called before Connect.
func (f *Facade) AttachMonitor(m *diag.Monitor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitor = m
}

// OnMessage registers the single subscriber for completed inbound
// messages. It must be called before Connect.
func (f *Facade) OnMessage(fn func(data []byte, src64 uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

// Connect opens the serial port, reads the radio's own address, and
// starts housekeeping.
func (f *Facade) Connect(ctx context.Context, cfg serial.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dev := device.New()
	mgr := session.NewManager()
	mgr.StartHousekeeping()

	sender := transport.Sender(dev)
	if f.monitor != nil {
		sender = monitoredSender{inner: dev, monitor: f.monitor}
	}

	recv := transport.NewReceiver(mgr, sender, &f.stats)
	tx := transport.NewTransmitter(mgr, sender, &f.stats)
	recv.SetOnNack(tx.HandleNack)
	recv.SetOnDone(tx.HandleDone)
	recv.SetOnMessage(func(data []byte, src64 uint64) {
		if f.onMessage != nil {
			f.onMessage(data, src64)
		}
	})

	dev.SetOnReceive(func(data []byte, src64 uint64) {
		if f.monitor != nil {
			f.monitor.Broadcast(diag.Event{Direction: "rx", Peer: src64, Data: data})
		}
		recv.HandleInbound(data, src64)
	})

	if err := dev.Connect(ctx, cfg); err != nil {
		mgr.Dispose()
		return fmt.Errorf("facade[%s]: connect: %w", f.sessionID, err)
	}

	f.dev = dev
	f.mgr = mgr
	f.recv = recv
	f.tx = tx

	log.Printf("facade[%s]: connected to %s, addr64=%#016x", f.sessionID, cfg.Name, dev.Addr64())
	return nil
}

// Disconnect is idempotent: close the port, then dispose the session
// manager so every pending send resolves with failure.
func (f *Facade) Disconnect() error {
	f.mu.Lock()
	dev := f.dev
	mgr := f.mgr
	f.dev = nil
	f.mgr = nil
	f.mu.Unlock()

	if dev == nil {
		return nil
	}

	err := dev.Close()
	if mgr != nil {
		mgr.Dispose()
	}
	log.Printf("facade[%s]: disconnected", f.sessionID)
	return err
}

// SendMessage suspends until DONE, failure, cancellation, or
// session-timeout. data must be at most session.MaxTotalMessage bytes.
func (f *Facade) SendMessage(ctx context.Context, data []byte, dest64 uint64) (bool, error) {
	f.mu.Lock()
	tx := f.tx
	f.mu.Unlock()
	if tx == nil {
		return false, fmt.Errorf("facade[%s]: send_message: not connected", f.sessionID)
	}
	return tx.SendMessage(ctx, data, dest64)
}

// StatsSnapshot returns a point-in-time read of every counter.
func (f *Facade) StatsSnapshot() Stats {
	return f.stats.Snapshot()
}

// monitoredSender decorates a Sender with an outbound diag broadcast,
// so AttachMonitor sees both directions of traffic.
type monitoredSender struct {
	inner   transport.Sender
	monitor *diag.Monitor
}

func (s monitoredSender) Send(dest64 uint64, data []byte) error {
	s.monitor.Broadcast(diag.Event{Direction: "tx", Peer: dest64, Data: data})
	return s.inner.Send(dest64, data)
}
