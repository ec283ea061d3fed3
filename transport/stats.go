// Package transport implements the reliable, message-oriented fragment
// protocol on top of a device's byte-level send/receive: the fragment
// receiver (validation, reassembly, NACK/DONE generation) and the
// fragment transmitter (splitting, pacing, NACK-driven retransmit).
package transport

import "sync/atomic"

// Counters is the set of observable fragment-protocol statistics,
// shared between the receiver and the transmitter and surfaced by the
// facade as a single snapshot.
type Counters struct {
	fragmentsSent      uint64
	fragmentsReceived  uint64
	retransmitted      uint64
	nacksSent          uint64
	crcFailures        uint64
	messagesCompleted  uint64
}

func (c *Counters) incFragmentsSent()     { atomic.AddUint64(&c.fragmentsSent, 1) }
func (c *Counters) incFragmentsReceived() { atomic.AddUint64(&c.fragmentsReceived, 1) }
func (c *Counters) incRetransmitted()     { atomic.AddUint64(&c.retransmitted, 1) }
func (c *Counters) incNacksSent()         { atomic.AddUint64(&c.nacksSent, 1) }
func (c *Counters) incCrcFailures()       { atomic.AddUint64(&c.crcFailures, 1) }
func (c *Counters) incMessagesCompleted() { atomic.AddUint64(&c.messagesCompleted, 1) }

// Snapshot is a point-in-time, advisory read of every counter.
type Snapshot struct {
	FragmentsSent     uint64
	FragmentsReceived uint64
	Retransmitted     uint64
	NacksSent         uint64
	CrcFailures       uint64
	MessagesCompleted uint64
}

// Snapshot reads every counter with relaxed atomic loads.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FragmentsSent:     atomic.LoadUint64(&c.fragmentsSent),
		FragmentsReceived: atomic.LoadUint64(&c.fragmentsReceived),
		Retransmitted:     atomic.LoadUint64(&c.retransmitted),
		NacksSent:         atomic.LoadUint64(&c.nacksSent),
		CrcFailures:       atomic.LoadUint64(&c.crcFailures),
		MessagesCompleted: atomic.LoadUint64(&c.messagesCompleted),
	}
}
