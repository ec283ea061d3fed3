package session

import (
	"sync"
	"time"
)

// TxSession is sender-side state for one outbound message: the original
// payload, its pre-encoded fragments, and a one-shot completion signal
// resolved true on DONE or false on failure. It is created by the
// transmitter and mutated by the transmitter (NackRounds, completion on
// DONE, NACK-round exhaustion, send error or cancellation) and by the
// session manager (completion on timeout or Dispose).
type TxSession struct {
	MsgID     uint16
	Dest64    uint64
	Payload   []byte
	Fragments [][]byte
	Started   time.Time

	mu         sync.Mutex
	nackRounds int
	done       chan bool
	resolved   bool
}

func newTxSession(msgID uint16, dest64 uint64, payload []byte, fragments [][]byte, now time.Time) *TxSession {
	return &TxSession{
		MsgID:     msgID,
		Dest64:    dest64,
		Payload:   payload,
		Fragments: fragments,
		Started:   now,
		done:      make(chan bool, 1),
	}
}

// NackRounds returns the number of NACK-driven retransmit rounds
// consumed so far.
func (t *TxSession) NackRounds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nackRounds
}

// BumpNackRound increments the NACK round counter and returns the new
// value.
func (t *TxSession) BumpNackRound() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nackRounds++
	return t.nackRounds
}

// Done returns the channel that yields the session's single completion
// result.
func (t *TxSession) Done() <-chan bool {
	return t.done
}

// Resolve delivers success/failure exactly once; later calls are no-ops.
// It releases the original payload and encoded fragments immediately,
// which is the single largest memory hotspot in the protocol.
func (t *TxSession) Resolve(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return
	}
	t.resolved = true
	t.done <- success
	t.Payload = nil
	t.Fragments = nil
}
