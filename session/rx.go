package session

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RxSession is receiver-side state for one inbound message, created on
// arrival of the first fragment of an unknown msg_id. It is mutated by
// the receiver (filling slots, NACK count) and by housekeeping
// (activity-based timeouts).
type RxSession struct {
	MsgID    uint16
	TotalLen uint32
	FragCnt  uint16
	Src64    uint64
	Started  time.Time

	mu           sync.Mutex
	slots        [][]byte
	received     []bool
	lastActivity time.Time
	nackRounds   int
}

func newRxSession(msgID uint16, totalLen uint32, fragCnt uint16, src64 uint64, now time.Time) *RxSession {
	return &RxSession{
		MsgID:        msgID,
		TotalLen:     totalLen,
		FragCnt:      fragCnt,
		Src64:        src64,
		Started:      now,
		slots:        make([][]byte, fragCnt),
		received:     make([]bool, fragCnt),
		lastActivity: now,
	}
}

// Matches reports whether an incoming fragment's declared (totalLen,
// fragCnt) agrees with the session already on file — per the
// msg_id-collision invariant, a disagreement means the fragment is
// rejected rather than merged into this session.
func (r *RxSession) Matches(totalLen uint32, fragCnt uint16) bool {
	return r.TotalLen == totalLen && r.FragCnt == fragCnt
}

// Fill stores payload in slot idx if it is in range and still empty. It
// reports whether the slot was newly filled; a false return with no
// error means a harmless duplicate.
func (r *RxSession) Fill(idx uint16, payload []byte, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= r.FragCnt || r.received[idx] {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	r.slots[idx] = buf
	r.received[idx] = true
	r.lastActivity = now
	return true
}

// Touch refreshes last-activity without filling a slot, used when a
// duplicate or otherwise-ignored fragment still counts as liveness.
func (r *RxSession) Touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = now
}

// IsComplete reports whether every slot has been filled. A session with
// FragCnt 0 was never filled and is never complete.
func (r *RxSession) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FragCnt == 0 {
		return false
	}
	for _, got := range r.received {
		if !got {
			return false
		}
	}
	return true
}

// MissingIndices returns the sorted indices of slots not yet filled.
func (r *RxSession) MissingIndices() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []uint16
	for i, got := range r.received {
		if !got {
			missing = append(missing, uint16(i))
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// LastFragmentArrived reports whether the final fragment index has been
// received, the signal that triggers an immediate NACK when the session
// is still incomplete.
func (r *RxSession) LastFragmentArrived() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FragCnt == 0 {
		return false
	}
	return r.received[r.FragCnt-1]
}

// Reassemble concatenates every slot in order, verifying the total
// length against the header's declared TotalLen.
func (r *RxSession) Reassemble() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, 0, r.TotalLen)
	for i, got := range r.received {
		if !got {
			return nil, fmt.Errorf("session: reassemble %d: slot %d missing", r.MsgID, i)
		}
		out = append(out, r.slots[i]...)
	}
	if uint32(len(out)) != r.TotalLen {
		return nil, fmt.Errorf("session: reassemble %d: got %d bytes, want %d", r.MsgID, len(out), r.TotalLen)
	}
	return out, nil
}

// NackRounds returns how many NACK rounds have been emitted for this
// session.
func (r *RxSession) NackRounds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nackRounds
}

// BumpNackRound increments the NACK round counter and returns the new
// value.
func (r *RxSession) BumpNackRound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nackRounds++
	return r.nackRounds
}

func (r *RxSession) age(now time.Time) time.Duration {
	return now.Sub(r.Started)
}

func (r *RxSession) idle(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastActivity)
}
