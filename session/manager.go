// Package session tracks live TX and RX sessions keyed by 16-bit
// message id, assigns fresh ids, and drives timer-based expiry and
// NACK-prompting via a periodic housekeeping tick.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Manager owns the live TX and RX session tables and the housekeeping
// ticker that expires them.
type Manager struct {
	mu        sync.Mutex
	tx        map[uint16]*TxSession
	rx        map[uint16]*RxSession
	nextMsgID uint16

	onRxActivityTimeout func(*RxSession)
	onRxSessionTimeout  func(*RxSession)

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewManager returns an empty Manager. Housekeeping is not started
// until StartHousekeeping is called.
func NewManager() *Manager {
	return &Manager{
		tx:        make(map[uint16]*TxSession),
		rx:        make(map[uint16]*RxSession),
		nextMsgID: 1,
	}
}

// SetRxActivityTimeoutHandler registers the callback invoked for an RX
// session whose inactivity exceeds FragmentTimeout while still
// incomplete. The receiver uses this to emit a NACK.
func (m *Manager) SetRxActivityTimeoutHandler(fn func(*RxSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRxActivityTimeout = fn
}

// SetRxSessionTimeoutHandler registers the callback invoked for an RX
// session dropped for exceeding SessionTimeout in total age.
func (m *Manager) SetRxSessionTimeoutHandler(fn func(*RxSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRxSessionTimeout = fn
}

// NextMsgID allocates the next message id, wrapping at 2^16 and
// skipping 0.
func (m *Manager) NextMsgID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextMsgID
	if id == 0 {
		id = 1
	}
	m.nextMsgID = id + 1
	if m.nextMsgID == 0 {
		m.nextMsgID = 1
	}
	return id
}

// CreateTx creates and stores a new TX session.
func (m *Manager) CreateTx(msgID uint16, dest64 uint64, payload []byte, fragments [][]byte) *TxSession {
	t := newTxSession(msgID, dest64, payload, fragments, time.Now())
	m.mu.Lock()
	m.tx[msgID] = t
	m.mu.Unlock()
	return t
}

// GetTx looks up a live TX session.
func (m *Manager) GetTx(msgID uint16) (*TxSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tx[msgID]
	return t, ok
}

// RemoveTx drops a TX session from the table. It does not resolve the
// session's completion signal; callers resolve before or after removing
// as appropriate.
func (m *Manager) RemoveTx(msgID uint16) {
	m.mu.Lock()
	delete(m.tx, msgID)
	m.mu.Unlock()
}

// GetOrCreateRx returns the RX session for msgID, creating one from
// (totalLen, fragCnt, src64) if none exists. now is the session's start
// time if it is newly created; an existing session keeps its own
// Started. If one exists but disagrees with the declared (totalLen,
// fragCnt), ok is false and the fragment must be dropped per the
// msg_id-collision invariant.
func (m *Manager) GetOrCreateRx(msgID uint16, totalLen uint32, fragCnt uint16, src64 uint64, now time.Time) (*RxSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, exists := m.rx[msgID]; exists {
		if !r.Matches(totalLen, fragCnt) {
			return nil, false
		}
		return r, true
	}
	r := newRxSession(msgID, totalLen, fragCnt, src64, now)
	m.rx[msgID] = r
	return r, true
}

// GetRx looks up a live RX session.
func (m *Manager) GetRx(msgID uint16) (*RxSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rx[msgID]
	return r, ok
}

// RemoveRx drops an RX session from the table.
func (m *Manager) RemoveRx(msgID uint16) {
	m.mu.Lock()
	delete(m.rx, msgID)
	m.mu.Unlock()
}

// IDsMissing returns the sorted still-empty fragment indices for msgID.
func (m *Manager) IDsMissing(msgID uint16) ([]uint16, bool) {
	r, ok := m.GetRx(msgID)
	if !ok {
		return nil, false
	}
	return r.MissingIndices(), true
}

// IsComplete reports whether msgID's RX session has every slot filled.
func (m *Manager) IsComplete(msgID uint16) bool {
	r, ok := m.GetRx(msgID)
	return ok && r.IsComplete()
}

// Reassemble concatenates every slot of msgID's RX session in order.
func (m *Manager) Reassemble(msgID uint16) ([]byte, error) {
	r, ok := m.GetRx(msgID)
	if !ok {
		return nil, fmt.Errorf("session: reassemble: unknown msg_id %d", msgID)
	}
	return r.Reassemble()
}

// StartHousekeeping launches the periodic tick at HousekeepingInterval.
// It must be called at most once per Manager lifetime: a second call
// starts a second loop that Dispose does not stop.
func (m *Manager) StartHousekeeping() {
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.housekeepingLoop()
}

func (m *Manager) housekeepingLoop() {
	defer close(m.stopped)
	ticker := time.NewTicker(HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

// tick snapshots keys first, then looks up and acts on each session, so
// it never iterates a map while mutating it.
func (m *Manager) tick(now time.Time) {
	m.tickRx(now)
	m.tickTx(now)
}

func (m *Manager) tickRx(now time.Time) {
	m.mu.Lock()
	ids := make([]uint16, 0, len(m.rx))
	for id := range m.rx {
		ids = append(ids, id)
	}
	activityHandler := m.onRxActivityTimeout
	sessionHandler := m.onRxSessionTimeout
	m.mu.Unlock()

	for _, id := range ids {
		r, ok := m.GetRx(id)
		if !ok {
			continue
		}
		if r.age(now) > SessionTimeout {
			m.RemoveRx(id)
			safeCall(func() {
				if sessionHandler != nil {
					sessionHandler(r)
				}
			})
			continue
		}
		if !r.IsComplete() && r.idle(now) > FragmentTimeout {
			safeCall(func() {
				if activityHandler != nil {
					activityHandler(r)
				}
			})
		}
	}
}

func (m *Manager) tickTx(now time.Time) {
	m.mu.Lock()
	ids := make([]uint16, 0, len(m.tx))
	for id := range m.tx {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		t, ok := m.GetTx(id)
		if !ok {
			continue
		}
		if now.Sub(t.Started) > SessionTimeout {
			m.RemoveTx(id)
			safeCall(func() { t.Resolve(false) })
		}
	}
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session: housekeeping callback panicked: %v", r)
		}
	}()
	fn()
}

// Dispose stops housekeeping, clears every live session and resolves
// every pending TX completion signal with failure — the last step of
// graceful shutdown.
func (m *Manager) Dispose() {
	m.once.Do(func() {
		if m.stop != nil {
			close(m.stop)
			<-m.stopped
		}
	})

	m.mu.Lock()
	txs := m.tx
	m.tx = make(map[uint16]*TxSession)
	m.rx = make(map[uint16]*RxSession)
	m.mu.Unlock()

	for _, t := range txs {
		t.Resolve(false)
	}
}
