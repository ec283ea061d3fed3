package transport

import (
	"context"
	"testing"
	"time"

	"github.com/minimirror1/xbeelink/fragment"
	"github.com/minimirror1/xbeelink/session"
)

const (
	addrA uint64 = 0x0013A20040000001
	addrB uint64 = 0x0013A20040000002
)

// routedSender delivers whatever is sent straight into another
// receiver's HandleInbound, synchronously, standing in for a single-hop
// RF link between two peers in the same process. The link is lossless
// unless drop or corrupt names a DATA fragment index.
type routedSender struct {
	to   *Receiver
	from uint64
	drop map[int]bool // drop a DATA fragment once, keyed by frag index
	corrupt map[int]bool
}

func (s *routedSender) Send(dest64 uint64, data []byte) error {
	if typ, ok := fragment.PeekType(data); ok && typ == fragment.TypeData && (len(s.drop) > 0 || len(s.corrupt) > 0) {
		h, _, err := fragment.DecodeData(data)
		if err == nil {
			idx := int(h.FragIdx)
			if s.drop[idx] {
				delete(s.drop, idx)
				return nil // lost in transit
			}
			if s.corrupt[idx] {
				delete(s.corrupt, idx)
				corrupted := append([]byte{}, data...)
				corrupted[fragment.HeaderSize] ^= 0x01
				s.to.HandleInbound(corrupted, s.from)
				return nil
			}
		}
	}
	s.to.HandleInbound(data, s.from)
	return nil
}

type harness struct {
	mgrA, mgrB     *session.Manager
	statsA, statsB Counters
	recvA, recvB   *Receiver
	txA            *Transmitter
	senderAtoB     *routedSender
	received       []receivedMsg
}

type receivedMsg struct {
	data []byte
	src  uint64
}

func newHarness() *harness {
	h := &harness{
		mgrA: session.NewManager(),
		mgrB: session.NewManager(),
	}

	senderBtoA := &routedSender{from: addrB, drop: map[int]bool{}, corrupt: map[int]bool{}}
	h.recvA = NewReceiver(h.mgrA, senderBtoA, &h.statsA)
	senderBtoA.to = h.recvA

	senderAtoB := &routedSender{from: addrA, drop: map[int]bool{}, corrupt: map[int]bool{}}
	h.recvB = NewReceiver(h.mgrB, senderBtoA, &h.statsB)
	senderAtoB.to = h.recvB

	h.txA = NewTransmitter(h.mgrA, senderAtoB, &h.statsA)
	h.recvA.SetOnNack(h.txA.HandleNack)
	h.recvA.SetOnDone(h.txA.HandleDone)

	h.recvB.SetOnMessage(func(data []byte, src uint64) {
		h.received = append(h.received, receivedMsg{data: append([]byte{}, data...), src: src})
	})

	h.senderAtoB = senderAtoB
	return h
}

func TestSingleFragmentMessage(t *testing.T) {
	h := newHarness()
	ok, err := h.txA.SendMessage(context.Background(), []byte("hello"), addrB)
	if err != nil || !ok {
		t.Fatalf("SendMessage = (%v, %v), want (true, nil)", ok, err)
	}
	if len(h.received) != 1 || string(h.received[0].data) != "hello" || h.received[0].src != addrA {
		t.Fatalf("unexpected delivery: %+v", h.received)
	}
	snap := h.statsA.Snapshot()
	if snap.FragmentsSent != 1 || snap.NacksSent != 0 {
		t.Errorf("unexpected sender stats: %+v", snap)
	}
	if snapB := h.statsB.Snapshot(); snapB.MessagesCompleted != 1 {
		t.Errorf("unexpected receiver stats: %+v", snapB)
	}
}

func TestMultiFragmentMessageNoLoss(t *testing.T) {
	h := newHarness()
	payload := make([]byte, 95)
	for i := range payload {
		payload[i] = byte(i)
	}

	ok, err := h.txA.SendMessage(context.Background(), payload, addrB)
	if err != nil || !ok {
		t.Fatalf("SendMessage = (%v, %v), want (true, nil)", ok, err)
	}
	if len(h.received) != 1 || string(h.received[0].data) != string(payload) {
		t.Fatalf("payload not delivered intact")
	}
	snap := h.statsA.Snapshot()
	if snap.FragmentsSent != 4 || snap.Retransmitted != 0 {
		t.Errorf("unexpected sender stats: %+v", snap)
	}
}

func TestSingleLostFragmentTriggersNackAndRetransmit(t *testing.T) {
	h := newHarness()
	payload := make([]byte, 95)
	for i := range payload {
		payload[i] = byte(i)
	}
	h.senderAtoB.drop[1] = true

	ok, err := h.txA.SendMessage(context.Background(), payload, addrB)
	if err != nil || !ok {
		t.Fatalf("SendMessage = (%v, %v), want (true, nil)", ok, err)
	}
	if len(h.received) != 1 || string(h.received[0].data) != string(payload) {
		t.Fatalf("payload not delivered intact after retransmit")
	}
	snap := h.statsA.Snapshot()
	if snap.Retransmitted != 1 {
		t.Errorf("expected exactly one retransmit, got %+v", snap)
	}
	snapB := h.statsB.Snapshot()
	if snapB.NacksSent != 1 {
		t.Errorf("expected exactly one nack, got %+v", snapB)
	}
}

func TestCorruptedFragmentBehavesLikeLoss(t *testing.T) {
	h := newHarness()
	payload := make([]byte, 95)
	h.senderAtoB.corrupt[1] = true

	ok, err := h.txA.SendMessage(context.Background(), payload, addrB)
	if err != nil || !ok {
		t.Fatalf("SendMessage = (%v, %v), want (true, nil)", ok, err)
	}
	snapB := h.statsB.Snapshot()
	if snapB.CrcFailures != 1 {
		t.Errorf("expected one crc failure, got %+v", snapB)
	}
	if snapB.NacksSent != 1 {
		t.Errorf("expected one nack after corruption, got %+v", snapB)
	}
}

func TestIdempotentFragmentDelivery(t *testing.T) {
	h := newHarness()
	payload := make([]byte, 35) // two fragments: 30 + 5, stays incomplete after fragment 0

	fragments, msgID := h.txA.buildFragments(payload)
	h.recvB.handleData(fragments[0], addrA)
	h.recvB.handleData(fragments[0], addrA) // duplicate, must be silently discarded

	sess, ok := h.mgrB.GetRx(msgID)
	if !ok {
		t.Fatalf("expected rx session to still exist")
	}
	if sess.IsComplete() {
		t.Fatalf("session should still be missing fragment 1")
	}
	missing := sess.MissingIndices()
	if len(missing) != 1 || missing[0] != 1 {
		t.Errorf("unexpected missing indices after duplicate delivery: %v", missing)
	}
}

func TestMessageTooLargeRejected(t *testing.T) {
	h := newHarness()
	big := make([]byte, session.MaxTotalMessage+1)
	_, err := h.txA.SendMessage(context.Background(), big, addrB)
	if err == nil {
		t.Fatalf("expected error sending oversized message")
	}
}

func TestHandleDataRejectsOversizedTotalLen(t *testing.T) {
	h := newHarness()
	hdr := fragment.Header{
		Version:  fragment.Version,
		MsgID:    99,
		TotalLen: session.MaxTotalMessage + 1,
		FragIdx:  0,
		FragCnt:  1,
	}
	data := fragment.EncodeData(hdr, []byte{1, 2, 3})

	h.recvB.handleData(data, addrA)

	if _, ok := h.mgrB.GetRx(99); ok {
		t.Fatalf("expected fragment declaring an oversized total_len to be dropped, not turned into a session")
	}
	if snap := h.statsB.Snapshot(); snap.FragmentsReceived != 0 {
		t.Errorf("expected no fragments counted as received, got %+v", snap)
	}
}

func TestHandleDataRejectsZeroFragCnt(t *testing.T) {
	h := newHarness()
	hdr := fragment.Header{
		Version:  fragment.Version,
		MsgID:    100,
		TotalLen: 3,
		FragIdx:  0,
		FragCnt:  0,
	}
	data := fragment.EncodeData(hdr, []byte{1, 2, 3})

	h.recvB.handleData(data, addrA)

	if _, ok := h.mgrB.GetRx(100); ok {
		t.Fatalf("expected fragment declaring frag_cnt 0 to be dropped, not turned into a session")
	}
}

func TestNackRoundCapDropsSession(t *testing.T) {
	h := newHarness()
	sess, _ := h.mgrB.GetOrCreateRx(1, 90, 3, addrA, time.Now())
	sess.Fill(2, []byte{1, 2, 3}, time.Now())

	for i := 0; i < session.MaxNackRounds; i++ {
		h.recvB.sendNack(sess)
	}
	if _, ok := h.mgrB.GetRx(1); !ok {
		t.Fatalf("expected session still present after exactly MaxNackRounds rounds")
	}
	h.recvB.sendNack(sess)
	if _, ok := h.mgrB.GetRx(1); ok {
		t.Fatalf("expected session dropped after exceeding MaxNackRounds")
	}
}
