package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/minimirror1/xbeelink/fragment"
	"github.com/minimirror1/xbeelink/session"
)

// ErrMessageTooLarge is returned by SendMessage when data exceeds
// session.MaxTotalMessage.
var ErrMessageTooLarge = errors.New("transport: message exceeds maximum size")

// Transmitter splits outbound payloads into fragments, paces their
// initial transmission, and retransmits on NACK until DONE arrives or
// the session is abandoned.
type Transmitter struct {
	mgr    *session.Manager
	sender Sender
	stats  *Counters
}

// NewTransmitter wires a Transmitter to its session manager.
func NewTransmitter(mgr *session.Manager, sender Sender, stats *Counters) *Transmitter {
	return &Transmitter{mgr: mgr, sender: sender, stats: stats}
}

// SendMessage fragments data, sends it to dest64, and suspends until
// DONE, failure, cancellation via ctx, or session-timeout.
func (t *Transmitter) SendMessage(ctx context.Context, data []byte, dest64 uint64) (bool, error) {
	if len(data) > session.MaxTotalMessage {
		return false, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(data), session.MaxTotalMessage)
	}

	fragments, msgID := t.buildFragments(data)
	sess := t.mgr.CreateTx(msgID, dest64, data, fragments)

	if err := t.sendInitial(ctx, sess); err != nil {
		t.mgr.RemoveTx(msgID)
		sess.Resolve(false)
		return false, err
	}

	select {
	case success := <-sess.Done():
		t.mgr.RemoveTx(msgID)
		return success, nil
	case <-ctx.Done():
		t.mgr.RemoveTx(msgID)
		sess.Resolve(false)
		return false, ctx.Err()
	}
}

func (t *Transmitter) buildFragments(data []byte) ([][]byte, uint16) {
	msgID := t.mgr.NextMsgID()
	totalLen := uint32(len(data))

	fragCnt := (len(data) + session.MaxPayloadPerFragment - 1) / session.MaxPayloadPerFragment
	if fragCnt == 0 {
		fragCnt = 1 // an empty message is still carried as one zero-length fragment
	}

	fragments := make([][]byte, fragCnt)
	for i := 0; i < fragCnt; i++ {
		start := i * session.MaxPayloadPerFragment
		end := start + session.MaxPayloadPerFragment
		if end > len(data) {
			end = len(data)
		}
		h := fragment.Header{
			Version:  fragment.Version,
			MsgID:    msgID,
			TotalLen: totalLen,
			FragIdx:  uint16(i),
			FragCnt:  uint16(fragCnt),
		}
		fragments[i] = fragment.EncodeData(h, data[start:end])
	}
	return fragments, msgID
}

func pacingDelay(fragCnt int) time.Duration {
	switch {
	case fragCnt <= 10:
		return 10 * time.Millisecond
	case fragCnt <= 30:
		return 15 * time.Millisecond
	case fragCnt <= 50:
		return 20 * time.Millisecond
	default:
		return 30 * time.Millisecond
	}
}

func (t *Transmitter) sendInitial(ctx context.Context, sess *session.TxSession) error {
	delay := pacingDelay(len(sess.Fragments))
	for i, frag := range sess.Fragments {
		if err := t.sender.Send(sess.Dest64, frag); err != nil {
			return fmt.Errorf("transport: transmitter: sending fragment %d of msg_id %d: %w", i, sess.MsgID, err)
		}
		t.stats.incFragmentsSent()

		if i == len(sess.Fragments)-1 {
			break
		}
		if err := sleepOrCancel(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleNack locates the TX session named by n.MsgID, bumps its NACK
// round counter, and retransmits exactly the listed fragment indices —
// unless the round cap has been exceeded, in which case the session is
// failed and dropped.
func (t *Transmitter) HandleNack(n fragment.Nack) {
	sess, ok := t.mgr.GetTx(n.MsgID)
	if !ok {
		return
	}

	if rounds := sess.BumpNackRound(); rounds > session.MaxNackRounds {
		log.Printf("transport: transmitter: msg_id %d exceeded %d NACK rounds, failing send", n.MsgID, session.MaxNackRounds)
		t.mgr.RemoveTx(n.MsgID)
		sess.Resolve(false)
		return
	}

	for i, idx := range n.Indices {
		if int(idx) >= len(sess.Fragments) {
			log.Printf("transport: transmitter: msg_id %d nack names out-of-range index %d", n.MsgID, idx)
			continue
		}
		if err := t.sender.Send(sess.Dest64, sess.Fragments[idx]); err != nil {
			log.Printf("transport: transmitter: retransmitting fragment %d of msg_id %d: %s", idx, n.MsgID, err)
			continue
		}
		t.stats.incFragmentsSent()
		t.stats.incRetransmitted()

		if (i+1)%5 == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// HandleDone resolves msgID's TX session as successful.
func (t *Transmitter) HandleDone(msgID uint16) {
	sess, ok := t.mgr.GetTx(msgID)
	if !ok {
		return
	}
	t.mgr.RemoveTx(msgID)
	sess.Resolve(true)
}
