package transport

import (
	"log"
	"time"

	"github.com/minimirror1/xbeelink/fragment"
	"github.com/minimirror1/xbeelink/session"
)

// Sender is the byte-level transport a Receiver and Transmitter send
// replies and fragments over — satisfied by *device.Device.
type Sender interface {
	Send(dest64 uint64, data []byte) error
}

// Receiver validates inbound fragments, fills RX session reassembly
// buffers, delivers completed messages, and drives NACK/DONE
// generation.
type Receiver struct {
	mgr    *session.Manager
	sender Sender
	stats  *Counters

	onMessage func(data []byte, src64 uint64)
	onNack    func(fragment.Nack)
	onDone    func(msgID uint16)
}

// NewReceiver wires a Receiver to its session manager and registers it
// as the manager's RX activity-timeout handler, so that inactivity
// sweeps emit NACKs the same way a fresh fragment arrival does.
func NewReceiver(mgr *session.Manager, sender Sender, stats *Counters) *Receiver {
	r := &Receiver{mgr: mgr, sender: sender, stats: stats}
	mgr.SetRxActivityTimeoutHandler(func(s *session.RxSession) {
		r.sendNack(s)
	})
	return r
}

// SetOnMessage registers the single subscriber for completed messages.
func (r *Receiver) SetOnMessage(fn func(data []byte, src64 uint64)) {
	r.onMessage = fn
}

// SetOnNack registers the callback for NACKs forwarded up from the
// wire, which the transmitter uses to drive retransmission.
func (r *Receiver) SetOnNack(fn func(fragment.Nack)) {
	r.onNack = fn
}

// SetOnDone registers the callback for DONE messages forwarded up from
// the wire, which the transmitter uses to complete a TX session.
func (r *Receiver) SetOnDone(fn func(msgID uint16)) {
	r.onDone = fn
}

// HandleInbound dispatches one inbound RF payload by its fragment-
// protocol type tag.
func (r *Receiver) HandleInbound(data []byte, src64 uint64) {
	typ, ok := fragment.PeekType(data)
	if !ok {
		return
	}
	switch typ {
	case fragment.TypeData:
		r.handleData(data, src64)
	case fragment.TypeNack:
		r.handleNack(data)
	case fragment.TypeDone:
		r.handleDone(data)
	default:
		log.Printf("transport: receiver: unknown fragment type %#02x", typ)
	}
}

func (r *Receiver) handleData(data []byte, src64 uint64) {
	if len(data) < 15 {
		log.Printf("transport: receiver: data fragment too short (%d bytes)", len(data))
		return
	}

	h, payload, err := fragment.DecodeData(data)
	if err != nil {
		r.stats.incCrcFailures()
		log.Printf("transport: receiver: %s", err)
		return
	}
	if h.Version != fragment.Version {
		log.Printf("transport: receiver: unknown protocol version %#02x", h.Version)
		return
	}
	if h.FragCnt == 0 {
		log.Printf("transport: receiver: msg_id %d declares frag_cnt 0", h.MsgID)
		return
	}
	if h.TotalLen > session.MaxTotalMessage {
		log.Printf("transport: receiver: msg_id %d declares total_len %d exceeding max %d", h.MsgID, h.TotalLen, session.MaxTotalMessage)
		return
	}
	r.stats.incFragmentsReceived()

	now := time.Now()
	sess, ok := r.mgr.GetOrCreateRx(h.MsgID, h.TotalLen, h.FragCnt, src64, now)
	if !ok {
		log.Printf("transport: receiver: msg_id %d collides with a differently-shaped session", h.MsgID)
		return
	}

	filled := sess.Fill(h.FragIdx, payload, now)
	if !filled {
		sess.Touch(now)
	}

	if sess.IsComplete() {
		r.complete(sess)
		return
	}

	if h.FragIdx == h.FragCnt-1 {
		r.sendNack(sess)
	}
}

func (r *Receiver) complete(sess *session.RxSession) {
	msg, err := sess.Reassemble()
	r.mgr.RemoveRx(sess.MsgID)
	if err != nil {
		log.Printf("transport: receiver: %s", err)
		return
	}

	r.stats.incMessagesCompleted()

	if err := r.sender.Send(sess.Src64, fragment.EncodeDone(sess.MsgID)); err != nil {
		log.Printf("transport: receiver: sending done for msg_id %d: %s", sess.MsgID, err)
	}

	if r.onMessage != nil {
		r.onMessage(msg, sess.Src64)
	}
}

func (r *Receiver) sendNack(sess *session.RxSession) {
	missing := sess.MissingIndices()
	if len(missing) == 0 {
		return
	}

	if rounds := sess.BumpNackRound(); rounds > session.MaxNackRounds {
		log.Printf("transport: receiver: msg_id %d exceeded %d NACK rounds, dropping", sess.MsgID, session.MaxNackRounds)
		r.mgr.RemoveRx(sess.MsgID)
		return
	}

	nack := fragment.Nack{MsgID: sess.MsgID, Indices: missing}
	if err := r.sender.Send(sess.Src64, fragment.EncodeNack(nack)); err != nil {
		log.Printf("transport: receiver: sending nack for msg_id %d: %s", sess.MsgID, err)
		return
	}
	r.stats.incNacksSent()
}

func (r *Receiver) handleNack(data []byte) {
	nack, err := fragment.DecodeNack(data)
	if err != nil {
		log.Printf("transport: receiver: %s", err)
		return
	}
	if r.onNack != nil {
		r.onNack(nack)
	}
}

func (r *Receiver) handleDone(data []byte) {
	msgID, err := fragment.DecodeDone(data)
	if err != nil {
		log.Printf("transport: receiver: %s", err)
		return
	}
	if r.onDone != nil {
		r.onDone(msgID)
	}
}
