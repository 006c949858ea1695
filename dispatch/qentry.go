package dispatch

import (
	"time"

	"github.com/qmuntal/stateless"

	"github.com/sipmesh/dispatcher/leg"
	"github.com/sipmesh/dispatcher/reactor"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

type qState string

const (
	qActive    qState = "active"
	qAcked     qState = "acked"
	qTimedOut  qState = "timed_out"
	qCancelled qState = "cancelled"
)

type qTrigger string

const (
	triggerRetransmit qTrigger = "retransmit"
	triggerAck        qTrigger = "ack"
	triggerTimeout    qTrigger = "timeout"
	triggerCancel     qTrigger = "cancel"
)

// qentry is one delivery queue entry (C5): a packet in flight to a
// destination, its precomputed retransmission schedule, and the lifecycle
// state governing which of those events still has any effect. Grounded on
// the pending→sent→{acked,timedOut,cancelled} lifecycle named for this
// component; qmuntal/stateless enforces that only the first of a racing
// ack/timeout/cancel actually fires the entry's callback.
type qentry struct {
	id     string
	callID string

	packet sipmsg.Packet
	dst    sipaddr.Address
	leg    leg.Leg

	callback      func(error)
	doRetransmits bool
	reliable      bool

	sends     []time.Time
	timeoutAt time.Time
	nextIdx   int
	timerID   reactor.TimerID

	fsm *stateless.StateMachine
}

func newQEntry(id, callID string, pkt sipmsg.Packet, dst sipaddr.Address, lg leg.Leg, cb func(error), doRetransmits, reliable bool) *qentry {
	q := &qentry{
		id:            id,
		callID:        callID,
		packet:        pkt,
		dst:           dst,
		leg:           lg,
		callback:      cb,
		doRetransmits: doRetransmits,
		reliable:      reliable,
	}

	q.fsm = stateless.NewStateMachine(qActive)
	q.fsm.Configure(qActive).
		PermitReentry(triggerRetransmit).
		Permit(triggerAck, qAcked).
		Permit(triggerTimeout, qTimedOut).
		Permit(triggerCancel, qCancelled)
	for _, terminal := range []qState{qAcked, qTimedOut, qCancelled} {
		q.fsm.Configure(terminal).
			Ignore(triggerRetransmit).
			Ignore(triggerAck).
			Ignore(triggerTimeout).
			Ignore(triggerCancel)
	}

	return q
}

// fire drives trigger through the entry's state machine and reports
// whether it actually caused a transition (false if the entry was already
// terminal, meaning some other event got there first).
func (q *qentry) fire(trigger qTrigger) bool {
	before := q.fsm.MustState()
	if err := q.fsm.Fire(trigger); err != nil {
		return false
	}
	return q.fsm.MustState() != before
}

func (q *qentry) state() qState {
	return q.fsm.MustState().(qState)
}

// ack marks the entry acknowledged (a matching response arrived) and
// invokes its callback with nil exactly once.
func (q *qentry) ack() bool {
	if !q.fire(triggerAck) {
		return false
	}
	if q.callback != nil {
		q.callback(nil)
	}
	return true
}

// timeout marks the entry ETIMEDOUT and invokes its callback with err
// exactly once.
func (q *qentry) timeout(err error) bool {
	if !q.fire(triggerTimeout) {
		return false
	}
	if q.callback != nil {
		q.callback(err)
	}
	return true
}

// cancel marks the entry cancelled. Per the core spec, explicit
// cancellation never invokes the callback.
func (q *qentry) cancel() bool {
	return q.fire(triggerCancel)
}
