package dispatch

import (
	"github.com/sipmesh/dispatcher/leg"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// Receiver is the upper-layer consumer of every packet the dispatcher
// demultiplexes: requests forwarded directly, and responses forwarded
// whether or not they matched a pending qentry (late or duplicate
// responses still reach the receiver, which is free to ignore them).
type Receiver interface {
	Receive(pkt sipmsg.Packet, lg leg.Leg, from sipaddr.Address)
}

// ReceiverFunc adapts a plain function to Receiver.
type ReceiverFunc func(pkt sipmsg.Packet, lg leg.Leg, from sipaddr.Address)

func (f ReceiverFunc) Receive(pkt sipmsg.Packet, lg leg.Leg, from sipaddr.Address) { f(pkt, lg, from) }
