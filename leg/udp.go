package leg

import (
	"context"
	"net"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/log"
	"github.com/sipmesh/dispatcher/reactor"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// UDPLeg is the datagram transport leg: one UDP socket, one reader
// goroutine, synchronous writes. Grounded on the read-loop/Via-rewriting
// split shown by ghettovoice-gosip/sip/transport's UDP listener and
// other_examples/datism-gossip's proxy_core send/receive path.
type UDPLeg struct {
	baseLeg

	loop *reactor.Loop
	conn net.PacketConn

	stop chan struct{}
}

// NewUDPLeg binds a UDP socket at local and returns a Leg that dispatches
// through loop. contact is the URI this leg advertises in Record-Route and
// (when filled in by callers) Contact headers.
func NewUDPLeg(loop *reactor.Loop, local sipaddr.Address, contact sipmsg.URI) (*UDPLeg, error) {
	conn, err := net.ListenPacket(local.Proto.Network(), local.HostPort())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if bound, berr := sipaddr.FromHostPort(local.Proto, conn.LocalAddr().String(), nil); berr == nil {
		bound.Host = local.Host
		local = bound
	}
	return &UDPLeg{
		baseLeg: newBaseLeg(local, contact),
		loop:    loop,
		conn:    conn,
		stop:    make(chan struct{}),
	}, nil
}

// Start begins the read loop. Every datagram that parses as a SIP packet is
// handed to h via loop.Post, serializing delivery onto the event loop
// goroutine regardless of which leg received it.
func (l *UDPLeg) Start(_ context.Context, h ReceiveHandler) error {
	go l.readLoop(h)
	return nil
}

func (l *UDPLeg) readLoop(h ReceiveHandler) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
			}
			log.Def.Debug("udp leg read error", "leg", l.local, "error", err)
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])

		from, ferr := sipaddr.FromHostPort(l.local.Proto, addr.String(), nil)
		if ferr != nil {
			continue
		}

		pkt, perr := sipmsg.Parse(raw)
		if perr != nil {
			l.parseErrors.Add(1)
			log.Def.Debug("udp leg discarding unparseable datagram", "leg", l.local, "from", from, "error", perr)
			continue
		}

		l.loop.Post(func() {
			fwd := l.ForwardIncoming(pkt, from)
			if fwd == nil {
				return
			}
			h(fwd, l, from)
		})
	}
}

// Stop closes the socket, unblocking the read goroutine. Calling it again
// after the first call is a no-op.
func (l *UDPLeg) Stop() error {
	select {
	case <-l.stop:
		return nil
	default:
	}
	close(l.stop)
	return errtrace.Wrap(l.conn.Close())
}

// Deliver serializes pkt and writes it in one syscall; cb runs synchronously
// with the write outcome, matching UDP's fire-and-forget semantics (no write
// queue, no partial writes). Via is not touched here; call AddVia once
// before the first send of pkt so every retransmission carries the same one.
func (l *UDPLeg) Deliver(_ context.Context, pkt sipmsg.Packet, dst sipaddr.Address, cb func(error)) {
	raw, err := sipmsg.Serialize(pkt)
	if err != nil {
		cb(errtrace.Wrap(err))
		return
	}

	udpAddr, err := net.ResolveUDPAddr("udp", dst.HostPort())
	if err != nil {
		cb(errtrace.Wrap(err))
		return
	}

	if _, err = l.conn.WriteTo(raw, udpAddr); err != nil {
		cb(errtrace.Wrap(err))
		return
	}
	cb(nil)
}
