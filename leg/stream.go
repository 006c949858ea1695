package leg

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"

	"braces.dev/errtrace"

	"github.com/sipmesh/dispatcher/internal/log"
	"github.com/sipmesh/dispatcher/internal/syncutil"
	"github.com/sipmesh/dispatcher/reactor"
	"github.com/sipmesh/dispatcher/sipaddr"
	"github.com/sipmesh/dispatcher/sipmsg"
)

// StreamLeg is the connection-oriented transport leg shared by TCP and TLS:
// one listener accepting inbound connections, a dial-on-demand pool of
// outbound connections keyed by destination, and RFC 3261 §7.5 framing on
// every connection. Grounded on the connection-pool-plus-framing split of
// ghettovoice-gosip's stream transports, generalized to carry a
// tls.Config instead of the teacher's certificate-reload machinery.
type StreamLeg struct {
	baseLeg

	loop      *reactor.Loop
	ln        net.Listener
	tlsConfig *tls.Config

	conns          syncutil.RWMap[string, net.Conn]
	receiveHandler ReceiveHandler
	stop           chan struct{}
}

// NewTCPLeg listens for plain TCP connections at local.
func NewTCPLeg(loop *reactor.Loop, local sipaddr.Address, contact sipmsg.URI) (*StreamLeg, error) {
	return newStreamLeg(loop, local, contact, nil)
}

// NewTLSLeg listens for TLS connections at local, presenting cfg.
func NewTLSLeg(loop *reactor.Loop, local sipaddr.Address, contact sipmsg.URI, cfg *tls.Config) (*StreamLeg, error) {
	return newStreamLeg(loop, local, contact, cfg)
}

func newStreamLeg(loop *reactor.Loop, local sipaddr.Address, contact sipmsg.URI, cfg *tls.Config) (*StreamLeg, error) {
	var ln net.Listener
	var err error
	if cfg != nil {
		ln, err = tls.Listen("tcp", local.HostPort(), cfg)
	} else {
		ln, err = net.Listen("tcp", local.HostPort())
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &StreamLeg{
		baseLeg:   newBaseLeg(local, contact),
		loop:      loop,
		ln:        ln,
		tlsConfig: cfg,
		stop:      make(chan struct{}),
	}, nil
}

// Start begins accepting inbound connections.
func (l *StreamLeg) Start(_ context.Context, h ReceiveHandler) error {
	l.receiveHandler = h
	go l.acceptLoop(h)
	return nil
}

func (l *StreamLeg) acceptLoop(h ReceiveHandler) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
			}
			log.Def.Debug("stream leg accept error", "leg", l.local, "error", err)
			return
		}
		go l.serveConn(conn, h)
	}
}

func (l *StreamLeg) serveConn(conn net.Conn, h ReceiveHandler) {
	key := conn.RemoteAddr().String()
	l.conns.Set(key, conn)
	defer func() {
		l.conns.Del(key)
		conn.Close()
	}()

	from, ferr := sipaddr.FromHostPort(l.local.Proto, conn.RemoteAddr().String(), nil)
	if ferr != nil {
		return
	}

	br := bufio.NewReader(conn)
	for {
		raw, err := readMessage(br)
		if err != nil {
			return
		}
		pkt, perr := sipmsg.Parse(raw)
		if perr != nil {
			l.parseErrors.Add(1)
			log.Def.Debug("stream leg discarding unparseable message", "leg", l.local, "from", from, "error", perr)
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

// Stop closes the listener and every pooled connection, unblocking every
// serveConn goroutine.
func (l *StreamLeg) Stop() error {
	close(l.stop)
	err := l.ln.Close()
	for _, conn := range l.conns.All() {
		conn.Close()
	}
	return errtrace.Wrap(err)
}

// Deliver reuses a pooled connection to dst if one exists or dials a fresh
// one, writes the serialized message, and reports the outcome via cb. Via
// is not touched here; call AddVia once before the first send of pkt so
// every retransmission carries the same one.
func (l *StreamLeg) Deliver(ctx context.Context, pkt sipmsg.Packet, dst sipaddr.Address, cb func(error)) {
	raw, err := sipmsg.Serialize(pkt)
	if err != nil {
		cb(errtrace.Wrap(err))
		return
	}

	conn, err := l.connFor(ctx, dst)
	if err != nil {
		cb(errtrace.Wrap(err))
		return
	}

	if _, err := conn.Write(raw); err != nil {
		l.conns.Del(dst.HostPort())
		conn.Close()
		cb(errtrace.Wrap(err))
		return
	}
	cb(nil)
}

func (l *StreamLeg) connFor(ctx context.Context, dst sipaddr.Address) (net.Conn, error) {
	key := dst.HostPort()
	if conn, ok := l.conns.Get(key); ok {
		return conn, nil
	}

	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if l.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", key, l.tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", key)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	l.conns.Set(key, conn)
	go l.serveOutbound(conn, dst)
	return conn, nil
}

// serveOutbound reads responses arriving on a connection this leg dialed
// itself, applying the same framing and forwarding as inbound connections.
func (l *StreamLeg) serveOutbound(conn net.Conn, dst sipaddr.Address) {
	defer func() {
		l.conns.Del(dst.HostPort())
		conn.Close()
	}()

	br := bufio.NewReader(conn)
	for {
		raw, err := readMessage(br)
		if err != nil {
			return
		}
		pkt, perr := sipmsg.Parse(raw)
		if perr != nil {
			l.parseErrors.Add(1)
			log.Def.Debug("stream leg discarding unparseable message", "leg", l.local, "from", dst, "error", perr)
			continue
		}
		l.loop.Post(func() {
			fwd := l.ForwardIncoming(pkt, dst)
			if fwd != nil && l.receiveHandler != nil {
				l.receiveHandler(fwd, l, dst)
			}
		})
	}
}
