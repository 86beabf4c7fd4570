package tcpstack

import "net/netip"

// Listener is the "listening record" of §4.5: (local addr, local port)
// with conceptual state LISTEN, matching inbound SYNs whose destination
// matches and spawning new connection records. Unlike a Connection, a
// Listener never runs a state machine of its own — PASSIVE_OPEN/CLOSE
// only toggle whether the Stack still accepts new children for it.
type Listener struct {
	localAddr netip.Addr
	localPort uint16

	stack *Stack

	acceptCh chan *Connection
	closed   chan struct{}
}

func newListener(stack *Stack, localAddr netip.Addr, localPort uint16) *Listener {
	return &Listener{
		stack:     stack,
		localAddr: localAddr,
		localPort: localPort,
		acceptCh:  make(chan *Connection, 16),
		closed:    make(chan struct{}),
	}
}

// Accept drains the next connection that completed its handshake after
// being born from this listener, or returns (nil, nil) immediately if
// none is ready — accept is non-blocking per §4.5/§5/§6. The
// dispense-once guarantee (§4.5) comes from each Connection being sent
// to acceptCh exactly once, in Stack.announceAccepted.
func (l *Listener) Accept() (*Connection, error) {
	select {
	case conn := <-l.acceptCh:
		return conn, nil
	case <-l.closed:
		return nil, ErrClosed
	default:
		return nil, nil
	}
}

func (l *Listener) Close() error {
	l.stack.closeListener(l)
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *Listener) Addr() netip.Addr { return l.localAddr }
func (l *Listener) Port() uint16     { return l.localPort }
