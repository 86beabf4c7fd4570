package tcpstack

import "errors"

// Error kinds the core distinguishes, per the error handling design: most
// of these surface from Stack, Connection and Listener methods, not from
// the wire/IP layers, which
// never propagate invalid input across a layer boundary (they drop instead).
var (
	// ErrWouldBlock is returned by a non-blocking recv when no data is
	// available. It is a success-with-no-data result, not a failure.
	ErrWouldBlock = errors.New("tcpstack: would block")

	// ErrTimeout is returned when a blocking call's deadline elapses.
	ErrTimeout = errors.New("tcpstack: timed out")

	// ErrReset is returned once a connection has been aborted by a peer
	// RST. Recv fails with it after the abort; Send fails with ErrClosed,
	// since the aborted connection is CLOSED.
	ErrReset = errors.New("tcpstack: connection reset by peer")

	// ErrClosed is returned by Send on a connection whose state does not
	// permit sending (before ESTABLISHED, or once closing or CLOSED), and
	// by Accept on a closed Listener.
	ErrClosed = errors.New("tcpstack: connection closed")

	// ErrRetransmitCeiling is returned when the retransmission ceiling
	// was reached for an outstanding segment; the connection is aborted.
	ErrRetransmitCeiling = errors.New("tcpstack: retransmission ceiling reached")

	// ErrAddr is returned by NewStack when Config.LocalAddr does not parse.
	ErrAddr = errors.New("tcpstack: invalid address")

	// ErrNotBound reports a socket with no local port bound. Stack.Listen
	// takes its port as an argument and Stack.Dial allocates one, so
	// neither of them returns it.
	ErrNotBound = errors.New("tcpstack: socket not bound to a port")

	// ErrPortInUse is returned when a listener already occupies a port.
	ErrPortInUse = errors.New("tcpstack: local port already in use")

	// ErrNoRawEndpoint surfaces a raw endpoint failure; fatal for the
	// stack, it is returned by NewStack.
	ErrNoRawEndpoint = errors.New("tcpstack: raw datagram endpoint unavailable")
)
