package tcpstack

import (
	"net/netip"
	"testing"
	"time"
)

func newTestConnection(s *Stack, initial State, iss uint32, fromListener bool) *Connection {
	return newConnection(s, "test-conn", s.localAddr, netip.MustParseAddr("127.0.0.3"),
		8901, 6000, initial, iss, fromListener)
}

func TestConnectionActiveOpenReachesEstablishedOnSynAck(t *testing.T) {
	ep := newFakeEndpoint()
	s := newTestStack(ep)
	conn := newTestConnection(s, StateSynSent, 1, false)
	conn.start()
	defer conn.Close()

	conn.deliver(TCPHeader{Flags: FlagSYN | FlagACK, SeqNum: 500, AckNum: conn.rel.SndNxt()}, nil)

	select {
	case <-conn.established:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ESTABLISHED")
	}
	if conn.currentState() != StateEstablished {
		t.Fatalf("state = %v, want ESTABLISHED", conn.currentState())
	}

	// The third handshake leg: a bare ACK completing the connection, with
	// ack = peer's seq + 1, must actually be sent, not just implied by the
	// state transition.
	deadline := time.Now().Add(time.Second)
	for ep.lastWritten() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the completing ACK to be written")
		}
		time.Sleep(time.Millisecond)
	}

	seg, payload, err := parseTCP(mustTCPPayload(t, ep.lastWritten()))
	if err != nil {
		t.Fatalf("parseTCP: %v", err)
	}
	if !seg.HasFlag(FlagACK) {
		t.Fatalf("expected the completing segment to carry ACK, got flags %08b", seg.Flags)
	}
	if seg.AckNum != 501 {
		t.Fatalf("ack = %d, want 501 (peer seq 500 + 1)", seg.AckNum)
	}
	if len(payload) != 0 {
		t.Fatalf("expected a bare ACK with no payload, got %d bytes", len(payload))
	}
}

func TestConnectionRstResetsToClosedAndSurfacesErrReset(t *testing.T) {
	s := newTestStack(newFakeEndpoint())
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.start()

	conn.deliver(TCPHeader{Flags: FlagRST}, nil)

	buf := make([]byte, 16)
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := conn.Recv(buf); err == ErrReset {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for ErrReset from Recv")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-conn.closedCh:
	case <-time.After(time.Second):
		t.Fatal("connection did not reach CLOSED after RST")
	}
}

func TestConnectionSendAndDeliverRoundTrip(t *testing.T) {
	ep := newFakeEndpoint()
	s := newTestStack(ep)
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.start()
	defer conn.Close()

	if _, err := conn.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for ep.lastWritten() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the segment to be written")
		}
		time.Sleep(time.Millisecond)
	}

	_, payload, err := parseTCP(mustTCPPayload(t, ep.lastWritten()))
	if err != nil {
		t.Fatalf("parseTCP: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func mustTCPPayload(t *testing.T, datagram []byte) []byte {
	t.Helper()
	_, payload, err := parseIP(datagram)
	if err != nil {
		t.Fatalf("parseIP: %v", err)
	}
	return payload
}

func TestConnectionRecvDeliversBufferedDataAndAcks(t *testing.T) {
	ep := newFakeEndpoint()
	s := newTestStack(ep)
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.start()
	defer conn.Close()

	conn.deliver(TCPHeader{Flags: FlagACK | FlagPSH, SeqNum: conn.rel.RcvNxt(), AckNum: conn.rel.SndNxt()}, []byte("payload"))

	buf := make([]byte, 32)
	n, err := conn.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("Recv returned %q, want %q", buf[:n], "payload")
	}
}

func TestConnectionRecvReturnsZeroAfterPeerFinAndEmptyBuffer(t *testing.T) {
	s := newTestStack(newFakeEndpoint())
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.start()
	defer conn.Close()

	conn.deliver(TCPHeader{Flags: FlagFIN | FlagACK, SeqNum: conn.rel.RcvNxt(), AckNum: conn.rel.SndNxt()}, nil)

	deadline := time.Now().Add(time.Second)
	for conn.currentState() != StateCloseWait {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want CLOSE_WAIT after peer FIN", conn.currentState())
		}
		time.Sleep(time.Millisecond)
	}

	buf := make([]byte, 16)
	n, err := conn.Recv(buf)
	if err != nil || n != 0 {
		t.Fatalf("Recv in CLOSE_WAIT with an empty buffer = (%d, %v), want (0, nil)", n, err)
	}
}

func TestConnectionGracefulCloseActiveSide(t *testing.T) {
	ep := newFakeEndpoint()
	s := newTestStack(ep)
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.start()

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for conn.currentState() != StateFinWait1 {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want FIN_WAIT_1 shortly after Close", conn.currentState())
		}
		time.Sleep(time.Millisecond)
	}

	datagram := ep.lastWritten()
	seg, _, err := parseTCP(mustTCPPayload(t, datagram))
	if err != nil {
		t.Fatalf("parseTCP: %v", err)
	}
	if !seg.HasFlag(FlagFIN) || !seg.HasFlag(FlagACK) {
		t.Fatalf("expected FIN|ACK, got flags %08b", seg.Flags)
	}

	conn.deliver(TCPHeader{Flags: FlagACK, AckNum: conn.rel.SndNxt()}, nil)
	deadline = time.Now().Add(time.Second)
	for conn.currentState() != StateFinWait2 {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want FIN_WAIT_2", conn.currentState())
		}
		time.Sleep(time.Millisecond)
	}

	conn.deliver(TCPHeader{Flags: FlagFIN | FlagACK, SeqNum: conn.rel.RcvNxt(), AckNum: conn.rel.SndNxt()}, nil)
	deadline = time.Now().Add(3 * time.Second)
	for conn.currentState() != StateTimeWait {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want TIME_WAIT", conn.currentState())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectionRetransmitsUnackedDataAfterRTO(t *testing.T) {
	ep := newFakeEndpoint()
	s := newTestStack(ep)
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.rel.rto = 50 * time.Millisecond // force a fast RTO for the test
	conn.start()
	defer conn.Close()

	if _, err := conn.Send([]byte("retry-me")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(ep.written) < 1 {
		ep.mu.Lock()
		n := len(ep.written)
		ep.mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first transmission")
		}
		time.Sleep(time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		ep.mu.Lock()
		n := len(ep.written)
		ep.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a retransmission")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectionAdvancesRcvNxtOnInOrderData(t *testing.T) {
	s := newTestStack(newFakeEndpoint())
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.start()
	defer conn.Close()

	start := conn.rel.RcvNxt()
	conn.deliver(TCPHeader{Flags: FlagACK | FlagPSH, SeqNum: start, AckNum: conn.rel.SndNxt()}, []byte("abc"))

	buf := make([]byte, 16)
	if _, err := conn.Recv(buf); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for conn.rel.RcvNxt() != start+3 {
		if time.Now().After(deadline) {
			t.Fatalf("rcv_nxt = %d, want %d", conn.rel.RcvNxt(), start+3)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectionDropsOutOfOrderOrDuplicateData(t *testing.T) {
	s := newTestStack(newFakeEndpoint())
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.start()
	defer conn.Close()

	start := conn.rel.RcvNxt()
	// A segment that does not start at rcv_nxt must be dropped, not
	// appended, and rcv_nxt must stay put.
	conn.deliver(TCPHeader{Flags: FlagACK | FlagPSH, SeqNum: start + 100, AckNum: conn.rel.SndNxt()}, []byte("out-of-order"))

	time.Sleep(50 * time.Millisecond)
	if conn.rel.RcvNxt() != start {
		t.Fatalf("rcv_nxt advanced on an out-of-order segment: got %d, want %d", conn.rel.RcvNxt(), start)
	}
	if conn.recvBufLen() != 0 {
		t.Fatalf("recv buffer got data from an out-of-order segment: len = %d", conn.recvBufLen())
	}
}

func TestConnectionAcknowledgesReceivedFin(t *testing.T) {
	ep := newFakeEndpoint()
	s := newTestStack(ep)
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.start()
	defer conn.Close()

	conn.deliver(TCPHeader{Flags: FlagFIN | FlagACK, SeqNum: conn.rel.RcvNxt(), AckNum: conn.rel.SndNxt()}, nil)

	deadline := time.Now().Add(time.Second)
	for ep.lastWritten() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for an ack of the received FIN")
		}
		time.Sleep(time.Millisecond)
	}

	seg, _, err := parseTCP(mustTCPPayload(t, ep.lastWritten()))
	if err != nil {
		t.Fatalf("parseTCP: %v", err)
	}
	if !seg.HasFlag(FlagACK) {
		t.Fatalf("expected an ACK in response to the peer's FIN, got flags %08b", seg.Flags)
	}
}

func TestConnectionRetransmitsLostFin(t *testing.T) {
	ep := newFakeEndpoint()
	s := newTestStack(ep)
	conn := newTestConnection(s, StateEstablished, 1, false)
	conn.rel.rto = 50 * time.Millisecond
	conn.start()

	conn.Close()

	written := func() int {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		return len(ep.written)
	}

	deadline := time.Now().Add(time.Second)
	for written() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the initial FIN")
		}
		time.Sleep(time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for written() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the FIN to be retransmitted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ep.mu.Lock()
	datagrams := append([][]byte(nil), ep.written...)
	ep.mu.Unlock()

	for _, datagram := range datagrams {
		seg, _, err := parseTCP(mustTCPPayload(t, datagram))
		if err != nil {
			t.Fatalf("parseTCP: %v", err)
		}
		if !seg.HasFlag(FlagFIN) {
			t.Fatalf("retransmitted segment lost the FIN flag: %08b", seg.Flags)
		}
	}
}

func TestConnectionSendRejectedBeforeHandshakeCompletes(t *testing.T) {
	s := newTestStack(newFakeEndpoint())
	conn := newTestConnection(s, StateSynSent, 1, false)
	conn.start()
	defer conn.Close()

	if _, err := conn.Send([]byte("too soon")); err != ErrClosed {
		t.Fatalf("Send before ESTABLISHED: got %v, want ErrClosed", err)
	}
}
