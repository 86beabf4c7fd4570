package tcpstack

import (
	"log"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

const retransmitSweepInterval = 100 * time.Millisecond

// inboundSegment is handed from the Stack's dispatch goroutine, or from
// Connection's own exported methods, to the connection's run loop. Every
// mutation of sm/rel happens inside run's single goroutine; Send and
// Close only enqueue a request rather than touching that state directly,
// so the state machine and reliability engine never need their own lock.
type inboundSegment struct {
	header         TCPHeader
	payload        []byte
	isTimeout      bool   // synthetic TIME_WAIT timeout, never a real segment
	isKick         bool   // wakes the loop with no event, to notice state set elsewhere
	sendData       []byte // application bytes to append to the send queue
	closeRequested bool
}

// Connection is one TCP connection's full state: its position in the
// RFC 793 diagram, its reliability engine, and its receive buffer. Its
// run goroutine owns sm and rel exclusively. observedState mirrors sm's
// current state atomically so Send/Recv/State can make a fast, lock-free
// decision from the application goroutine without racing the run loop;
// recvBuf and err are shared and protected by mu, with cond used to block
// a receiver until data arrives, the connection closes, or a deadline
// elapses (§5: "a coarse mutex protects each connection's receive
// buffer, with a condition variable").
type Connection struct {
	key                   string
	localAddr, remoteAddr netip.Addr
	localPort, remotePort uint16
	protocol              uint8

	stack *Stack

	sm            *StateMachine
	rel           *Reliability
	observedState atomic.Int32

	fromListener bool // born from a listener's SYN, per §4.5

	inbox chan inboundSegment
	stop  chan struct{}
	wg    sync.WaitGroup

	established chan struct{} // closed once when the state reaches ESTABLISHED
	closedCh    chan struct{} // closed once when the state reaches CLOSED

	mu       sync.Mutex
	cond     *sync.Cond
	recvBuf  []byte
	err      error // sticky error surfaced to Recv once set (e.g. ErrReset)
	closedAt bool

	recvTimeout time.Duration
	sendTimeout time.Duration
}

func newConnection(stack *Stack, key string, localAddr, remoteAddr netip.Addr, localPort, remotePort uint16, initial State, iss uint32, fromListener bool) *Connection {
	c := &Connection{
		key:          key,
		localAddr:    localAddr,
		remoteAddr:   remoteAddr,
		localPort:    localPort,
		remotePort:   remotePort,
		protocol:     uint8(stack.cfg.ProtocolID),
		stack:        stack,
		sm:           NewStateMachine(initial),
		rel:          NewReliability(iss),
		fromListener: fromListener,
		inbox:        make(chan inboundSegment, 64),
		stop:         make(chan struct{}),
		established:  make(chan struct{}),
		closedCh:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.observedState.Store(int32(initial))

	c.rel.SetMaxChunkSize(stack.cfg.PreferredMSS)
	c.rel.SetRTOBounds(stack.cfg.MinRTO, stack.cfg.MaxRTO)
	c.recvTimeout = stack.cfg.RecvTimeout
	c.sendTimeout = stack.cfg.SendTimeout

	return c
}

func randomISS() uint32 {
	return rand.Uint32()
}

func (c *Connection) start() {
	c.wg.Add(1)
	go c.run()
}

// run is the per-connection goroutine: it services inbound segments,
// sweeps for retransmissions, and stops when told to or once CLOSED is
// reached (§5's worker description, specialised to one goroutine per
// connection rather than per socket — see SPEC_FULL.md §4.5).
func (c *Connection) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(retransmitSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case seg := <-c.inbox:
			switch {
			case seg.isTimeout:
				c.applyEvent(EventTimeout)
			case seg.closeRequested:
				c.doClose()
			case seg.sendData != nil:
				c.rel.BufferData(seg.sendData)
			case seg.isKick:
				// no event; only wakes the loop to notice fresh state.
			default:
				c.handleSegment(seg.header, seg.payload)
			}
			c.flushSendable()
			if c.sm.Current() == StateClosed {
				c.finish()
				return
			}
		case <-ticker.C:
			c.sweepRetransmit()
			if c.sm.Current() == StateClosed {
				c.finish()
				return
			}
		}
	}
}

// applyEvent is the sole place sm.Apply is called, keeping observedState
// in lockstep with sm for lock-free reads from other goroutines, and
// drives onTransition on acceptance.
func (c *Connection) applyEvent(event Event) (State, bool) {
	prev := c.sm.Current()
	next, accepted := c.sm.Apply(event)
	if !accepted {
		return prev, false
	}
	c.observedState.Store(int32(next))
	if prev != next {
		c.onTransition(prev, next)
	}
	return next, true
}

func (c *Connection) currentState() State {
	return State(c.observedState.Load())
}

func (c *Connection) finish() {
	c.mu.Lock()
	c.closedAt = true
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case <-c.closedCh:
	default:
		close(c.closedCh)
	}
	c.stack.forget(c.key)
	if c.fromListener {
		return
	}
	if err := c.stack.filt.RemoveTcpClientFiltering(c.remoteAddr.String(), int(c.remotePort)); err != nil {
		log.Printf("tcpstack: could not remove client RST filter for %s:%d: %v", c.remoteAddr, c.remotePort, err)
	}
	c.stack.ports.release(int(c.localPort))
}

// deliver is called by the Stack's dispatch goroutine; it must never
// block the shared dispatcher on a slow connection, so a full inbox
// drops the segment (the peer's retransmission timer will resend it).
// payload is copied because it aliases the dispatch loop's pooled read
// buffer, which is recycled as soon as deliver returns.
func (c *Connection) deliver(h TCPHeader, payload []byte) {
	body := append([]byte(nil), payload...)
	select {
	case c.inbox <- inboundSegment{header: h, payload: body}:
	default:
	}
}

// handleSegment applies §4.3's segment-driven event derivation and
// reliability bookkeeping for one inbound segment.
func (c *Connection) handleSegment(h TCPHeader, payload []byte) {
	if h.HasFlag(FlagACK) {
		c.rel.UpdateRemoteWindow(h.Window)
		for _, sample := range c.rel.ProcessAck(h.AckNum, time.Now()) {
			c.rel.UpdateRTT(sample)
		}
	}

	event := eventForSegment(h)

	if event == EventSynAckReceived {
		c.rel.SetRcvNxt(h.SeqNum + 1)
	}

	next, accepted := c.applyEvent(event)

	if accepted && event == EventRstReceived {
		c.mu.Lock()
		c.err = ErrReset
		c.cond.Broadcast()
		c.mu.Unlock()
		return
	}

	// The active opener's SYN|ACK -> ESTABLISHED transition still owes the
	// peer the third handshake leg: a bare ACK completing the three-way
	// handshake (original_source/tcp_connection_manager.cpp
	// handle_syn_ack_segment -> send_ack). Without it the listener-born
	// peer sits in SYN_RECEIVED retransmitting its SYN|ACK until it aborts.
	if accepted && event == EventSynAckReceived {
		c.sendAck()
	}

	// A FIN consumes one sequence number of its own (§4.4) and must be
	// acknowledged on receipt even though the resulting state no longer
	// accepts data, or the peer's FIN retransmits forever and the
	// four-way close never drains (original_source/tcp_connection_manager.cpp
	// handle_fin_segment -> send_ack).
	if event == EventFinReceived {
		if accepted {
			c.rel.SetRcvNxt(h.SeqNum + 1 + uint32(len(payload)))
			c.sendAck()
		}
		return
	}

	if next.CanReceive() && len(payload) > 0 {
		if h.SeqNum != c.rel.RcvNxt() {
			// Out of order or a duplicate of data already delivered: drop
			// it and re-ack what we actually expect next (§5).
			c.sendAck()
			return
		}
		c.mu.Lock()
		c.recvBuf = append(c.recvBuf, payload...)
		c.cond.Broadcast()
		c.mu.Unlock()
		c.rel.SetRcvNxt(h.SeqNum + uint32(len(payload)))
		c.sendAck()
	}
}

func (c *Connection) onTransition(prev, next State) {
	switch next {
	case StateEstablished:
		c.closeEstablishedSignal()
		if c.fromListener {
			c.stack.announceAccepted(c)
		}
	case StateTimeWait:
		c.feedTimeoutSoon()
	case StateClosed:
		c.closeEstablishedSignal()
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

func (c *Connection) closeEstablishedSignal() {
	select {
	case <-c.established:
	default:
		close(c.established)
	}
}

// feedTimeoutSoon schedules the TIMEOUT event that retires TIME_WAIT.
// This design carries no 2*MSL timer (§9 Non-goals carried through from
// the source spec); a short fixed delay stands in for it so the
// connection does not linger in the table forever.
func (c *Connection) feedTimeoutSoon() {
	time.AfterFunc(2*time.Second, func() {
		select {
		case c.inbox <- inboundSegment{isTimeout: true}:
		case <-c.stop:
		}
	})
}

func (c *Connection) sweepRetransmit() {
	due, exceeded := c.rel.Retransmittable(time.Now())
	for _, seg := range due {
		h := TCPHeader{
			SrcPort: c.localPort,
			DstPort: c.remotePort,
			SeqNum:  seg.seq,
			AckNum:  c.rel.RcvNxt(),
			Flags:   seg.flags,
			Window:  LocalWindow(c.recvBufLen()),
		}
		c.transmit(h, seg.data)
	}
	if exceeded {
		c.mu.Lock()
		c.err = ErrRetransmitCeiling
		c.cond.Broadcast()
		c.mu.Unlock()
		c.applyEvent(EventRstReceived) // force CLOSED; reuse the unconditional-drop path
	}
}

// flushSendable drains as much of the send buffer as the effective
// window allows, one chunk per NextChunk call per §4.4's send path.
func (c *Connection) flushSendable() {
	if !c.sm.Current().CanSend() {
		return
	}
	for {
		seq, data, ok := c.rel.NextChunk(time.Now())
		if !ok {
			return
		}
		h := TCPHeader{
			SrcPort: c.localPort,
			DstPort: c.remotePort,
			SeqNum:  seq,
			AckNum:  c.rel.RcvNxt(),
			Flags:   FlagPSH | FlagACK,
			Window:  LocalWindow(c.recvBufLen()),
		}
		c.transmit(h, data)
	}
}

func (c *Connection) recvBufLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recvBuf)
}

func (c *Connection) sendAck() {
	h := TCPHeader{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		SeqNum:  c.rel.SndNxt(),
		AckNum:  c.rel.RcvNxt(),
		Flags:   FlagACK,
		Window:  LocalWindow(c.recvBufLen()),
	}
	c.transmit(h, nil)
}

func (c *Connection) sendSyn() {
	seq := c.rel.ConsumeSeq()
	c.rel.TrackControl(seq, FlagSYN, time.Now())
	h := TCPHeader{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		SeqNum:  seq,
		Flags:   FlagSYN,
		Window:  LocalWindow(0),
	}
	c.transmit(h, nil)
}

func (c *Connection) sendSynAck() {
	seq := c.rel.ConsumeSeq()
	c.rel.TrackControl(seq, FlagSYN|FlagACK, time.Now())
	h := TCPHeader{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		SeqNum:  seq,
		AckNum:  c.rel.RcvNxt(),
		Flags:   FlagSYN | FlagACK,
		Window:  LocalWindow(0),
	}
	c.transmit(h, nil)
}

func (c *Connection) transmit(h TCPHeader, data []byte) {
	c.stack.send(c.localAddr, c.remoteAddr, c.protocol, h, data)
}

// Send appends data to the outgoing buffer and kicks the send loop
// (§4.3: data may be sent in ESTABLISHED and CLOSE_WAIT). sendTimeout
// bounds how long Send waits for room in the inbox when the connection's
// own goroutine is backed up; a negative value makes it non-blocking.
func (c *Connection) Send(data []byte) (int, error) {
	if !c.currentState().CanSend() {
		return 0, ErrClosed
	}

	if c.sendTimeout < 0 {
		select {
		case c.inbox <- inboundSegment{sendData: data}:
			return len(data), nil
		case <-c.closedCh:
			return 0, ErrClosed
		default:
			return 0, ErrWouldBlock
		}
	}

	var deadline <-chan time.Time
	if c.sendTimeout > 0 {
		timer := time.NewTimer(c.sendTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case c.inbox <- inboundSegment{sendData: data}:
		return len(data), nil
	case <-c.closedCh:
		return 0, ErrClosed
	case <-deadline:
		return 0, ErrTimeout
	}
}

// Recv blocks until data is available, the connection reaches a state
// with no more data coming and the buffer is empty (returns 0, nil, the
// spec's "recv on A returns 0"), a reset occurs, or recvTimeout elapses.
func (c *Connection) Recv(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Time{}
	if c.recvTimeout > 0 {
		deadline = time.Now().Add(c.recvTimeout)
		timer := time.AfterFunc(c.recvTimeout, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer timer.Stop()
	}

	for len(c.recvBuf) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		if c.closedAt || !c.currentState().CanReceive() {
			return 0, nil
		}
		if c.recvTimeout < 0 {
			return 0, ErrWouldBlock
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
		c.cond.Wait()
	}

	n := copy(buf, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}

// doClose runs inside the connection goroutine: it feeds CLOSE into the
// state machine and emits the appropriate FIN|ACK (§4.5: "close(conn) —
// feed CLOSE; emit FIN|ACK; leave connection in the table until the
// state machine reaches CLOSED").
func (c *Connection) doClose() {
	prev := c.sm.Current()
	handshakeDone := prev.CanSend() // ESTABLISHED or CLOSE_WAIT

	if _, accepted := c.applyEvent(EventClose); !accepted {
		return
	}

	if handshakeDone {
		seq := c.rel.ConsumeSeq()
		c.rel.TrackControl(seq, FlagFIN|FlagACK, time.Now())
		h := TCPHeader{
			SrcPort: c.localPort,
			DstPort: c.remotePort,
			SeqNum:  seq,
			AckNum:  c.rel.RcvNxt(),
			Flags:   FlagFIN | FlagACK,
			Window:  LocalWindow(c.recvBufLen()),
		}
		c.transmit(h, nil)
	}
}

// Close requests that the connection begin its close sequence. It does
// not wait for CLOSED; the caller observes that via Send returning
// ErrClosed, Recv returning (0, nil) once the buffer is drained, or
// State() reaching StateClosed.
func (c *Connection) Close() error {
	select {
	case c.inbox <- inboundSegment{closeRequested: true}:
	case <-c.closedCh:
	}
	return nil
}

func (c *Connection) SetRecvTimeout(d time.Duration) { c.recvTimeout = d }
func (c *Connection) SetSendTimeout(d time.Duration) { c.sendTimeout = d }

func (c *Connection) RemoteAddr() netip.Addr { return c.remoteAddr }
func (c *Connection) RemotePort() uint16     { return c.remotePort }
func (c *Connection) State() State           { return c.currentState() }
