package tcpstack

import "fmt"

// State is a connection's position in the RFC 793 state diagram (§4.3).
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event drives a state transition (§4.3).
type Event int

const (
	EventPassiveOpen Event = iota
	EventActiveOpen
	EventSynReceived
	EventSynAckReceived
	EventAckReceived
	EventFinReceived
	EventClose
	EventTimeout
	EventRstReceived
)

func (e Event) String() string {
	switch e {
	case EventPassiveOpen:
		return "PASSIVE_OPEN"
	case EventActiveOpen:
		return "ACTIVE_OPEN"
	case EventSynReceived:
		return "SYN_RECEIVED"
	case EventSynAckReceived:
		return "SYN_ACK_RECEIVED"
	case EventAckReceived:
		return "ACK_RECEIVED"
	case EventFinReceived:
		return "FIN_RECEIVED"
	case EventClose:
		return "CLOSE"
	case EventTimeout:
		return "TIMEOUT"
	case EventRstReceived:
		return "RST_RECEIVED"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// transitions is the table from §4.3. A (state, event) pair absent from the
// map is ignored: the state machine stays in its current state, exactly as
// the spec's "unlisted events are ignored" rule requires.
var transitions = map[State]map[Event]State{
	StateClosed: {
		EventPassiveOpen: StateListen,
		EventActiveOpen:  StateSynSent,
	},
	StateListen: {
		EventSynReceived: StateSynReceived,
		EventClose:       StateClosed,
	},
	StateSynSent: {
		EventSynAckReceived: StateEstablished,
		EventSynReceived:    StateSynReceived,
		EventClose:          StateClosed,
		EventTimeout:        StateClosed,
		EventRstReceived:    StateClosed,
	},
	StateSynReceived: {
		EventAckReceived: StateEstablished,
		EventClose:       StateClosed,
		EventRstReceived: StateClosed,
	},
	StateEstablished: {
		EventClose:       StateFinWait1,
		EventFinReceived: StateCloseWait,
		EventRstReceived: StateClosed,
	},
	StateFinWait1: {
		EventAckReceived: StateFinWait2,
		EventFinReceived: StateClosing,
		EventRstReceived: StateClosed,
	},
	StateFinWait2: {
		EventFinReceived: StateTimeWait,
		EventRstReceived: StateClosed,
	},
	StateCloseWait: {
		EventClose:       StateLastAck,
		EventRstReceived: StateClosed,
	},
	StateClosing: {
		EventAckReceived: StateTimeWait,
		EventRstReceived: StateClosed,
	},
	StateLastAck: {
		EventAckReceived: StateClosed,
		EventRstReceived: StateClosed,
	},
	StateTimeWait: {
		EventTimeout:     StateClosed,
		EventRstReceived: StateClosed,
	},
}

// StateMachine wraps a single State and applies transitions from the
// table above. It carries no other connection state; the Connection that
// owns one is responsible for serialising access to it (§5).
type StateMachine struct {
	current State
}

// NewStateMachine returns a state machine in the given initial state.
// Stack.Dial starts its connection directly in SYN_SENT and a listener-born
// connection starts directly in SYN_RECEIVED (§4.5); Listeners run no
// state machine.
func NewStateMachine(initial State) *StateMachine {
	return &StateMachine{current: initial}
}

func (m *StateMachine) Current() State { return m.current }

// Apply feeds event into the table. It returns the resulting state and
// whether the event was accepted; on rejection the state is unchanged,
// matching "unexpected event for current state — silently ignored" (§7).
func (m *StateMachine) Apply(event Event) (State, bool) {
	row, ok := transitions[m.current]
	if !ok {
		return m.current, false
	}
	next, ok := row[event]
	if !ok {
		return m.current, false
	}
	m.current = next
	return m.current, true
}

// CanSend reports whether data may be sent while in this state (§4.3:
// "Data may be sent in ESTABLISHED and CLOSE_WAIT").
func (s State) CanSend() bool {
	return s == StateEstablished || s == StateCloseWait
}

// CanReceive reports whether inbound data may still be delivered to the
// application while in this state (§4.3: "Data may be received in
// ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2").
func (s State) CanReceive() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// eventForSegment derives the state-machine event implied by an inbound
// segment's flags, per §4.3's "Segment-driven derivation of events". RST
// always wins; otherwise SYN/ACK combinations take priority over a bare
// ACK or FIN, matching the ordering in the spec's bullet list.
func eventForSegment(h TCPHeader) Event {
	switch {
	case h.HasFlag(FlagRST):
		return EventRstReceived
	case h.HasFlag(FlagSYN) && h.HasFlag(FlagACK):
		return EventSynAckReceived
	case h.HasFlag(FlagSYN):
		return EventSynReceived
	case h.HasFlag(FlagFIN):
		return EventFinReceived
	case h.HasFlag(FlagACK):
		return EventAckReceived
	default:
		return EventAckReceived
	}
}
