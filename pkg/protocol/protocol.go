// Package protocol defines the pluggable HTTP/1.x state machine contract
// the connection engine drives, and a concrete implementation of it.
//
// The engine never parses or frames bytes itself; it only sends events in
// and asks for events back. This mirrors h11's role in urllib3's
// sync_connection.py: the engine owns the socket and the selector, the
// state machine owns the grammar.
package protocol

import "fmt"

// Role identifies which side of the exchange a StateMachine tracks.
type Role int

const (
	Client Role = iota
	Server
)

func (r Role) String() string {
	if r == Client {
		return "CLIENT"
	}
	return "SERVER"
}

// State is one node of the per-role state machine.
type State int

const (
	// Idle means no request/response is in flight for this role.
	Idle State = iota
	// SendBody means a Request has been sent/received and body bytes are
	// expected next (for the peer, equivalently ExpectResponse/RecvBody).
	SendBody
	// Done means EndOfMessage has been sent/received for the current
	// exchange.
	Done
	// MustClose means the connection cannot be reused after this exchange.
	MustClose
	// Closed means the connection has been fully torn down.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case SendBody:
		return "SEND_BODY"
	case Done:
		return "DONE"
	case MustClose:
		return "MUST_CLOSE"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// HeaderField is a single (name, value) pair as produced by the state
// machine while parsing, or accepted by it while serializing.
type HeaderField struct {
	Name  string
	Value string
}

// Event is the sum type of everything NextEvent/Send can produce or accept.
// Exactly one of the typed fields is meaningful, selected by Kind.
type EventKind int

const (
	// EventNeedData is the NEED_DATA sentinel: the state machine requires
	// more input bytes before it can produce the next real event.
	EventNeedData EventKind = iota
	// EventConnectionClosed means the peer closed the connection at a
	// point where no further event can be produced.
	EventConnectionClosed
	EventRequestKind
	EventDataKind
	EventEndOfMessageKind
	EventResponseKind
)

// Event is returned by NextEvent and accepted by Send.
type Event struct {
	Kind EventKind

	// Request fields (EventRequestKind)
	Method string
	Target string

	// Shared by Request/Response (EventRequestKind/EventResponseKind)
	Headers []HeaderField

	// Data fields (EventDataKind)
	Data []byte

	// Response fields (EventResponseKind)
	StatusCode  int
	HTTPVersion string // e.g. "HTTP/1.1"
}

// NeedData is the canonical NEED_DATA event value.
var NeedData = Event{Kind: EventNeedData}

// ConnectionClosed is the canonical ConnectionClosed event value.
var ConnectionClosed = Event{Kind: EventConnectionClosed}

// StateMachine is the pluggable collaborator the engine drives. It is
// responsible for serializing the bytes of outgoing events and parsing the
// bytes of incoming ones, and for tracking the client/server state pair
// that governs when a connection may be reused.
//
// Implementations are not required to be safe for concurrent use; the
// engine that owns one never calls it from more than one goroutine.
type StateMachine interface {
	// Send serializes event and returns the bytes to put on the wire. It
	// updates OurState as a side effect.
	Send(event Event) ([]byte, error)
	// ReceiveData feeds newly-read bytes into the parser's internal
	// buffer. An empty slice signals EOF from the peer.
	ReceiveData(data []byte)
	// NextEvent returns the next parsed event, or NeedData if more bytes
	// must be fed in first, or ConnectionClosed if EOF was reached with no
	// further event producible.
	NextEvent() (Event, error)
	// StartNextCycle resets both roles to Idle so a new request/response
	// pair can begin on the same connection.
	StartNextCycle()
	// OurState returns the state of the role driving this instance.
	OurState() State
	// TheirState returns the state of the remote peer as tracked locally.
	TheirState() State
}
