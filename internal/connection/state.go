package connection

import (
	"fmt"

	"github.com/danmuck/wsmux/internal/rpc"
)

// State is the lifecycle phase of a Connection.
type State int

const (
	// StateIdle is a Connection that was never extended.
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event names accepted by On.
type Event string

const (
	EventConnecting   Event = "connecting"
	EventOpen         Event = "open"
	EventReconnecting Event = "reconnecting"
	EventClosed       Event = "closed"
	// EventError reports a failed attempt or a subscription that could not
	// be replayed. It does not change State.
	EventError Event = "error"
)

var events = []Event{EventConnecting, EventOpen, EventReconnecting, EventClosed, EventError}

func eventFor(s State) Event {
	switch s {
	case StateConnecting:
		return EventConnecting
	case StateOpen:
		return EventOpen
	case StateReconnecting:
		return EventReconnecting
	default:
		return EventClosed
	}
}

// Notice is the payload handed to listeners.
type Notice struct {
	State   State
	Attempt int
	Err     error
	// Session is set on EventOpen.
	Session *rpc.Session
}
