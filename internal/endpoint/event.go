package endpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/netplay/internal/input"
)

// State is the connection state of an Endpoint.
type State int

const (
	StateIdle State = iota // created, Synchronize not yet called
	StateSyncing
	StateRunning
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind tags an Event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventSynchronizing
	EventSynchronized
	EventNetworkInterrupted
	EventNetworkResumed
	EventDisconnected
	EventInput
	EventAppData
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSynchronizing:
		return "synchronizing"
	case EventSynchronized:
		return "synchronized"
	case EventNetworkInterrupted:
		return "interrupted"
	case EventNetworkResumed:
		return "resumed"
	case EventDisconnected:
		return "disconnected"
	case EventInput:
		return "input"
	case EventAppData:
		return "app-data"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is something the consumer needs to know about. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind EventKind

	// EventSynchronizing
	Count, Total int

	// EventNetworkInterrupted: time left before the peer is dropped.
	DisconnectTimeout time.Duration

	// EventInput
	Input input.Record

	// EventAppData
	Spectators bool
	Data       []byte
}

func (e Event) String() string {
	switch e.Kind {
	case EventSynchronizing:
		return fmt.Sprintf("synchronizing (%d/%d)", e.Count, e.Total)
	case EventNetworkInterrupted:
		return fmt.Sprintf("interrupted (disconnect in %v)", e.DisconnectTimeout)
	case EventInput:
		return "input " + e.Input.String()
	case EventAppData:
		return fmt.Sprintf("app-data (%d bytes)", len(e.Data))
	default:
		return e.Kind.String()
	}
}

var (
	// ErrVerification matches every *VerificationError.
	ErrVerification    = errors.New("endpoint: verification mismatch")
	ErrNotRunning      = errors.New("endpoint: not running")
	ErrDetached        = errors.New("endpoint: detached from transport")
	ErrPayloadTooLarge = errors.New("endpoint: payload too large")
	ErrPendingFull     = errors.New("endpoint: too many unacknowledged frames")
)

// VerificationError is the fatal handshake fault. The session it belongs to
// cannot continue.
type VerificationError struct {
	Peer uint8

	// Remote is set when the peer rejected our payload, clear when we
	// rejected theirs.
	Remote bool

	Got, Want int // payload sizes, for the local case
}

func (e *VerificationError) Error() string {
	if e.Remote {
		return fmt.Sprintf("peer %d reported verification failure", e.Peer)
	}
	return fmt.Sprintf("verification mismatch from peer %d: size received %d expected %d", e.Peer, e.Got, e.Want)
}

func (e *VerificationError) Unwrap() error { return ErrVerification }
