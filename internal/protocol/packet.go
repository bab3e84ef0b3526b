// Package protocol defines the wire format shared by every netplay message:
// the fixed header, the optional relay envelope and the per-type bodies.
package protocol

import (
	"fmt"

	"github.com/1ureka/netplay/internal/input"
)

// MsgType tags the body that follows the header.
type MsgType uint8

// Message type constants. The numbering is part of the wire format.
const (
	TypeInvalid       MsgType = 0
	TypeSyncRequest   MsgType = 1
	TypeSyncReply     MsgType = 2
	TypeInput         MsgType = 3
	TypeQualityReport MsgType = 4
	TypeQualityReply  MsgType = 5
	TypeKeepAlive     MsgType = 6
	TypeInputAck      MsgType = 7
	TypeAppData       MsgType = 8
	TypeRelay         MsgType = 9 // envelope only; the original type travels in the relay fields
)

func (t MsgType) String() string {
	switch t {
	case TypeSyncRequest:
		return "sync-request"
	case TypeSyncReply:
		return "sync-reply"
	case TypeInput:
		return "input"
	case TypeQualityReport:
		return "quality-report"
	case TypeQualityReply:
		return "quality-reply"
	case TypeKeepAlive:
		return "keep-alive"
	case TypeInputAck:
		return "input-ack"
	case TypeAppData:
		return "app-data"
	case TypeRelay:
		return "relay"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(t))
	}
}

// IsHandshake reports whether t is exempt from session-magic and sequence
// filtering.
func (t MsgType) IsHandshake() bool {
	return t == TypeSyncRequest || t == TypeSyncReply
}

const (
	// Fingerprint identifies this protocol on the wire. Anything else is
	// dropped before another field is read.
	Fingerprint uint16 = 0x4E50

	// RelayFingerprint marks a valid relay envelope.
	RelayFingerprint uint16 = 0x5259

	// HeaderSize is Fingerprint(2) + Magic(2) + Seq(2) + Sender(1) + Type(1).
	HeaderSize = 8

	// RelayHeaderSize adds RelayFingerprint(2) + RelayTo(1) + OrigType(1).
	RelayHeaderSize = HeaderSize + 4

	// MaxVerification bounds the opaque sync-request verification payload.
	MaxVerification = 256

	// MaxAppData bounds a single application-data payload.
	MaxAppData = 1024

	// MaxPlayers is the size of the connect-status table carried in every
	// input message.
	MaxPlayers = input.MaxPlayers
)

// Header is the decoded common header. Type is always the effective message
// type: for a relayed message it is the original type, and Relayed is set.
type Header struct {
	Fingerprint uint16
	Magic       uint16
	Seq         uint16
	Sender      uint8
	Type        MsgType

	Relayed bool
	RelayTo uint8
}

// ConnectStatus is one player slot's connection knowledge.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    int64
}

// Merge folds o into s. Disconnected is sticky and LastFrame never
// decreases.
func (s *ConnectStatus) Merge(o ConnectStatus) {
	s.Disconnected = s.Disconnected || o.Disconnected
	if o.LastFrame > s.LastFrame {
		s.LastFrame = o.LastFrame
	}
}

// StatusTable holds one ConnectStatus per player slot.
type StatusTable [MaxPlayers]ConnectStatus

// NewStatusTable returns a table with every slot connected and no frames seen.
func NewStatusTable() StatusTable {
	var t StatusTable
	for i := range t {
		t[i].LastFrame = input.NullFrame
	}
	return t
}

// Merge folds every slot of o into t.
func (t *StatusTable) Merge(o StatusTable) {
	for i := range t {
		t[i].Merge(o[i])
	}
}

// Body is implemented by every message payload type.
type Body interface {
	Type() MsgType
}

// SyncRequest opens or continues the handshake.
type SyncRequest struct {
	Nonce        uint16
	Verification []byte
}

// SyncReply echoes a SyncRequest's nonce.
type SyncReply struct {
	Nonce   uint16
	Failure bool
}

// Input carries a bit-packed run of frames starting at StartFrame.
type Input struct {
	StartFrame          int64
	InputSize           uint8
	AckFrame            int64
	NumBits             uint16
	Bits                []byte
	PeerStatus          StatusTable
	DisconnectRequested bool
}

// InputAck acknowledges every frame up to and including AckFrame.
type InputAck struct {
	AckFrame int64
}

// QualityReport carries the sender's clock and frame advantage.
type QualityReport struct {
	Ping           uint32
	FrameAdvantage int8
}

// QualityReply echoes a QualityReport's Ping.
type QualityReply struct {
	Pong uint32
}

// KeepAlive has no payload.
type KeepAlive struct{}

// AppData is an opaque application payload.
type AppData struct {
	Spectators bool
	Data       []byte
}

func (*SyncRequest) Type() MsgType   { return TypeSyncRequest }
func (*SyncReply) Type() MsgType     { return TypeSyncReply }
func (*Input) Type() MsgType         { return TypeInput }
func (*InputAck) Type() MsgType      { return TypeInputAck }
func (*QualityReport) Type() MsgType { return TypeQualityReport }
func (*QualityReply) Type() MsgType  { return TypeQualityReply }
func (*KeepAlive) Type() MsgType     { return TypeKeepAlive }
func (*AppData) Type() MsgType       { return TypeAppData }

// Message is a header plus its body.
type Message struct {
	Header Header
	Body   Body
}
