// Package signaling is the rendezvous service peers use to swap candidate
// addresses before probing. A WebSocket server hosts rooms keyed by a
// shared code; once the expected number of peers has joined, every member
// receives the full roster and the room closes.
package signaling

import (
	"fmt"
	"net/netip"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeJoin   MessageType = "join"
	MsgTypeRoster MessageType = "roster"
	MsgTypeError  MessageType = "error"
)

// Announce is what one peer tells the others about itself.
type Announce struct {
	PeerID     uint8    `json:"peer_id"`
	UserID     string   `json:"user_id"`
	Candidates []string `json:"candidates"`
}

// Addrs parses the candidate list, skipping entries that do not parse.
func (a Announce) Addrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(a.Candidates))
	for _, c := range a.Candidates {
		if ap, err := netip.ParseAddrPort(c); err == nil {
			out = append(out, ap)
		}
	}
	return out
}

// NewAnnounce builds an announcement from typed candidates.
func NewAnnounce(peerID uint8, userID string, cands []netip.AddrPort) Announce {
	a := Announce{PeerID: peerID, UserID: userID, Candidates: make([]string, len(cands))}
	for i, c := range cands {
		a.Candidates[i] = c.String()
	}
	return a
}

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type     MessageType `json:"type"`
	Room     string      `json:"room,omitempty"`
	Expected int         `json:"expected,omitempty"`
	Announce *Announce   `json:"announce,omitempty"`
	Roster   []Announce  `json:"roster,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// RemoteError is an error reported by the signaling server.
type RemoteError struct{ Msg string }

func (e *RemoteError) Error() string { return fmt.Sprintf("signaling server: %s", e.Msg) }
