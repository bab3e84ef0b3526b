package signaling

import (
	"context"
	"fmt"

	"github.com/1ureka/netplay/internal/util"
)

// Exchange joins room on the server at url, announcing self, and waits
// until expected peers (self included) have joined. It returns the other
// peers' announcements ordered by peer id.
//
// The URL should include the PIN as a query parameter, e.g.:
//
//	wss://example.devtunnels.ms/ws?pin=1234
func Exchange(ctx context.Context, url, room string, expected int, self Announce) ([]Announce, error) {
	conn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Unblock the read below when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s := &sender{conn: conn}
	if err := s.send(Message{Type: MsgTypeJoin, Room: room, Expected: expected, Announce: &self}); err != nil {
		return nil, fmt.Errorf("failed to send join: %w", err)
	}
	util.LogInfo("signaling: joined room %s as peer %d, waiting for %d peer(s)", room, self.PeerID, expected-1)

	r := &receiver{conn: conn}
	roster, err := r.watch()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	others := make([]Announce, 0, len(roster))
	for _, a := range roster {
		if a.PeerID != self.PeerID {
			others = append(others, a)
		}
	}
	return others, nil
}
