package signaling

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// receiver reads server messages until the roster arrives (private).
type receiver struct {
	conn *websocket.Conn
}

// watch blocks until the server sends the roster or an error.
func (r *receiver) watch() ([]Announce, error) {
	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("failed to read WS message: %w", err)
		}

		switch msg.Type {
		case MsgTypeRoster:
			return msg.Roster, nil
		case MsgTypeError:
			return nil, &RemoteError{Msg: msg.Error}
		}
	}
}
