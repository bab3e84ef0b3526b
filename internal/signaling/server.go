package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/util"
)

const (
	// Per-connection message budget.
	messageRate  = rate.Limit(4)
	messageBurst = 8

	joinTimeout = 30 * time.Second
	maxMessage  = 16 << 10
)

// member is one joined peer waiting for the roster.
type member struct {
	announce Announce
	out      *sender
}

type room struct {
	expected int
	members  []*member
}

// Server is the WebSocket rendezvous server.
type Server struct {
	pin      string
	listener net.Listener
	srv      *http.Server

	mu    sync.Mutex
	rooms map[string]*room
}

// NewServer creates a new signaling server with the given PIN for
// authentication. An empty PIN disables the check.
func NewServer(pin string) *Server {
	return &Server{
		pin:   pin,
		rooms: make(map[string]*room),
	}
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start begins listening on addr (":0" picks a random port). Returns the
// assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	port := listener.Addr().(*net.TCPAddr).Port

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling: %v", err)
		}
	}()

	util.LogInfo("signaling: listening on port %d", port)
	return port, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.pin != "" && r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessage)
	out := &sender{conn: conn}
	lim := rate.NewLimiter(messageRate, messageBurst)

	conn.SetReadDeadline(time.Now().Add(joinTimeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return
	}
	lim.Allow()

	if err := s.join(msg, out); err != nil {
		util.LogWarning("signaling: rejecting join from %s: %v", r.RemoteAddr, err)
		out.sendError(err.Error())
		return
	}

	// Members only wait for the roster; anything they send beyond the
	// budget gets them dropped.
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			s.leave(msg.Room, out)
			return
		}
		if !lim.Allow() {
			util.LogWarning("signaling: %s exceeded message rate", r.RemoteAddr)
			s.leave(msg.Room, out)
			out.sendError("rate limit exceeded")
			return
		}
	}
}

func (s *Server) join(msg Message, out *sender) error {
	switch {
	case msg.Type != MsgTypeJoin:
		return fmt.Errorf("expected %q, got %q", MsgTypeJoin, msg.Type)
	case msg.Room == "":
		return errors.New("missing room code")
	case msg.Announce == nil:
		return errors.New("missing announcement")
	case msg.Expected < 2 || msg.Expected > protocol.MaxPlayers:
		return fmt.Errorf("expected peer count %d outside 2..%d", msg.Expected, protocol.MaxPlayers)
	case int(msg.Announce.PeerID) >= protocol.MaxPlayers:
		return fmt.Errorf("peer id %d out of range", msg.Announce.PeerID)
	}

	s.mu.Lock()
	rm, ok := s.rooms[msg.Room]
	if !ok {
		rm = &room{expected: msg.Expected}
		s.rooms[msg.Room] = rm
	}
	if rm.expected != msg.Expected {
		s.mu.Unlock()
		return fmt.Errorf("room expects %d peers, not %d", rm.expected, msg.Expected)
	}
	for _, m := range rm.members {
		if m.announce.PeerID == msg.Announce.PeerID {
			s.mu.Unlock()
			return fmt.Errorf("peer id %d already taken", msg.Announce.PeerID)
		}
	}
	rm.members = append(rm.members, &member{announce: *msg.Announce, out: out})
	util.LogInfo("signaling: room %s: peer %d joined (%d/%d)", msg.Room, msg.Announce.PeerID, len(rm.members), rm.expected)

	if len(rm.members) < rm.expected {
		s.mu.Unlock()
		return nil
	}
	delete(s.rooms, msg.Room)
	s.mu.Unlock()

	roster := make([]Announce, len(rm.members))
	for i, m := range rm.members {
		roster[i] = m.announce
	}
	slices.SortFunc(roster, func(a, b Announce) int { return int(a.PeerID) - int(b.PeerID) })

	for _, m := range rm.members {
		if err := m.out.send(Message{Type: MsgTypeRoster, Room: msg.Room, Roster: roster}); err != nil {
			util.LogWarning("signaling: room %s: roster to peer %d: %v", msg.Room, m.announce.PeerID, err)
		}
	}
	util.LogSuccess("signaling: room %s complete", msg.Room)
	return nil
}

// leave drops out from its room if the room is still filling.
func (s *Server) leave(code string, out *sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[code]
	if !ok {
		return
	}
	rm.members = slices.DeleteFunc(rm.members, func(m *member) bool { return m.out == out })
	if len(rm.members) == 0 {
		delete(s.rooms, code)
	}
}

// Rooms returns the number of rooms still filling.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Close shuts down the listener, preventing new connections.
func (s *Server) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
