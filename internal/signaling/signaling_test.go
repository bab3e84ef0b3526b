package signaling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server, pin string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?pin=" + pin
}

func TestExchangeRoster(t *testing.T) {
	s := NewServer("1234")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	announces := []Announce{
		NewAnnounce(0, "alice", []netip.AddrPort{netip.MustParseAddrPort("192.168.1.2:7000")}),
		NewAnnounce(1, "bob", []netip.AddrPort{netip.MustParseAddrPort("203.0.113.9:7001")}),
		NewAnnounce(2, "carol", nil),
	}

	var wg sync.WaitGroup
	results := make([][]Announce, len(announces))
	errs := make([]error, len(announces))
	for i, a := range announces {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Exchange(ctx, wsURL(srv, "1234"), "ROOM1", len(announces), a)
		}()
	}
	wg.Wait()

	for i := range announces {
		if errs[i] != nil {
			t.Fatalf("peer %d: %v", i, errs[i])
		}
		if len(results[i]) != len(announces)-1 {
			t.Fatalf("peer %d got %d announcements, want %d", i, len(results[i]), len(announces)-1)
		}
		for _, got := range results[i] {
			if got.PeerID == uint8(i) {
				t.Errorf("peer %d received its own announcement", i)
			}
		}
	}

	bob := results[0][0]
	if bob.UserID != "bob" {
		t.Fatalf("alice's first peer = %+v, want bob (sorted by id)", bob)
	}
	if addrs := bob.Addrs(); len(addrs) != 1 || addrs[0].String() != "203.0.113.9:7001" {
		t.Errorf("bob's candidates = %v", addrs)
	}
	if s.Rooms() != 0 {
		t.Errorf("Rooms() = %d after completion, want 0", s.Rooms())
	}
}

func TestRejectsBadPIN(t *testing.T) {
	srv := httptest.NewServer(NewServer("1234").Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "0000"), nil)
	if err == nil {
		t.Fatal("dial with a wrong PIN succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestJoinValidation(t *testing.T) {
	s := NewServer("")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	self := NewAnnounce(0, "alice", nil)
	tests := []struct {
		name     string
		room     string
		expected int
		want     string
	}{
		{"missing room", "", 2, "missing room"},
		{"too few peers", "R", 1, "outside"},
		{"too many peers", "R", 5, "outside"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := Exchange(ctx, wsURL(srv, ""), tt.room, tt.expected, self)
			var remote *RemoteError
			if !errors.As(err, &remote) || !strings.Contains(remote.Msg, tt.want) {
				t.Fatalf("Exchange err = %v, want server error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestDuplicatePeerID(t *testing.T) {
	s := NewServer("")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan error, 1)
	go func() {
		_, err := Exchange(ctx, wsURL(srv, ""), "DUP", 2, NewAnnounce(0, "alice", nil))
		first <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Rooms() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	tctx, tcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer tcancel()
	_, err := Exchange(tctx, wsURL(srv, ""), "DUP", 2, NewAnnounce(0, "mallory", nil))
	var remote *RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Msg, "already taken") {
		t.Fatalf("duplicate join err = %v", err)
	}

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Exchange err = %v, want context.Canceled", err)
	}
}

func TestRoomCodeAndPIN(t *testing.T) {
	a, b := NewRoomCode(), NewRoomCode()
	if len(a) != 8 || a == b || strings.ToUpper(a) != a {
		t.Errorf("room codes %q, %q", a, b)
	}
	pin := GeneratePIN(6)
	if len(pin) != 6 || strings.Trim(pin, "0123456789") != "" {
		t.Errorf("pin %q", pin)
	}
}

// closeListener reports every accepted connection the server closes.
type closeListener struct {
	net.Listener
	closed chan struct{}
}

func (l *closeListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &closeConn{Conn: c, closed: l.closed}, nil
}

type closeConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func (c *closeConn) Close() error {
	c.once.Do(func() { c.closed <- struct{}{} })
	return c.Conn.Close()
}

func TestServerClosesSocketWhenMemberLeaves(t *testing.T) {
	s := NewServer("")
	srv := httptest.NewUnstartedServer(s.Handler())
	closed := make(chan struct{}, 4)
	srv.Listener = &closeListener{Listener: srv.Listener, closed: closed}
	srv.Start()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(srv, ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	self := NewAnnounce(0, "alice", nil)
	if err := conn.WriteJSON(Message{Type: MsgTypeJoin, Room: "LEAVE", Expected: 3, Announce: &self}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Rooms() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Rooms() != 1 {
		t.Fatal("join never registered")
	}

	// Drop the TCP connection without a close handshake.
	conn.NetConn().Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server kept the departed member's socket open")
	}
	if s.Rooms() != 0 {
		t.Errorf("Rooms() = %d after the only member left, want 0", s.Rooms())
	}
}
