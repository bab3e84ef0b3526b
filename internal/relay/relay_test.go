package relay

import (
	"bytes"
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/transport"
)

var _ Conn = (*fakeConn)(nil)

type delivery struct {
	to   netip.AddrPort
	data []byte
}

type fakeConn struct {
	inbox chan transport.Datagram
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	sent []delivery
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan transport.Datagram, 16), done: make(chan struct{})}
}

func (c *fakeConn) Inbox() <-chan transport.Datagram { return c.inbox }
func (c *fakeConn) Done() <-chan struct{}            { return c.done }
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) SendTo(b []byte, to netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, delivery{to: to, data: b})
	return nil
}

func (c *fakeConn) deliveries() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.sent...)
}

var (
	addrA = netip.MustParseAddrPort("198.51.100.1:7000")
	addrB = netip.MustParseAddrPort("203.0.113.2:7000")
)

func relayed(t *testing.T, from, to uint8) []byte {
	t.Helper()
	b, err := protocol.Encode(&protocol.Message{
		Header: protocol.Header{Magic: 0x1234, Sender: from, Relayed: true, RelayTo: to},
		Body:   &protocol.KeepAlive{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestForwardsToRegisteredTarget(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, Options{})

	// B is unknown until it sends something.
	s.handle(transport.Datagram{From: addrA, Data: relayed(t, 0, 1)})
	if len(conn.deliveries()) != 0 || s.Dropped.Load() != 1 {
		t.Fatalf("forwarded before target registered: %v", conn.deliveries())
	}

	toA := relayed(t, 1, 0)
	s.handle(transport.Datagram{From: addrB, Data: toA})
	toB := relayed(t, 0, 1)
	s.handle(transport.Datagram{From: addrA, Data: toB})

	got := conn.deliveries()
	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(got))
	}
	if got[0].to != addrA || !bytes.Equal(got[0].data, toA) {
		t.Errorf("first delivery = %v, want B's datagram unchanged to A", got[0].to)
	}
	if got[1].to != addrB || !bytes.Equal(got[1].data, toB) {
		t.Errorf("second delivery = %v, want A's datagram unchanged to B", got[1].to)
	}
	if s.Forwarded.Load() != 2 {
		t.Errorf("Forwarded = %d, want 2", s.Forwarded.Load())
	}

	routes := s.Routes()
	if routes[0] != addrA || routes[1] != addrB {
		t.Errorf("Routes() = %v", routes)
	}
}

func TestDropsNonRelayTraffic(t *testing.T) {
	direct, err := protocol.Encode(&protocol.Message{
		Header: protocol.Header{Sender: 0},
		Body:   &protocol.KeepAlive{},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("hello")},
		{"direct message", direct},
		{"self loop", relayed(t, 2, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			s := New(conn, Options{})
			s.handle(transport.Datagram{From: addrA, Data: tt.data})
			if s.Dropped.Load() != 1 || len(conn.deliveries()) != 0 {
				t.Errorf("dropped=%d forwarded=%d", s.Dropped.Load(), len(conn.deliveries()))
			}
			if len(s.Routes()) != 0 {
				t.Errorf("registered %v from a rejected datagram", s.Routes())
			}
		})
	}
}

func TestSenderMoves(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, Options{})
	moved := netip.MustParseAddrPort("198.51.100.1:7100")

	s.handle(transport.Datagram{From: addrB, Data: relayed(t, 1, 0)})
	s.handle(transport.Datagram{From: addrA, Data: relayed(t, 0, 1)})
	s.handle(transport.Datagram{From: moved, Data: relayed(t, 0, 1)})
	s.handle(transport.Datagram{From: addrB, Data: relayed(t, 1, 0)})

	got := conn.deliveries()
	if last := got[len(got)-1]; last.to != moved {
		t.Errorf("forwarded to %v after A moved, want %v", last.to, moved)
	}
}

func TestExpireIdle(t *testing.T) {
	now := time.Unix(1000, 0)
	conn := newFakeConn()
	s := New(conn, Options{IdleTimeout: 10 * time.Second, Now: func() time.Time { return now }})

	s.handle(transport.Datagram{From: addrA, Data: relayed(t, 0, 1)})
	now = now.Add(5 * time.Second)
	s.handle(transport.Datagram{From: addrB, Data: relayed(t, 1, 0)})

	now = now.Add(6 * time.Second)
	s.expire()
	routes := s.Routes()
	if _, ok := routes[0]; ok {
		t.Error("idle endpoint 0 survived expiry")
	}
	if _, ok := routes[1]; !ok {
		t.Error("active endpoint 1 expired")
	}
}

func TestServeUntilClose(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, Options{})

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	conn.inbox <- transport.Datagram{From: addrB, Data: relayed(t, 1, 0)}
	conn.inbox <- transport.Datagram{From: addrA, Data: relayed(t, 0, 1)}

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.deliveries()) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := conn.deliveries(); len(got) != 1 || got[0].to != addrB {
		t.Fatalf("deliveries = %v, want one to B", got)
	}

	s.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}
