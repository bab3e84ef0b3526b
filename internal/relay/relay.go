// Package relay forwards session datagrams between peers that cannot reach
// each other directly. Peers wrap every message in a relay envelope naming
// the endpoint id it is for; the relay learns each sender's address from the
// envelopes it sees and forwards the datagram, unchanged, to the address
// last seen for the target id.
//
// Endpoint ids are only unique within a session, so one relay instance
// (one port) serves one session.
package relay

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/transport"
	"github.com/1ureka/netplay/internal/util"
)

const (
	defaultIdleTimeout = 30 * time.Second
	sweepInterval      = time.Second
)

// Conn is the relay's socket. *transport.UDP implements it.
type Conn interface {
	Inbox() <-chan transport.Datagram
	Done() <-chan struct{}
	SendTo(b []byte, to netip.AddrPort) error
	Close() error
}

// Options configures a Server.
type Options struct {
	// IdleTimeout forgets a peer that has sent nothing for this long.
	IdleTimeout time.Duration
	Now         func() time.Time
	Recorder    Recorder
}

// Recorder receives drop reasons. endpoint.Recorder satisfies it.
type Recorder interface {
	Dropped(reason string)
}

type nopRecorder struct{}

func (nopRecorder) Dropped(string) {}

type route struct {
	addr netip.AddrPort
	seen time.Time
}

// Server is a single-session UDP relay.
type Server struct {
	conn Conn
	opts Options

	mu     sync.Mutex
	routes map[uint8]route

	Forwarded atomic.Int64
	Dropped   atomic.Int64
}

// New creates a relay on conn.
func New(conn Conn, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Server{conn: conn, opts: opts, routes: make(map[uint8]route)}
}

// Listen binds port and creates a relay on it.
func Listen(ctx context.Context, port int, opts Options) (*Server, error) {
	udp, err := transport.Listen(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	return New(udp, opts), nil
}

// Serve forwards datagrams until ctx ends or the socket closes.
func (s *Server) Serve(ctx context.Context) error {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	util.LogInfo("relay: serving")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.conn.Done():
			return nil
		case <-sweep.C:
			s.expire()
		case d := <-s.conn.Inbox():
			s.handle(d)
		}
	}
}

func (s *Server) handle(d transport.Datagram) {
	h, _, err := protocol.DecodeHeader(d.Data)
	if err != nil {
		s.drop("decode", "%v from %s", err, transport.MaskAddr(d.From))
		return
	}
	if !h.Relayed {
		s.drop("not-relayed", "%v from %s", h.Type, transport.MaskAddr(d.From))
		return
	}
	if h.RelayTo == h.Sender {
		s.drop("loop", "endpoint %d relaying to itself", h.Sender)
		return
	}

	now := s.opts.Now()
	s.mu.Lock()
	if prev, ok := s.routes[h.Sender]; !ok || prev.addr != d.From {
		util.LogInfo("relay: endpoint %d is at %s", h.Sender, transport.MaskAddr(d.From))
	}
	s.routes[h.Sender] = route{addr: d.From, seen: now}
	target, ok := s.routes[h.RelayTo]
	s.mu.Unlock()

	if !ok {
		s.drop("unknown-target", "endpoint %d has not registered yet", h.RelayTo)
		return
	}
	if err := s.conn.SendTo(d.Data, target.addr); err != nil {
		s.drop("send", "%v", err)
		return
	}
	s.Forwarded.Add(1)
}

func (s *Server) drop(reason, format string, args ...any) {
	util.LogDebug("relay: dropping: "+format, args...)
	s.Dropped.Add(1)
	util.Stats.AddDropped()
	s.opts.Recorder.Dropped("relay-" + reason)
}

// expire forgets peers idle for longer than IdleTimeout.
func (s *Server) expire() {
	cutoff := s.opts.Now().Add(-s.opts.IdleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.routes {
		if r.seen.Before(cutoff) {
			util.LogInfo("relay: forgetting idle endpoint %d", id)
			delete(s.routes, id)
		}
	}
}

// Routes returns the current endpoint id to address table.
func (s *Server) Routes() map[uint8]netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint8]netip.AddrPort, len(s.routes))
	for id, r := range s.routes {
		out[id] = r.addr
	}
	return out
}

// Close closes the socket, ending Serve.
func (s *Server) Close() error { return s.conn.Close() }
