// Package prober measures round trips to every candidate address of every
// remote peer before a session starts, and picks the best path per peer.
//
// Unlike the session it runs on its own goroutine; results are read through
// the mutex-guarded accessors.
package prober

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/netplay/internal/transport"
	"github.com/1ureka/netplay/internal/util"
)

const (
	pollInterval = 2 * time.Millisecond
	pingInterval = 100 * time.Millisecond

	// pingCutoff stops pinging this long before the deadline so the last
	// pongs still arrive in time.
	pingCutoff = 500 * time.Millisecond

	// maxCandidates is what fits in the candidate index byte.
	maxCandidates = 255
)

// Conn is the socket the prober runs on. *transport.UDP implements it.
type Conn interface {
	Poll(dst []transport.Datagram) []transport.Datagram
	SendTo(b []byte, to netip.AddrPort) error
	Close() error
}

// Candidate is one address a remote peer might be reachable at.
type Candidate struct {
	PeerID uint8
	Addr   netip.AddrPort
	Pings  int
	Pongs  int
	RTT    float64 // running mean, ms
}

// Options configures a probe run.
type Options struct {
	SessionID uint32
	PeerID    uint8 // our own id

	// Port is bound when Conn is nil; the socket is closed when the run
	// ends so the session can take the port over.
	Port int
	Conn Conn

	Duration time.Duration

	// NetworkDelay is subtracted from outgoing timestamps to simulate a
	// slower link.
	NetworkDelay time.Duration

	Now func() time.Time
}

// Prober is the candidate RTT exchange.
type Prober struct {
	opts Options

	running atomic.Bool
	done    chan struct{}
	start   time.Time

	mu         sync.Mutex
	candidates []Candidate
	matrix     RTTMatrix
	users      map[uint8]string
}

// New creates an idle prober.
func New(opts Options) (*Prober, error) {
	if int(opts.PeerID) >= MaxPeers {
		return nil, fmt.Errorf("prober: peer id %d out of range", opts.PeerID)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	done := make(chan struct{})
	close(done)
	return &Prober{opts: opts, done: done, users: make(map[uint8]string)}, nil
}

// AddCandidate registers addr as a possible path to peer.
func (p *Prober) AddCandidate(userID string, peer uint8, addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[peer] = userID
	if p.indexOf(peer, addr) < 0 {
		p.candidates = append(p.candidates, Candidate{PeerID: peer, Addr: addr})
	}
}

func (p *Prober) indexOf(peer uint8, addr netip.AddrPort) int {
	return slices.IndexFunc(p.candidates, func(c Candidate) bool {
		return c.PeerID == peer && c.Addr == addr
	})
}

// Start launches the probe goroutine. It is a no-op while a run is active.
func (p *Prober) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}

	conn, own := p.opts.Conn, false
	if conn == nil {
		udp, err := transport.Listen(ctx, p.opts.Port)
		if err != nil {
			p.running.Store(false)
			return fmt.Errorf("prober: %w", err)
		}
		conn, own = udp, true
	}

	start := p.opts.Now()
	done := make(chan struct{})
	p.mu.Lock()
	p.start = start
	p.done = done
	p.mu.Unlock()

	if p.opts.NetworkDelay > 0 {
		util.LogInfo("prober: simulating %v of network delay", p.opts.NetworkDelay)
	}
	util.LogInfo("prober: started as peer %d for %v", p.opts.PeerID, p.opts.Duration)

	go func() {
		defer close(done)
		defer p.running.Store(false)
		if own {
			defer conn.Close()
		}
		p.run(ctx, conn, start)
		p.logSummary()
	}()
	return nil
}

func (p *Prober) run(ctx context.Context, conn Conn, start time.Time) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var (
		buf      []transport.Datagram
		lastPing time.Time
	)
	for p.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := p.opts.Now()
		elapsed := now.Sub(start)

		buf = conn.Poll(buf[:0])
		for i := range buf {
			p.handle(conn, buf[i])
			buf[i] = transport.Datagram{}
		}

		if elapsed+pingCutoff < p.opts.Duration && now.Sub(lastPing) >= pingInterval {
			p.pingAll(conn)
			lastPing = now
		}

		if elapsed > p.opts.Duration {
			return
		}
	}
}

func (p *Prober) clock() uint64 {
	return uint64(p.opts.Now().UnixMilli())
}

func (p *Prober) pingAll(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := p.clock() - uint64(p.opts.NetworkDelay.Milliseconds())
	for i := range p.candidates[:min(len(p.candidates), maxCandidates)] {
		c := &p.candidates[i]
		pkt := packet{
			Type:      typePing,
			SessionID: p.opts.SessionID,
			From:      p.opts.PeerID,
			To:        c.PeerID,
			Candidate: uint8(i),
			SendTS:    ts,
			Matrix:    p.matrix,
		}
		util.LogDebug("prober: ping peer %d at %s", c.PeerID, transport.MaskAddr(c.Addr))
		if err := conn.SendTo(pkt.marshal(), c.Addr); err != nil {
			util.LogDebug("prober: ping %s: %v", transport.MaskAddr(c.Addr), err)
			continue
		}
		c.Pings++
	}
}

// handle processes one inbound datagram. Anything that is not a probe for
// this session and this peer is ignored.
func (p *Prober) handle(conn Conn, d transport.Datagram) {
	var pkt packet
	if err := pkt.unmarshal(d.Data); err != nil {
		util.LogDebug("prober: %v from %s", err, transport.MaskAddr(d.From))
		return
	}
	switch {
	case pkt.SessionID != p.opts.SessionID:
		util.LogDebug("prober: invalid session id from %s", transport.MaskAddr(d.From))
		return
	case pkt.To != p.opts.PeerID:
		util.LogDebug("prober: invalid destination peer %d", pkt.To)
		return
	case pkt.From == pkt.To || int(pkt.From) >= MaxPeers:
		util.LogDebug("prober: invalid source peer %d", pkt.From)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch pkt.Type {
	case typePing:
		pong := packet{
			Type:      typePong,
			SessionID: p.opts.SessionID,
			From:      p.opts.PeerID,
			To:        pkt.From,
			Candidate: pkt.Candidate,
			SendTS:    p.clock(),
			PingTS:    pkt.SendTS - uint64(p.opts.NetworkDelay.Milliseconds()),
			Matrix:    p.matrix,
		}
		// The ping's source is a path that works; keep it as a candidate.
		if p.indexOf(pkt.From, d.From) < 0 {
			p.candidates = append(p.candidates, Candidate{PeerID: pkt.From, Addr: d.From})
		}
		if err := conn.SendTo(pong.marshal(), d.From); err != nil {
			util.LogDebug("prober: pong %s: %v", transport.MaskAddr(d.From), err)
		}

	case typePong:
		rtt := int64(p.clock()) - int64(pkt.PingTS)
		if rtt <= 0 {
			rtt = 1
		}
		util.LogDebug("prober: pong from peer %d %d ms %s", pkt.From, rtt, transport.MaskAddr(d.From))

		// The pong may come back from another address than the one pinged,
		// so credit the candidate the ping went to.
		if i := int(pkt.Candidate); i < len(p.candidates) && p.candidates[i].PeerID == pkt.From {
			c := &p.candidates[i]
			c.RTT = (float64(c.Pongs)*c.RTT + float64(rtt)) / float64(c.Pongs+1)
			c.Pongs++
			p.matrix[p.opts.PeerID][pkt.From] = uint8(min(255, math.Ceil(c.RTT)))
			p.matrix[pkt.From] = pkt.Matrix[pkt.From]
		}
		if p.indexOf(pkt.From, d.From) < 0 {
			p.candidates = append(p.candidates, Candidate{PeerID: pkt.From, Addr: d.From})
		}
	}
}

// Stop asks the probe goroutine to finish. Use Wait to block until it has.
func (p *Prober) Stop() { p.running.Store(false) }

// Wait blocks until the current run ends.
func (p *Prober) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	<-done
}

// Running reports whether a run is active.
func (p *Prober) Running() bool { return p.running.Load() }

// Elapsed returns the time since the last Start.
func (p *Prober) Elapsed() time.Duration {
	p.mu.Lock()
	start := p.start
	p.mu.Unlock()
	return p.opts.Now().Sub(start)
}

// Reset stops the run and forgets every candidate and measurement.
func (p *Prober) Reset() {
	p.Stop()
	p.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = time.Time{}
	p.matrix = RTTMatrix{}
	p.candidates = nil
	clear(p.users)
}

// AvailableAddress returns the best measured path to peer. Lower RTT wins;
// loopback, private and IPv6 addresses get a small bonus so a local path is
// preferred when round trips are close.
func (p *Prober) AvailableAddress(peer uint8) (netip.AddrPort, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best, bestScore := -1, math.Inf(-1)
	for i, c := range p.candidates {
		if c.PeerID != peer || c.Pongs == 0 || c.RTT <= 0 {
			continue
		}
		if s := score(c); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return netip.AddrPort{}, 0, false
	}
	return p.candidates[best].Addr, p.candidates[best].RTT, true
}

func score(c Candidate) float64 {
	s := 10000 - c.RTT
	if transport.IsLoopback(c.Addr) {
		s += 100
	}
	if transport.IsPrivate(c.Addr) {
		s += 50
	}
	if transport.IsV6(c.Addr) {
		s += 20
	}
	return s
}

// RTTMatrix returns a copy of the pairwise round-trip table.
func (p *Prober) RTTMatrix() RTTMatrix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.matrix
}

// Candidates returns a copy of the candidate table.
func (p *Prober) Candidates() []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.candidates)
}

// DebugUnreachable pretends every path to remote failed.
func (p *Prober) DebugUnreachable(remote uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.candidates {
		if p.candidates[i].PeerID == remote {
			p.candidates[i].Pongs = 0
			p.candidates[i].RTT = 0
		}
	}
	if int(remote) < MaxPeers {
		p.matrix[p.opts.PeerID][remote] = 0
	}
}

func (p *Prober) logSummary() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("prober: finished; rtt matrix\n      0   1   2   3")
	for i, row := range p.matrix {
		fmt.Fprintf(&sb, "\n  %d>%4d%4d%4d%4d", i, row[0], row[1], row[2], row[3])
	}
	util.LogInfo("%s", sb.String())

	for _, c := range p.candidates {
		mark := " "
		if c.Pongs > 0 {
			mark = "x"
		}
		util.LogInfo("prober: [%s] peer %d %s: ping=%d pong=%d rtt=%.2f addr=%s",
			mark, c.PeerID, p.users[c.PeerID], c.Pings, c.Pongs, c.RTT, transport.MaskAddr(c.Addr))
	}
}
