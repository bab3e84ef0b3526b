package transport

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/netplay/internal/util"
)

// Transmitter is the final hop for every outbound datagram. *UDP implements
// it; tests link two endpoints with an in-memory one.
type Transmitter interface {
	SendTo(b []byte, to netip.AddrPort) error
}

// PacerOptions configures artificial network conditions. The zero value
// sends everything immediately and in order.
type PacerOptions struct {
	// Latency delays each datagram by a jittered amount between 2/3 and
	// 1x of this value.
	Latency time.Duration

	// OOPPercent is the chance, per datagram, of pulling it aside into the
	// single rogue slot so it arrives after later datagrams.
	OOPPercent int

	// Rand drives jitter and reordering. Defaults to a randomly seeded PCG.
	Rand *rand.Rand

	// Now defaults to time.Now.
	Now func() time.Time

	// Name prefixes log lines.
	Name string
}

type queued struct {
	at  time.Time
	to  netip.AddrPort
	buf []byte
}

// Pacer is a FIFO send queue with an optional single-slot reorder. It owns
// every buffer handed to Enqueue until the buffer is transmitted or the
// queue is cleared.
//
// Enqueue and Pump may be called from several places within one tick, so
// the queue and the rogue slot sit behind one mutex.
type Pacer struct {
	tx Transmitter

	latencyMS int
	oop       int
	rng       *rand.Rand
	now       func() time.Time
	name      string

	mu      sync.Mutex
	queue   []queued
	rogue   *queued
	rogueAt time.Time
}

// NewPacer creates a pacer that transmits through tx.
func NewPacer(tx Transmitter, opts PacerOptions) *Pacer {
	p := &Pacer{
		tx:        tx,
		latencyMS: int(opts.Latency / time.Millisecond),
		oop:       opts.OOPPercent,
		rng:       opts.Rand,
		now:       opts.Now,
		name:      opts.Name,
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Enqueue appends buf for delivery to to and pumps the queue.
func (p *Pacer) Enqueue(to netip.AddrPort, buf []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, queued{at: p.now(), to: to, buf: buf})
	p.mu.Unlock()

	p.Pump()
}

// Pump transmits every datagram whose simulated arrival time has come, then
// releases the rogue datagram if its own delay has elapsed.
func (p *Pacer) Pump() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	sent := 0
	for _, e := range p.queue {
		if p.latencyMS > 0 {
			jitter := p.latencyMS*2/3 + p.rng.IntN(p.latencyMS)/3
			if now.Before(e.at.Add(time.Duration(jitter) * time.Millisecond)) {
				break
			}
		}

		if p.oop > 0 && p.rogue == nil && p.rng.IntN(100) < p.oop {
			delay := p.rng.IntN(p.latencyMS*10 + 1000)
			util.LogDebug("%screating rogue oop (delay: %d ms)", p.name, delay)
			held := e
			p.rogue = &held
			p.rogueAt = now.Add(time.Duration(delay) * time.Millisecond)
		} else {
			p.transmit(e)
		}
		sent++
	}
	n := copy(p.queue, p.queue[sent:])
	clear(p.queue[n:])
	p.queue = p.queue[:n]

	if p.rogue != nil && now.After(p.rogueAt) {
		util.LogDebug("%ssending rogue oop", p.name)
		p.transmit(*p.rogue)
		p.rogue = nil
	}
}

func (p *Pacer) transmit(e queued) {
	if err := p.tx.SendTo(e.buf, e.to); err != nil {
		util.LogDebug("%s%v", p.name, err)
	}
}

// Len returns the number of datagrams waiting, including a held rogue.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if p.rogue != nil {
		n++
	}
	return n
}

// Clear drops everything still queued, including a held rogue datagram.
func (p *Pacer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.rogue = nil
}
