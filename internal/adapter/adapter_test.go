package adapter_test

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/1ureka/netplay/internal/adapter"
	"github.com/1ureka/netplay/internal/endpoint"
	"github.com/1ureka/netplay/internal/input"
	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/transport"
)

// Compile-time interface checks.
var (
	_ adapter.Source        = (*mailbox)(nil)
	_ transport.Transmitter = (*mailbox)(nil)
	_ endpoint.Recorder     = (*dropCounter)(nil)
)

// network is a lossless in-memory datagram switch keyed by address.
type network struct {
	boxes map[netip.AddrPort]*mailbox
}

func newNetwork() *network {
	return &network{boxes: make(map[netip.AddrPort]*mailbox)}
}

func (n *network) attach(addr string) *mailbox {
	m := &mailbox{addr: netip.MustParseAddrPort(addr), net: n}
	n.boxes[m.addr] = m
	return m
}

// mailbox is one host on the network: a Transmitter for its endpoints and a
// Source for its adapter.
type mailbox struct {
	addr netip.AddrPort
	net  *network
	in   []transport.Datagram
}

func (m *mailbox) SendTo(b []byte, to netip.AddrPort) error {
	if dst, ok := m.net.boxes[to]; ok {
		dst.in = append(dst.in, transport.Datagram{From: m.addr, Data: append([]byte(nil), b...)})
	}
	return nil
}

func (m *mailbox) Poll(dst []transport.Datagram) []transport.Datagram {
	dst = append(dst, m.in...)
	m.in = nil
	return dst
}

type dropCounter struct {
	mu      sync.Mutex
	reasons map[string]int
}

func (d *dropCounter) Sent(uint8, int)                      {}
func (d *dropCounter) Network(uint8, endpoint.NetworkStats) {}
func (d *dropCounter) Dropped(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reasons == nil {
		d.reasons = make(map[string]int)
	}
	d.reasons[reason]++
}

func (d *dropCounter) count(reason string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reasons[reason]
}

type host struct {
	id  uint8
	box *mailbox
	ad  *adapter.Adapter
	rec *dropCounter
}

func newHost(n *network, id uint8, addr string) *host {
	h := &host{id: id, box: n.attach(addr), rec: &dropCounter{}}
	h.ad = adapter.New(h.box, id, h.rec)
	return h
}

func (h *host) connect(peer uint8, addr netip.AddrPort, verification []byte) *endpoint.Endpoint {
	ep := endpoint.New(endpoint.Options{
		PeerID:       peer,
		LocalID:      h.id,
		Addr:         addr,
		Verification: verification,
		Transmitter:  h.box,
	})
	h.ad.Register(ep)
	ep.Synchronize()
	return ep
}

func tick(t *testing.T, hosts ...*host) {
	t.Helper()
	for _, h := range hosts {
		if err := h.ad.Poll(); err != nil {
			t.Fatalf("host %d Poll: %v", h.id, err)
		}
		h.ad.OnLoopPoll()
	}
}

// TestRoutesBySenderID runs a star of three hosts: A talks to B and C, and
// each datagram must reach the endpoint serving its sender.
func TestRoutesBySenderID(t *testing.T) {
	n := newNetwork()
	a := newHost(n, 0, "10.0.0.1:7000")
	b := newHost(n, 1, "10.0.0.2:7000")
	c := newHost(n, 2, "10.0.0.3:7000")

	ab := a.connect(1, b.box.addr, nil)
	ac := a.connect(2, c.box.addr, nil)
	ba := b.connect(0, netip.AddrPort{}, nil)
	ca := c.connect(0, netip.AddrPort{}, nil)

	for i := 0; i < 30; i++ {
		tick(t, a, b, c)
	}
	for name, ep := range map[string]*endpoint.Endpoint{"A->B": ab, "A->C": ac, "B->A": ba, "C->A": ca} {
		if !ep.IsRunning() {
			t.Fatalf("%s state = %v, want running", name, ep.State())
		}
	}
	if ba.Addr() != a.box.addr || ca.Addr() != a.box.addr {
		t.Errorf("learned addresses %v, %v, want %v", ba.Addr(), ca.Addr(), a.box.addr)
	}

	for _, ep := range []*endpoint.Endpoint{ab, ac, ba, ca} {
		for {
			if _, ok := ep.PollEvent(); !ok {
				break
			}
		}
	}

	rec, _ := input.NewRecord(0, []byte{0x21})
	if err := ba.SendInput(rec); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	tick(t, a)

	ev, ok := ab.PollEvent()
	if !ok || ev.Kind != endpoint.EventInput || !ev.Input.Equal(rec) {
		t.Fatalf("A->B event = %v, %v, want input %v", ev, ok, rec)
	}
	if ev, ok := ac.PollEvent(); ok {
		t.Errorf("A->C received %v meant for A->B", ev)
	}
}

func TestPollDropsUnroutable(t *testing.T) {
	n := newNetwork()
	a := newHost(n, 0, "10.0.0.1:7000")
	stranger := n.attach("10.0.0.66:7000")
	a.connect(1, netip.MustParseAddrPort("10.0.0.2:7000"), nil)

	send := func(h protocol.Header, body protocol.Body) {
		data, err := protocol.Encode(&protocol.Message{Header: h, Body: body})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stranger.SendTo(data, a.box.addr)
	}

	stranger.SendTo([]byte("definitely not a netplay datagram"), a.box.addr)
	send(protocol.Header{Sender: 9}, &protocol.SyncRequest{Nonce: 1})
	send(protocol.Header{Sender: 1, Relayed: true, RelayTo: 3}, &protocol.KeepAlive{})

	if err := a.ad.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	for reason, want := range map[string]int{"decode": 1, "unroutable": 1, "relay-target": 1} {
		if got := a.rec.count(reason); got != want {
			t.Errorf("dropped[%s] = %d, want %d", reason, got, want)
		}
	}
}

func TestPollSurfacesVerificationFault(t *testing.T) {
	n := newNetwork()
	a := newHost(n, 0, "10.0.0.1:7000")
	b := newHost(n, 1, "10.0.0.2:7000")

	a.connect(1, b.box.addr, []byte("rev-a"))
	b.connect(0, netip.AddrPort{}, []byte("rev-b"))

	err := b.ad.Poll()
	if !errors.Is(err, endpoint.ErrVerification) {
		t.Fatalf("B Poll err = %v, want ErrVerification", err)
	}

	err = a.ad.Poll()
	var verr *endpoint.VerificationError
	if !errors.As(err, &verr) || !verr.Remote || verr.Peer != 1 {
		t.Fatalf("A Poll err = %v, want peer-reported fault from 1", err)
	}
}

func TestEndpointsSortedAndUnregister(t *testing.T) {
	n := newNetwork()
	a := newHost(n, 0, "10.0.0.1:7000")
	for _, id := range []uint8{3, 1, 2} {
		a.ad.Register(endpoint.New(endpoint.Options{PeerID: id, Transmitter: a.box}))
	}

	eps := a.ad.Endpoints()
	for i, ep := range eps {
		if ep.PeerID() != uint8(i+1) {
			t.Fatalf("Endpoints()[%d] = peer %d, want %d", i, ep.PeerID(), i+1)
		}
	}

	a.ad.Unregister(2)
	if _, ok := a.ad.Endpoint(2); ok {
		t.Error("peer 2 still routed after Unregister")
	}
	if len(a.ad.Endpoints()) != 2 {
		t.Errorf("len(Endpoints) = %d, want 2", len(a.ad.Endpoints()))
	}
}
