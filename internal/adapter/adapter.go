// Package adapter sits between the UDP transport and the per-peer endpoints.
// Each tick it drains the transport, decodes every datagram once, and routes
// it to the endpoint whose peer id matches the header's sender id.
package adapter

import (
	"errors"
	"slices"
	"sync"

	"github.com/1ureka/netplay/internal/endpoint"
	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/transport"
	"github.com/1ureka/netplay/internal/util"
)

// Source yields inbound datagrams without blocking. *transport.UDP
// implements it.
type Source interface {
	Poll(dst []transport.Datagram) []transport.Datagram
}

// Adapter owns the endpoint route table.
type Adapter struct {
	src     Source
	localID uint8
	rec     endpoint.Recorder

	mu     sync.Mutex
	routes map[uint8]*endpoint.Endpoint

	buf []transport.Datagram
}

// New creates an adapter that reads from src. Relayed datagrams addressed
// to any id other than localID are dropped.
func New(src Source, localID uint8, rec endpoint.Recorder) *Adapter {
	if rec == nil {
		rec = endpoint.NopRecorder{}
	}
	return &Adapter{
		src:     src,
		localID: localID,
		rec:     rec,
		routes:  make(map[uint8]*endpoint.Endpoint),
	}
}

// Register adds ep to the route table, replacing any endpoint with the same
// peer id.
func (a *Adapter) Register(ep *endpoint.Endpoint) {
	a.mu.Lock()
	a.routes[ep.PeerID()] = ep
	a.mu.Unlock()
}

// Unregister removes the endpoint serving peer.
func (a *Adapter) Unregister(peer uint8) {
	a.mu.Lock()
	delete(a.routes, peer)
	a.mu.Unlock()
}

// Endpoint returns the endpoint serving peer, if any.
func (a *Adapter) Endpoint(peer uint8) (*endpoint.Endpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ep, ok := a.routes[peer]
	return ep, ok
}

// Endpoints returns every registered endpoint ordered by peer id.
func (a *Adapter) Endpoints() []*endpoint.Endpoint {
	a.mu.Lock()
	out := make([]*endpoint.Endpoint, 0, len(a.routes))
	for _, ep := range a.routes {
		out = append(out, ep)
	}
	a.mu.Unlock()

	slices.SortFunc(out, func(x, y *endpoint.Endpoint) int { return int(x.PeerID()) - int(y.PeerID()) })
	return out
}

// Poll routes every datagram that arrived since the last call. It returns
// the fatal verification errors raised by endpoints, joined; everything
// else that goes wrong with a datagram just drops it.
func (a *Adapter) Poll() error {
	a.buf = a.src.Poll(a.buf[:0])

	var errs []error
	for i := range a.buf {
		if err := a.deliver(a.buf[i]); err != nil {
			errs = append(errs, err)
		}
		a.buf[i] = transport.Datagram{}
	}
	return errors.Join(errs...)
}

func (a *Adapter) deliver(d transport.Datagram) error {
	msg, err := protocol.Decode(d.Data)
	if err != nil {
		util.LogDebug("adapter: dropping %d bytes from %s: %v", len(d.Data), transport.MaskAddr(d.From), err)
		a.dropped("decode")
		return nil
	}

	h := msg.Header
	if h.Relayed && h.RelayTo != a.localID {
		util.LogDebug("adapter: dropping relayed %v for endpoint %d", h.Type, h.RelayTo)
		a.dropped("relay-target")
		return nil
	}

	ep, ok := a.Endpoint(h.Sender)
	if !ok || !ep.HandlesMsg(d.From, h) {
		util.LogDebug("adapter: no endpoint for sender %d (%v from %s)", h.Sender, h.Type, transport.MaskAddr(d.From))
		a.dropped("unroutable")
		return nil
	}
	return ep.OnMsg(msg)
}

func (a *Adapter) dropped(reason string) {
	util.Stats.AddDropped()
	a.rec.Dropped(reason)
}

// OnLoopPoll runs every endpoint's timers.
func (a *Adapter) OnLoopPoll() {
	for _, ep := range a.Endpoints() {
		ep.OnLoopPoll()
	}
}
