// Package session drives one rollback session: a UDP transport, one
// endpoint per remote player slot, the shared connect-status table and the
// keyframe table. The caller ticks it once per simulated frame.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/1ureka/netplay/internal/adapter"
	"github.com/1ureka/netplay/internal/config"
	"github.com/1ureka/netplay/internal/endpoint"
	"github.com/1ureka/netplay/internal/input"
	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/transport"
	"github.com/1ureka/netplay/internal/util"
)

var (
	ErrStarted     = errors.New("session: already started")
	ErrNotStarted  = errors.New("session: not started")
	ErrUnknownSlot = errors.New("session: unknown slot")
)

// Peer is one remote player.
type Peer struct {
	Slot uint8

	// Addr is where to reach the peer. Leave it invalid to learn it from
	// the peer's first datagram.
	Addr netip.AddrPort
}

// PeerEvent is an endpoint event tagged with the slot it came from.
type PeerEvent struct {
	Slot uint8
	endpoint.Event
}

func (e PeerEvent) String() string { return fmt.Sprintf("slot %d: %v", e.Slot, e.Event) }

// Conn is the datagram socket a session runs on. *transport.UDP
// implements it.
type Conn interface {
	adapter.Source
	transport.Transmitter
	Close() error
}

// Option customizes a Session.
type Option func(*Session)

// WithConn runs the session on conn instead of binding cfg.LocalPort.
// The session closes conn on Close.
func WithConn(conn Conn) Option { return func(s *Session) { s.conn = conn } }

// WithRecorder reports endpoint measurements to rec.
func WithRecorder(rec endpoint.Recorder) Option { return func(s *Session) { s.rec = rec } }

// WithClock replaces time.Now for every endpoint.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// Session is not safe for concurrent use, except for the keyframe table.
type Session struct {
	cfg          *config.Config
	local        uint8
	peers        []Peer
	verification []byte

	conn Conn
	ad   *adapter.Adapter
	rec  endpoint.Recorder
	now  func() time.Time
	rng  *rand.Rand

	status    protocol.StatusTable
	keyframes *KeyFrameTable
	endpoints map[uint8]*endpoint.Endpoint

	started bool
	events  []PeerEvent
}

// New prepares a session for the player in localSlot. Nothing touches the
// network until Start.
func New(cfg *config.Config, localSlot uint8, peers []Peer, verification []byte, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if int(localSlot) >= protocol.MaxPlayers {
		return nil, fmt.Errorf("%w: local slot %d", ErrUnknownSlot, localSlot)
	}

	seen := map[uint8]bool{localSlot: true}
	for _, p := range peers {
		if int(p.Slot) >= protocol.MaxPlayers || seen[p.Slot] {
			return nil, fmt.Errorf("%w: peer slot %d duplicated or out of range", ErrUnknownSlot, p.Slot)
		}
		seen[p.Slot] = true
	}

	s := &Session{
		cfg:          cfg,
		local:        localSlot,
		peers:        slices.Clone(peers),
		verification: slices.Clone(verification),
		rec:          endpoint.NopRecorder{},
		now:          time.Now,
		status:       protocol.NewStatusTable(),
		endpoints:    make(map[uint8]*endpoint.Endpoint, len(peers)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Seed != 0 {
		s.rng = rand.New(rand.NewPCG(cfg.Seed, uint64(localSlot)))
	} else {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	slots := int(localSlot) + 1
	for _, p := range peers {
		slots = max(slots, int(p.Slot)+1)
	}
	s.keyframes = NewKeyFrameTable(slots)
	return s, nil
}

// Start binds the socket (unless WithConn supplied one), creates one
// endpoint per peer and starts every handshake.
func (s *Session) Start(ctx context.Context) error {
	if s.started {
		return ErrStarted
	}
	if s.conn == nil {
		udp, err := transport.Listen(ctx, s.cfg.LocalPort)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.conn = udp
	}
	s.ad = adapter.New(s.conn, s.local, s.rec)

	for _, p := range s.peers {
		opts := s.cfg.Endpoint()
		opts.PeerID = p.Slot
		opts.LocalID = s.local
		opts.Addr = p.Addr
		opts.Verification = s.verification
		opts.LocalStatus = &s.status
		opts.Transmitter = s.conn
		opts.Recorder = s.rec
		opts.Now = s.now
		opts.Rand = s.rng

		ep := endpoint.New(opts)
		s.endpoints[p.Slot] = ep
		s.ad.Register(ep)
	}

	s.started = true
	util.LogInfo("session: slot %d synchronizing with %d peer(s)", s.local, len(s.peers))
	for _, ep := range s.ad.Endpoints() {
		ep.Synchronize()
	}
	return nil
}

// LocalSlot returns the slot this session plays.
func (s *Session) LocalSlot() uint8 { return s.local }

// Running reports whether every peer that is still connected has finished
// its handshake.
func (s *Session) Running() bool {
	if !s.started {
		return false
	}
	for slot, ep := range s.endpoints {
		if s.status[slot].Disconnected {
			continue
		}
		if !ep.IsRunning() {
			return false
		}
	}
	return true
}

// ConnectStatus returns the session's view of slot.
func (s *Session) ConnectStatus(slot uint8) protocol.ConnectStatus {
	if int(slot) >= protocol.MaxPlayers {
		return protocol.ConnectStatus{Disconnected: true, LastFrame: input.NullFrame}
	}
	return s.status[slot]
}

// KeyFrames returns the shared keyframe table.
func (s *Session) KeyFrames() *KeyFrameTable { return s.keyframes }

// AddLocalInput records the local player's input for frame and sends it to
// every running peer.
func (s *Session) AddLocalInput(frame int64, bits []byte) error {
	if !s.started {
		return ErrNotStarted
	}
	rec, err := input.NewRecord(frame, bits)
	if err != nil {
		return err
	}
	s.status[s.local].LastFrame = frame

	var errs []error
	for _, ep := range s.ad.Endpoints() {
		if !ep.IsRunning() {
			continue
		}
		if err := ep.SendInput(rec); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", ep.PeerID(), err))
		}
	}
	return errors.Join(errs...)
}

// Tick runs one frame of networking: drain the socket, run every endpoint's
// timers and collect their events. The only error is a fatal handshake
// fault; the session should be closed when one is returned.
func (s *Session) Tick(localFrame int64) ([]PeerEvent, error) {
	if !s.started {
		return nil, ErrNotStarted
	}

	err := s.ad.Poll()
	s.ad.OnLoopPoll()

	s.events = s.events[:0]
	for _, ep := range s.ad.Endpoints() {
		if ep.IsRunning() {
			ep.SetLocalFrameNumber(localFrame)
		}
		for {
			ev, ok := ep.PollEvent()
			if !ok {
				break
			}
			s.onEvent(ep, ev)
		}
	}
	s.propagateDisconnects()

	return slices.Clone(s.events), err
}

func (s *Session) onEvent(ep *endpoint.Endpoint, ev endpoint.Event) {
	slot := ep.PeerID()
	switch ev.Kind {
	case endpoint.EventInput:
		// Input still in flight from a dropped slot is discarded.
		if s.status[slot].Disconnected {
			return
		}
		s.status[slot].LastFrame = ev.Input.Frame

	case endpoint.EventDisconnected:
		s.disconnect(slot)

	case endpoint.EventAppData:
		if len(ev.Data) == 0 {
			return
		}
		switch ev.Data[0] {
		case tagUser:
			ev.Data = ev.Data[1:]
		case tagKeyFrame:
			kind, frame, err := decodeKeyFramePost(ev.Data)
			if err != nil {
				util.LogDebug("session: slot %d: %v", slot, err)
				return
			}
			util.LogDebug("session: slot %d posted keyframe %d at frame %d", slot, kind, frame)
			_ = s.keyframes.Post(int(slot), kind, frame)
			return
		default:
			util.LogDebug("session: slot %d: unknown app-data channel %d", slot, ev.Data[0])
			return
		}
	}
	s.events = append(s.events, PeerEvent{Slot: slot, Event: ev})
}

// propagateDisconnects drops any slot a running peer reports as gone.
func (s *Session) propagateDisconnects() {
	for _, ep := range s.ad.Endpoints() {
		if !ep.IsRunning() {
			continue
		}
		for slot := range s.endpoints {
			if s.status[slot].Disconnected {
				continue
			}
			if _, connected := ep.PeerConnectStatus(int(slot)); connected {
				continue
			}
			util.LogWarning("session: slot %d reports slot %d disconnected", ep.PeerID(), slot)
			s.disconnect(slot)
			s.events = append(s.events, PeerEvent{Slot: slot, Event: endpoint.Event{Kind: endpoint.EventDisconnected}})
		}
	}
}

func (s *Session) disconnect(slot uint8) {
	s.status[slot].Disconnected = true
	if ep, ok := s.endpoints[slot]; ok {
		ep.Disconnect()
	}
}

// SendAppData sends an opaque payload to every running peer.
func (s *Session) SendAppData(payload []byte, spectators bool) error {
	if !s.started {
		return ErrNotStarted
	}
	if len(payload)+1 > protocol.MaxAppData {
		return fmt.Errorf("%w: %d bytes", endpoint.ErrPayloadTooLarge, len(payload))
	}
	msg := make([]byte, 0, len(payload)+1)
	msg = append(msg, tagUser)
	msg = append(msg, payload...)
	return s.broadcast(msg, spectators)
}

// PostKeyFrame records that the local slot reached milestone kind on frame
// and tells every running peer.
func (s *Session) PostKeyFrame(kind uint8, frame int64) error {
	if !s.started {
		return ErrNotStarted
	}
	if err := s.keyframes.Post(int(s.local), kind, frame); err != nil {
		return err
	}
	return s.broadcast(encodeKeyFramePost(kind, frame), false)
}

func (s *Session) broadcast(msg []byte, spectators bool) error {
	var errs []error
	for _, ep := range s.ad.Endpoints() {
		if !ep.IsRunning() {
			continue
		}
		if err := ep.SendAppData(msg, spectators); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", ep.PeerID(), err))
		}
	}
	return errors.Join(errs...)
}

// DisconnectPeer drops slot.
func (s *Session) DisconnectPeer(slot uint8) error {
	if _, ok := s.endpoints[slot]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	util.LogInfo("session: disconnecting slot %d", slot)
	s.disconnect(slot)
	return nil
}

// NetworkStats returns the connection quality for slot.
func (s *Session) NetworkStats(slot uint8) (endpoint.NetworkStats, error) {
	ep, ok := s.endpoints[slot]
	if !ok {
		return endpoint.NetworkStats{}, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	return ep.NetworkStats(), nil
}

// RecommendFrameDelay returns the largest stall any running peer
// recommends.
func (s *Session) RecommendFrameDelay() int {
	delay := 0
	for _, ep := range s.endpoints {
		if ep.IsRunning() {
			delay = max(delay, ep.RecommendFrameDelay())
		}
	}
	return delay
}

// Close disconnects every peer and closes the socket. Peers learn of it
// from the final input message each endpoint sends.
func (s *Session) Close() error {
	for slot := range s.endpoints {
		s.disconnect(slot)
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
