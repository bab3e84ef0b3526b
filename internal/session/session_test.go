package session

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/1ureka/netplay/internal/config"
	"github.com/1ureka/netplay/internal/endpoint"
	"github.com/1ureka/netplay/internal/input"
	"github.com/1ureka/netplay/internal/transport"
)

var _ Conn = (*mailbox)(nil)

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

type mailbox struct {
	addr   netip.AddrPort
	net    *network
	in     []transport.Datagram
	closed bool
}

func (m *mailbox) SendTo(b []byte, to netip.AddrPort) error {
	if m.closed {
		return transport.ErrNoSocket
	}
	if dst, ok := m.net.boxes[to]; ok && !dst.closed {
		dst.in = append(dst.in, transport.Datagram{From: m.addr, Data: append([]byte(nil), b...)})
	}
	return nil
}

func (m *mailbox) Poll(dst []transport.Datagram) []transport.Datagram {
	dst = append(dst, m.in...)
	m.in = nil
	return dst
}

func (m *mailbox) Close() error {
	m.closed = true
	return nil
}

type pair struct {
	a, b       *Session
	boxA, boxB *mailbox
	frame      int64
}

func newPair(t *testing.T, verA, verB []byte) *pair {
	t.Helper()
	n := newNetwork()
	p := &pair{boxA: n.attach("10.0.0.1:7000"), boxB: n.attach("10.0.0.2:7000")}

	var err error
	p.a, err = New(config.Default(), 0, []Peer{{Slot: 1, Addr: p.boxB.addr}}, verA, WithConn(p.boxA))
	if err != nil {
		t.Fatalf("New(A): %v", err)
	}
	p.b, err = New(config.Default(), 1, []Peer{{Slot: 0}}, verB, WithConn(p.boxB))
	if err != nil {
		t.Fatalf("New(B): %v", err)
	}
	for _, s := range []*Session{p.a, p.b} {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	return p
}

// tick advances both sessions one frame and returns their events.
func (p *pair) tick(t *testing.T) (evA, evB []PeerEvent) {
	t.Helper()
	var err error
	if evA, err = p.a.Tick(p.frame); err != nil {
		t.Fatalf("A Tick: %v", err)
	}
	if evB, err = p.b.Tick(p.frame); err != nil {
		t.Fatalf("B Tick: %v", err)
	}
	p.frame++
	return evA, evB
}

func (p *pair) sync(t *testing.T) {
	t.Helper()
	for i := 0; i < 30 && !(p.a.Running() && p.b.Running()); i++ {
		p.tick(t)
	}
	if !p.a.Running() || !p.b.Running() {
		t.Fatal("sessions never synchronized")
	}
}

func filter(evs []PeerEvent, kind endpoint.EventKind) []PeerEvent {
	var out []PeerEvent
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestNewRejectsBadSlots(t *testing.T) {
	tests := []struct {
		name  string
		local uint8
		peers []Peer
	}{
		{"local out of range", 4, nil},
		{"peer equals local", 0, []Peer{{Slot: 0}}},
		{"duplicate peer", 0, []Peer{{Slot: 1}, {Slot: 1}}},
		{"peer out of range", 0, []Peer{{Slot: 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil, tt.local, tt.peers, nil)
			if !errors.Is(err, ErrUnknownSlot) {
				t.Fatalf("New err = %v, want ErrUnknownSlot", err)
			}
		})
	}
}

func TestTickBeforeStart(t *testing.T) {
	s, err := New(nil, 0, []Peer{{Slot: 1}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Tick(0); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Tick err = %v, want ErrNotStarted", err)
	}
	if err := s.AddLocalInput(0, []byte{1}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("AddLocalInput err = %v, want ErrNotStarted", err)
	}
}

func TestSynchronizeEmitsLifecycle(t *testing.T) {
	p := newPair(t, []byte("v1"), []byte("v1"))

	var all []PeerEvent
	for i := 0; i < 30; i++ {
		_, evB := p.tick(t)
		all = append(all, evB...)
	}

	if got := filter(all, endpoint.EventConnected); len(got) != 1 || got[0].Slot != 0 {
		t.Errorf("connected events = %v, want one from slot 0", got)
	}
	if got := filter(all, endpoint.EventSynchronizing); len(got) != 4 {
		t.Errorf("synchronizing events = %d, want 4", len(got))
	}
	if got := filter(all, endpoint.EventSynchronized); len(got) != 1 {
		t.Errorf("synchronized events = %v, want 1", got)
	}
	if !p.b.Running() {
		t.Error("B not running")
	}
}

func TestInputUpdatesConnectStatus(t *testing.T) {
	p := newPair(t, nil, nil)
	p.sync(t)

	for f := int64(0); f < 3; f++ {
		if err := p.a.AddLocalInput(f, []byte{byte(0x10 + f)}); err != nil {
			t.Fatalf("AddLocalInput(%d): %v", f, err)
		}
	}
	if got := p.a.ConnectStatus(0).LastFrame; got != 2 {
		t.Errorf("A local LastFrame = %d, want 2", got)
	}

	_, evB := p.tick(t)
	inputs := filter(evB, endpoint.EventInput)
	if len(inputs) != 3 {
		t.Fatalf("B got %d input events, want 3: %v", len(inputs), evB)
	}
	for i, ev := range inputs {
		if ev.Slot != 0 || ev.Input.Frame != int64(i) {
			t.Errorf("input[%d] = %v, want slot 0 frame %d", i, ev, i)
		}
		if want := []byte{byte(0x10 + i)}; !bytes.Equal(ev.Input.Payload(), want) {
			t.Errorf("input[%d] payload = %x, want %x", i, ev.Input.Payload(), want)
		}
	}
	if got := p.b.ConnectStatus(0).LastFrame; got != 2 {
		t.Errorf("B view of slot 0 LastFrame = %d, want 2", got)
	}
}

func TestAppDataStripsChannelTag(t *testing.T) {
	p := newPair(t, nil, nil)
	p.sync(t)

	if err := p.a.SendAppData([]byte("chat: gg"), true); err != nil {
		t.Fatalf("SendAppData: %v", err)
	}
	_, evB := p.tick(t)
	got := filter(evB, endpoint.EventAppData)
	if len(got) != 1 {
		t.Fatalf("app data events = %v, want 1", got)
	}
	if string(got[0].Data) != "chat: gg" || !got[0].Spectators {
		t.Errorf("app data = %q spectators=%v", got[0].Data, got[0].Spectators)
	}

	big := make([]byte, 1024)
	if err := p.a.SendAppData(big, false); !errors.Is(err, endpoint.ErrPayloadTooLarge) {
		t.Errorf("oversize SendAppData err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestKeyFramesAlignAcrossPeers(t *testing.T) {
	p := newPair(t, nil, nil)
	p.sync(t)

	const loadEnd = 2
	if err := p.a.PostKeyFrame(loadEnd, 100); err != nil {
		t.Fatal(err)
	}
	if err := p.b.PostKeyFrame(loadEnd, 105); err != nil {
		t.Fatal(err)
	}
	evA, evB := p.tick(t)
	if len(filter(evA, endpoint.EventAppData))+len(filter(evB, endpoint.EventAppData)) != 0 {
		t.Error("keyframe posts surfaced as app data")
	}

	for name, s := range map[string]*Session{"A": p.a, "B": p.b} {
		if _, ok := s.KeyFrames().Ready(105 + KeyFrameDelay - 1); ok {
			t.Errorf("%s: ready a frame early", name)
		}
		kind, ok := s.KeyFrames().Ready(105 + KeyFrameDelay)
		if !ok || kind != loadEnd {
			kinds, frames := s.KeyFrames().Snapshot()
			t.Errorf("%s: Ready = %d, %v; table %v %v", name, kind, ok, kinds, frames)
		}
	}
}

func TestDisconnectPeerNotifiesRemote(t *testing.T) {
	p := newPair(t, nil, nil)
	p.sync(t)

	if err := p.a.DisconnectPeer(1); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}
	if !p.a.ConnectStatus(1).Disconnected {
		t.Error("A still considers slot 1 connected")
	}
	if err := p.a.DisconnectPeer(3); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("DisconnectPeer(3) err = %v, want ErrUnknownSlot", err)
	}

	_, evB := p.tick(t)
	if got := filter(evB, endpoint.EventDisconnected); len(got) != 1 || got[0].Slot != 0 {
		t.Fatalf("B disconnect events = %v, want one for slot 0", got)
	}
	if !p.b.ConnectStatus(0).Disconnected {
		t.Error("B still considers slot 0 connected")
	}
}

func TestInputAfterDisconnectPeerIsDiscarded(t *testing.T) {
	p := newPair(t, nil, nil)
	p.sync(t)

	for f := int64(0); f < 3; f++ {
		if err := p.b.AddLocalInput(f, []byte{byte(f)}); err != nil {
			t.Fatalf("AddLocalInput(%d): %v", f, err)
		}
	}
	if err := p.a.DisconnectPeer(1); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}

	evA, err := p.a.Tick(p.frame)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := filter(evA, endpoint.EventInput); len(got) != 0 {
		t.Errorf("A surfaced %d input events from a disconnected slot: %v", len(got), got)
	}
	if got := p.a.ConnectStatus(1).LastFrame; got != input.NullFrame {
		t.Errorf("A view of slot 1 LastFrame = %d, want %d", got, input.NullFrame)
	}
}

func TestVerificationFaultFromTick(t *testing.T) {
	p := newPair(t, []byte("build-1"), []byte("build-2"))

	var errB error
	for i := 0; i < 5 && errB == nil; i++ {
		p.a.Tick(p.frame)
		_, errB = p.b.Tick(p.frame)
	}
	if !errors.Is(errB, endpoint.ErrVerification) {
		t.Fatalf("B Tick err = %v, want ErrVerification", errB)
	}

	_, errA := p.a.Tick(p.frame)
	var verr *endpoint.VerificationError
	if !errors.As(errA, &verr) || !verr.Remote {
		t.Fatalf("A Tick err = %v, want peer-reported verification fault", errA)
	}
}

func TestCloseSendsFinalInput(t *testing.T) {
	p := newPair(t, nil, nil)
	p.sync(t)

	if err := p.a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.boxA.closed {
		t.Error("Close left the conn open")
	}
	evB, err := p.b.Tick(p.frame)
	if err != nil {
		t.Fatal(err)
	}
	if len(filter(evB, endpoint.EventDisconnected)) != 1 {
		t.Errorf("B events after A closed = %v, want a disconnect", evB)
	}
}

func TestKeyFrameTable(t *testing.T) {
	kt := NewKeyFrameTable(2)
	if kt.Pending() {
		t.Fatal("fresh table pending")
	}
	if err := kt.Post(2, 1, 0); err == nil {
		t.Error("Post accepted slot 2 in a 2-slot table")
	}

	kt.Post(0, 1, 10)
	if _, ok := kt.Ready(10 + KeyFrameDelay); ok {
		t.Error("ready before every slot posted")
	}
	kt.Post(1, 2, 12)
	if _, ok := kt.Ready(12 + KeyFrameDelay); ok {
		t.Error("ready with disagreeing kinds")
	}
	kt.Post(1, 1, 12)
	if kind, ok := kt.Ready(12 + KeyFrameDelay); !ok || kind != 1 {
		t.Errorf("Ready = %d, %v, want 1, true", kind, ok)
	}

	kt.Reset()
	if kt.Pending() {
		t.Error("pending after Reset")
	}
}

func TestKeyFramePostCodec(t *testing.T) {
	kind, frame, err := decodeKeyFramePost(encodeKeyFramePost(7, -3))
	if err != nil || kind != 7 || frame != -3 {
		t.Fatalf("decode = %d, %d, %v", kind, frame, err)
	}
	if _, _, err := decodeKeyFramePost([]byte{tagKeyFrame, 1}); err == nil {
		t.Error("short post accepted")
	}
}
