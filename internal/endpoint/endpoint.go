// Package endpoint implements the per-peer protocol state machine: the sync
// handshake, input exchange and acknowledgment, quality reports, keep-alives
// and disconnect detection.
//
// An Endpoint is driven from a single tick loop and is not safe for
// concurrent use. The only concurrency it tolerates is inside the pacer.
package endpoint

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/1ureka/netplay/internal/input"
	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/transport"
	"github.com/1ureka/netplay/internal/util"
)

// UDPHeaderSize is the IP + UDP overhead added to every datagram when
// estimating bandwidth.
const UDPHeaderSize = 28

// Endpoint is one logical connection to one remote peer.
type Endpoint struct {
	peerID       uint8
	localID      uint8
	addr         netip.AddrPort
	relayAddr    netip.AddrPort
	verification []byte
	timing       Timing
	frameRate    int
	maxPending   int

	tx    transport.Transmitter
	pacer *transport.Pacer
	rec   Recorder
	now   func() time.Time
	rng   *rand.Rand
	epoch time.Time
	log   string

	seq    *protocol.SeqGen
	window protocol.SeqWindow

	magic       uint16
	remoteMagic uint16

	state     State
	connected bool
	detached  bool

	// Syncing
	roundtripsRemaining int
	syncNonce           uint16

	// Running
	lastInputRecv     time.Time
	lastQualityReport time.Time
	lastNetworkStats  time.Time
	lastSendTime      time.Time
	lastRecvTime      time.Time

	disconnectNotifySent bool
	disconnectEventSent  bool
	shutdownAt           time.Time

	// Stats
	packetsSent int
	bytesSent   int
	kbpsSent    int
	statsStart  time.Time
	rttMS       int
	haveRTT     bool // rttMS holds at least one sample

	localAdvantage  int
	remoteAdvantage int
	timesync        timeSync

	localStatus *protocol.StatusTable
	peerStatus  protocol.StatusTable

	pending      []input.Record
	lastReceived input.Record
	lastSent     input.Record
	lastAcked    input.Record

	events []Event
}

// New creates an idle endpoint. Call Synchronize to start the handshake.
func New(opts Options) *Endpoint {
	opts.setDefaults()

	e := &Endpoint{
		peerID:       opts.PeerID,
		localID:      opts.LocalID,
		addr:         opts.Addr,
		relayAddr:    opts.RelayAddr,
		verification: opts.Verification,
		timing:       opts.Timing,
		frameRate:    opts.FrameRate,
		maxPending:   opts.MaxPendingOutput,
		tx:           opts.Transmitter,
		rec:          opts.Recorder,
		now:          opts.Now,
		rng:          opts.Rand,
		log:          fmt.Sprintf("[peer %d] ", opts.PeerID),
		seq:          protocol.NewSeqGen(),
		localStatus:  opts.LocalStatus,
		peerStatus:   protocol.NewStatusTable(),
		lastReceived: input.Empty(0),
		lastSent:     input.Empty(0),
		lastAcked:    input.Empty(0),
	}
	e.epoch = e.now()

	for e.magic == 0 {
		e.magic = uint16(e.rng.Uint32())
	}

	e.pacer = transport.NewPacer(e.tx, transport.PacerOptions{
		Latency:    opts.Latency,
		OOPPercent: opts.OOPPercent,
		Rand:       e.rng,
		Now:        e.now,
		Name:       e.log,
	})
	return e
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// PeerID returns the remote endpoint id this instance serves.
func (e *Endpoint) PeerID() uint8 { return e.peerID }

// Addr returns the peer address, which may have been learned.
func (e *Endpoint) Addr() netip.AddrPort { return e.addr }

// State returns the current connection state.
func (e *Endpoint) State() State { return e.state }

// IsRunning reports whether the handshake completed and the endpoint has not
// been disconnected.
func (e *Endpoint) IsRunning() bool { return e.state == StateRunning }

// Detached reports whether the shutdown grace period has elapsed.
func (e *Endpoint) Detached() bool { return e.detached }

// Magic returns this endpoint's session magic.
func (e *Endpoint) Magic() uint16 { return e.magic }

// PendingOutput returns the number of frames awaiting acknowledgment.
func (e *Endpoint) PendingOutput() int { return len(e.pending) }

// PendingFront returns the oldest unacknowledged frame, or NullFrame.
func (e *Endpoint) PendingFront() int64 {
	if len(e.pending) == 0 {
		return input.NullFrame
	}
	return e.pending[0].Frame
}

// PeerConnectStatus returns the peer's view of slot: the last frame it has
// and whether it still considers that slot connected.
func (e *Endpoint) PeerConnectStatus(slot int) (lastFrame int64, connected bool) {
	if slot < 0 || slot >= protocol.MaxPlayers {
		return input.NullFrame, false
	}
	s := e.peerStatus[slot]
	return s.LastFrame, !s.Disconnected
}

// PollEvent pops the oldest queued event.
func (e *Endpoint) PollEvent() (Event, bool) {
	if len(e.events) == 0 {
		return Event{}, false
	}
	ev := e.events[0]
	e.events[0] = Event{}
	e.events = e.events[1:]
	return ev, true
}

func (e *Endpoint) queueEvent(ev Event) {
	if ev.Kind != EventInput {
		util.LogDebug("%squeuing event %v", e.log, ev)
	}
	e.events = append(e.events, ev)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Synchronize enters Syncing and, if the peer address is known, sends the
// first sync request.
func (e *Endpoint) Synchronize() {
	if e.detached {
		return
	}
	e.state = StateSyncing
	e.roundtripsRemaining = e.timing.SyncPackets
	if e.destination().IsValid() {
		e.sendSyncRequest()
	}
}

// Disconnect enters Disconnected, tells the peer with a final input
// message, and starts the shutdown grace period. Repeated calls are no-ops.
func (e *Endpoint) Disconnect() {
	if e.state == StateDisconnected || e.detached {
		return
	}
	e.state = StateDisconnected
	e.shutdownAt = e.now().Add(e.timing.Shutdown)
	e.sendPendingOutput()
	util.LogInfo("%sdisconnecting", e.log)
}

// HandlesMsg reports whether a datagram from `from` with header h belongs
// to this endpoint. The first match teaches the endpoint its peer address.
func (e *Endpoint) HandlesMsg(from netip.AddrPort, h protocol.Header) bool {
	if e.detached || h.Sender != e.peerID {
		return false
	}
	if !e.addr.IsValid() && from.IsValid() {
		e.addr = from
		util.LogInfo("%slearned peer address %s", e.log, transport.MaskAddr(from))
	}
	return true
}

// OnLoopPoll runs the timers. Call it once per tick.
func (e *Endpoint) OnLoopPoll() {
	if e.detached {
		return
	}

	now := e.now()
	e.pacer.Pump()

	switch e.state {
	case StateSyncing:
		interval := e.timing.SyncRetry
		if e.roundtripsRemaining == e.timing.SyncPackets {
			interval = e.timing.SyncFirstRetry
		}
		if !e.lastSendTime.IsZero() && now.Sub(e.lastSendTime) > interval && e.destination().IsValid() {
			util.LogDebug("%sno luck syncing after %v, re-queueing sync packet", e.log, interval)
			e.sendSyncRequest()
		}

	case StateRunning:
		if e.lastInputRecv.IsZero() || now.Sub(e.lastInputRecv) > e.timing.RunningRetry {
			util.LogDebug("%shaven't exchanged packets in a while (last received: %d, last sent: %d), resending",
				e.log, e.lastReceived.Frame, e.lastSent.Frame)
			e.sendPendingOutput()
			e.lastInputRecv = now
		}

		if e.lastQualityReport.IsZero() || now.Sub(e.lastQualityReport) > e.timing.QualityReport {
			e.send(&protocol.QualityReport{Ping: e.clockMS(), FrameAdvantage: clampInt8(e.localAdvantage)})
			e.lastQualityReport = now
		}

		if e.lastNetworkStats.IsZero() || now.Sub(e.lastNetworkStats) > e.timing.NetworkStats {
			e.updateNetworkStats(now)
			e.lastNetworkStats = now
		}

		if !e.lastSendTime.IsZero() && now.Sub(e.lastSendTime) > e.timing.KeepAlive {
			util.LogDebug("%ssending keep alive packet", e.log)
			e.send(&protocol.KeepAlive{})
		}

		silent := now.Sub(e.lastRecvTime)
		if e.timing.DisconnectTimeout > 0 && e.timing.DisconnectNotify > 0 &&
			!e.disconnectNotifySent && silent > e.timing.DisconnectNotify {
			util.LogWarning("%sendpoint has stopped receiving packets for %v, sending notification", e.log, e.timing.DisconnectNotify)
			e.queueEvent(Event{
				Kind:              EventNetworkInterrupted,
				DisconnectTimeout: e.timing.DisconnectTimeout - e.timing.DisconnectNotify,
			})
			e.disconnectNotifySent = true
		}

		if e.timing.DisconnectTimeout > 0 && silent > e.timing.DisconnectTimeout && !e.disconnectEventSent {
			util.LogWarning("%sendpoint has stopped receiving packets for %v, disconnecting", e.log, e.timing.DisconnectTimeout)
			e.queueEvent(Event{Kind: EventDisconnected})
			e.disconnectEventSent = true
		}

	case StateDisconnected:
		if now.After(e.shutdownAt) {
			util.LogInfo("%sshutting down udp connection", e.log)
			e.pacer.Clear()
			e.detached = true
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// SendInput queues rec for the peer and sends every unacknowledged frame.
// Records must be contiguous. Calls outside Running return ErrNotRunning.
//
// When the peer stops acknowledging and the pending queue would exceed
// MaxPendingOutput, the record is refused with ErrPendingFull and a
// Disconnected event is raised.
func (e *Endpoint) SendInput(rec input.Record) error {
	if e.detached {
		return ErrDetached
	}
	if e.state != StateRunning {
		return ErrNotRunning
	}

	if len(e.pending) >= e.maxPending {
		if !e.disconnectEventSent {
			util.LogWarning("%speer has not acknowledged %d frames, disconnecting", e.log, len(e.pending))
			e.queueEvent(Event{Kind: EventDisconnected})
			e.disconnectEventSent = true
		}
		return fmt.Errorf("%w: frame %d", ErrPendingFull, rec.Frame)
	}

	prev := e.lastAcked.Frame
	if n := len(e.pending); n > 0 {
		prev = e.pending[n-1].Frame
	}
	if prev != input.NullFrame && rec.Frame != prev+1 {
		return fmt.Errorf("%w: frame %d after %d", input.ErrNotContiguous, rec.Frame, prev)
	}

	e.timesync.advanceFrame(rec.Frame, e.localAdvantage, e.remoteAdvantage)

	e.pending = append(e.pending, rec)
	e.sendPendingOutput()
	return nil
}

// SendInputAck acknowledges everything received so far without carrying
// input of our own.
func (e *Endpoint) SendInputAck() {
	e.send(&protocol.InputAck{AckFrame: e.lastReceived.Frame})
}

// SendAppData forwards an opaque payload to the peer.
func (e *Endpoint) SendAppData(data []byte, spectators bool) error {
	if e.detached {
		return ErrDetached
	}
	if e.state != StateRunning {
		return ErrNotRunning
	}
	if len(data) > protocol.MaxAppData {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(data), protocol.MaxAppData)
	}
	e.send(&protocol.AppData{Spectators: spectators, Data: append([]byte(nil), data...)})
	return nil
}

// SendUnmanaged transmits buf to the peer as is, bypassing the pacer and
// the header stamping.
func (e *Endpoint) SendUnmanaged(buf []byte) error {
	if e.detached {
		return ErrDetached
	}
	dest := e.destination()
	if !dest.IsValid() {
		return fmt.Errorf("%speer address unknown", e.log)
	}
	return e.tx.SendTo(buf, dest)
}

func (e *Endpoint) sendSyncRequest() {
	e.syncNonce = uint16(e.rng.Uint32())
	e.send(&protocol.SyncRequest{Nonce: e.syncNonce, Verification: e.verification})
}

// sendPendingOutput encodes as many pending frames as fit in one message,
// relative to the last acknowledged frame.
func (e *Endpoint) sendPendingOutput() {
	msg := &protocol.Input{
		AckFrame:            e.lastReceived.Frame,
		DisconnectRequested: e.state == StateDisconnected,
		PeerStatus:          protocol.NewStatusTable(),
	}
	if e.localStatus != nil {
		msg.PeerStatus = *e.localStatus
	}

	if len(e.pending) > 0 {
		buf := make([]byte, input.MaxCompressedBits/8)
		numBits, encoded, err := input.Encode(e.lastAcked, e.pending, buf)
		if err != nil {
			util.LogError("%sencode pending output: %v", e.log, err)
			return
		}
		msg.StartFrame = e.pending[0].Frame
		msg.InputSize = e.pending[0].Size
		msg.NumBits = uint16(numBits)
		msg.Bits = buf[:(numBits+7)/8]
		if encoded > 0 {
			e.lastSent = e.pending[encoded-1]
		}
		if encoded < len(e.pending) {
			util.LogDebug("%s%d of %d pending frames fit in one message", e.log, encoded, len(e.pending))
		}
	}

	e.send(msg)
}

// send stamps the header, encodes and enqueues one message.
func (e *Endpoint) send(body protocol.Body) {
	if e.detached {
		return
	}
	dest := e.destination()
	if !dest.IsValid() {
		util.LogDebug("%sdropping %v: peer address unknown", e.log, body.Type())
		return
	}

	h := protocol.Header{Magic: e.magic, Seq: e.seq.Next(), Sender: e.localID}
	if e.relayAddr.IsValid() {
		h.Relayed = true
		h.RelayTo = e.peerID
	}

	buf, err := protocol.Encode(&protocol.Message{Header: h, Body: body})
	if err != nil {
		util.LogError("%sencode %v: %v", e.log, body.Type(), err)
		return
	}

	e.packetsSent++
	e.bytesSent += len(buf)
	e.lastSendTime = e.now()
	e.rec.Sent(e.peerID, len(buf))
	e.traceMsg("send", h, body)

	e.pacer.Enqueue(dest, buf)
}

func (e *Endpoint) destination() netip.AddrPort {
	if e.relayAddr.IsValid() {
		return e.relayAddr
	}
	return e.addr
}

// clockMS is the endpoint's millisecond clock used for quality pings.
func (e *Endpoint) clockMS() uint32 {
	return uint32(e.now().Sub(e.epoch).Milliseconds())
}

func clampInt8(v int) int8 {
	switch {
	case v > 127:
		return 127
	case v < -128:
		return -128
	}
	return int8(v)
}

func (e *Endpoint) traceMsg(prefix string, h protocol.Header, body protocol.Body) {
	if !util.DebugEnabled() {
		return
	}
	switch b := body.(type) {
	case *protocol.SyncRequest:
		util.LogDebug("%s%s sync-request (%d)", e.log, prefix, b.Nonce)
	case *protocol.SyncReply:
		util.LogDebug("%s%s sync-reply (%d)", e.log, prefix, b.Nonce)
	case *protocol.Input:
		util.LogDebug("%s%s game-compressed-input %d (+ %d bits)", e.log, prefix, b.StartFrame, b.NumBits)
	case *protocol.AppData:
		util.LogDebug("%s%s app data (%d bytes)", e.log, prefix, len(b.Data))
	default:
		util.LogDebug("%s%s %v (seq %d)", e.log, prefix, body.Type(), h.Seq)
	}
}
