package endpoint

import (
	"bytes"
	"fmt"

	"github.com/1ureka/netplay/internal/input"
	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/util"
)

// OnMsg validates and dispatches one decoded message. The only error it
// returns is a *VerificationError (or an unknown body type, which Decode
// never produces); every other problem drops the message silently.
func (e *Endpoint) OnMsg(msg *protocol.Message) error {
	if e.detached {
		return nil
	}

	h := msg.Header
	if h.Fingerprint != protocol.Fingerprint {
		e.drop("fingerprint", h)
		return nil
	}

	if h.Type.IsHandshake() {
		e.window.Observe(h.Seq)
	} else {
		if h.Magic != e.remoteMagic {
			e.drop("magic", h)
			return nil
		}
		if !e.window.Accept(h.Seq) {
			util.LogDebug("%sdropping out of order packet (seq: %d, last seq: %d)", e.log, h.Seq, e.window.Last())
			e.rec.Dropped("sequence")
			return nil
		}
	}
	e.traceMsg("recv", h, msg.Body)

	var handled bool
	var err error
	switch b := msg.Body.(type) {
	case *protocol.SyncRequest:
		handled, err = e.onSyncRequest(h, b)
	case *protocol.SyncReply:
		handled, err = e.onSyncReply(h, b)
	case *protocol.Input:
		handled = e.onInput(b)
	case *protocol.InputAck:
		handled = e.onInputAck(b)
	case *protocol.QualityReport:
		handled = e.onQualityReport(b)
	case *protocol.QualityReply:
		handled = e.onQualityReply(b)
	case *protocol.KeepAlive:
		handled = true
	case *protocol.AppData:
		handled = e.onAppData(b)
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownType, msg.Body)
	}
	if err != nil {
		return err
	}

	if handled {
		e.lastRecvTime = e.now()
		if e.disconnectNotifySent && e.state == StateRunning {
			util.LogInfo("%snetwork resumed", e.log)
			e.queueEvent(Event{Kind: EventNetworkResumed})
			e.disconnectNotifySent = false
		}
	}
	return nil
}

func (e *Endpoint) drop(reason string, h protocol.Header) {
	util.LogDebug("%srecv rejecting %v: bad %s (seq %d)", e.log, h.Type, reason, h.Seq)
	e.rec.Dropped(reason)
}

func (e *Endpoint) onSyncRequest(h protocol.Header, b *protocol.SyncRequest) (bool, error) {
	if e.remoteMagic != 0 && h.Magic != e.remoteMagic {
		util.LogDebug("%signoring sync request from unknown endpoint (%d != %d)", e.log, h.Magic, e.remoteMagic)
		return false, nil
	}

	if !bytes.Equal(b.Verification, e.verification) {
		e.send(&protocol.SyncReply{Nonce: b.Nonce, Failure: true})
		err := &VerificationError{Peer: e.peerID, Got: len(b.Verification), Want: len(e.verification)}
		util.LogError("%s%v", e.log, err)
		e.fault()
		return false, err
	}

	// Both sides started at once: make sure the peer sees our request too.
	if e.roundtripsRemaining == e.timing.SyncPackets && h.Seq == 0 {
		util.LogDebug("%ssync request 0 received, re-queueing sync packet", e.log)
		e.sendSyncRequest()
	}

	e.send(&protocol.SyncReply{Nonce: b.Nonce})
	return true, nil
}

func (e *Endpoint) onSyncReply(h protocol.Header, b *protocol.SyncReply) (bool, error) {
	if e.state != StateSyncing {
		return h.Magic == e.remoteMagic, nil
	}

	if b.Nonce != e.syncNonce {
		util.LogDebug("%ssync reply %d != %d, keep looking", e.log, b.Nonce, e.syncNonce)
		return false, nil
	}
	if b.Failure {
		err := &VerificationError{Peer: e.peerID, Remote: true}
		util.LogError("%s%v", e.log, err)
		e.fault()
		return false, err
	}

	if !e.connected {
		e.queueEvent(Event{Kind: EventConnected})
		e.connected = true
	}

	e.roundtripsRemaining--
	if e.roundtripsRemaining == 0 {
		util.LogSuccess("%ssynchronized", e.log)
		e.queueEvent(Event{Kind: EventSynchronized})
		e.state = StateRunning
		e.lastReceived = input.Empty(0)
		e.remoteMagic = h.Magic
		return true, nil
	}

	e.queueEvent(Event{
		Kind:  EventSynchronizing,
		Count: e.timing.SyncPackets - e.roundtripsRemaining,
		Total: e.timing.SyncPackets,
	})
	e.sendSyncRequest()
	return true, nil
}

// fault stops the handshake after a verification failure. The reply that
// reported it has already been queued.
func (e *Endpoint) fault() {
	e.state = StateDisconnected
	e.shutdownAt = e.now().Add(e.timing.Shutdown)
}

func (e *Endpoint) onInput(b *protocol.Input) bool {
	// Decode first so a malformed stream leaves no trace.
	var recs []input.Record
	last := e.lastReceived
	if b.NumBits > 0 {
		var err error
		last, recs, err = input.Decode(e.lastReceived, b.StartFrame, b.InputSize, b.Bits, int(b.NumBits))
		if err != nil {
			util.LogDebug("%sdropping input %d: %v", e.log, b.StartFrame, err)
			e.rec.Dropped("bitstream")
			return false
		}
	}

	if b.DisconnectRequested {
		if e.state != StateDisconnected && !e.disconnectEventSent {
			util.LogInfo("%sdisconnecting endpoint on remote request", e.log)
			e.queueEvent(Event{Kind: EventDisconnected})
			e.disconnectEventSent = true
		}
	} else {
		e.peerStatus.Merge(b.PeerStatus)
	}

	e.lastReceived = last
	if len(recs) > 0 {
		e.lastInputRecv = e.now()
	}
	for _, rec := range recs {
		util.LogDebug("%ssending frame %d to emu queue (%v)", e.log, rec.Frame, rec)
		e.queueEvent(Event{Kind: EventInput, Input: rec})
	}

	e.purge(b.AckFrame)
	return true
}

func (e *Endpoint) onInputAck(b *protocol.InputAck) bool {
	e.purge(b.AckFrame)
	return true
}

// purge drops every pending frame the peer has acknowledged.
func (e *Endpoint) purge(ack int64) {
	n := 0
	for n < len(e.pending) && e.pending[n].Frame <= ack {
		e.lastAcked = e.pending[n]
		n++
	}
	if n == 0 {
		return
	}
	util.LogDebug("%sthrowing away pending output frames %d..%d", e.log, e.pending[0].Frame, e.pending[n-1].Frame)
	e.pending = append(e.pending[:0], e.pending[n:]...)
}

func (e *Endpoint) onQualityReport(b *protocol.QualityReport) bool {
	e.send(&protocol.QualityReply{Pong: b.Ping})
	e.remoteAdvantage = int(b.FrameAdvantage)
	return true
}

// maxRTTSample discards round trips long enough to be outliers.
const maxRTTSample = 1000

func (e *Endpoint) onQualityReply(b *protocol.QualityReply) bool {
	rtt := e.clockMS() - b.Pong
	if rtt > maxRTTSample {
		return true
	}
	if !e.haveRTT {
		e.rttMS = int(rtt)
		e.haveRTT = true
	} else {
		e.rttMS = int(0.5 + 0.9*float64(e.rttMS) + 0.1*float64(rtt))
	}
	return true
}

func (e *Endpoint) onAppData(b *protocol.AppData) bool {
	e.queueEvent(Event{Kind: EventAppData, Spectators: b.Spectators, Data: b.Data})
	return true
}
