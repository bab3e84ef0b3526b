package endpoint

import (
	"time"

	"github.com/1ureka/netplay/internal/util"
)

// Recorder receives per-endpoint measurements. The metrics package provides
// the Prometheus-backed implementation.
type Recorder interface {
	Sent(peer uint8, bytes int)
	Dropped(reason string)
	Network(peer uint8, s NetworkStats)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Sent(uint8, int)            {}
func (NopRecorder) Dropped(string)             {}
func (NopRecorder) Network(uint8, NetworkStats) {}

// NetworkStats is a snapshot of one connection's quality.
type NetworkStats struct {
	Ping           time.Duration
	SendQueueLen   int // frames awaiting acknowledgment
	KbpsSent       int
	PacketsSent    int
	RecvPacketLoss uint64

	// LocalFrameAdvantage is how many frames the peer is estimated to be
	// ahead of us; RemoteFrameAdvantage is the same figure as the peer
	// last reported it.
	LocalFrameAdvantage  int
	RemoteFrameAdvantage int
}

// NetworkStats returns the current snapshot.
func (e *Endpoint) NetworkStats() NetworkStats {
	return NetworkStats{
		Ping:                 time.Duration(e.rttMS) * time.Millisecond,
		SendQueueLen:         len(e.pending),
		KbpsSent:             e.kbpsSent,
		PacketsSent:          e.packetsSent,
		RecvPacketLoss:       e.window.Lost(),
		LocalFrameAdvantage:  e.localAdvantage,
		RemoteFrameAdvantage: e.remoteAdvantage,
	}
}

// SetLocalFrameNumber updates the frame-advantage estimate: the peer's
// current frame is guessed as its last received frame plus half a round
// trip worth of frames.
func (e *Endpoint) SetLocalFrameNumber(localFrame int64) {
	remoteFrame := e.lastReceived.Frame + int64((e.rttMS*e.frameRate+2000)/2000)
	e.localAdvantage = int(remoteFrame - localFrame)
}

// RecommendFrameDelay suggests how many frames to stall so the peer can
// catch up. Zero means no adjustment.
func (e *Endpoint) RecommendFrameDelay() int {
	return e.timesync.recommendFrameDelay()
}

// updateNetworkStats recomputes bandwidth. Nothing is divided until time has
// passed and bytes have been sent.
func (e *Endpoint) updateNetworkStats(now time.Time) {
	if e.statsStart.IsZero() {
		e.statsStart = now
	}

	overhead := UDPHeaderSize * e.packetsSent
	total := e.bytesSent + overhead
	elapsed := now.Sub(e.statsStart)
	if elapsed <= 0 || e.bytesSent == 0 {
		e.rec.Network(e.peerID, e.NetworkStats())
		return
	}

	secs := elapsed.Seconds()
	e.kbpsSent = int(float64(total) / secs / 1024)
	util.LogDebug("%snetwork stats -- bandwidth: %d KBps  packets sent: %5d (%.2f pps)  sent: %s  udp overhead: %.2f %%",
		e.log,
		e.kbpsSent,
		e.packetsSent,
		float64(e.packetsSent)/secs,
		util.FormatBytes(float64(total)),
		100*float64(overhead)/float64(e.bytesSent),
	)
	e.rec.Network(e.peerID, e.NetworkStats())
}

// ---------------------------------------------------------------------------
// Time sync
// ---------------------------------------------------------------------------

const (
	frameWindowSize   = 40
	minFrameAdvantage = 3
	maxFrameAdvantage = 9
)

// timeSync keeps a rolling window of local and remote frame advantages.
type timeSync struct {
	local  [frameWindowSize]int
	remote [frameWindowSize]int
}

func (t *timeSync) advanceFrame(frame int64, local, remote int) {
	if frame < 0 {
		return
	}
	i := frame % frameWindowSize
	t.local[i] = local
	t.remote[i] = remote
}

// recommendFrameDelay returns half the gap between the average advantages
// when we are ahead by enough to matter, capped at maxFrameAdvantage.
func (t *timeSync) recommendFrameDelay() int {
	var local, remote float64
	for i := range t.local {
		local += float64(t.local[i])
		remote += float64(t.remote[i])
	}
	local /= frameWindowSize
	remote /= frameWindowSize

	if local >= remote {
		return 0
	}
	sleep := int((remote-local)/2 + 0.5)
	if sleep < minFrameAdvantage {
		return 0
	}
	return min(sleep, maxFrameAdvantage)
}
