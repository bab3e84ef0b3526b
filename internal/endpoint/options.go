package endpoint

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/transport"
)

// Timing holds every interval the state machine runs on.
type Timing struct {
	SyncPackets    int           // successful sync round trips before Running
	SyncFirstRetry time.Duration // resend delay while no reply has arrived yet
	SyncRetry      time.Duration // resend delay after the first reply
	RunningRetry   time.Duration // resend pending input if no input arrived for this long
	KeepAlive      time.Duration
	QualityReport  time.Duration
	NetworkStats   time.Duration
	Shutdown       time.Duration // grace period in Disconnected before detaching

	// Zero disables the corresponding timer.
	DisconnectNotify  time.Duration
	DisconnectTimeout time.Duration
}

// DefaultTiming returns the stock intervals.
func DefaultTiming() Timing {
	return Timing{
		SyncPackets:       5,
		SyncFirstRetry:    500 * time.Millisecond,
		SyncRetry:         2000 * time.Millisecond,
		RunningRetry:      200 * time.Millisecond,
		KeepAlive:         200 * time.Millisecond,
		QualityReport:     1000 * time.Millisecond,
		NetworkStats:      1000 * time.Millisecond,
		Shutdown:          5000 * time.Millisecond,
		DisconnectNotify:  1000 * time.Millisecond,
		DisconnectTimeout: 5000 * time.Millisecond,
	}
}

// Options configures one Endpoint.
type Options struct {
	// PeerID is the remote side's endpoint id. Inbound datagrams are
	// matched against it and relayed datagrams are addressed to it.
	PeerID uint8

	// LocalID is stamped on every outbound header.
	LocalID uint8

	// Addr is the peer's address. When invalid it is learned from the
	// first datagram carrying PeerID.
	Addr netip.AddrPort

	// RelayAddr, when valid, routes every datagram through a relay server
	// inside a relay envelope.
	RelayAddr netip.AddrPort

	// Verification is compared byte for byte during the handshake.
	Verification []byte

	Timing           Timing
	FrameRate        int // nominal simulation rate used for frame-advantage lookahead
	MaxPendingOutput int // unacknowledged frames kept before forcing a disconnect

	// Latency and OOPPercent simulate bad networks in the pacer.
	Latency    time.Duration
	OOPPercent int

	// LocalStatus is the session-wide connect-status table sent with every
	// input message. Nil sends an all-unknown table.
	LocalStatus *protocol.StatusTable

	Transmitter transport.Transmitter
	Recorder    Recorder
	Now         func() time.Time
	Rand        *rand.Rand
}

func (o *Options) setDefaults() {
	if o.Timing.SyncPackets <= 0 {
		o.Timing = DefaultTiming()
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 60
	}
	if o.MaxPendingOutput <= 0 {
		o.MaxPendingOutput = 128
	}
	if o.Recorder == nil {
		o.Recorder = NopRecorder{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
}
