// Package metrics exports connection quality as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/netplay/internal/endpoint"
)

const namespace = "netplay"

// Collector implements endpoint.Recorder on a private registry.
type Collector struct {
	reg *prometheus.Registry

	rtt            *prometheus.GaugeVec
	kbpsSent       *prometheus.GaugeVec
	pendingOutput  *prometheus.GaugeVec
	frameAdvantage *prometheus.GaugeVec
	packetsSent    *prometheus.CounterVec
	bytesSent      *prometheus.CounterVec
	packetsLost    *prometheus.CounterVec
	dropped        *prometheus.CounterVec

	mu       sync.Mutex
	lastLoss map[uint8]uint64
}

var _ endpoint.Recorder = (*Collector)(nil)

// New creates a collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		reg:      reg,
		lastLoss: make(map[uint8]uint64),

		rtt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rtt_ms",
			Help:      "Smoothed round-trip time to the peer in milliseconds",
		}, []string{"peer"}),

		kbpsSent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kbps_sent",
			Help:      "Outbound bandwidth to the peer including UDP overhead, in KB/s",
		}, []string{"peer"}),

		pendingOutput: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_output",
			Help:      "Input frames sent to the peer and not yet acknowledged",
		}, []string{"peer"}),

		frameAdvantage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_advantage",
			Help:      "Estimated frame advantage; side=local is ours, side=remote is the peer's report",
		}, []string{"peer", "side"}),

		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Datagrams sent to the peer",
		}, []string{"peer"}),

		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Payload bytes sent to the peer",
		}, []string{"peer"}),

		packetsLost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Inbound datagrams inferred lost from sequence gaps",
		}, []string{"peer"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound datagrams discarded, by reason",
		}, []string{"reason"}),
	}
}

func peerLabel(peer uint8) string { return strconv.Itoa(int(peer)) }

// Sent counts one outbound datagram.
func (c *Collector) Sent(peer uint8, bytes int) {
	p := peerLabel(peer)
	c.packetsSent.WithLabelValues(p).Inc()
	c.bytesSent.WithLabelValues(p).Add(float64(bytes))
}

// Dropped counts one discarded datagram.
func (c *Collector) Dropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// Network publishes a stats snapshot. Loss arrives as a running total and
// is turned into counter increments.
func (c *Collector) Network(peer uint8, s endpoint.NetworkStats) {
	p := peerLabel(peer)
	c.rtt.WithLabelValues(p).Set(float64(s.Ping.Milliseconds()))
	c.kbpsSent.WithLabelValues(p).Set(float64(s.KbpsSent))
	c.pendingOutput.WithLabelValues(p).Set(float64(s.SendQueueLen))
	c.frameAdvantage.WithLabelValues(p, "local").Set(float64(s.LocalFrameAdvantage))
	c.frameAdvantage.WithLabelValues(p, "remote").Set(float64(s.RemoteFrameAdvantage))

	c.mu.Lock()
	prev := c.lastLoss[peer]
	c.lastLoss[peer] = s.RecvPacketLoss
	c.mu.Unlock()
	if s.RecvPacketLoss > prev {
		c.packetsLost.WithLabelValues(p).Add(float64(s.RecvPacketLoss - prev))
	}
}

// Registry exposes the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
