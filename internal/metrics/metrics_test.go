package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/1ureka/netplay/internal/endpoint"
)

func metricCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	if m.Counter == nil {
		t.Fatal("expected counter metric to have Counter field")
	}
	return m.GetCounter().GetValue()
}

func metricGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	if m.Gauge == nil {
		t.Fatal("expected gauge metric to have Gauge field")
	}
	return m.GetGauge().GetValue()
}

func TestSentAndDropped(t *testing.T) {
	c := New()
	c.Sent(1, 40)
	c.Sent(1, 60)
	c.Sent(2, 10)
	c.Dropped("magic")
	c.Dropped("magic")

	if got := metricCounterValue(t, c.packetsSent.WithLabelValues("1")); got != 2 {
		t.Errorf("packets_sent_total{peer=1} = %v, want 2", got)
	}
	if got := metricCounterValue(t, c.bytesSent.WithLabelValues("1")); got != 100 {
		t.Errorf("bytes_sent_total{peer=1} = %v, want 100", got)
	}
	if got := metricCounterValue(t, c.dropped.WithLabelValues("magic")); got != 2 {
		t.Errorf("messages_dropped_total{reason=magic} = %v, want 2", got)
	}
}

func TestNetworkSnapshot(t *testing.T) {
	c := New()
	c.Network(3, endpoint.NetworkStats{
		Ping:                 45 * time.Millisecond,
		SendQueueLen:         7,
		KbpsSent:             12,
		RecvPacketLoss:       4,
		LocalFrameAdvantage:  -2,
		RemoteFrameAdvantage: 3,
	})
	c.Network(3, endpoint.NetworkStats{RecvPacketLoss: 9})
	c.Network(3, endpoint.NetworkStats{RecvPacketLoss: 9})

	if got := metricCounterValue(t, c.packetsLost.WithLabelValues("3")); got != 9 {
		t.Errorf("packets_lost_total = %v, want 9", got)
	}

	c.Network(4, endpoint.NetworkStats{
		Ping:                 45 * time.Millisecond,
		SendQueueLen:         7,
		LocalFrameAdvantage:  -2,
		RemoteFrameAdvantage: 3,
	})
	tests := []struct {
		name string
		g    prometheus.Gauge
		want float64
	}{
		{"rtt", c.rtt.WithLabelValues("4"), 45},
		{"pending", c.pendingOutput.WithLabelValues("4"), 7},
		{"local advantage", c.frameAdvantage.WithLabelValues("4", "local"), -2},
		{"remote advantage", c.frameAdvantage.WithLabelValues("4", "remote"), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := metricGaugeValue(t, tt.g); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	c := New()
	c.Sent(0, 1)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `netplay_packets_sent_total{peer="0"} 1`) {
		t.Errorf("scrape missing packets_sent_total:\n%s", body)
	}
}
