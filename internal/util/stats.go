package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide datagram counter, fed by the UDP transport.
var Stats = &stats{}

type stats struct {
	DatagramsSent atomic.Int64 // cumulative datagrams handed to the kernel
	DatagramsRecv atomic.Int64 // cumulative datagrams read from either socket
	BytesSent     atomic.Int64 // cumulative UDP payload bytes sent
	BytesRecv     atomic.Int64 // cumulative UDP payload bytes received
	Dropped       atomic.Int64 // datagrams discarded before reaching an endpoint
}

func (s *stats) AddSent(n int) {
	s.DatagramsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.DatagramsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddDropped() { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transport statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevPktOut, prevPktIn, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				pktOut := Stats.DatagramsSent.Load()
				pktIn := Stats.DatagramsRecv.Load()
				dropped := Stats.Dropped.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if pktOut != prevPktOut || pktIn != prevPktIn {
					pterm.DefaultLogger.Info(formatStats(inS, outS,
						float64(pktIn-prevPktIn)/secs, float64(pktOut-prevPktOut)/secs,
						dropped-prevDropped))
				}

				prevSent = sent
				prevRecv = recv
				prevPktOut = pktOut
				prevPktIn = pktIn
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS, ppsIn, ppsOut float64, dropped int64) string {
	return fmt.Sprintf("In: %s/s %5.1f pps | Out: %s/s %5.1f pps | Dropped: %d",
		FormatBytes(inS),
		ppsIn,
		FormatBytes(outS),
		ppsOut,
		dropped,
	)
}
