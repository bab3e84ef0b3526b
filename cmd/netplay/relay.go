package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/netplay/internal/metrics"
	"github.com/1ureka/netplay/internal/relay"
	"github.com/1ureka/netplay/internal/util"
)

func relayCmd() *cobra.Command {
	var (
		port        int
		idle        time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward session traffic for peers that cannot reach each other",
		Long: `Run a UDP relay for one session. Peers set relay_addr to this host and
port; the relay learns each peer's address from its own traffic and forwards
every datagram to the peer it is addressed to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			opts := relay.Options{IdleTimeout: idle}
			if metricsAddr != "" {
				collector := metrics.New()
				opts.Recorder = collector
				serveMetrics(ctx, metricsAddr, collector.Handler())
			}

			srv, err := relay.Listen(ctx, port, opts)
			if err != nil {
				return err
			}
			defer srv.Close()
			util.StartStatsReporter(ctx, 10*time.Second)

			err = srv.Serve(ctx)
			util.LogInfo("relay: forwarded %d, dropped %d", srv.Forwarded.Load(), srv.Dropped.Load())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 7100, "UDP port to listen on")
	cmd.Flags().DurationVar(&idle, "idle", 30*time.Second, "Forget peers silent for this long")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}
