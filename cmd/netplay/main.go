// Command netplay is the CLI entry point.
//
// The peer command joins a rollback session over UDP and drives it with
// synthetic input, which is enough to measure a link or soak-test the
// protocol. The relay and signal commands host the two optional side
// services peers use when they cannot find each other on their own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/netplay/internal/util"
)

var version = "dev"

var debugMode bool

var rootCmd = &cobra.Command{
	Use:   "netplay",
	Short: "Peer-to-peer rollback transport over UDP",
	Long: `Netplay exchanges per-frame input between up to four players over UDP,
with handshakes, acknowledgments, liveness tracking and frame-advantage
estimation. It can also host a relay and a signaling server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			util.EnableDebug()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("Netplay — v%s", version))
	pterm.Println()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
