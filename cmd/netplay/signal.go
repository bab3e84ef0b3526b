package main

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/netplay/internal/signaling"
	"github.com/1ureka/netplay/internal/util"
)

func signalCmd() *cobra.Command {
	var (
		addr  string
		pin   string
		noPIN bool
	)

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Host the rendezvous server peers use to swap addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pin == "" && !noPIN {
				pin = signaling.GeneratePIN(6)
			}

			srv := signaling.NewServer(pin)
			port, err := srv.Start(addr)
			if err != nil {
				return err
			}

			info := pterm.Sprintf("Port: %d\nRoom: %s", port, signaling.NewRoomCode())
			if pin != "" {
				info += pterm.Sprintf("\nPIN:  %s", pin)
			}
			pterm.DefaultBox.WithTitle("Signaling server").Println(info)

			<-cmd.Context().Done()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Close(ctx); err != nil {
				util.LogWarning("signaling: %v", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "TCP address to listen on")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN clients must present (random when empty)")
	cmd.Flags().BoolVar(&noPIN, "no-pin", false, "Accept clients without a PIN")

	return cmd
}
