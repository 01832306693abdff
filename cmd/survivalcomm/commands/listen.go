package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// listen: run the engine in the foreground, printing messages as they
// arrive.
func listenCmd() *cobra.Command {
	var (
		addr          string
		advertiseHost string
		advertisePort int
		autoRead      bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept peer sessions and print incoming messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildMessenger(addr)
			if err != nil {
				return err
			}
			m.SetAdvertise(advertiseHost, advertisePort)

			m.OnMessage(func(peerID, messageID string, plaintext []byte, at time.Time) {
				fmt.Printf("[%s] %s: %s\n", at.Format(time.RFC3339), peerID, plaintext)
				if autoRead {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := m.MarkRead(ctx, peerID, messageID); err != nil {
						fmt.Fprintln(os.Stderr, "mark read:", err)
					}
				}
			})
			m.OnDisconnect(func(peerID string, reason error) {
				if reason != nil {
					fmt.Printf("disconnected from %s: %v\n", peerID, reason)
				} else {
					fmt.Printf("disconnected from %s\n", peerID)
				}
			})

			if err := m.Start(); err != nil {
				return err
			}
			defer m.Close()
			fmt.Println("listening on", m.ListenAddr())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9000", "TCP address to listen on")
	cmd.Flags().StringVar(&advertiseHost, "advertise-host", "", "address published to the directory")
	cmd.Flags().IntVar(&advertisePort, "advertise-port", 0, "port published to the directory")
	cmd.Flags().BoolVar(&autoRead, "auto-read", false, "send read receipts immediately")
	return cmd
}
