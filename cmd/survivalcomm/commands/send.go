package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iriartelabs/survivalcomm/store"
)

// send <peer> <message>: encrypt, queue, and attempt delivery.
func sendCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildMessenger("")
			if err != nil {
				return err
			}
			if err := m.Start(); err != nil {
				return err
			}
			defer m.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			msgID, err := m.SendMessage(ctx, args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Println("queued:", msgID)

			// Give the immediate attempt a moment before reporting.
			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				s, err := m.MessageStatus(msgID)
				if err == nil && s >= store.StatusServerQueued {
					fmt.Println("status:", s)
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			fmt.Println("status: pending")
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for a delivery outcome")
	return cmd
}
