package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// status <message-id>: report delivery status, syncing with the server
// first.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <message-id>",
		Short: "Show the delivery status of a sent message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildMessenger("")
			if err != nil {
				return err
			}
			defer m.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := m.SyncDeliveryStatus(ctx); err != nil {
				fmt.Println("warning: server sync failed:", err)
			}

			s, err := m.MessageStatus(args[0])
			if err != nil {
				return fmt.Errorf("unknown message %s", args[0])
			}
			fmt.Println(s)
			return nil
		},
	}
}
