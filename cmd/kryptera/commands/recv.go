package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// recv: fetch and decrypt envelopes queued for this device.
func recvCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			w, err := buildWire()
			if err != nil {
				return err
			}
			defer w.Shutdown()

			msgs, err := w.Devices.Receive(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("[%s/%s] %s\n", m.FromUserID, m.FromDeviceID, m.Plaintext)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max envelopes to fetch (0 means all)")
	return cmd
}
