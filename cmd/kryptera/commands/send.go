package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// send <peer> <message>: encrypt for every device of <peer> and queue the
// envelopes.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to every device of a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			w, err := buildWire()
			if err != nil {
				return err
			}
			defer w.Shutdown()

			sent, err := w.Devices.SendToUser(cmd.Context(), args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("sent to %d device(s)\n", sent)
			return nil
		},
	}
}
