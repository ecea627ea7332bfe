package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"kryptera/internal/domain"
)

// resetSessionCmd deletes local session state for one peer device. The next
// message in either direction establishes a fresh session.
func resetSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-session <user> <device>",
		Short: "Delete a session so the next message re-establishes it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWire()
			if err != nil {
				return err
			}
			defer w.Shutdown()

			id := domain.NewSessionID(args[0], args[1])
			if err := w.Establisher.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Session %s reset\n", id)
			return nil
		},
	}
}
