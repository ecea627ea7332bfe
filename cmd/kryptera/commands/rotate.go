package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func rotateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the rotating key (or report its health)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			w, err := buildWire()
			if err != nil {
				return err
			}
			defer w.Shutdown()

			if status {
				st, err := w.Rotation.State(cmd.Context(), time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Printf("Rotating key state: %s\n", st)
				return nil
			}

			key, err := w.Rotation.Rotate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Rotated to version %d (expires %s)\n",
				key.Version, key.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "report key health instead of rotating")
	return cmd
}
