package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Provision prekeys and publish the device bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			w, err := buildWire()
			if err != nil {
				return err
			}
			defer w.Shutdown()

			rec, err := w.PreKeys.Publish(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s/%s with the directory (%d one-time prekeys)\n",
				rec.UserID, rec.DeviceID, len(rec.OneTimePreKeys))
			return nil
		},
	}
}
