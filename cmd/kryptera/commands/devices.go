package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices <user>",
		Short: "List a user's published devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWire()
			if err != nil {
				return err
			}
			defer w.Shutdown()

			recs, err := w.Directory.FetchDeviceBundles(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Printf("no devices published for %s\n", args[0])
				return nil
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%s/%s\t%q\t%d one-time prekeys",
					rec.UserID, rec.DeviceID, rec.DeviceName, len(rec.OneTimePreKeys))
				if rec.RotatingKey != nil {
					line += fmt.Sprintf("\trotating key v%d", rec.RotatingKey.Version)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
