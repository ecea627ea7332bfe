package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"kryptera/internal/app"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			// A weak passphrase must never protect a fresh store.
			if err := app.CheckPassphrase(passphrase); err != nil {
				return err
			}
			w, err := buildWire()
			if err != nil {
				return err
			}
			defer w.Shutdown()

			if _, err := w.Identity.Generate(cmd.Context()); err != nil {
				return err
			}
			fp, err := w.Identity.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Identity created.\nFingerprint: %s\n", fp)
			return nil
		},
	}
}
