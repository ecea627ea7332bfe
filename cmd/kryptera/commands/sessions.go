package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List established sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := buildWire()
			if err != nil {
				return err
			}
			defer w.Shutdown()

			ids, err := w.Establisher.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, id := range ids {
				s, ok, err := w.Establisher.Session(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				fmt.Printf("%s\testablished %s\tlast activity %s\n", id,
					s.CreatedAt.Format(time.RFC3339),
					s.LastActivity.Format(time.RFC3339))
			}
			return nil
		},
	}
}
