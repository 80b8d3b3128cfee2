package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// flush retries a pending key publish and every queued send.
func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Retry queued messages and a pending key publish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			n, err := client.Flush(cmd.Context())
			fmt.Printf("delivered %d queued message(s)\n", n)
			return err
		},
	}
}
