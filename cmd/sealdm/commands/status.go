package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealdm/internal/domain"
)

// status <peer>: report whether a message to peer can be encrypted.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <peer>",
		Short: "Check whether you can message a peer securely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			capab, err := client.CanMessage(cmd.Context(), domain.UserID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", args[0], capab)
			return nil
		},
	}
}
