package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealdm/internal/domain"
)

// react <peer> <message-id> <emoji>: toggle a reaction.
func reactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "react <peer> <message-id> <emoji>",
		Short: "Add or remove a reaction on a message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			conv, err := openConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			added, err := client.ToggleReaction(cmd.Context(), conv.ID, domain.MessageID(args[1]), args[2])
			if err != nil {
				return err
			}
			if added {
				fmt.Printf("reacted %s\n", args[2])
			} else {
				fmt.Printf("removed %s\n", args[2])
			}
			return nil
		},
	}
}
