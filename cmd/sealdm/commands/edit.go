package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealdm/internal/domain"
)

func editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <peer> <message-id> <text>",
		Short: "Replace the text of one of your messages",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			conv, err := openConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			id := domain.MessageID(args[1])
			if err := client.Edit(cmd.Context(), conv.ID, id, domain.TextBody{Text: args[2]}); err != nil {
				return err
			}
			fmt.Printf("edited %s\n", id)
			return nil
		},
	}
}
