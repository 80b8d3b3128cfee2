package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sealdm/internal/domain"
)

func deleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <peer> <message-id>",
		Short: "Delete one of your messages for both sides",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			conv, err := openConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			id := domain.MessageID(args[1])
			if !yes && !confirm(fmt.Sprintf("Delete %s for both sides? This cannot be undone. [y/N] ", id)) {
				fmt.Println("kept")
				return nil
			}
			if err := client.Delete(cmd.Context(), conv.ID, id); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
