package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func inboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			sums, err := client.Inbox(cmd.Context())
			if err != nil {
				return err
			}
			if len(sums) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, s := range sums {
				unread := ""
				if s.UnreadCount > 0 {
					unread = fmt.Sprintf("  (%d unread)", s.UnreadCount)
				}
				fmt.Printf("%-20s %s%s\n", s.PeerID, s.LastMessageAt.Local().Format(time.DateTime), unread)
			}
			return nil
		},
	}
}
