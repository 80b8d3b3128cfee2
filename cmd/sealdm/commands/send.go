package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sealdm/internal/domain"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	var attach string
	cmd := &cobra.Command{
		Use:   "send <peer> [message]",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 2 {
				text = args[1]
			}
			if text == "" && attach == "" {
				return errors.New("nothing to send: give a message or --attach")
			}
			if err := unlock(); err != nil {
				return err
			}
			ctx := cmd.Context()
			conv, err := client.Conversation(ctx, domain.UserID(args[0]))
			if err != nil {
				return err
			}

			var id domain.MessageID
			if attach != "" {
				id, err = client.SendAttachment(ctx, conv, attach, text)
			} else {
				id, err = client.SendText(ctx, conv, text)
			}
			var serr *domain.SendError
			if errors.As(err, &serr) {
				fmt.Printf("not delivered after %d attempt(s); queued as %s, run `sealdm flush` later\n", serr.Attempts, id)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("sent %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&attach, "attach", "", "file to attach (the message becomes its caption)")
	return cmd
}
