package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sealdm/internal/domain"
)

func historyCmd() *cobra.Command {
	var markRead bool
	cmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Fetch, decrypt and print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			conv, err := openConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range client.Messages(conv.ID) {
				fmt.Println(render(m, client.Reactions(conv.ID, m.ID)))
			}
			if markRead {
				return client.MarkRead(cmd.Context(), conv.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&markRead, "mark-read", true, "clear the unread count afterwards")
	return cmd
}

// render formats one message as a single line.
func render(m domain.Message, reactions []domain.ReactionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: ", m.CreatedAt.Local().Format(time.DateTime), m.SenderID)
	switch {
	case m.Deleted:
		b.WriteString("(deleted)")
	case m.Undecryptable:
		b.WriteString("(unable to decrypt)")
	default:
		switch body := m.Body.(type) {
		case domain.TextBody:
			b.WriteString(body.Text)
		case domain.ImageBody:
			fmt.Fprintf(&b, "[image %s %s] %s", body.Ref.Name, body.Ref.URL, body.Caption)
		case domain.FileBody:
			fmt.Fprintf(&b, "[file %s, %d bytes, %s] %s", body.Ref.Name, body.Ref.Size, body.Ref.URL, body.Caption)
		}
	}
	if m.EditedAt != nil && !m.Deleted {
		b.WriteString(" (edited)")
	}
	if m.Delivery != domain.DeliverySent {
		fmt.Fprintf(&b, " [%s]", m.Delivery)
	}
	for _, r := range reactions {
		fmt.Fprintf(&b, " %s%d", r.Emoji, r.Count)
	}
	fmt.Fprintf(&b, "  <%s>", m.ID)
	return b.String()
}
