package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sealdm/internal/domain"
	"sealdm/internal/services/conversation"
	"sealdm/internal/services/msgsync"
)

const chatHelp = `Type a line to send it. Commands:
  /edit <id> <text>   /delete <id>   /react <id> <emoji>   /quit`

// chat <peer>: live conversation over the change stream with stdin input.
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer>",
		Short: "Open a live conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			changes := client.Watch(ctx)
			conv, h, err := client.OpenConversation(ctx, domain.UserID(args[0]))
			if err != nil {
				return err
			}
			defer h.Close()
			typing, err := client.WatchTyping(ctx, conv.ID)
			if err != nil {
				return err
			}

			for _, m := range client.Messages(conv.ID) {
				fmt.Println(render(m, client.Reactions(conv.ID, m.ID)))
			}
			fmt.Println(chatHelp)
			_ = client.MarkRead(ctx, conv.ID)

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					select {
					case lines <- sc.Text():
					case <-ctx.Done():
						return
					}
				}
			}()

			states := h.States()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-h.Done():
					return h.Err()
				case tr, ok := <-states:
					if !ok {
						states = nil
						continue
					}
					printTransition(tr)
				case ch := <-changes:
					if ch.ConversationID != conv.ID || ch.MessageID == "" {
						continue
					}
					if ch.Kind != conversation.MessagesChanged && ch.Kind != conversation.ReactionsChanged {
						continue
					}
					if m, ok := client.Message(conv.ID, ch.MessageID); ok {
						fmt.Println(render(m, client.Reactions(conv.ID, m.ID)))
					}
				case ev := <-typing:
					if ev.UserID == conv.Peer(client.Self()) {
						if ev.IsTyping {
							fmt.Printf("%s is typing...\n", ev.UserID)
						}
					}
				case line, ok := <-lines:
					if !ok {
						_ = client.MarkRead(context.WithoutCancel(ctx), conv.ID)
						return nil
					}
					if quit := handleLine(ctx, conv, strings.TrimSpace(line)); quit {
						return nil
					}
				}
			}
		},
	}
}

// pendingDelete holds a /delete awaiting its confirming repeat.
var pendingDelete domain.MessageID

func handleLine(ctx context.Context, conv domain.Conversation, line string) (quit bool) {
	if line == "" {
		return false
	}
	var err error
	if !strings.HasPrefix(line, "/") {
		_ = client.SetTyping(ctx, conv.ID, true)
		_, err = client.SendText(ctx, conv, line)
		_ = client.SetTyping(ctx, conv.ID, false)
		report(err)
		return false
	}

	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "/quit":
		return true
	case "/edit":
		if len(fields) < 3 {
			fmt.Println("usage: /edit <id> <text>")
			return false
		}
		err = client.Edit(ctx, conv.ID, domain.MessageID(fields[1]), domain.TextBody{Text: fields[2]})
	case "/delete":
		if len(fields) < 2 {
			fmt.Println("usage: /delete <id>")
			return false
		}
		id := domain.MessageID(fields[1])
		if pendingDelete != id {
			pendingDelete = id
			fmt.Printf("delete %s for both sides? repeat the command to confirm\n", id)
			return false
		}
		pendingDelete = ""
		err = client.Delete(ctx, conv.ID, id)
	case "/react":
		if len(fields) < 3 {
			fmt.Println("usage: /react <id> <emoji>")
			return false
		}
		_, err = client.ToggleReaction(ctx, conv.ID, domain.MessageID(fields[1]), fields[2])
	default:
		fmt.Println(chatHelp)
	}
	report(err)
	return false
}

func report(err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func printTransition(tr msgsync.Transition) {
	switch tr.To {
	case msgsync.Reconnecting:
		fmt.Println("-- connection lost, reconnecting --")
	case msgsync.Live:
		if tr.From == msgsync.Reconnecting {
			fmt.Println("-- reconnected --")
		}
	}
}
