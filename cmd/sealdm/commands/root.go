package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sealdm/internal/app"
	"sealdm/internal/domain"
)

var (
	home       string
	passphrase string
	relayURL   string
	userID     string
	token      string
	logLevel   string
	devLog     bool

	cfg    app.Config
	client *app.Client
)

func Execute() error {
	root := &cobra.Command{
		Use:          "sealdm",
		Short:        "End-to-end encrypted direct messages",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := app.DefaultHome()
				if err != nil {
					return err
				}
				home = dir
			}
			loaded, err := app.LoadConfig(home)
			if err != nil {
				return err
			}
			cfg = loaded
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}
			if userID != "" {
				cfg.UserID = domain.UserID(userID)
			}
			if token != "" {
				cfg.Token = token
			}
			if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
				cfg.LogLevel = logLevel
			}
			if devLog {
				cfg.Development = true
			}

			log, err := app.NewLogger(cfg.LogLevel, cfg.Development)
			if err != nil {
				return err
			}
			w, err := app.NewWire(cfg, log)
			if err != nil {
				return err
			}
			client = app.New(w)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if client == nil {
				return nil
			}
			return client.Close()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.sealdm)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting your keys")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVarP(&userID, "user", "u", "", "your user id on the relay")
	root.PersistentFlags().StringVar(&token, "token", "", "relay bearer token")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&devLog, "dev", false, "human-readable development logging")

	root.AddCommand(
		initCmd(), fingerprintCmd(), statusCmd(), inboxCmd(),
		sendCmd(), editCmd(), deleteCmd(), reactCmd(),
		historyCmd(), chatCmd(), flushCmd(),
	)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

// unlock loads the private key for commands that seal or open messages.
func unlock() error {
	if !client.HasKeys() {
		return errors.New("no keys yet; run `sealdm init -p <passphrase>` first")
	}
	if passphrase == "" {
		return fmt.Errorf("passphrase required (-p)")
	}
	return client.Unlock(passphrase)
}

// openConversation fetches the conversation with peer and catches up on it.
func openConversation(ctx context.Context, peer string) (domain.Conversation, error) {
	conv, err := client.Conversation(ctx, domain.UserID(peer))
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := client.Sync(ctx, conv.ID); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}
