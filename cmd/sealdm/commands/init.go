package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sealdm/internal/app"
	"sealdm/internal/crypto"
	"sealdm/internal/domain"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create and publish your key pair, and save relay settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			if err := app.SaveConfig(cfg); err != nil {
				return err
			}
			_, err := client.Initialize(cmd.Context(), passphrase)
			var kerr *domain.KeyError
			switch {
			case errors.As(err, &kerr) && kerr.Retryable():
				fmt.Printf("Keys created but not yet published (%v).\nRun `sealdm flush` to retry.\n", kerr.Err)
			case err != nil:
				return err
			default:
				fmt.Println("Encryption ready.")
			}
			fmt.Printf("Fingerprint: %s\n", crypto.FormatFingerprint(client.Fingerprint()))
			return nil
		},
	}
}
