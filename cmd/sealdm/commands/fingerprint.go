package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealdm/internal/crypto"
)

func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print your public key fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", crypto.FormatFingerprint(client.Fingerprint()))
			return nil
		},
	}
	return cmd
}
