package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel string
	devLog   bool
)

func main() {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Ciphertext-only relay for sealdm",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&devLog, "dev", false, "human-readable development logging")

	root.AddCommand(serveCmd(), tokenCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
