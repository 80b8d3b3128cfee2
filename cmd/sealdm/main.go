package main

import (
	"os"

	"sealdm/cmd/sealdm/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
