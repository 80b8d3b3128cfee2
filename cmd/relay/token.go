package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealdm/internal/domain"
)

// token <user>: mint a bearer token with the relay's JWT_SECRET.
func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := authenticator()
			if err != nil {
				return err
			}
			tok, err := auth.Issue(domain.UserID(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}
