package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpass/remote/httpremote"
)

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.AuthSecret == "" {
			return fmt.Errorf("IRONPASS_AUTH_SECRET is required")
		}
		user := tokenUser
		if user == "" {
			user = cfg.UserID
		}
		if user == "" {
			return fmt.Errorf("--user or IRONPASS_USER is required")
		}
		tok, err := httpremote.IssueToken([]byte(cfg.AuthSecret), user, cfg.TokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID the token acts for")
}
