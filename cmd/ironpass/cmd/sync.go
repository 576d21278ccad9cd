package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull shares and items from the authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Syncing"
		s.Writer = cmd.ErrOrStderr()
		s.Start()
		report, err := c.Sync(cmd.Context())
		s.Stop()

		out := cmd.OutOrStdout()
		for _, id := range report.Shares.All {
			if e, ok := report.Failed[id]; ok {
				fmt.Fprintf(out, "%s %s %v\n", color.RedString("✗"), id, e)
				continue
			}
			r := report.Applied[id]
			fmt.Fprintf(out, "%s %s %d updated, %d deleted, %d skipped\n",
				color.GreenString("✓"), id, r.Upserted, r.Deleted, r.Skipped)
		}
		if n := len(report.Shares.New); n > 0 {
			fmt.Fprintf(out, "%s %d new share(s)\n", color.CyanString("→"), n)
		}
		return err
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove every local share, item and staged attachment",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Local data for %s removed\n", color.GreenString("✓"), c.UserID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, logoutCmd)
}
