package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpass/share"
)

var (
	vaultAddress     string
	vaultDescription string
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Create and manage vaults",
}

var vaultCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		addr := vaultAddress
		if addr == "" {
			ids := c.AddressIDs()
			if len(ids) != 1 {
				return fmt.Errorf("%d address keys loaded: choose one with --address", len(ids))
			}
			addr = ids[0]
		}
		s, err := c.CreateVault(cmd.Context(), addr, share.VaultContent{Name: args[0], Description: vaultDescription})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Vault %s created (%s)\n", color.GreenString("✓"), color.CyanString(args[0]), s.ID)
		return nil
	},
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete SHARE_ID",
	Short: "Delete a vault and its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Shares().DeleteVault(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Vault %s deleted\n", color.GreenString("✓"), args[0])
		return nil
	},
}

var vaultPrimaryCmd = &cobra.Command{
	Use:   "primary SHARE_ID",
	Short: "Make a vault the primary vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Shares().MarkAsPrimary(cmd.Context(), args[0])
	},
}

var sharesCmd = &cobra.Command{
	Use:   "shares",
	Short: "List locally known shares",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openSession(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		shares, err := c.Shares().List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tKIND\tROLE\tPRIMARY")
		for _, s := range shares {
			name := color.YellowString("(locked)")
			if s.Vault != nil {
				name = s.Vault.Name
			}
			primary := ""
			if s.Primary {
				primary = color.GreenString("*")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, name, s.Kind, s.Role, primary)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(vaultCmd, sharesCmd)
	vaultCmd.AddCommand(vaultCreateCmd, vaultDeleteCmd, vaultPrimaryCmd)
	vaultCreateCmd.Flags().StringVar(&vaultAddress, "address", "", "Address the vault key is sealed to")
	vaultCreateCmd.Flags().StringVar(&vaultDescription, "description", "", "Vault description")
}
