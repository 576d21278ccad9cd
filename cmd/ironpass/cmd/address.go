package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironpass/crypto"
)

var addressID string

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Manage the address keys share keys are sealed to",
}

var addressNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate an address key, store it encrypted and publish it",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := remoteClient()
		if err != nil {
			return err
		}
		id := addressID
		if id == "" {
			id = uuid.NewString()
		}
		path := addressKeyPath(id)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("address %s already exists", id)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}

		pass, err := passphrase(cmd, "New passphrase: ")
		if err != nil {
			return err
		}
		if cfg.Passphrase == "" {
			again, err := passphrase(cmd, "Repeat passphrase: ")
			if err != nil {
				return err
			}
			if again != pass {
				return fmt.Errorf("passphrases do not match")
			}
		}

		a, err := crypto.NewAddressKey(id)
		if err != nil {
			return err
		}
		defer a.Destroy()
		blob, err := crypto.ExportAddressKey(a, pass)
		if err != nil {
			return err
		}
		if err := api.RegisterAddress(cmd.Context(), cfg.UserID, a.ID(), a.PublicKey()); err != nil {
			return fmt.Errorf("publishing address: %w", err)
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			return fmt.Errorf("writing address key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Address %s saved to %s\n", color.GreenString("✓"), color.CyanString(id), path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addressCmd)
	addressCmd.AddCommand(addressNewCmd)
	addressNewCmd.Flags().StringVar(&addressID, "id", "", "Address ID (default random)")
}
