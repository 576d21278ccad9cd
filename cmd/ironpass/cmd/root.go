package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/ironpass/internal/config"
	"github.com/jmcleod/ironpass/internal/logging"
)

var (
	envFile string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ironpass",
	Short: "IronPass is an end-to-end encrypted password manager",
	Long: `An end-to-end encrypted password manager: vaults, items and attachments
synced between devices through a remote authority that never sees plaintext.
Complete documentation is available at https://github.com/jmcleod/ironpass`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var files []string
		if envFile != "" {
			files = append(files, envFile)
		}
		c, err := config.Load(files...)
		if err != nil {
			return err
		}
		l, err := logging.New(c.LogLevel, c.DevLog)
		if err != nil {
			return err
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default .env)")
}
