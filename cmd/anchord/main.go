package main

import (
	"os"

	"github.com/airchains-network/donation-anchor/cmd/anchord/commands"
	"github.com/spf13/cobra"
)

func main() {
	// Create root command
	rootCmd := &cobra.Command{
		Use:   "anchord",
		Short: "Batch donation records and anchor their Merkle roots on a public ledger",
		Long: `anchord groups completed donations into Merkle batches, anchors each batch root
on an EVM chain or Celestia, and serves public inclusion proofs for every record.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default ~/.donation-anchor/config.toml)")

	// Add commands
	rootCmd.AddCommand(commands.InitCmd)
	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.BatchCmd)
	rootCmd.AddCommand(commands.VerifyCmd)
	rootCmd.AddCommand(commands.AdminTokenCmd)

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
