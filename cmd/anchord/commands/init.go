package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/airchains-network/donation-anchor/batch/ledger"
	"github.com/airchains-network/donation-anchor/config"
	"github.com/spf13/cobra"
)

// InitCmd represents the init command
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the anchoring service",
	Long: `Initialize the anchoring service with the required configuration.
This command creates ~/.donation-anchor with a data directory and config.toml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return initCommand(cmd)
	},
}

func init() {
	// Ledger configuration flags
	InitCmd.Flags().String("ledger.type", config.LedgerEVM, "Ledger type (evm/celestia/avail)")
	InitCmd.Flags().String("ledger.rpc-url", "http://127.0.0.1:8545", "EVM JSON-RPC URL")
	InitCmd.Flags().String("ledger.private-key", "", "Hex secp256k1 key of the EVM anchor account")
	InitCmd.Flags().String("ledger.node-addr", "", "Celestia or Avail node address")
	InitCmd.Flags().String("ledger.auth-token", "", "Celestia node auth token, or the Avail account seed")
	InitCmd.Flags().Uint32("ledger.app-id", ledger.DefaultAvailAppID, "Avail application id")
	InitCmd.Flags().String("ledger.namespace", "", "Celestia blob namespace")
	InitCmd.Flags().String("ledger.min-balance", "0", "Minimum account balance in base units before anchoring")

	// Batch configuration flags
	InitCmd.Flags().Int("batch.max-size", 100, "Maximum donations per batch")
	InitCmd.Flags().Int("batch.min-size", 1, "Minimum donations required to create a batch")

	// General configuration flags
	InitCmd.Flags().String("listen", ":11111", "HTTP listen address")
	InitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

func initCommand(cmd *cobra.Command) error {
	// Get flag values
	ledgerType, _ := cmd.Flags().GetString("ledger.type")
	rpcURL, _ := cmd.Flags().GetString("ledger.rpc-url")
	privateKey, _ := cmd.Flags().GetString("ledger.private-key")
	nodeAddr, _ := cmd.Flags().GetString("ledger.node-addr")
	authToken, _ := cmd.Flags().GetString("ledger.auth-token")
	namespace, _ := cmd.Flags().GetString("ledger.namespace")
	appID, _ := cmd.Flags().GetUint32("ledger.app-id")
	minBalance, _ := cmd.Flags().GetString("ledger.min-balance")
	maxSize, _ := cmd.Flags().GetInt("batch.max-size")
	minSize, _ := cmd.Flags().GetInt("batch.min-size")
	listen, _ := cmd.Flags().GetString("listen")
	force, _ := cmd.Flags().GetBool("force")

	log := newLogger("info")

	configFile, err := configPath(cmd)
	if err != nil {
		return err
	}
	if _, err := os.Stat(configFile); err == nil && !force {
		return fmt.Errorf("config already exists at %s, use --force to overwrite", configFile)
	}

	// Create data directory next to the config
	dataDir := filepath.Join(filepath.Dir(configFile), "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %v", dataDir, err)
	}

	// Create config with command-line flags
	cfg := config.DefaultConfig()
	cfg.General.ListenAddr = listen
	cfg.Database.Path = filepath.Join(dataDir, "anchor_db")
	cfg.Batch.MaxBatchSize = maxSize
	cfg.Batch.MinBatchSize = minSize
	cfg.Ledger.Type = ledgerType
	cfg.Ledger.RPCURL = rpcURL
	cfg.Ledger.PrivateKey = privateKey
	cfg.Ledger.NodeAddr = nodeAddr
	cfg.Ledger.AuthToken = authToken
	cfg.Ledger.Namespace = namespace
	if ledgerType == config.LedgerAvail {
		cfg.Ledger.AppID = appID
	}
	cfg.Ledger.MinBalance = minBalance

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	// Save config file
	if err := cfg.Save(configFile); err != nil {
		return fmt.Errorf("failed to create config file: %v", err)
	}
	log.Infof("Created config file at: %s", configFile)

	// Show configuration summary
	fmt.Println("\n=== Configuration Summary ===")
	fmt.Printf("Ledger: %s\n", cfg.Ledger.Type)
	switch cfg.Ledger.Type {
	case config.LedgerCelestia:
		fmt.Printf("Node Address: %s\n", cfg.Ledger.NodeAddr)
		fmt.Printf("Namespace: %s\n", cfg.Ledger.Namespace)
	case config.LedgerAvail:
		fmt.Printf("Node Address: %s\n", cfg.Ledger.NodeAddr)
		fmt.Printf("App ID: %d\n", cfg.Ledger.AppID)
	default:
		fmt.Printf("RPC URL: %s\n", cfg.Ledger.RPCURL)
	}
	fmt.Printf("Batch Size: %d-%d\n", cfg.Batch.MinBatchSize, cfg.Batch.MaxBatchSize)
	fmt.Printf("Listen Address: %s\n", cfg.General.ListenAddr)
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Printf("Config File: %s\n", configFile)

	log.Info("Initialization completed successfully!")
	log.Info("Generate an admin token with: anchord admin-token --save")
	log.Info("Then start the service using: anchord start")

	return nil
}
