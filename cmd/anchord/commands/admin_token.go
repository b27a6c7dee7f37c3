package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/airchains-network/donation-anchor/api"
	"github.com/airchains-network/donation-anchor/config"
	"github.com/spf13/cobra"
)

// AdminTokenCmd creates a bearer token for the admin endpoints
var AdminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Generate an admin bearer token",
	Long: `Generate a random admin bearer token and its bcrypt hash.
Only the hash is stored; with --save it is written to admin.token_hash in the config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		save, _ := cmd.Flags().GetBool("save")

		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("failed to generate token: %v", err)
		}
		token := hex.EncodeToString(raw)

		hash, err := api.HashToken(token)
		if err != nil {
			return err
		}

		if save {
			path, err := configPath(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %v", err)
			}
			cfg.Admin.TokenHash = hash
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to save config: %v", err)
			}
			fmt.Printf("Stored token hash in %s\n", path)
		} else {
			fmt.Printf("Token hash: %s\n", hash)
		}

		fmt.Printf("Admin token: %s\n", token)
		fmt.Println("Keep the token safe, it cannot be recovered from the hash.")
		return nil
	},
}

func init() {
	AdminTokenCmd.Flags().Bool("save", false, "Write the hash to the config file")
}
