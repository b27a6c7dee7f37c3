package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/airchains-network/donation-anchor/types"
	"github.com/spf13/cobra"
)

// ImportCmd loads donation records from a JSON file
var ImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import donation records from a JSON file",
	Long: `Import donation records from a JSON array (or an object with a "donations" array).
Existing unbatched records are updated; batched records are never rewritten.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return importCommand(cmd, args[0])
	},
}

func readDonations(path string) ([]types.Donation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}

	var donations []types.Donation
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Donations []types.Donation `json:"donations"`
		}
		err = json.Unmarshal(trimmed, &wrapped)
		donations = wrapped.Donations
	} else {
		err = json.Unmarshal(data, &donations)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", path, err)
	}
	return donations, nil
}

func importCommand(cmd *cobra.Command, path string) error {
	donations, err := readDonations(path)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	imported := 0
	for i := range donations {
		if err := a.store.PutDonation(cmd.Context(), &donations[i]); err != nil {
			a.log.Warnf("Skipping donation %s: %v", donations[i].ID, err)
			continue
		}
		imported++
	}

	a.log.Infof("Imported %d of %d donations from %s", imported, len(donations), path)
	if imported < len(donations) {
		return fmt.Errorf("%d donations were rejected", len(donations)-imported)
	}
	return nil
}
