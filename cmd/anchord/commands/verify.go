package commands

import (
	"fmt"

	"github.com/airchains-network/donation-anchor/batch"
	"github.com/spf13/cobra"
)

// VerifyCmd checks one donation against its anchored batch
var VerifyCmd = &cobra.Command{
	Use:   "verify [donation-id | payment-reference]",
	Short: "Verify a donation's inclusion proof",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.manager.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := printJSON(v); err != nil {
			return err
		}
		if v.Outcome == batch.OutcomeTampered || v.Outcome == batch.OutcomeInvalidProof {
			return fmt.Errorf("donation %s failed verification: %s", v.DonationID, v.Outcome)
		}
		return nil
	},
}
