package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/airchains-network/donation-anchor/batch"
	"github.com/airchains-network/donation-anchor/types"
	"github.com/spf13/cobra"
)

// BatchCmd groups the batch lifecycle operations
var BatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Create, anchor and inspect donation batches",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Claim eligible donations into a new pending batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := batch.CreateOptions{
			MaxBatchSize: a.cfg.Batch.MaxBatchSize,
			MinBatchSize: a.cfg.Batch.MinBatchSize,
		}
		if cmd.Flags().Changed("max") {
			opts.MaxBatchSize, _ = cmd.Flags().GetInt("max")
		}
		if cmd.Flags().Changed("min") {
			opts.MinBatchSize, _ = cmd.Flags().GetInt("min")
		}

		res, err := a.manager.Create(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if !res.Created {
			a.log.Infof("No batch created: %d eligible, %d required", res.Eligible, opts.MinBatchSize)
		}
		return printJSON(res)
	},
}

var batchAnchorCmd = &cobra.Command{
	Use:   "anchor [batch-id]",
	Short: "Submit a pending batch root to the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.manager.Anchor(cmd.Context(), args[0])
		if err != nil {
			if res != nil {
				printJSON(res)
			}
			return err
		}
		return printJSON(res)
	},
}

var batchRetryCmd = &cobra.Command{
	Use:   "retry [batch-id]",
	Short: "Reset a failed batch to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.manager.Retry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !res.Skipped {
			a.log.Infof("Wait at least %s before anchoring batch %s again", res.Backoff, args[0])
		}
		return printJSON(res)
	},
}

var batchRepairCmd = &cobra.Command{
	Use:   "repair [batch-id]",
	Short: "Rewrite missing or broken proof links of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.manager.RepairLinks(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var batchShowCmd = &cobra.Command{
	Use:   "show [batch-id]",
	Short: "Print one batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.manager.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, optionally by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		status, _ := cmd.Flags().GetString("status")
		batches, err := a.manager.List(cmd.Context(), types.BatchStatus(status))
		if err != nil {
			return err
		}
		for _, b := range batches {
			fmt.Printf("%s  %-9s  records=%d  root=%s  retries=%d\n", b.ID, b.Status, b.RecordCount, b.MerkleRoot.Hex(), b.RetryCount)
		}
		return nil
	},
}

func init() {
	batchCreateCmd.Flags().Int("max", 0, "Override batch.max_batch_size")
	batchCreateCmd.Flags().Int("min", 0, "Override batch.min_batch_size")
	batchListCmd.Flags().String("status", "", "Filter by status (pending/anchoring/confirmed/failed)")

	BatchCmd.AddCommand(batchCreateCmd, batchAnchorCmd, batchRetryCmd, batchRepairCmd, batchShowCmd, batchListCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
