package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/airchains-network/donation-anchor/api"
	"github.com/airchains-network/donation-anchor/batch"
	"github.com/airchains-network/donation-anchor/types"
	"github.com/spf13/cobra"
)

// StartCmd represents the start command
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the anchoring service",
	Long: `Start the HTTP service with the configuration from ~/.donation-anchor/config.toml.
It serves the admin control surface, the batch event feed and public verification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startCommand(cmd)
	},
}

func startCommand(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Admin.TokenHash == "" {
		a.log.Warn("admin.token_hash is empty, admin endpoints are disabled")
	}

	hub := api.NewHub(a.log)
	go hub.Run()
	defer hub.Stop()
	a.manager.SetNotifier(hub)

	pending, err := a.manager.List(ctx, types.BatchAnchoring)
	if err != nil {
		return err
	}
	for _, b := range pending {
		a.log.Warnf("Batch %s was left anchoring by a previous run; check the ledger before acting on it", b.ID)
	}

	server := api.NewServer(a.manager, a.store, api.NewTokenPolicy(a.cfg.Admin.TokenHash), hub, batch.CreateOptions{
		MaxBatchSize: a.cfg.Batch.MaxBatchSize,
		MinBatchSize: a.cfg.Batch.MinBatchSize,
	}, a.log)

	return server.Run(ctx, a.cfg.General.ListenAddr)
}
