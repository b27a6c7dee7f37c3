package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/airchains-network/donation-anchor/batch"
	"github.com/airchains-network/donation-anchor/batch/ledger"
	"github.com/airchains-network/donation-anchor/config"
	"github.com/airchains-network/donation-anchor/db"
	"github.com/airchains-network/donation-anchor/eth"
	"github.com/airchains-network/donation-anchor/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func configPath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path, nil
	}
	home, err := config.HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "config.toml"), nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := configPath(cmd)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %v", err)
	}
	return cfg, nil
}

// app is the wired service shared by every command
type app struct {
	cfg     config.Config
	log     *logrus.Logger
	store   *db.Store
	manager *batch.Manager
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openApp loads config and opens the store. The ledger is only dialled when
// withLedger is set; otherwise anchoring through the returned manager fails.
func openApp(ctx context.Context, cmd *cobra.Command, withLedger bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.General.LogLevel)

	store, err := db.OpenStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %v", cfg.Database.Path, err)
	}
	a := &app{cfg: cfg, log: log, store: store}
	a.closers = append(a.closers, func() { store.Close() })

	var anchorer batch.Anchorer = offlineLedger(cfg.Ledger.Type)
	if withLedger {
		client, err := a.dialLedger(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		anchorer = client
	}

	backoff, _ := cfg.Batch.Backoff()
	a.manager = batch.NewManager(store, anchorer, batch.Config{
		MaxRetries:  cfg.Batch.MaxRetries,
		BackoffBase: backoff,
	}, log)
	return a, nil
}

func (a *app) dialLedger(ctx context.Context) (*ledger.Client, error) {
	lc := a.cfg.Ledger
	timeout, _ := lc.Timeout()
	floor, _ := lc.Floor()

	var backend ledger.Backend
	switch lc.Type {
	case config.LedgerEVM:
		client, err := eth.NewClient(ctx, lc.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize EVM client: %v", err)
		}
		a.closers = append(a.closers, client.Close)
		evm, err := ledger.NewEVMBackend(client.Eth, client.ChainID(), lc.PrivateKey, a.log)
		if err != nil {
			return nil, err
		}
		backend = evm
	case config.LedgerCelestia:
		cel, err := ledger.NewCelestiaBackend(ctx, lc.NodeAddr, lc.AuthToken, lc.Namespace, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cel.Close)
		backend = cel
	case config.LedgerAvail:
		avail, err := ledger.NewAvailBackend(lc.NodeAddr, lc.AuthToken, lc.AppID, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, avail.Close)
		backend = avail
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", lc.Type)
	}

	a.log.Infof("Successfully connected to %s ledger", backend.Name())
	return ledger.NewClient(backend, ledger.Options{
		MaxMemoBytes:   lc.MaxMemoBytes,
		MinBalance:     floor,
		ConfirmTimeout: timeout,
	}, a.log), nil
}

// offlineLedger names the configured ledger for commands that never anchor
type offlineLedger string

func (o offlineLedger) Name() string { return string(o) }

func (o offlineLedger) Anchor(context.Context, *types.Batch) (*ledger.Receipt, error) {
	return nil, errors.New("ledger is not connected")
}
