package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	LedgerEVM      = "evm"
	LedgerCelestia = "celestia"
	LedgerAvail    = "avail"
)

const defaultAvailAppID = 36

// Config holds the application configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Database DatabaseConfig `toml:"database"`
	Batch    BatchConfig    `toml:"batch"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Admin    AdminConfig    `toml:"admin"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`
}

// DatabaseConfig holds database paths
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// BatchConfig holds batch sizing and retry policy
type BatchConfig struct {
	MaxBatchSize int    `toml:"max_batch_size"`
	MinBatchSize int    `toml:"min_batch_size"`
	MaxRetries   int    `toml:"max_retries"`
	BackoffBase  string `toml:"backoff_base" comment:"advisory delay unit returned by retry, e.g. 1s"`
}

// LedgerConfig selects and configures the anchoring ledger
type LedgerConfig struct {
	Type           string `toml:"type" comment:"evm, celestia or avail"`
	MaxMemoBytes   int    `toml:"max_memo_bytes"`
	MinBalance     string `toml:"min_balance" comment:"fee floor in the ledger's base unit"`
	ConfirmTimeout string `toml:"confirm_timeout"`

	// evm
	RPCURL     string `toml:"rpc_url"`
	PrivateKey string `toml:"private_key"`

	// celestia and avail
	NodeAddr  string `toml:"node_addr"`
	AuthToken string `toml:"auth_token" comment:"celestia node token, or the avail account seed"`
	Namespace string `toml:"namespace"`
	AppID     uint32 `toml:"app_id" comment:"avail application id"`
}

// AdminConfig guards the admin control surface
type AdminConfig struct {
	TokenHash string `toml:"token_hash" comment:"bcrypt hash of the admin bearer token"`
}

// HomeDir is where init writes config and data
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %v", err)
	}
	return filepath.Join(home, ".donation-anchor"), nil
}

// DefaultConfig returns the default configuration values
func DefaultConfig() Config {
	dataPath := "./data/anchor_db"
	if home, err := HomeDir(); err == nil {
		dataPath = filepath.Join(home, "data", "anchor_db")
	}
	return Config{
		General: GeneralConfig{
			ListenAddr: ":11111",
			LogLevel:   "info",
		},
		Database: DatabaseConfig{
			Path: dataPath,
		},
		Batch: BatchConfig{
			MaxBatchSize: 100,
			MinBatchSize: 1,
			MaxRetries:   5,
			BackoffBase:  "1s",
		},
		Ledger: LedgerConfig{
			Type:           LedgerEVM,
			MaxMemoBytes:   566,
			MinBalance:     "0",
			ConfirmTimeout: "60s",
			RPCURL:         "http://127.0.0.1:8545",
		},
	}
}

// LoadConfig reads from config.toml and returns Config struct
func LoadConfig(path string) (Config, error) {
	var cfg Config
	file, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %v", err)
	}

	err = toml.Unmarshal(file, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %v", err)
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fillDefaults replaces keys missing from the file with DefaultConfig values
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}

	setString(&c.General.ListenAddr, d.General.ListenAddr)
	setString(&c.General.LogLevel, d.General.LogLevel)
	setString(&c.Database.Path, d.Database.Path)
	setInt(&c.Batch.MaxBatchSize, d.Batch.MaxBatchSize)
	setInt(&c.Batch.MaxRetries, d.Batch.MaxRetries)
	setString(&c.Batch.BackoffBase, d.Batch.BackoffBase)
	setString(&c.Ledger.Type, d.Ledger.Type)
	setInt(&c.Ledger.MaxMemoBytes, d.Ledger.MaxMemoBytes)
	setString(&c.Ledger.MinBalance, d.Ledger.MinBalance)
	setString(&c.Ledger.ConfirmTimeout, d.Ledger.ConfirmTimeout)
	switch c.Ledger.Type {
	case LedgerEVM:
		setString(&c.Ledger.RPCURL, d.Ledger.RPCURL)
	case LedgerAvail:
		if c.Ledger.AppID == 0 {
			c.Ledger.AppID = defaultAvailAppID
		}
	}
}

// Save writes the config as TOML, creating parent directories
func (c Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}
	// private key and token hash live here
	return os.WriteFile(path, data, 0600)
}

// Validate checks the values a running service depends on
func (c Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Batch.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("batch.max_batch_size must be positive"))
	}
	if c.Batch.MinBatchSize < 0 || c.Batch.MinBatchSize > c.Batch.MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch.min_batch_size must be between 0 and %d", c.Batch.MaxBatchSize))
	}
	if c.Batch.MaxRetries <= 0 {
		errs = append(errs, errors.New("batch.max_retries must be positive"))
	}
	if _, err := c.Batch.Backoff(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Ledger.Timeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Ledger.Floor(); err != nil {
		errs = append(errs, err)
	}

	switch c.Ledger.Type {
	case LedgerEVM:
		if c.Ledger.RPCURL == "" {
			errs = append(errs, errors.New("ledger.rpc_url is required for evm"))
		}
	case LedgerCelestia:
		if c.Ledger.NodeAddr == "" || c.Ledger.Namespace == "" {
			errs = append(errs, errors.New("ledger.node_addr and ledger.namespace are required for celestia"))
		}
	case LedgerAvail:
		if c.Ledger.NodeAddr == "" || c.Ledger.AuthToken == "" {
			errs = append(errs, errors.New("ledger.node_addr and ledger.auth_token are required for avail"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid ledger.type %q, must be 'evm', 'celestia' or 'avail'", c.Ledger.Type))
	}
	return errors.Join(errs...)
}

// Backoff parses backoff_base
func (b BatchConfig) Backoff() (time.Duration, error) {
	d, err := time.ParseDuration(b.BackoffBase)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid batch.backoff_base %q", b.BackoffBase)
	}
	return d, nil
}

// Timeout parses confirm_timeout
func (l LedgerConfig) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(l.ConfirmTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid ledger.confirm_timeout %q", l.ConfirmTimeout)
	}
	return d, nil
}

// Floor parses min_balance as a base-10 integer
func (l LedgerConfig) Floor() (*big.Int, error) {
	if l.MinBalance == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(l.MinBalance, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid ledger.min_balance %q", l.MinBalance)
	}
	return v, nil
}
