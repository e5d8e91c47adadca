// Package config loads and saves the swap daemon configuration.
// All swap timing, fee and chain endpoint parameters are defined here.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config validation errors
var (
	ErrInvalidExpiration = errors.New("swap expiration must exceed twice the minimum lock time delta")
	ErrInvalidFeeRate    = errors.New("bitcoin fee rate must be positive")
	ErrInvalidInterval   = errors.New("intervals must be positive")
	ErrMissingRPCListen  = errors.New("rpc listen address required when rpc is enabled")
	ErrInvalidOrigin     = errors.New("rpc allowed origin must be scheme://host[:port]")
)

// CookieFileName holds the generated RPC token when none is configured.
const CookieFileName = "rpc.cookie"

// Config holds all configuration for the swap daemon.
type Config struct {
	// Network is mainnet, testnet or regtest. It selects chain parameters
	// and backend URLs for both chains.
	Network string `yaml:"network"`

	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Bitcoin  BitcoinConfig  `yaml:"bitcoin"`
	Ethereum EthereumConfig `yaml:"ethereum"`
	Swap     SwapConfig     `yaml:"swap"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	RPC      RPCConfig      `yaml:"rpc"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database and config file.
	DataDir string `yaml:"data_dir"`

	// PassphraseEnv names the environment variable holding the passphrase
	// that seals swap secrets at rest.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// BitcoinConfig holds UTXO chain settings.
type BitcoinConfig struct {
	Backend *backend.Config `yaml:"backend"`

	// FeeRate is the fee rate in sat/vB used for funding, redeem and
	// refund transactions.
	FeeRate uint64 `yaml:"fee_rate"`

	// Confirmations is how many confirmations a funding transaction needs
	// before the leg counts as funded. Zero uses the chain default.
	Confirmations int64 `yaml:"confirmations"`

	// KeyEnv names the environment variable holding the WIF private key.
	KeyEnv string `yaml:"key_env"`
}

// EthereumConfig holds account chain settings.
type EthereumConfig struct {
	RPCURL string `yaml:"rpc_url"`

	// ChainID is checked against the node. Zero uses the network default.
	ChainID uint64 `yaml:"chain_id"`

	// ArtifactPath is the compiled escrow contract (Hardhat or Foundry JSON).
	ArtifactPath string `yaml:"artifact_path"`

	// Confirmations is how many blocks the deploy must be buried under.
	// Zero uses the chain default.
	Confirmations int64 `yaml:"confirmations"`

	// KeyEnv names the environment variable holding the hex private key.
	KeyEnv string `yaml:"key_env"`
}

// SwapConfig holds atomic swap timing parameters.
type SwapConfig struct {
	// DefaultExpiration is how long after creation the initiator's leg
	// can be refunded. The counterparty leg unlocks halfway.
	DefaultExpiration time.Duration `yaml:"default_expiration"`

	// MinLockTimeDelta is the minimum gap between the two legs' timeouts.
	MinLockTimeDelta time.Duration `yaml:"min_lock_time_delta"`

	// SweepInterval is how often pending swaps are checked for expiry.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WatcherConfig holds chain watcher settings.
type WatcherConfig struct {
	// PollInterval is how often lock addresses and escrows are polled.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxBackoff caps the retry delay after chain call failures.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RPCConfig holds the local control server settings.
type RPCConfig struct {
	// Enabled starts the JSON-RPC and WebSocket server.
	Enabled bool `yaml:"enabled"`

	// Listen is the address to bind. Keep it on loopback.
	Listen string `yaml:"listen"`

	// AuthTokenEnv names the environment variable holding the bearer
	// token clients must send. When it is unset a random token is kept in
	// the rpc.cookie file in the data directory.
	AuthTokenEnv string `yaml:"auth_token_env"`

	// AllowedOrigins lists the browser origins (scheme://host[:port]) that
	// may call the server. Requests carrying any other Origin are refused.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: string(chain.Testnet),
		Storage: StorageConfig{
			DataDir:       "~/.htlcswap",
			PassphraseEnv: "HTLCSWAP_PASSPHRASE",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Bitcoin: BitcoinConfig{
			Backend: backend.DefaultConfig(),
			FeeRate: 10,
			KeyEnv:  "HTLCSWAP_BTC_KEY",
		},
		Ethereum: EthereumConfig{
			RPCURL:       "http://127.0.0.1:8545",
			ArtifactPath: "contracts/out/HashedTimelockEscrow.json",
			KeyEnv:       "HTLCSWAP_ETH_KEY",
		},
		Swap: SwapConfig{
			DefaultExpiration: 48 * time.Hour,
			MinLockTimeDelta:  12 * time.Hour,
			SweepInterval:     time.Minute,
		},
		Watcher: WatcherConfig{
			PollInterval: 30 * time.Second,
			MaxBackoff:   5 * time.Minute,
		},
		RPC: RPCConfig{
			Enabled:      true,
			Listen:       "127.0.0.1:9650",
			AuthTokenEnv: "HTLCSWAP_RPC_TOKEN",
		},
	}
}

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Bitcoin.Backend == nil {
		cfg.Bitcoin.Backend = backend.DefaultConfig()
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# HTLC Swap Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(c.Network); err != nil {
		return err
	}
	if c.Bitcoin.FeeRate == 0 {
		return ErrInvalidFeeRate
	}
	if c.Swap.SweepInterval <= 0 || c.Watcher.PollInterval <= 0 || c.Watcher.MaxBackoff <= 0 {
		return ErrInvalidInterval
	}
	if c.RPC.Enabled && c.RPC.Listen == "" {
		return ErrMissingRPCListen
	}
	for _, origin := range c.RPC.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
		}
	}
	// The counterparty leg unlocks at half the expiration, so the gap
	// between the legs is DefaultExpiration/2.
	if c.Swap.DefaultExpiration/2 < c.Swap.MinLockTimeDelta {
		return fmt.Errorf("%w: expiration %s, delta %s", ErrInvalidExpiration, c.Swap.DefaultExpiration, c.Swap.MinLockTimeDelta)
	}
	return nil
}

// ChainNetwork returns the parsed network. Call Validate first.
func (c *Config) ChainNetwork() chain.Network {
	n, _ := chain.ParseNetwork(c.Network)
	return n
}

// BitcoinParams returns the registered BTC parameters for the network.
func (c *Config) BitcoinParams() *chain.Params {
	return chain.MustGet(chain.BTC, c.ChainNetwork())
}

// EthereumParams returns the registered ETH parameters for the network.
func (c *Config) EthereumParams() *chain.Params {
	return chain.MustGet(chain.ETH, c.ChainNetwork())
}

// BitcoinConfirmations returns the configured confirmation threshold or
// the chain default.
func (c *Config) BitcoinConfirmations() int64 {
	if c.Bitcoin.Confirmations > 0 {
		return c.Bitcoin.Confirmations
	}
	return c.BitcoinParams().DefaultConfirmations
}

// EthereumConfirmations returns the configured confirmation threshold or
// the chain default.
func (c *Config) EthereumConfirmations() int64 {
	if c.Ethereum.Confirmations > 0 {
		return c.Ethereum.Confirmations
	}
	return c.EthereumParams().DefaultConfirmations
}

// EthereumChainID returns the configured chain id or the network default.
func (c *Config) EthereumChainID() uint64 {
	if c.Ethereum.ChainID != 0 {
		return c.Ethereum.ChainID
	}
	return c.EthereumParams().ChainID
}

// Passphrase reads the storage passphrase from the configured environment
// variable. Empty if unset.
func (c *Config) Passphrase() string {
	if c.Storage.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Storage.PassphraseEnv)
}

// RPCAuthToken returns the token RPC clients must present: the value of
// AuthTokenEnv if set, otherwise the contents of the cookie file in
// dataDir, created with a random token on first use.
func (c *Config) RPCAuthToken(dataDir string) (string, error) {
	if c.RPC.AuthTokenEnv != "" {
		if token := strings.TrimSpace(os.Getenv(c.RPC.AuthTokenEnv)); token != "" {
			return token, nil
		}
	}

	path := filepath.Join(ExpandPath(dataDir), CookieFileName)
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read rpc cookie: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate rpc token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write rpc cookie: %w", err)
	}
	return token, nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
