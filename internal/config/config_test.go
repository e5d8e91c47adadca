package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != "testnet" {
		t.Errorf("expected testnet, got %s", cfg.Network)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Bitcoin.Backend == nil || cfg.Bitcoin.Backend.Type != backend.TypeMempool {
		t.Errorf("expected mempool backend, got %+v", cfg.Bitcoin.Backend)
	}
	if cfg.Swap.DefaultExpiration != 48*time.Hour {
		t.Errorf("expected 48h expiration, got %v", cfg.Swap.DefaultExpiration)
	}
	if !cfg.RPC.Enabled || cfg.RPC.Listen != "127.0.0.1:9650" {
		t.Errorf("unexpected rpc defaults %+v", cfg.RPC)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"bad network", func(c *Config) { c.Network = "signet" }, nil},
		{"zero fee rate", func(c *Config) { c.Bitcoin.FeeRate = 0 }, ErrInvalidFeeRate},
		{"zero poll", func(c *Config) { c.Watcher.PollInterval = 0 }, ErrInvalidInterval},
		{"zero sweep", func(c *Config) { c.Swap.SweepInterval = 0 }, ErrInvalidInterval},
		{"legs too close", func(c *Config) { c.Swap.DefaultExpiration = 20 * time.Hour }, ErrInvalidExpiration},
		{"rpc without listen", func(c *Config) { c.RPC.Listen = "" }, ErrMissingRPCListen},
		{"origin without scheme", func(c *Config) { c.RPC.AllowedOrigins = []string{"localhost:3000"} }, ErrInvalidOrigin},
		{"origin with path", func(c *Config) { c.RPC.AllowedOrigins = []string{"http://localhost:3000/app"} }, ErrInvalidOrigin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestChainDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network = "regtest"

	if got := cfg.ChainNetwork(); got != chain.Regtest {
		t.Errorf("ChainNetwork() = %s", got)
	}
	if got := cfg.EthereumChainID(); got != 1337 {
		t.Errorf("EthereumChainID() = %d, want 1337", got)
	}
	if got := cfg.BitcoinConfirmations(); got != 1 {
		t.Errorf("BitcoinConfirmations() = %d, want 1", got)
	}

	cfg.Ethereum.ChainID = 31337
	cfg.Bitcoin.Confirmations = 6
	if got := cfg.EthereumChainID(); got != 31337 {
		t.Errorf("EthereumChainID() override = %d", got)
	}
	if got := cfg.BitcoinConfirmations(); got != 6 {
		t.Errorf("BitcoinConfirmations() override = %d", got)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigFileName)
	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, tmpDir)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# HTLC Swap Daemon Configuration") {
		t.Error("config file missing header")
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Network = "regtest"
	cfg.Storage.DataDir = tmpDir
	cfg.Bitcoin.FeeRate = 25
	cfg.Ethereum.RPCURL = "http://anvil:8545"
	cfg.Swap.DefaultExpiration = 6 * time.Hour
	cfg.Swap.MinLockTimeDelta = time.Hour
	cfg.Watcher.PollInterval = 5 * time.Second

	if err := cfg.Save(ConfigPath(tmpDir)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if loaded.Network != "regtest" {
		t.Errorf("Network = %s", loaded.Network)
	}
	if loaded.Bitcoin.FeeRate != 25 {
		t.Errorf("FeeRate = %d", loaded.Bitcoin.FeeRate)
	}
	if loaded.Ethereum.RPCURL != "http://anvil:8545" {
		t.Errorf("RPCURL = %s", loaded.Ethereum.RPCURL)
	}
	if loaded.Swap.DefaultExpiration != 6*time.Hour {
		t.Errorf("DefaultExpiration = %v", loaded.Swap.DefaultExpiration)
	}
	if loaded.Watcher.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v", loaded.Watcher.PollInterval)
	}
	if loaded.Bitcoin.Backend == nil || loaded.Bitcoin.Backend.TestnetURL != cfg.Bitcoin.Backend.TestnetURL {
		t.Errorf("Backend = %+v", loaded.Bitcoin.Backend)
	}
}

func TestLoadConfigPartialFile(t *testing.T) {
	tmpDir := t.TempDir()

	partial := "network: mainnet\nwatcher:\n  poll_interval: 1m\n"
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(partial), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Network != "mainnet" {
		t.Errorf("Network = %s", cfg.Network)
	}
	if cfg.Watcher.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v", cfg.Watcher.PollInterval)
	}
	// Unset fields keep their defaults.
	if cfg.Bitcoin.FeeRate != 10 {
		t.Errorf("FeeRate = %d, want default 10", cfg.Bitcoin.FeeRate)
	}
	if cfg.Bitcoin.Backend == nil {
		t.Error("Backend lost")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte("network: [\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(tmpDir); err == nil {
		t.Error("LoadConfig() = nil error for invalid YAML")
	}
}

func TestPassphrase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.PassphraseEnv = "HTLCSWAP_TEST_PASSPHRASE"
	t.Setenv("HTLCSWAP_TEST_PASSPHRASE", "hunter2")

	if got := cfg.Passphrase(); got != "hunter2" {
		t.Errorf("Passphrase() = %q", got)
	}

	cfg.Storage.PassphraseEnv = ""
	if got := cfg.Passphrase(); got != "" {
		t.Errorf("Passphrase() with no env = %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/.htlcswap"); got != filepath.Join(home, ".htlcswap") {
		t.Errorf("ExpandPath(~/.htlcswap) = %s", got)
	}
	if got := ExpandPath("/data"); got != "/data" {
		t.Errorf("ExpandPath(/data) = %s", got)
	}
}

func TestRPCAuthToken(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.RPC.AuthTokenEnv = "HTLCSWAP_TEST_RPC_TOKEN"
	t.Setenv("HTLCSWAP_TEST_RPC_TOKEN", "")

	first, err := cfg.RPCAuthToken(dir)
	if err != nil {
		t.Fatalf("RPCAuthToken() error = %v", err)
	}
	if len(first) != 64 {
		t.Errorf("generated token length = %d, want 64", len(first))
	}
	info, err := os.Stat(filepath.Join(dir, CookieFileName))
	if err != nil {
		t.Fatalf("cookie not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("cookie mode = %v, want 0600", info.Mode().Perm())
	}

	second, err := cfg.RPCAuthToken(dir)
	if err != nil || second != first {
		t.Errorf("cookie token not reused: %q, %v", second, err)
	}

	t.Setenv("HTLCSWAP_TEST_RPC_TOKEN", " s3cret ")
	if got, _ := cfg.RPCAuthToken(dir); got != "s3cret" {
		t.Errorf("RPCAuthToken() with env = %q", got)
	}
}
