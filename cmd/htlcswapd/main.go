// Package main provides htlcswapd - a daemon that drives BTC/ETH hash
// time locked swaps.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/bitcoin"
	"github.com/klingon-exchange/klingon-htlc/internal/config"
	escrowclient "github.com/klingon-exchange/klingon-htlc/internal/contracts/escrow"
	"github.com/klingon-exchange/klingon-htlc/internal/escrow"
	"github.com/klingon-exchange/klingon-htlc/internal/rpc"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/internal/swap"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// simulatedAccount is the in-process escrow account used with -simulate.
var simulatedAccount = common.HexToAddress("0x000000000000000000000000000000000000a11c")

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.htlcswap", "Data directory")
		network     = flag.String("network", "", "Network (mainnet, testnet, regtest), overrides config")
		rpcAddr     = flag.String("rpc", "", "JSON-RPC listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		simulate    = flag.Bool("simulate", false, "Use an in-process escrow ledger instead of an Ethereum node")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("htlcswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	cfg.Storage.DataDir = *dataDir
	if *network != "" {
		cfg.Network = *network
	}
	if *rpcAddr != "" {
		cfg.RPC.Listen = *rpcAddr
		cfg.RPC.Enabled = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	log, closeLog := newLogger(cfg.Logging)
	defer closeLog()
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(*dataDir), "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{
		DataDir:    dataPath,
		Passphrase: cfg.Passphrase(),
	})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	net := cfg.ChainNetwork()
	coordinator := swap.NewCoordinator(&swap.CoordinatorConfig{
		Store:            swap.NewSQLStore(store),
		Network:          net,
		MinLockTimeDelta: cfg.Swap.MinLockTimeDelta,
		Logger:           log.Component("swap"),
	})
	defer coordinator.Close()

	// Bitcoin
	btcBackend, err := backend.New(cfg.Bitcoin.Backend, net)
	if err != nil {
		log.Fatal("Failed to create bitcoin backend", "error", err)
	}
	defer btcBackend.Close()
	if err := btcBackend.Connect(ctx); err != nil {
		log.Warn("Bitcoin backend unreachable, will retry", "url", cfg.Bitcoin.Backend.URL(net), "error", err)
	}

	var signer bitcoin.Signer
	if wif := os.Getenv(cfg.Bitcoin.KeyEnv); wif != "" {
		keySigner, err := bitcoin.KeySignerFromWIF(wif, cfg.BitcoinParams().ChaincfgParams())
		if err != nil {
			log.Fatal("Invalid bitcoin key", "env", cfg.Bitcoin.KeyEnv, "error", err)
		}
		signer = keySigner
		if addr, err := bitcoin.P2WPKHAddress(signer, cfg.BitcoinParams().ChaincfgParams()); err == nil {
			log.Info("Bitcoin wallet", "address", addr.EncodeAddress())
		}
	} else {
		log.Warn("No bitcoin key, bitcoin actions disabled", "env", cfg.Bitcoin.KeyEnv)
	}

	// Ethereum
	account, closeAccount := newAccountChain(ctx, cfg, *simulate, log)
	defer closeAccount()

	executor, err := swap.NewExecutor(&swap.ExecutorConfig{
		Coordinator: coordinator,
		Backend:     btcBackend,
		Signer:      signer,
		Account:     account,
		FeeRate:     cfg.Bitcoin.FeeRate,
		Logger:      log.Component("executor"),
	})
	if err != nil {
		log.Fatal("Failed to create executor", "error", err)
	}

	watcher := swap.NewWatcher(&swap.WatcherConfig{
		Coordinator:      coordinator,
		Backend:          btcBackend,
		Account:          account,
		BTCConfirmations: cfg.BitcoinConfirmations(),
		PollInterval:     cfg.Watcher.PollInterval,
		MaxBackoff:       cfg.Watcher.MaxBackoff,
		Logger:           log.Component("watcher"),
	})

	done := make(chan struct{}, 2)
	go func() {
		watcher.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		runSweeper(ctx, coordinator, cfg.Swap.SweepInterval, log.Component("sweeper"))
		done <- struct{}{}
	}()

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		token, err := cfg.RPCAuthToken(cfg.Storage.DataDir)
		if err != nil {
			log.Fatal("Failed to load RPC auth token", "error", err)
		}
		if os.Getenv(cfg.RPC.AuthTokenEnv) == "" {
			log.Info("RPC auth token", "cookie", filepath.Join(dataPath, config.CookieFileName))
		}
		rpcServer = rpc.NewServer(&rpc.Config{
			Coordinator:       coordinator,
			Executor:          executor,
			Watcher:           watcher,
			Storage:           store,
			Network:           net,
			DefaultExpiration: cfg.Swap.DefaultExpiration,
			AuthToken:         token,
			AllowedOrigins:    cfg.RPC.AllowedOrigins,
			Logger:            log.Component("rpc"),
		})
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	printBanner(log, cfg, rpcServer, executor)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	cancel()
	<-done
	<-done

	log.Info("Goodbye!")
}

// newLogger builds the daemon logger, writing to the configured file if
// one is set.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, func()) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		path := config.ExpandPath(cfg.File)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600); err == nil {
				out = f
				closeFn = func() { f.Close() }
			}
		}
	}
	return logging.New(&logging.Config{
		Level:      cfg.Level,
		TimeFormat: time.TimeOnly,
		Output:     out,
	}), closeFn
}

// newAccountChain connects the escrow client, or an in-process ledger in
// simulate mode. It returns nil when neither is available.
func newAccountChain(ctx context.Context, cfg *config.Config, simulate bool, log *logging.Logger) (swap.AccountChain, func()) {
	if simulate {
		log.Warn("Simulated escrow ledger in use, nothing touches Ethereum")
		return escrow.NewLedger(clock.New()).As(simulatedAccount), func() {}
	}

	hexKey := os.Getenv(cfg.Ethereum.KeyEnv)
	if hexKey == "" {
		log.Warn("No ethereum key, ethereum actions disabled", "env", cfg.Ethereum.KeyEnv)
		return nil, func() {}
	}
	key, err := escrowclient.ParsePrivateKey(hexKey)
	if err != nil {
		log.Fatal("Invalid ethereum key", "env", cfg.Ethereum.KeyEnv, "error", err)
	}
	artifact, err := escrowclient.LoadArtifact(config.ExpandPath(cfg.Ethereum.ArtifactPath))
	if err != nil {
		log.Fatal("Failed to load escrow artifact", "path", cfg.Ethereum.ArtifactPath, "error", err)
	}

	client, err := escrowclient.Dial(ctx, cfg.Ethereum.RPCURL, artifact, key)
	if err != nil {
		log.Warn("Ethereum node unreachable, ethereum actions disabled", "url", cfg.Ethereum.RPCURL, "error", err)
		return nil, func() {}
	}
	if want := cfg.EthereumChainID(); client.ChainID().Uint64() != want {
		client.Close()
		log.Fatal("Ethereum chain id mismatch", "node", client.ChainID(), "want", want)
	}
	log.Info("Ethereum account", "address", client.Address().Hex(), "chain_id", client.ChainID())
	return client, client.Close
}

// runSweeper expires pending swaps past their expiration every interval.
func runSweeper(ctx context.Context, coord *swap.Coordinator, interval time.Duration, log *logging.Logger) {
	ticker := coord.Clock().Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := coord.SweepExpired(ctx)
			if err != nil {
				log.Error("Sweep failed", "error", err)
				continue
			}
			if len(ids) > 0 {
				log.Info("Expired swaps", "count", len(ids))
			}
		}
	}
}

func printBanner(log *logging.Logger, cfg *config.Config, srv *rpc.Server, exec *swap.Executor) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  HTLC Swap Daemon (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	if srv != nil {
		log.Infof("  API: http://%s", srv.Addr())
		log.Infof("  WS:  ws://%s/ws", srv.Addr())
	} else {
		log.Info("  API: disabled")
	}
	log.Infof("  Bitcoin: %v | Ethereum: %v", exec.CanBitcoin(), exec.CanEthereum())
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
