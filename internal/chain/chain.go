// Package chain defines the parameters of the two chains a swap spans:
// the Bitcoin UTXO chain and the Ethereum account chain.
package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network selects mainnet, the public testnet or a local regtest/devnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// ParseNetwork parses a network name.
func ParseNetwork(s string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case Mainnet:
		return Mainnet, nil
	case Testnet:
		return Testnet, nil
	case Regtest:
		return Regtest, nil
	default:
		return "", fmt.Errorf("unknown network %q", s)
	}
}

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin"
	ChainTypeEVM     ChainType = "evm"
)

// Symbols of the supported chains.
const (
	BTC = "BTC"
	ETH = "ETH"
)

// Params contains the parameters of one chain on one network.
type Params struct {
	Symbol   string
	Name     string
	Network  Network
	Type     ChainType
	Decimals uint8

	// Bitcoin-like
	Bech32HRP string

	// EVM
	ChainID uint64

	// DefaultConfirmations is how many confirmations a funding
	// transaction needs before the leg counts as funded.
	DefaultConfirmations int64
}

// ChaincfgParams returns btcd network parameters for a Bitcoin chain,
// or nil for any other chain type.
func (p *Params) ChaincfgParams() *chaincfg.Params {
	if p.Type != ChainTypeBitcoin {
		return nil
	}
	switch p.Network {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return nil
	}
}

var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(params *Params) {
	if registry[params.Symbol] == nil {
		registry[params.Symbol] = make(map[Network]*Params)
	}
	registry[params.Symbol][params.Network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// MustGet is Get for symbols registered by this package. It panics on
// unknown input.
func MustGet(symbol string, network Network) *Params {
	p, ok := Get(symbol, network)
	if !ok {
		panic(fmt.Sprintf("chain: %s/%s not registered", symbol, network))
	}
	return p
}

// List returns all registered chain symbols in sorted order.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
