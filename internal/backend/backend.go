// Package backend provides the UTXO chain client: reading addresses,
// transactions and blocks from an indexer API and broadcasting raw
// transactions. It never handles private keys.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`        // in smallest unit (satoshis)
	ScriptPubKey  string `json:"scriptpubkey"` // hex encoded, empty if the API omits it
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction represents a transaction.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	Size          int64      `json:"size"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID      string    `json:"txid"`
	Vout      uint32    `json:"vout"`
	ScriptSig string    `json:"scriptsig,omitempty"`
	Witness   []string  `json:"witness,omitempty"`
	Sequence  uint32    `json:"sequence"`
	PrevOut   *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// Outspend reports whether an output has been spent and by which input.
type Outspend struct {
	Spent       bool   `json:"spent"`
	TxID        string `json:"txid,omitempty"`
	Vin         uint32 `json:"vin,omitempty"`
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// BlockHeader contains block header info.
type BlockHeader struct {
	Hash         string `json:"hash"`
	Height       int64  `json:"height"`
	Version      int32  `json:"version"`
	PreviousHash string `json:"previousblockhash"`
	MerkleRoot   string `json:"merkle_root"`
	Timestamp    int64  `json:"timestamp"`
	MedianTime   int64  `json:"mediantime"`
	Bits         uint32 `json:"bits"`
	Nonce        uint32 `json:"nonce"`
	TxCount      int64  `json:"tx_count"`
}

// Backend defines the UTXO chain calls a swap needs.
// Transport failures are wrapped with swaperr.ErrChainCall.
type Backend interface {
	// Type returns the backend type (mempool, esplora)
	Type() Type

	// Connect checks the API is reachable.
	Connect(ctx context.Context) error

	// Close releases the backend.
	Close() error

	// IsConnected returns true after a successful Connect.
	IsConnected() bool

	// Address operations
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	// Transaction operations
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// Block operations
	GetBlockHeight(ctx context.Context) (int64, error)
	GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error)
}

// Config contains backend configuration.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`
	RegtestURL string `yaml:"regtest,omitempty"`

	// Optional settings
	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultConfig returns the default Bitcoin backend configuration.
func DefaultConfig() *Config {
	return &Config{
		Type:       TypeMempool,
		MainnetURL: "https://mempool.space/api",
		TestnetURL: "https://mempool.space/testnet4/api",
		RegtestURL: "http://127.0.0.1:3002/api",
		Timeout:    30,
	}
}

// URL returns the endpoint for network.
func (c *Config) URL(network chain.Network) string {
	switch network {
	case chain.Testnet:
		return c.TestnetURL
	case chain.Regtest:
		return c.RegtestURL
	default:
		return c.MainnetURL
	}
}

// New creates the backend described by cfg for network.
func New(cfg *Config, network chain.Network) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	url := cfg.URL(network)
	if url == "" {
		return nil, fmt.Errorf("no %s URL for %s backend", network, cfg.Type)
	}

	var timeout time.Duration
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	switch cfg.Type {
	case TypeMempool, "":
		b := NewMempoolBackend(url)
		b.setTimeout(timeout)
		return b, nil
	case TypeEsplora:
		b := NewEsploraBackend(url)
		b.setTimeout(timeout)
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}
