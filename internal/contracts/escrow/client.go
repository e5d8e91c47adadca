package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	model "github.com/klingon-exchange/klingon-htlc/internal/escrow"
	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// DefaultPollInterval is used to poll for logs when the node does not
// support subscriptions (plain HTTP endpoints).
const DefaultPollInterval = 15 * time.Second

// Backend is the node connection the client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client deploys and drives escrow contracts from one account.
type Client struct {
	backend      Backend
	eth          *ethclient.Client
	abi          abi.ABI
	bytecode     []byte
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration
	log          *logging.Logger
}

// Dial connects to an Ethereum node and returns a client that signs with key.
func Dial(ctx context.Context, rpcURL string, artifact *Artifact, key *ecdsa.PrivateKey) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, swaperr.ChainCall("dial", err)
	}

	c, err := NewClient(ctx, eth, artifact, key)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.eth = eth
	return c, nil
}

// NewClient creates a client over an existing backend.
func NewClient(ctx context.Context, backend Backend, artifact *Artifact, key *ecdsa.PrivateKey) (*Client, error) {
	if artifact == nil || len(artifact.Bytecode) == 0 {
		return nil, fmt.Errorf("%w: no bytecode", swaperr.ErrArtifactMissing)
	}
	if key == nil {
		return nil, fmt.Errorf("signing key required")
	}

	parsed, err := HashedTimelockEscrowMetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, swaperr.ChainCall("chain id", err)
	}

	return &Client{
		backend:      backend,
		abi:          *parsed,
		bytecode:     artifact.Bytecode,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		pollInterval: DefaultPollInterval,
		log:          logging.GetDefault().Component("escrow"),
	}, nil
}

// Close closes the underlying RPC connection if the client dialed it.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// Address returns the account the client sends from.
func (c *Client) Address() common.Address {
	return c.from
}

// ChainID returns the chain ID.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// SetPollInterval changes how often logs are polled without subscriptions.
func (c *Client) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// Deploy creates a new escrow holding terms.Amount for terms.Recipient and
// waits for it to be mined.
func (c *Client) Deploy(ctx context.Context, terms model.Terms) (common.Address, common.Hash, error) {
	if terms.Amount == nil || terms.Amount.Sign() <= 0 {
		return common.Address{}, common.Hash{}, model.ErrZeroValue
	}
	if terms.Recipient == (common.Address{}) {
		return common.Address{}, common.Hash{}, model.ErrZeroRecipient
	}

	auth, err := c.newTransactor(ctx)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	auth.Value = new(big.Int).Set(terms.Amount)

	addr, tx, _, err := bind.DeployContract(auth, c.abi, c.bytecode, c.backend,
		terms.Recipient, [32]byte(terms.Hashlock), big.NewInt(terms.Timeout.Unix()))
	if err != nil {
		return common.Address{}, common.Hash{}, swaperr.ChainCall("deploy escrow", err)
	}

	c.log.Info("Escrow deploy sent", "tx", tx.Hash().Hex(), "address", addr.Hex())

	if _, err := c.waitSuccess(ctx, tx); err != nil {
		return addr, tx.Hash(), err
	}
	return addr, tx.Hash(), nil
}

// Claim reveals s to the escrow at addr and waits for it to be mined.
func (c *Client) Claim(ctx context.Context, addr common.Address, s secret.Secret) (common.Hash, error) {
	return c.transact(ctx, addr, "claim", [32]byte(s))
}

// Refund refunds the escrow at addr and waits for it to be mined.
func (c *Client) Refund(ctx context.Context, addr common.Address) (common.Hash, error) {
	return c.transact(ctx, addr, "refund")
}

// Read returns the on-chain state of the escrow at addr.
func (c *Client) Read(ctx context.Context, addr common.Address) (*model.Record, error) {
	contract := c.boundAt(addr)
	opts := &bind.CallOpts{Context: ctx}

	owner, err := call[common.Address](contract, opts, "owner")
	if err != nil {
		return nil, err
	}
	recipient, err := call[common.Address](contract, opts, "recipient")
	if err != nil {
		return nil, err
	}
	hashlock, err := call[[32]byte](contract, opts, "hashlock")
	if err != nil {
		return nil, err
	}
	timeout, err := call[*big.Int](contract, opts, "timeout")
	if err != nil {
		return nil, err
	}
	amount, err := call[*big.Int](contract, opts, "amount")
	if err != nil {
		return nil, err
	}
	claimed, err := call[bool](contract, opts, "claimed")
	if err != nil {
		return nil, err
	}
	refunded, err := call[bool](contract, opts, "refunded")
	if err != nil {
		return nil, err
	}

	return &model.Record{
		Owner:     owner,
		Recipient: recipient,
		Hashlock:  secret.Hashlock(hashlock),
		Timeout:   time.Unix(timeout.Int64(), 0),
		Amount:    amount,
		Claimed:   claimed,
		Refunded:  refunded,
	}, nil
}

// FilterSecretRevealed returns SecretRevealed events of the escrow at addr
// from fromBlock onwards.
func (c *Client) FilterSecretRevealed(ctx context.Context, addr common.Address, fromBlock uint64) ([]model.Event, error) {
	contract := c.boundAt(addr)
	logs, sub, err := contract.FilterLogs(&bind.FilterOpts{Start: fromBlock, Context: ctx}, "SecretRevealed")
	if err != nil {
		return nil, swaperr.ChainCall("filter SecretRevealed", err)
	}
	defer sub.Unsubscribe()

	var events []model.Event
	add := func(log types.Log) {
		ev, err := parseSecretRevealed(&c.abi, log)
		if err != nil {
			c.log.Debug("Skipping log", "tx", log.TxHash.Hex(), "error", err)
			return
		}
		events = append(events, ev)
	}

	for {
		select {
		case log := <-logs:
			add(log)
		case err := <-sub.Err():
			if err != nil {
				return nil, swaperr.ChainCall("filter SecretRevealed", err)
			}
			for {
				select {
				case log := <-logs:
					add(log)
				default:
					return events, nil
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WatchSecretRevealed delivers the escrow's SecretRevealed event, including
// one emitted before the call. The channel is closed after the event is
// delivered or when ctx is done. Nodes without subscription support are
// polled.
func (c *Client) WatchSecretRevealed(ctx context.Context, addr common.Address) (<-chan model.Event, error) {
	past, err := c.FilterSecretRevealed(ctx, addr, 0)
	if err != nil {
		return nil, err
	}

	out := make(chan model.Event, 1)
	if len(past) > 0 {
		out <- past[0]
		close(out)
		return out, nil
	}

	contract := c.boundAt(addr)
	logs, sub, err := contract.WatchLogs(&bind.WatchOpts{Context: ctx}, "SecretRevealed")
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		go c.pollSecretRevealed(ctx, addr, out)
		return out, nil
	}
	if err != nil {
		return nil, swaperr.ChainCall("watch SecretRevealed", err)
	}

	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case log := <-logs:
				ev, err := parseSecretRevealed(&c.abi, log)
				if err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
				return
			case err := <-sub.Err():
				if err != nil {
					c.log.Warn("SecretRevealed subscription ended", "escrow", addr.Hex(), "error", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) pollSecretRevealed(ctx context.Context, addr common.Address, out chan<- model.Event) {
	defer close(out)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := c.FilterSecretRevealed(ctx, addr, 0)
			if err != nil {
				c.log.Debug("Poll SecretRevealed failed", "escrow", addr.Hex(), "error", err)
				continue
			}
			if len(events) > 0 {
				select {
				case out <- events[0]:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}

func (c *Client) transact(ctx context.Context, addr common.Address, method string, params ...interface{}) (common.Hash, error) {
	auth, err := c.newTransactor(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx, err := c.boundAt(addr).Transact(auth, method, params...)
	if err != nil {
		return common.Hash{}, swaperr.ChainCall(method, err)
	}

	c.log.Info("Escrow call sent", "method", method, "escrow", addr.Hex(), "tx", tx.Hash().Hex())

	if _, err := c.waitSuccess(ctx, tx); err != nil {
		return tx.Hash(), err
	}
	return tx.Hash(), nil
}

func (c *Client) waitSuccess(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, swaperr.ChainCall("wait mined", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *Client) boundAt(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, c.abi, c.backend, c.backend, c.backend)
}

func (c *Client) newTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

func call[T any](contract *bind.BoundContract, opts *bind.CallOpts, method string) (T, error) {
	var zero T
	var out []interface{}
	if err := contract.Call(opts, &out, method); err != nil {
		return zero, swaperr.ChainCall(method, err)
	}
	if len(out) == 0 {
		return zero, fmt.Errorf("%s: empty result", method)
	}
	v, ok := abi.ConvertType(out[0], new(T)).(*T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return *v, nil
}

// parseSecretRevealed decodes a SecretRevealed log.
func parseSecretRevealed(parsed *abi.ABI, log types.Log) (model.Event, error) {
	event, ok := parsed.Events["SecretRevealed"]
	if !ok {
		return model.Event{}, fmt.Errorf("ABI has no SecretRevealed event")
	}
	if len(log.Topics) == 0 || log.Topics[0] != event.ID {
		return model.Event{}, fmt.Errorf("not a SecretRevealed log")
	}

	var out struct {
		Secret [32]byte
	}
	if err := parsed.UnpackIntoInterface(&out, "SecretRevealed", log.Data); err != nil {
		return model.Event{}, fmt.Errorf("failed to unpack SecretRevealed: %w", err)
	}

	return model.Event{
		Type:   model.EventSecretRevealed,
		Escrow: log.Address,
		Secret: secret.Secret(out.Secret),
		TxHash: log.TxHash,
	}, nil
}

// ParsePrivateKey parses a hex-encoded private key, with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
