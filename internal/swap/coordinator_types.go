// Package swap - Type definitions for the Coordinator.
package swap

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/escrow"
	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// EventType names a swap event.
type EventType string

const (
	EventSwapCreated    EventType = "swap_created"
	EventChainFunded    EventType = "chain_funded"
	EventSwapFunded     EventType = "swap_funded"
	EventSecretRevealed EventType = "secret_revealed"
	EventSwapRefunded   EventType = "swap_refunded"
	EventSwapExpired    EventType = "swap_expired"
)

// SwapEvent represents an event that occurred during a swap.
type SwapEvent struct {
	SwapID    string
	Type      EventType
	Status    Status
	Chain     Chain // set for chain_funded
	Timestamp time.Time
}

// EventHandler is called when swap events occur.
type EventHandler func(event SwapEvent)

// Store persists swaps. GetSwap returns ErrSwapNotFound for unknown ids.
type Store interface {
	SaveSwap(ctx context.Context, s *Swap) error
	GetSwap(ctx context.Context, id string) (*Swap, error)
	ListSwapsByStatus(ctx context.Context, statuses ...Status) ([]*Swap, error)
}

// AccountChain is the escrow side of the account chain. Implemented by
// the deployed contract client and by the in-memory escrow ledger.
type AccountChain interface {
	// Address is the account that deploys, claims and refunds.
	Address() common.Address
	Deploy(ctx context.Context, terms escrow.Terms) (common.Address, common.Hash, error)
	Claim(ctx context.Context, addr common.Address, s secret.Secret) (common.Hash, error)
	Refund(ctx context.Context, addr common.Address) (common.Hash, error)
	Read(ctx context.Context, addr common.Address) (*escrow.Record, error)
	WatchSecretRevealed(ctx context.Context, addr common.Address) (<-chan escrow.Event, error)
}

// CoordinatorConfig holds Coordinator dependencies.
type CoordinatorConfig struct {
	Store   Store
	Network chain.Network

	// MinLockTimeDelta is the minimum gap between the two legs' timeouts
	// for swaps with a positive expiration offset. Zero disables the check.
	MinLockTimeDelta time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Logger *logging.Logger
}

// CreateParams describes a new swap.
type CreateParams struct {
	Direction Direction
	BTCAmount int64
	ETHAmount *big.Int

	// Hashlock is set when the counterparty initiated the swap. When nil
	// the local party initiates and a fresh secret is generated.
	Hashlock *secret.Hashlock

	// BTCRecipientPubKey claims the Bitcoin leg with the secret and
	// BTCRefundPubKey refunds it. The lock script is built only when both
	// are set (33-byte compressed keys).
	BTCRecipientPubKey []byte
	BTCRefundPubKey    []byte

	// ETHRecipient claims the Ethereum leg.
	ETHRecipient common.Address

	// BTCLockTime and ETHTimeout are the initiator's agreed leg timeouts.
	// A party joining with Hashlock must pass both so that both sides
	// build the same lock script; the expiration offset is then ignored.
	BTCLockTime uint32
	ETHTimeout  time.Time
}

// hasTimeouts reports whether absolute leg timeouts were supplied.
func (p *CreateParams) hasTimeouts() bool {
	return p.BTCLockTime != 0 || !p.ETHTimeout.IsZero()
}

// Coordinator manages swap state. Mutations are serialized per swap id and
// never hold a lock across chain I/O.
type Coordinator struct {
	store    Store
	network  chain.Network
	minDelta time.Duration
	clock    clock.Clock
	log      *logging.Logger

	locks *keyedMutex

	mu            sync.RWMutex
	eventHandlers []EventHandler
	closed        bool
}

// keyedMutex is a set of mutexes keyed by swap id. Entries are removed
// when no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock locks key and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
