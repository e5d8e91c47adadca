// Package swap ties the two legs of a cross-chain atomic swap into one
// state machine. The Coordinator owns swap records and only advances them
// on chain-observed facts; the Watcher turns chain observations into
// Coordinator calls; the Executor submits the local party's chain
// transactions.
package swap

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/bitcoin"
	"github.com/klingon-exchange/klingon-htlc/internal/secret"
)

// Common errors
var (
	ErrSwapNotFound      = errors.New("swap not found")
	ErrInvalidTransition = errors.New("invalid swap state transition")
	ErrInvalidDirection  = errors.New("invalid swap direction")
	ErrUnknownChain      = errors.New("unknown chain")
	ErrInvalidAmount     = errors.New("swap amounts must be positive")
	ErrInvalidTimeouts   = errors.New("leg timeouts too close")
	ErrMissingArtifact   = errors.New("leg artifact not set")
	ErrSecretUnknown     = errors.New("secret not known")
	ErrClosed            = errors.New("coordinator closed")
)

// Status is the state of a swap. Exactly one of the terminal statuses
// (completed, expired, refunded) is ever reached.
type Status string

const (
	StatusPending   Status = "pending"   // created, not both legs funded
	StatusFunded    Status = "funded"    // both legs funded
	StatusCompleted Status = "completed" // secret revealed on chain
	StatusExpired   Status = "expired"   // expired before both legs funded
	StatusRefunded  Status = "refunded"  // funded, then refunded after expiration
)

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusFunded, StatusCompleted, StatusExpired, StatusRefunded:
		return st, nil
	default:
		return "", fmt.Errorf("unknown swap status %q", s)
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// Chain identifies one side of the swap.
type Chain string

const (
	ChainBitcoin  Chain = "bitcoin"
	ChainEthereum Chain = "ethereum"
)

// ParseChain parses a chain name.
func ParseChain(s string) (Chain, error) {
	switch c := Chain(s); c {
	case ChainBitcoin, ChainEthereum:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, s)
	}
}

// Other returns the opposite chain.
func (c Chain) Other() Chain {
	if c == ChainBitcoin {
		return ChainEthereum
	}
	return ChainBitcoin
}

// Direction says which chain the local party locks.
type Direction string

const (
	DirectionBTCToETH Direction = "btc_to_eth" // lock BTC, claim ETH
	DirectionETHToBTC Direction = "eth_to_btc" // lock ETH, claim BTC
)

// ParseDirection parses a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionBTCToETH, DirectionETHToBTC:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// LockChain returns the chain the local party locks funds on.
func (d Direction) LockChain() Chain {
	if d == DirectionETHToBTC {
		return ChainEthereum
	}
	return ChainBitcoin
}

// ClaimChain returns the chain the local party claims funds from.
func (d Direction) ClaimChain() Chain {
	return d.LockChain().Other()
}

// BTCLeg is the Bitcoin side of a swap.
type BTCLeg struct {
	Amount int64 // sats
	Funded bool

	// LockTime is the absolute CLTV locktime of the redeem script.
	LockTime uint32

	// RedeemScript and LockAddress are empty until both pubkeys are known.
	RedeemScript []byte
	LockAddress  string

	// Funding is the confirmed lock output, nil until funded.
	Funding *bitcoin.LockUTXO

	// SpendTxID is the redeem or refund transaction, once seen.
	SpendTxID string
}

// Timeout returns the leg's locktime as a wall-clock time.
func (l *BTCLeg) Timeout() time.Time {
	return time.Unix(int64(l.LockTime), 0)
}

// ETHLeg is the Ethereum side of a swap.
type ETHLeg struct {
	Amount  *big.Int // wei
	Funded  bool
	Timeout time.Time

	// Recipient claims the escrow with the secret.
	Recipient common.Address

	// Escrow is the deployed escrow contract, zero until known.
	Escrow   common.Address
	DeployTx common.Hash

	// SpendTx is the claim or refund transaction, once seen.
	SpendTx common.Hash
}

// HasEscrow reports whether the escrow address is known.
func (l *ETHLeg) HasEscrow() bool {
	return l.Escrow != (common.Address{})
}

// Swap is one cross-chain atomic swap.
type Swap struct {
	ID        string
	Direction Direction

	// Initiator is true when the local party generated the secret. The
	// initiator's lock has the longer timeout.
	Initiator bool

	Hashlock secret.Hashlock

	// Secret is nil until known: from creation for the initiator, from
	// the chain for the responder.
	Secret         *secret.Secret
	SecretRevealed bool

	BTC BTCLeg
	ETH ETHLeg

	Status      Status
	Expiration  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Funded reports whether the leg on c is funded.
func (s *Swap) Funded(c Chain) bool {
	if c == ChainBitcoin {
		return s.BTC.Funded
	}
	return s.ETH.Funded
}

// BothFunded reports whether both legs are funded.
func (s *Swap) BothFunded() bool {
	return s.BTC.Funded && s.ETH.Funded
}

// LegTimeout returns the refund time of the leg on c.
func (s *Swap) LegTimeout(c Chain) time.Time {
	if c == ChainBitcoin {
		return s.BTC.Timeout()
	}
	return s.ETH.Timeout
}

// Expired reports whether now is past the swap expiration.
func (s *Swap) Expired(now time.Time) bool {
	return now.After(s.Expiration)
}

// Clone returns a deep copy.
func (s *Swap) Clone() *Swap {
	c := *s
	if s.Secret != nil {
		sec := *s.Secret
		c.Secret = &sec
	}
	if s.BTC.RedeemScript != nil {
		c.BTC.RedeemScript = append([]byte(nil), s.BTC.RedeemScript...)
	}
	if s.BTC.Funding != nil {
		f := *s.BTC.Funding
		c.BTC.Funding = &f
	}
	if s.ETH.Amount != nil {
		c.ETH.Amount = new(big.Int).Set(s.ETH.Amount)
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// FundingRef points at the on-chain funding of one leg.
type FundingRef struct {
	// Bitcoin: the lock output. Ethereum: TxID is the deploy tx hash.
	TxID  string
	Vout  uint32
	Value uint64

	// Escrow is the contract address (Ethereum only).
	Escrow common.Address
}
