// Package escrow models the account-chain side of a swap: a hashed
// time-locked escrow holding value for a recipient until either the
// hashlock preimage is revealed or the timeout passes.
//
// Escrow mirrors the state transitions of the on-chain contract and is used
// wherever the contract semantics are needed without a node. Ledger holds
// many escrows and exposes the same calls as the contract client.
package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
)

// Escrow errors
var (
	ErrZeroValue     = errors.New("escrow value must be positive")
	ErrZeroRecipient = errors.New("recipient is the zero address")
	ErrTimeoutInPast = errors.New("timeout must be in the future")
	ErrNotRecipient  = errors.New("caller is not the recipient")
	ErrNotOwner      = errors.New("caller is not the owner")
	ErrUnknownEscrow = errors.New("unknown escrow")
)

// Terms are the parameters an escrow is opened with.
type Terms struct {
	Recipient common.Address
	Hashlock  secret.Hashlock
	Timeout   time.Time
	Amount    *big.Int
}

// Record is the state of one escrow. Claimed and Refunded are mutually
// exclusive and never reset.
type Record struct {
	Owner     common.Address
	Recipient common.Address
	Hashlock  secret.Hashlock
	Timeout   time.Time
	Amount    *big.Int
	Claimed   bool
	Refunded  bool
}

// Settled reports whether the escrow was claimed or refunded.
func (r *Record) Settled() bool {
	return r.Claimed || r.Refunded
}

// Expired reports whether now is at or past the timeout.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.Timeout)
}

func (r Record) clone() Record {
	if r.Amount != nil {
		r.Amount = new(big.Int).Set(r.Amount)
	}
	return r
}

// EventType identifies an escrow event.
type EventType string

const (
	EventSecretRevealed EventType = "secret_revealed"
	EventRefunded       EventType = "refunded"
)

// Event is emitted when an escrow settles.
type Event struct {
	Type   EventType
	Escrow common.Address
	Secret secret.Secret // set for EventSecretRevealed
	TxHash common.Hash
}

// Escrow is a single hashed time-locked escrow. The first valid Claim or
// Refund wins; every later settlement attempt fails with ErrAlreadySettled.
type Escrow struct {
	mu       sync.Mutex
	clock    clock.Clock
	record   Record
	revealed *secret.Secret
}

// Open creates an escrow funded by owner. The timeout must be strictly
// after the clock's current time.
func Open(clk clock.Clock, owner common.Address, terms Terms) (*Escrow, error) {
	if clk == nil {
		clk = clock.New()
	}
	if terms.Amount == nil || terms.Amount.Sign() <= 0 {
		return nil, ErrZeroValue
	}
	if terms.Recipient == (common.Address{}) {
		return nil, ErrZeroRecipient
	}
	if !terms.Timeout.After(clk.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrTimeoutInPast, terms.Timeout.UTC().Format(time.RFC3339))
	}

	return &Escrow{
		clock: clk,
		record: Record{
			Owner:     owner,
			Recipient: terms.Recipient,
			Hashlock:  terms.Hashlock,
			Timeout:   terms.Timeout,
			Amount:    new(big.Int).Set(terms.Amount),
		},
	}, nil
}

// Claim releases the value to the recipient if s hashes to the hashlock.
// The timeout is not checked: a claim after timeout succeeds as long as no
// refund happened first.
func (e *Escrow) Claim(caller common.Address, s secret.Secret) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.record.Recipient {
		return ErrNotRecipient
	}
	if e.record.Settled() {
		return swaperr.ErrAlreadySettled
	}
	if !secret.Verify(s, e.record.Hashlock) {
		return fmt.Errorf("%w: does not match hashlock %s", swaperr.ErrInvalidSecret, e.record.Hashlock)
	}

	e.record.Claimed = true
	e.revealed = &s
	return nil
}

// RevealedSecret returns the secret published by a successful Claim.
func (e *Escrow) RevealedSecret() (secret.Secret, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.revealed == nil {
		return secret.Secret{}, false
	}
	return *e.revealed, true
}

// Refund returns the value to the owner once the timeout has passed.
func (e *Escrow) Refund(caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.record.Owner {
		return ErrNotOwner
	}
	if e.record.Settled() {
		return swaperr.ErrAlreadySettled
	}
	if !e.record.Expired(e.clock.Now()) {
		return fmt.Errorf("%w: refund available at %s", swaperr.ErrTimeoutNotReached,
			e.record.Timeout.UTC().Format(time.RFC3339))
	}

	e.record.Refunded = true
	return nil
}

// Record returns a copy of the escrow state.
func (e *Escrow) Record() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.clone()
}
