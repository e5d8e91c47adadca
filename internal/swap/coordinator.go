// Package swap - Coordinator manages swaps and applies chain-observed
// transitions to them.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-htlc/internal/bitcoin"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// NewCoordinator creates a new swap coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("swap")
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Coordinator{
		store:         store,
		network:       cfg.Network,
		minDelta:      cfg.MinLockTimeDelta,
		clock:         clk,
		log:           log,
		locks:         newKeyedMutex(),
		eventHandlers: make([]EventHandler, 0),
	}
}

// Clock returns the coordinator's clock.
func (c *Coordinator) Clock() clock.Clock {
	return c.clock
}

// Network returns the network swaps are created for.
func (c *Coordinator) Network() chain.Network {
	return c.network
}

// Create registers a new pending swap. The expiration is now plus
// expirationOffset; a non-positive offset yields an already expired swap.
// The initiator's leg unlocks at the expiration and the counterparty's
// leg halfway between creation and expiration.
func (c *Coordinator) Create(ctx context.Context, p CreateParams, expirationOffset time.Duration) (*Swap, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := ParseDirection(string(p.Direction)); err != nil {
		return nil, err
	}
	if p.BTCAmount <= 0 || p.ETHAmount == nil || p.ETHAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	now := c.clock.Now()
	s := &Swap{
		ID:        uuid.New().String(),
		Direction: p.Direction,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if p.Hashlock != nil {
		s.Hashlock = *p.Hashlock
	} else {
		sec, err := secret.Generate()
		if err != nil {
			return nil, err
		}
		s.Initiator = true
		s.Secret = &sec
		s.Hashlock = sec.Hashlock()
	}

	// The secret holder locks first with the longer timeout.
	longChain := p.Direction.LockChain()
	if !s.Initiator {
		longChain = p.Direction.ClaimChain()
	}

	var btcTimeout, ethTimeout time.Time
	if p.hasTimeouts() {
		var err error
		if btcTimeout, ethTimeout, err = c.agreedTimeouts(&p, longChain, s.Initiator); err != nil {
			return nil, err
		}
		s.Expiration = btcTimeout
		if longChain == ChainEthereum {
			s.Expiration = ethTimeout
		}
	} else {
		s.Expiration = now.Add(expirationOffset)
		counterparty := now.Add(expirationOffset / 2)
		if expirationOffset > 0 && c.minDelta > 0 && s.Expiration.Sub(counterparty) < c.minDelta {
			return nil, fmt.Errorf("%w: %s apart, need %s", ErrInvalidTimeouts, s.Expiration.Sub(counterparty), c.minDelta)
		}
		btcTimeout, ethTimeout = s.Expiration, counterparty
		if longChain == ChainEthereum {
			btcTimeout, ethTimeout = counterparty, s.Expiration
		}
	}

	// Both chains settle timeouts in whole seconds.
	ethTimeout = time.Unix(ethTimeout.Unix(), 0)

	s.BTC = BTCLeg{
		Amount:   p.BTCAmount,
		LockTime: uint32(btcTimeout.Unix()),
	}
	if len(p.BTCRecipientPubKey) > 0 && len(p.BTCRefundPubKey) > 0 {
		params, ok := chain.Get(chain.BTC, c.network)
		if !ok {
			return nil, fmt.Errorf("%w: BTC on %s", ErrUnknownChain, c.network)
		}
		script, err := bitcoin.BuildScript(s.Hashlock, p.BTCRecipientPubKey, p.BTCRefundPubKey, s.BTC.LockTime, params.ChaincfgParams())
		if err != nil {
			return nil, err
		}
		s.BTC.RedeemScript = script.RedeemScript
		s.BTC.LockAddress = script.LockAddress
	}

	s.ETH = ETHLeg{
		Amount:    p.ETHAmount,
		Timeout:   ethTimeout,
		Recipient: p.ETHRecipient,
	}
	s = s.Clone() // detach caller's ETHAmount

	if err := c.store.SaveSwap(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save swap: %w", err)
	}

	c.log.Info("Swap created",
		"swap_id", s.ID,
		"direction", s.Direction,
		"initiator", s.Initiator,
		"hashlock", s.Hashlock.String(),
		"expiration", s.Expiration.UTC().Format(time.RFC3339),
		"lock_address", s.BTC.LockAddress,
	)
	c.emitEvents(s, []EventType{EventSwapCreated}, "")

	return s.Clone(), nil
}

// agreedTimeouts validates the leg timeouts supplied by a joining party:
// both must be set, the long leg must unlock after the short one and the
// gap must respect the minimum delta.
func (c *Coordinator) agreedTimeouts(p *CreateParams, longChain Chain, initiator bool) (btcTimeout, ethTimeout time.Time, err error) {
	if initiator {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: leg timeouts are only accepted with a hashlock", ErrInvalidTimeouts)
	}
	if p.BTCLockTime == 0 || p.ETHTimeout.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: both leg timeouts are required", ErrInvalidTimeouts)
	}
	btcTimeout = time.Unix(int64(p.BTCLockTime), 0)
	ethTimeout = time.Unix(p.ETHTimeout.Unix(), 0)

	long, short := btcTimeout, ethTimeout
	if longChain == ChainEthereum {
		long, short = ethTimeout, btcTimeout
	}
	if !long.After(short) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s leg must unlock last", ErrInvalidTimeouts, longChain)
	}
	if c.minDelta > 0 && long.Sub(short) < c.minDelta {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s apart, need %s", ErrInvalidTimeouts, long.Sub(short), c.minDelta)
	}
	return btcTimeout, ethTimeout, nil
}

// Get returns a copy of the swap with the given id.
func (c *Coordinator) Get(ctx context.Context, id string) (*Swap, error) {
	return c.store.GetSwap(ctx, id)
}

// ListByStatus returns the swaps in any of the given statuses, or every
// swap when none are given.
func (c *Coordinator) ListByStatus(ctx context.Context, statuses ...Status) ([]*Swap, error) {
	return c.store.ListSwapsByStatus(ctx, statuses...)
}

// AttachEscrow records the escrow address of the Ethereum leg, typically
// the counterparty's deployment. It does not mark the leg funded; the
// watcher does that once the escrow is read back from chain.
func (c *Coordinator) AttachEscrow(ctx context.Context, id string, addr common.Address) (*Swap, error) {
	return c.update(ctx, id, func(s *Swap) (bool, []EventType, error) {
		if s.Status.IsTerminal() {
			return false, nil, fmt.Errorf("%w: swap %s is %s", swaperr.ErrAlreadySettled, id, s.Status)
		}
		if s.ETH.Escrow == addr {
			return false, nil, nil
		}
		if s.ETH.Funded {
			return false, nil, fmt.Errorf("%w: ethereum leg already funded at %s", ErrInvalidTransition, s.ETH.Escrow.Hex())
		}
		s.ETH.Escrow = addr
		return true, nil, nil
	})
}

// RecordSpend stores the id of the transaction that claimed or refunded
// the leg on ch. It is a reference only and never changes the status.
func (c *Coordinator) RecordSpend(ctx context.Context, id string, ch Chain, txID string) (*Swap, error) {
	return c.update(ctx, id, func(s *Swap) (bool, []EventType, error) {
		switch ch {
		case ChainBitcoin:
			if s.BTC.SpendTxID == txID {
				return false, nil, nil
			}
			s.BTC.SpendTxID = txID
		case ChainEthereum:
			h := common.HexToHash(txID)
			if s.ETH.SpendTx == h {
				return false, nil, nil
			}
			s.ETH.SpendTx = h
		default:
			return false, nil, fmt.Errorf("%w: %q", ErrUnknownChain, ch)
		}
		return true, nil, nil
	})
}

// MarkChainFunded records a confirmed funding of the leg on ch. The swap
// becomes funded only once both legs are. Marking a funded leg again is a
// no-op.
func (c *Coordinator) MarkChainFunded(ctx context.Context, id string, ch Chain, ref FundingRef) (*Swap, error) {
	if _, err := ParseChain(string(ch)); err != nil {
		return nil, err
	}

	return c.update(ctx, id, func(s *Swap) (bool, []EventType, error) {
		if s.Status.IsTerminal() {
			return false, nil, fmt.Errorf("%w: swap %s is %s", swaperr.ErrAlreadySettled, id, s.Status)
		}
		if s.Funded(ch) {
			return false, nil, nil
		}

		switch ch {
		case ChainBitcoin:
			s.BTC.Funded = true
			s.BTC.Funding = &bitcoin.LockUTXO{TxID: ref.TxID, Vout: ref.Vout, Value: ref.Value}
		case ChainEthereum:
			s.ETH.Funded = true
			if ref.Escrow != (common.Address{}) {
				s.ETH.Escrow = ref.Escrow
			}
			if ref.TxID != "" {
				s.ETH.DeployTx = common.HexToHash(ref.TxID)
			}
		}

		events := []EventType{EventChainFunded}
		if s.BothFunded() && s.Status == StatusPending {
			s.Status = StatusFunded
			events = append(events, EventSwapFunded)
		}
		return true, events, nil
	}, withChain(ch))
}

// RecordSecretRevealed records a secret observed on chain and completes
// a funded swap. The same secret again is a no-op. A secret that does not
// match the hashlock fails with swaperr.ErrInvalidSecret, and a swap whose
// legs are not both funded fails with ErrInvalidTransition; neither
// changes anything.
func (c *Coordinator) RecordSecretRevealed(ctx context.Context, id string, sec secret.Secret) (*Swap, error) {
	return c.update(ctx, id, func(s *Swap) (bool, []EventType, error) {
		if !secret.Verify(sec, s.Hashlock) {
			return false, nil, fmt.Errorf("%w: swap %s", swaperr.ErrInvalidSecret, id)
		}
		switch s.Status {
		case StatusCompleted:
			return false, nil, nil
		case StatusExpired, StatusRefunded:
			return false, nil, fmt.Errorf("%w: swap %s is %s", swaperr.ErrAlreadySettled, id, s.Status)
		case StatusPending:
			return false, nil, fmt.Errorf("%w: secret revealed on %s swap (btc funded %v, eth funded %v)",
				ErrInvalidTransition, s.Status, s.BTC.Funded, s.ETH.Funded)
		}

		s.Secret = &sec
		s.SecretRevealed = true
		s.Status = StatusCompleted
		c.complete(s)
		return true, []EventType{EventSecretRevealed}, nil
	})
}

// RecordRefund marks a funded swap refunded. It fails with
// swaperr.ErrTimeoutNotReached before the expiration and with
// swaperr.ErrAlreadySettled on a terminal swap.
func (c *Coordinator) RecordRefund(ctx context.Context, id string) (*Swap, error) {
	return c.update(ctx, id, func(s *Swap) (bool, []EventType, error) {
		if s.Status.IsTerminal() {
			return false, nil, fmt.Errorf("%w: swap %s is %s", swaperr.ErrAlreadySettled, id, s.Status)
		}
		if s.Status != StatusFunded {
			return false, nil, fmt.Errorf("%w: refund from %s", ErrInvalidTransition, s.Status)
		}
		now := c.clock.Now()
		if !s.Expired(now) {
			return false, nil, fmt.Errorf("%w: swap %s expires %s", swaperr.ErrTimeoutNotReached, id, s.Expiration.UTC().Format(time.RFC3339))
		}
		s.Status = StatusRefunded
		c.complete(s)
		return true, []EventType{EventSwapRefunded}, nil
	})
}

// RecordExpiry expires a pending swap whose expiration has passed.
// Nothing was locked on both chains, so no refund is needed.
func (c *Coordinator) RecordExpiry(ctx context.Context, id string) (*Swap, error) {
	return c.update(ctx, id, func(s *Swap) (bool, []EventType, error) {
		if s.Status.IsTerminal() {
			return false, nil, fmt.Errorf("%w: swap %s is %s", swaperr.ErrAlreadySettled, id, s.Status)
		}
		if s.Status != StatusPending {
			return false, nil, fmt.Errorf("%w: expiry from %s", ErrInvalidTransition, s.Status)
		}
		if !s.Expired(c.clock.Now()) {
			return false, nil, fmt.Errorf("%w: swap %s expires %s", swaperr.ErrTimeoutNotReached, id, s.Expiration.UTC().Format(time.RFC3339))
		}
		s.Status = StatusExpired
		c.complete(s)
		return true, []EventType{EventSwapExpired}, nil
	})
}

// SweepExpired expires every pending swap past its expiration and returns
// their ids.
func (c *Coordinator) SweepExpired(ctx context.Context) ([]string, error) {
	pending, err := c.store.ListSwapsByStatus(ctx, StatusPending)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	var expired []string
	for _, s := range pending {
		if !s.Expired(now) {
			continue
		}
		if _, err := c.RecordExpiry(ctx, s.ID); err != nil {
			// Funded or settled since the listing.
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, swaperr.ErrAlreadySettled) {
				continue
			}
			return expired, err
		}
		expired = append(expired, s.ID)
	}
	return expired, nil
}

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// Close shuts down the coordinator. Later mutations fail with ErrClosed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.eventHandlers = nil
	return nil
}

type updateOption func(*updateOpts)

type updateOpts struct {
	chain Chain
}

func withChain(ch Chain) updateOption {
	return func(o *updateOpts) { o.chain = ch }
}

// update loads the swap under its lock, applies fn and persists the result
// when fn reports a change. Events are emitted after the lock is released.
func (c *Coordinator) update(ctx context.Context, id string, fn func(s *Swap) (bool, []EventType, error), opts ...updateOption) (*Swap, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	var o updateOpts
	for _, opt := range opts {
		opt(&o)
	}

	unlock := c.locks.Lock(id)
	s, err := c.store.GetSwap(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	before := s.Status

	changed, events, err := fn(s)
	if err != nil {
		unlock()
		return nil, err
	}
	if changed {
		s.UpdatedAt = c.clock.Now()
		if err := c.store.SaveSwap(ctx, s); err != nil {
			unlock()
			return nil, fmt.Errorf("failed to save swap: %w", err)
		}
	}
	unlock()

	if before != s.Status {
		c.log.Info("Swap status changed", "swap_id", id, "from", before, "to", s.Status)
	}
	c.emitEvents(s, events, o.chain)
	return s.Clone(), nil
}

func (c *Coordinator) complete(s *Swap) {
	now := c.clock.Now()
	s.CompletedAt = &now
}

func (c *Coordinator) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// emitEvents delivers one transition's events to every handler. Each
// handler sees them in order.
func (c *Coordinator) emitEvents(s *Swap, types []EventType, ch Chain) {
	if len(types) == 0 {
		return
	}
	now := c.clock.Now()
	events := make([]SwapEvent, 0, len(types))
	for _, typ := range types {
		events = append(events, SwapEvent{
			SwapID:    s.ID,
			Type:      typ,
			Status:    s.Status,
			Chain:     ch,
			Timestamp: now,
		})
	}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go func(handler EventHandler) {
			for _, event := range events {
				handler(event)
			}
		}(handler)
	}
}
