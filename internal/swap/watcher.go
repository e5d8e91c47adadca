// Package swap - Watcher feeds chain observations to the Coordinator.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/bitcoin"
	"github.com/klingon-exchange/klingon-htlc/internal/escrow"
	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Watcher defaults
const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
	initialBackoff      = time.Second

	// revealLookup bounds the wait for a claimed escrow's event during
	// reconciliation. The event is already on chain by then.
	revealLookup = 30 * time.Second
)

// WatcherConfig holds Watcher dependencies. Backend or Account may be nil
// to skip that chain.
type WatcherConfig struct {
	Coordinator *Coordinator
	Backend     backend.Backend
	Account     AccountChain

	// BTCConfirmations is how many confirmations a lock output needs.
	BTCConfirmations int64

	PollInterval time.Duration
	MaxBackoff   time.Duration
	Logger       *logging.Logger
}

// Watcher polls both chains for the state of live swaps and reports what
// it sees to the Coordinator. Chain errors never advance state; a swap
// whose reconciliation fails is retried with exponential backoff.
type Watcher struct {
	coord         *Coordinator
	backend       backend.Backend
	account       AccountChain
	confirmations int64
	pollInterval  time.Duration
	maxBackoff    time.Duration
	clock         clock.Clock
	log           *logging.Logger

	mu       sync.Mutex
	retries  map[string]*backoff
	watching map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// backoff tracks retry state for one swap.
type backoff struct {
	delay time.Duration
	next  time.Time
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg *WatcherConfig) *Watcher {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	confirmations := cfg.BTCConfirmations
	if confirmations <= 0 {
		confirmations = 1
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("watcher")
	}
	return &Watcher{
		coord:         cfg.Coordinator,
		backend:       cfg.Backend,
		account:       cfg.Account,
		confirmations: confirmations,
		pollInterval:  poll,
		maxBackoff:    maxBackoff,
		clock:         cfg.Coordinator.Clock(),
		log:           log,
		retries:       make(map[string]*backoff),
		watching:      make(map[string]context.CancelFunc),
	}
}

// Run reconciles live swaps every poll interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := w.clock.Ticker(w.pollInterval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			w.stopWatches()
			w.wg.Wait()
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs one reconciliation pass over live swaps, skipping swaps that
// are backing off after an error.
func (w *Watcher) Poll(ctx context.Context) {
	live, err := w.coord.ListByStatus(ctx, StatusPending, StatusFunded)
	if err != nil {
		w.log.Error("Failed to list live swaps", "error", err)
		return
	}

	now := w.clock.Now()
	for _, s := range live {
		if !w.due(s.ID, now) {
			continue
		}
		err := w.reconcile(ctx, s)
		w.recordResult(s.ID, err, now)
		if err == nil {
			w.ensureEscrowWatch(ctx, s)
		}
	}
}

// Reconcile rebuilds the swap's state from chain truth: funding with
// enough confirmations, secrets revealed by spends or claims, and refunds.
func (w *Watcher) Reconcile(ctx context.Context, id string) error {
	s, err := w.coord.Get(ctx, id)
	if err != nil {
		return err
	}
	return w.reconcile(ctx, s)
}

func (w *Watcher) reconcile(ctx context.Context, s *Swap) error {
	if s.Status.IsTerminal() {
		return nil
	}
	if w.backend != nil && s.BTC.LockAddress != "" {
		if err := w.reconcileBitcoin(ctx, s); err != nil {
			return fmt.Errorf("bitcoin leg: %w", err)
		}
	}
	if w.account != nil && s.ETH.HasEscrow() {
		// Reload; the bitcoin pass may have moved the swap on.
		fresh, err := w.coord.Get(ctx, s.ID)
		if err != nil {
			return err
		}
		if fresh.Status.IsTerminal() {
			return nil
		}
		if err := w.reconcileEthereum(ctx, fresh); err != nil {
			return fmt.Errorf("ethereum leg: %w", err)
		}
	}
	return nil
}

func (w *Watcher) reconcileBitcoin(ctx context.Context, s *Swap) error {
	funding := s.BTC.Funding
	if !s.BTC.Funded {
		lock, err := w.findLockOutput(ctx, s)
		if err != nil {
			return err
		}
		if lock == nil {
			return nil
		}
		if _, err := w.coord.MarkChainFunded(ctx, s.ID, ChainBitcoin, FundingRef{
			TxID:  lock.TxID,
			Vout:  lock.Vout,
			Value: lock.Value,
		}); err != nil {
			return err
		}
		w.log.Info("Bitcoin leg funded", "swap_id", s.ID, "txid", lock.TxID, "vout", lock.Vout)
		funding = lock
	}

	outspend, err := w.backend.GetOutspend(ctx, funding.TxID, funding.Vout)
	if err != nil {
		return err
	}
	if !outspend.Spent {
		return nil
	}

	raw, err := w.backend.GetRawTransaction(ctx, outspend.TxID)
	if err != nil {
		return err
	}
	tx, err := bitcoin.DeserializeTx(string(raw))
	if err != nil {
		return swaperr.ChainCall("decode spend", err)
	}
	if _, err := w.coord.RecordSpend(ctx, s.ID, ChainBitcoin, outspend.TxID); err != nil {
		return err
	}

	if sec, ok := bitcoin.ExtractSecretMatching(tx, s.Hashlock); ok {
		return w.recordSecret(ctx, s.ID, ChainBitcoin, sec)
	}
	if isTimeoutSpend(tx) {
		return w.recordRefund(ctx, s.ID, ChainBitcoin)
	}
	return nil
}

// findLockOutput looks for a confirmed output paying at least the leg
// amount to the lock address.
func (w *Watcher) findLockOutput(ctx context.Context, s *Swap) (*bitcoin.LockUTXO, error) {
	txs, err := w.backend.GetAddressTxs(ctx, s.BTC.LockAddress, "")
	if err != nil {
		if errors.Is(err, backend.ErrAddressNotFound) {
			return nil, nil
		}
		return nil, err
	}

	for _, tx := range txs {
		if tx.Confirmations < w.confirmations {
			continue
		}
		for vout, out := range tx.Outputs {
			if out.ScriptPubKeyAddr != s.BTC.LockAddress {
				continue
			}
			if out.Value < uint64(s.BTC.Amount) {
				w.log.Warn("Lock output below swap amount", "swap_id", s.ID, "txid", tx.TxID, "value", out.Value, "want", s.BTC.Amount)
				continue
			}
			return &bitcoin.LockUTXO{TxID: tx.TxID, Vout: uint32(vout), Value: out.Value}, nil
		}
	}
	return nil, nil
}

func (w *Watcher) reconcileEthereum(ctx context.Context, s *Swap) error {
	rec, err := w.account.Read(ctx, s.ETH.Escrow)
	if err != nil {
		return err
	}

	if !s.ETH.Funded {
		if err := checkEscrowTerms(s, rec); err != nil {
			w.log.Error("Escrow does not match swap", "swap_id", s.ID, "escrow", s.ETH.Escrow.Hex(), "error", err)
			return nil
		}
		if _, err := w.coord.MarkChainFunded(ctx, s.ID, ChainEthereum, FundingRef{Escrow: s.ETH.Escrow}); err != nil {
			return err
		}
		w.log.Info("Ethereum leg funded", "swap_id", s.ID, "escrow", s.ETH.Escrow.Hex())
	}

	switch {
	case rec.Claimed:
		lookup, cancel := context.WithTimeout(ctx, revealLookup)
		defer cancel()
		ev, err := w.firstReveal(lookup, s)
		if err != nil {
			return err
		}
		if ev.TxHash != (common.Hash{}) {
			_, _ = w.coord.RecordSpend(ctx, s.ID, ChainEthereum, ev.TxHash.Hex())
		}
		return w.recordSecret(ctx, s.ID, ChainEthereum, ev.Secret)
	case rec.Refunded:
		return w.recordRefund(ctx, s.ID, ChainEthereum)
	}
	return nil
}

// checkEscrowTerms verifies an escrow pays the swap's terms.
func checkEscrowTerms(s *Swap, rec *escrow.Record) error {
	if rec.Hashlock != s.Hashlock {
		return fmt.Errorf("hashlock %s, want %s", rec.Hashlock, s.Hashlock)
	}
	if s.ETH.Recipient != (common.Address{}) && rec.Recipient != s.ETH.Recipient {
		return fmt.Errorf("recipient %s, want %s", rec.Recipient.Hex(), s.ETH.Recipient.Hex())
	}
	if rec.Amount == nil || s.ETH.Amount == nil || rec.Amount.Cmp(s.ETH.Amount) < 0 {
		return fmt.Errorf("amount %s, want %s", bigString(rec.Amount), bigString(s.ETH.Amount))
	}
	if rec.Timeout.Unix() != s.ETH.Timeout.Unix() {
		return fmt.Errorf("timeout %s, want %s", rec.Timeout.UTC().Format(time.RFC3339), s.ETH.Timeout.UTC().Format(time.RFC3339))
	}
	return nil
}

func bigString(b *big.Int) string {
	if b == nil {
		return "<nil>"
	}
	return b.String()
}

func (w *Watcher) firstReveal(ctx context.Context, s *Swap) (escrow.Event, error) {
	events, err := w.account.WatchSecretRevealed(ctx, s.ETH.Escrow)
	if err != nil {
		return escrow.Event{}, err
	}
	select {
	case ev, ok := <-events:
		if !ok {
			return escrow.Event{}, swaperr.ChainCall("secret revealed event", errors.New("subscription closed"))
		}
		return ev, nil
	case <-ctx.Done():
		return escrow.Event{}, swaperr.ChainCall("secret revealed event", ctx.Err())
	}
}

// ensureEscrowWatch subscribes to the escrow's reveal event once per swap
// so a claim is seen without waiting for the next poll.
func (w *Watcher) ensureEscrowWatch(ctx context.Context, s *Swap) {
	if w.account == nil || !s.ETH.HasEscrow() || s.Status.IsTerminal() {
		return
	}

	w.mu.Lock()
	if _, ok := w.watching[s.ID]; ok {
		w.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w.watching[s.ID] = cancel
	w.mu.Unlock()

	events, err := w.account.WatchSecretRevealed(watchCtx, s.ETH.Escrow)
	if err != nil {
		w.log.Warn("Escrow watch failed", "swap_id", s.ID, "error", err)
		w.stopWatch(s.ID)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.stopWatch(s.ID)
		for ev := range events {
			if ev.Escrow != s.ETH.Escrow {
				continue
			}
			if ev.TxHash != (common.Hash{}) {
				_, _ = w.coord.RecordSpend(watchCtx, s.ID, ChainEthereum, ev.TxHash.Hex())
			}
			if err := w.recordSecret(watchCtx, s.ID, ChainEthereum, ev.Secret); err != nil {
				w.log.Warn("Failed to record revealed secret", "swap_id", s.ID, "error", err)
			}
			return
		}
	}()
}

func (w *Watcher) stopWatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.watching[id]; ok {
		cancel()
		delete(w.watching, id)
	}
}

func (w *Watcher) stopWatches() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, cancel := range w.watching {
		cancel()
		delete(w.watching, id)
	}
}

func (w *Watcher) recordSecret(ctx context.Context, id string, ch Chain, sec secret.Secret) error {
	_, err := w.coord.RecordSecretRevealed(ctx, id, sec)
	if errors.Is(err, swaperr.ErrAlreadySettled) {
		// Refund landed first; both outcomes are final.
		w.log.Warn("Secret revealed after settlement", "swap_id", id, "chain", ch)
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		// The secret stays on chain; it is read again once both legs are seen funded.
		w.log.Debug("Secret revealed before both legs funded", "swap_id", id, "chain", ch)
		return nil
	}
	if err == nil {
		w.log.Info("Secret revealed", "swap_id", id, "chain", ch)
	}
	return err
}

func (w *Watcher) recordRefund(ctx context.Context, id string, ch Chain) error {
	_, err := w.coord.RecordRefund(ctx, id)
	switch {
	case errors.Is(err, swaperr.ErrAlreadySettled):
		return nil
	case errors.Is(err, ErrInvalidTransition):
		// Refunded before the other leg was seen funded.
		w.log.Warn("Refund observed on unfunded swap", "swap_id", id, "chain", ch)
		return nil
	case errors.Is(err, swaperr.ErrTimeoutNotReached):
		// The counterparty leg unlocks first; the swap is refunded once ours is.
		w.log.Debug("Counterparty leg refunded before expiration", "swap_id", id, "chain", ch)
		return nil
	case err == nil:
		w.log.Info("Refund observed", "swap_id", id, "chain", ch)
	}
	return err
}

// due reports whether the swap is not backing off at now.
func (w *Watcher) due(id string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.retries[id]
	return !ok || !now.Before(b.next)
}

// recordResult resets the swap's backoff on success and doubles it on a
// retryable failure, up to the maximum.
func (w *Watcher) recordResult(id string, err error, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err == nil {
		delete(w.retries, id)
		return
	}

	b, ok := w.retries[id]
	if !ok {
		b = &backoff{delay: initialBackoff}
		w.retries[id] = b
	} else {
		b.delay *= 2
		if b.delay > w.maxBackoff {
			b.delay = w.maxBackoff
		}
	}
	b.next = now.Add(b.delay)

	if swaperr.IsRetryable(err) {
		w.log.Warn("Reconcile failed, retrying", "swap_id", id, "retry_in", b.delay, "error", err)
	} else {
		w.log.Error("Reconcile failed", "swap_id", id, "retry_in", b.delay, "error", err)
	}
}

// isTimeoutSpend reports whether tx spends through the refund branch:
// a three-item witness whose selector is empty.
func isTimeoutSpend(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		if len(in.Witness) == 3 && len(in.Witness[1]) == 0 {
			return true
		}
	}
	return false
}
