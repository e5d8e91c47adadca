// Package swap - Executor submits the local party's chain transactions.
package swap

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/bitcoin"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/escrow"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// ExecutorConfig holds Executor dependencies. Backend and Signer are
// needed for Bitcoin actions, Account for Ethereum actions.
type ExecutorConfig struct {
	Coordinator *Coordinator
	Backend     backend.Backend
	Signer      bitcoin.Signer
	Account     AccountChain
	FeeRate     uint64 // sat/vB
	Logger      *logging.Logger
}

// Executor builds, signs and submits lock, claim and refund transactions.
// It reads swaps from the Coordinator but only advances them for facts
// confirmed by the call it made; Bitcoin funding and spends are left to
// the Watcher, which waits for confirmations.
type Executor struct {
	coord   *Coordinator
	backend backend.Backend
	signer  bitcoin.Signer
	account AccountChain
	fee     bitcoin.FeePolicy
	net     *chaincfg.Params
	log     *logging.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg *ExecutorConfig) (*Executor, error) {
	params, ok := chain.Get(chain.BTC, cfg.Coordinator.Network())
	if !ok {
		return nil, fmt.Errorf("%w: BTC on %s", ErrUnknownChain, cfg.Coordinator.Network())
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("executor")
	}
	return &Executor{
		coord:   cfg.Coordinator,
		backend: cfg.Backend,
		signer:  cfg.Signer,
		account: cfg.Account,
		fee:     bitcoin.FeePolicy{FeeRate: cfg.FeeRate},
		net:     params.ChaincfgParams(),
		log:     log,
	}, nil
}

// CanBitcoin reports whether Bitcoin actions are configured.
func (e *Executor) CanBitcoin() bool {
	return e.backend != nil && e.signer != nil
}

// CanEthereum reports whether Ethereum actions are configured.
func (e *Executor) CanEthereum() bool {
	return e.account != nil
}

// FundBitcoin pays the swap amount from the signer's P2WPKH wallet to the
// lock address and broadcasts it. The leg is marked funded by the watcher
// once the transaction confirms.
func (e *Executor) FundBitcoin(ctx context.Context, id string) (*bitcoin.LockUTXO, error) {
	s, err := e.coord.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.requireBitcoin(s); err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: swap is %s", ErrInvalidTransition, s.Status)
	}

	own, err := bitcoin.P2WPKHAddress(e.signer, e.net)
	if err != nil {
		return nil, err
	}
	utxos, err := e.backend.GetAddressUTXOs(ctx, own.EncodeAddress())
	if err != nil {
		return nil, err
	}
	inputs, err := bitcoin.SelectInputs(utxos, uint64(s.BTC.Amount), e.fee)
	if err != nil {
		return nil, err
	}

	funding, err := bitcoin.BuildFundingTx(&bitcoin.FundingParams{
		Inputs:        inputs,
		LockAddress:   s.BTC.LockAddress,
		Amount:        uint64(s.BTC.Amount),
		ChangeAddress: own.EncodeAddress(),
		Fee:           e.fee,
		Net:           e.net,
	})
	if err != nil {
		return nil, err
	}
	if err := bitcoin.SignFundingTx(funding.Tx, inputs, e.signer, e.net); err != nil {
		return nil, err
	}

	txid, err := e.broadcast(ctx, funding.Tx)
	if err != nil {
		return nil, err
	}
	lock := funding.LockUTXO()
	e.log.Info("Bitcoin lock broadcast", "swap_id", id, "txid", txid, "vout", lock.Vout, "fee", funding.Fee)
	return &lock, nil
}

// ClaimBitcoin spends the lock to dest with the swap secret.
func (e *Executor) ClaimBitcoin(ctx context.Context, id, dest string) (string, error) {
	s, params, err := e.spendParams(ctx, id, dest)
	if err != nil {
		return "", err
	}
	if s.Secret == nil {
		return "", fmt.Errorf("%w: swap %s", ErrSecretUnknown, id)
	}

	tx, err := bitcoin.BuildRedeemTx(params, *s.Secret)
	if err != nil {
		return "", err
	}
	txid, err := e.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	e.log.Info("Bitcoin claim broadcast", "swap_id", id, "txid", txid)
	return txid, nil
}

// RefundBitcoin spends the lock back to dest through the timeout branch.
// Before the locktime the network rejects it and the error wraps
// swaperr.ErrTimeoutNotReached.
func (e *Executor) RefundBitcoin(ctx context.Context, id, dest string) (string, error) {
	_, params, err := e.spendParams(ctx, id, dest)
	if err != nil {
		return "", err
	}

	tx, err := bitcoin.BuildRefundTx(params, 0)
	if err != nil {
		return "", err
	}
	txid, err := e.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	e.log.Info("Bitcoin refund broadcast", "swap_id", id, "txid", txid)
	return txid, nil
}

// FundEthereum deploys the escrow for the Ethereum leg. The deploy call
// returns once the transaction is mined, so the leg is marked funded here.
func (e *Executor) FundEthereum(ctx context.Context, id string) (common.Address, error) {
	if e.account == nil {
		return common.Address{}, fmt.Errorf("%w: no account chain", ErrMissingArtifact)
	}
	s, err := e.coord.Get(ctx, id)
	if err != nil {
		return common.Address{}, err
	}
	if s.Status.IsTerminal() {
		return common.Address{}, fmt.Errorf("%w: swap is %s", ErrInvalidTransition, s.Status)
	}
	if s.ETH.Recipient == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: ethereum recipient", ErrMissingArtifact)
	}

	addr, txHash, err := e.account.Deploy(ctx, escrow.Terms{
		Recipient: s.ETH.Recipient,
		Hashlock:  s.Hashlock,
		Timeout:   s.ETH.Timeout,
		Amount:    s.ETH.Amount,
	})
	if err != nil {
		return common.Address{}, err
	}
	e.log.Info("Escrow deployed", "swap_id", id, "escrow", addr.Hex(), "tx", txHash.Hex())

	if _, err := e.coord.MarkChainFunded(ctx, id, ChainEthereum, FundingRef{
		TxID:   txHash.Hex(),
		Escrow: addr,
	}); err != nil {
		return addr, err
	}
	return addr, nil
}

// ClaimEthereum claims the escrow with the swap secret.
func (e *Executor) ClaimEthereum(ctx context.Context, id string) (common.Hash, error) {
	s, err := e.escrowSwap(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}
	if s.Secret == nil {
		return common.Hash{}, fmt.Errorf("%w: swap %s", ErrSecretUnknown, id)
	}

	txHash, err := e.account.Claim(ctx, s.ETH.Escrow, *s.Secret)
	if err != nil {
		return common.Hash{}, err
	}
	e.log.Info("Escrow claimed", "swap_id", id, "tx", txHash.Hex())
	_, _ = e.coord.RecordSpend(ctx, id, ChainEthereum, txHash.Hex())
	return txHash, nil
}

// RefundEthereum refunds the escrow to its owner after its timeout.
func (e *Executor) RefundEthereum(ctx context.Context, id string) (common.Hash, error) {
	s, err := e.escrowSwap(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}

	txHash, err := e.account.Refund(ctx, s.ETH.Escrow)
	if err != nil {
		return common.Hash{}, err
	}
	e.log.Info("Escrow refunded", "swap_id", id, "tx", txHash.Hex())
	_, _ = e.coord.RecordSpend(ctx, id, ChainEthereum, txHash.Hex())
	return txHash, nil
}

func (e *Executor) requireBitcoin(s *Swap) error {
	if e.backend == nil || e.signer == nil {
		return fmt.Errorf("%w: no bitcoin backend or signer", ErrMissingArtifact)
	}
	if len(s.BTC.RedeemScript) == 0 || s.BTC.LockAddress == "" {
		return fmt.Errorf("%w: bitcoin lock script", ErrMissingArtifact)
	}
	return nil
}

func (e *Executor) spendParams(ctx context.Context, id, dest string) (*Swap, *bitcoin.SpendParams, error) {
	s, err := e.coord.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := e.requireBitcoin(s); err != nil {
		return nil, nil, err
	}
	if s.BTC.Funding == nil {
		return nil, nil, fmt.Errorf("%w: bitcoin funding outpoint", ErrMissingArtifact)
	}
	script, err := bitcoin.ParseScript(s.BTC.RedeemScript, e.net)
	if err != nil {
		return nil, nil, err
	}
	return s, &bitcoin.SpendParams{
		Lock:        *s.BTC.Funding,
		Script:      script,
		DestAddress: dest,
		Fee:         e.fee,
		Net:         e.net,
		Signer:      e.signer,
	}, nil
}

func (e *Executor) escrowSwap(ctx context.Context, id string) (*Swap, error) {
	if e.account == nil {
		return nil, fmt.Errorf("%w: no account chain", ErrMissingArtifact)
	}
	s, err := e.coord.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.ETH.HasEscrow() {
		return nil, fmt.Errorf("%w: escrow address", ErrMissingArtifact)
	}
	return s, nil
}

func (e *Executor) broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	raw, err := bitcoin.SerializeTx(tx)
	if err != nil {
		return "", err
	}
	return e.backend.BroadcastTransaction(ctx, raw)
}
