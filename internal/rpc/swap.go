// Package rpc - Swap handlers.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/internal/swap"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

var (
	errNoExecutor = errors.New("chain actions not configured")
	errNoWatcher  = errors.New("watcher not configured")
)

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("params required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %w", err)
	}
	return nil
}

func decodeID(params json.RawMessage) (string, error) {
	var p SwapIDParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", invalidParams("id is required")
	}
	return p.ID, nil
}

// swapCreate registers a new swap.
func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	direction, err := swap.ParseDirection(p.Direction)
	if err != nil {
		return nil, invalidParams("%w", err)
	}
	btcAmount, err := helpers.BTCToSats(p.BTCAmount)
	if err != nil {
		return nil, invalidParams("btc_amount: %w", err)
	}
	ethAmount, err := helpers.ETHToWei(p.ETHAmount)
	if err != nil {
		return nil, invalidParams("eth_amount: %w", err)
	}

	cp := swap.CreateParams{
		Direction: direction,
		BTCAmount: btcAmount,
		ETHAmount: ethAmount,
	}
	if p.Hashlock != "" {
		h, err := secret.ParseHashlockHex(p.Hashlock)
		if err != nil {
			return nil, invalidParams("hashlock: %w", err)
		}
		cp.Hashlock = &h
	}
	if p.BTCRecipientPubKey != "" {
		if cp.BTCRecipientPubKey, err = helpers.HexToBytes(p.BTCRecipientPubKey); err != nil {
			return nil, invalidParams("btc_recipient_pubkey: %w", err)
		}
	}
	if p.BTCRefundPubKey != "" {
		if cp.BTCRefundPubKey, err = helpers.HexToBytes(p.BTCRefundPubKey); err != nil {
			return nil, invalidParams("btc_refund_pubkey: %w", err)
		}
	}
	if p.ETHRecipient != "" {
		if !common.IsHexAddress(p.ETHRecipient) {
			return nil, invalidParams("eth_recipient: invalid address %q", p.ETHRecipient)
		}
		cp.ETHRecipient = common.HexToAddress(p.ETHRecipient)
	}

	if p.BTCLockTime != 0 || p.ETHTimeout != 0 {
		if p.Hashlock == "" {
			return nil, invalidParams("btc_locktime and eth_timeout require a hashlock")
		}
		cp.BTCLockTime = p.BTCLockTime
		if p.ETHTimeout != 0 {
			cp.ETHTimeout = time.Unix(p.ETHTimeout, 0)
		}
	}

	expiration := s.defaultExpiration
	if p.ExpirationSecs != 0 {
		expiration = time.Duration(p.ExpirationSecs) * time.Second
	}

	created, err := s.coordinator.Create(ctx, cp, expiration)
	if err != nil {
		if isValidationError(err) {
			return nil, invalidParams("%w", err)
		}
		return nil, err
	}
	return swapToInfo(created), nil
}

func isValidationError(err error) bool {
	for _, target := range []error{swap.ErrInvalidAmount, swap.ErrInvalidDirection, swap.ErrInvalidTimeouts} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// swapGet returns one swap.
func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	sw, err := s.coordinator.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return swapToInfo(sw), nil
}

// swapList returns swaps, optionally filtered by status.
func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}

	statuses := make([]swap.Status, 0, len(p.Status))
	for _, name := range p.Status {
		st, err := swap.ParseStatus(name)
		if err != nil {
			return nil, invalidParams("%w", err)
		}
		statuses = append(statuses, st)
	}

	swaps, err := s.coordinator.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	result := &SwapListResult{Swaps: make([]*SwapInfo, 0, len(swaps))}
	for _, sw := range swaps {
		result.Swaps = append(result.Swaps, swapToInfo(sw))
	}
	result.Count = len(result.Swaps)
	return result, nil
}

// swapAttachEscrow records the counterparty's escrow address.
func (s *Server) swapAttachEscrow(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapAttachEscrowParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	if !common.IsHexAddress(p.Escrow) {
		return nil, invalidParams("escrow: invalid address %q", p.Escrow)
	}

	sw, err := s.coordinator.AttachEscrow(ctx, p.ID, common.HexToAddress(p.Escrow))
	if err != nil {
		return nil, err
	}
	return swapToInfo(sw), nil
}

// swapReconcile rebuilds a swap's state from both chains.
func (s *Server) swapReconcile(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if s.watcher == nil {
		return nil, errNoWatcher
	}
	if err := s.watcher.Reconcile(ctx, id); err != nil {
		return nil, err
	}
	sw, err := s.coordinator.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return swapToInfo(sw), nil
}

// swapSweepExpired expires pending swaps past their expiration.
func (s *Server) swapSweepExpired(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ids, err := s.coordinator.SweepExpired(ctx)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return &SwapSweepResult{Expired: ids}, nil
}

// =============================================================================
// Chain actions
// =============================================================================

func (s *Server) swapFundBitcoin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if s.executor == nil {
		return nil, errNoExecutor
	}
	lock, err := s.executor.FundBitcoin(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SwapTxResult{ID: id, TxID: lock.TxID, Vout: lock.Vout}, nil
}

func (s *Server) swapClaimBitcoin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.spendBitcoin(ctx, params, (*swap.Executor).ClaimBitcoin)
}

func (s *Server) swapRefundBitcoin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.spendBitcoin(ctx, params, (*swap.Executor).RefundBitcoin)
}

func (s *Server) spendBitcoin(ctx context.Context, params json.RawMessage,
	spend func(*swap.Executor, context.Context, string, string) (string, error)) (interface{}, error) {
	var p SwapSpendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" || p.DestAddress == "" {
		return nil, invalidParams("id and dest_address are required")
	}
	if s.executor == nil {
		return nil, errNoExecutor
	}
	txid, err := spend(s.executor, ctx, p.ID, p.DestAddress)
	if err != nil {
		return nil, err
	}
	return &SwapTxResult{ID: p.ID, TxID: txid}, nil
}

func (s *Server) swapFundEthereum(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if s.executor == nil {
		return nil, errNoExecutor
	}
	addr, err := s.executor.FundEthereum(ctx, id)
	if err != nil {
		return nil, err
	}
	sw, err := s.coordinator.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SwapTxResult{ID: id, TxID: sw.ETH.DeployTx.Hex(), Escrow: addr.Hex()}, nil
}

func (s *Server) swapClaimEthereum(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.spendEthereum(ctx, params, (*swap.Executor).ClaimEthereum)
}

func (s *Server) swapRefundEthereum(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.spendEthereum(ctx, params, (*swap.Executor).RefundEthereum)
}

func (s *Server) spendEthereum(ctx context.Context, params json.RawMessage,
	spend func(*swap.Executor, context.Context, string) (common.Hash, error)) (interface{}, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	if s.executor == nil {
		return nil, errNoExecutor
	}
	txHash, err := spend(s.executor, ctx, id)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", id, err)
	}
	return &SwapTxResult{ID: id, TxID: txHash.Hex()}, nil
}
