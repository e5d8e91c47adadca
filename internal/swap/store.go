// Package swap - Store implementations.
package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/bitcoin"
	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
)

// MemoryStore keeps swaps in memory. Used by tests and simulation mode.
type MemoryStore struct {
	mu    sync.RWMutex
	swaps map[string]*Swap
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{swaps: make(map[string]*Swap)}
}

// SaveSwap stores a copy of s.
func (m *MemoryStore) SaveSwap(ctx context.Context, s *Swap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps[s.ID] = s.Clone()
	return nil
}

// GetSwap returns a copy of the swap with the given id.
func (m *MemoryStore) GetSwap(ctx context.Context, id string) (*Swap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.swaps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return s.Clone(), nil
}

// ListSwapsByStatus returns copies of matching swaps, oldest first.
func (m *MemoryStore) ListSwapsByStatus(ctx context.Context, statuses ...Status) ([]*Swap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Swap
	for _, s := range m.swaps {
		if len(statuses) > 0 && !containsStatus(statuses, s.Status) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func containsStatus(statuses []Status, st Status) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// SQLStore adapts storage.Storage to Store.
type SQLStore struct {
	db *storage.Storage
}

// NewSQLStore wraps db.
func NewSQLStore(db *storage.Storage) *SQLStore {
	return &SQLStore{db: db}
}

// SaveSwap persists s. The secret is sealed by storage.
func (st *SQLStore) SaveSwap(ctx context.Context, s *Swap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return st.db.SaveSwap(swapToRecord(s))
}

// GetSwap loads the swap with the given id.
func (st *SQLStore) GetSwap(ctx context.Context, id string) (*Swap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := st.db.GetSwap(id)
	if errors.Is(err, storage.ErrSwapNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return recordToSwap(rec)
}

// ListSwapsByStatus loads the swaps in any of statuses.
func (st *SQLStore) ListSwapsByStatus(ctx context.Context, statuses ...Status) ([]*Swap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	recs, err := st.db.ListSwapsByStatus(names...)
	if err != nil {
		return nil, err
	}
	out := make([]*Swap, 0, len(recs))
	for _, rec := range recs {
		s, err := recordToSwap(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func swapToRecord(s *Swap) *storage.SwapRecord {
	rec := &storage.SwapRecord{
		ID:              s.ID,
		Direction:       string(s.Direction),
		Initiator:       s.Initiator,
		Status:          string(s.Status),
		Hashlock:        hex.EncodeToString(s.Hashlock[:]),
		SecretRevealed:  s.SecretRevealed,
		BTCAmount:       s.BTC.Amount,
		BTCFunded:       s.BTC.Funded,
		BTCLockTime:     s.BTC.LockTime,
		BTCRedeemScript: hex.EncodeToString(s.BTC.RedeemScript),
		BTCLockAddress:  s.BTC.LockAddress,
		BTCSpendTxID:    s.BTC.SpendTxID,
		ETHFunded:       s.ETH.Funded,
		ETHTimeout:      s.ETH.Timeout.Unix(),
		Expiration:      s.Expiration,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.Secret != nil {
		rec.Secret = append([]byte(nil), s.Secret[:]...)
	}
	if s.BTC.Funding != nil {
		rec.BTCFundingTxID = s.BTC.Funding.TxID
		rec.BTCFundingVout = s.BTC.Funding.Vout
		rec.BTCFundingValue = s.BTC.Funding.Value
	}
	if s.ETH.Amount != nil {
		rec.ETHAmount = s.ETH.Amount.String()
	}
	if s.ETH.Recipient != (common.Address{}) {
		rec.ETHRecipient = s.ETH.Recipient.Hex()
	}
	if s.ETH.HasEscrow() {
		rec.ETHEscrow = s.ETH.Escrow.Hex()
	}
	if s.ETH.DeployTx != (common.Hash{}) {
		rec.ETHDeployTx = s.ETH.DeployTx.Hex()
	}
	if s.ETH.SpendTx != (common.Hash{}) {
		rec.ETHSpendTx = s.ETH.SpendTx.Hex()
	}
	if s.CompletedAt != nil {
		rec.CompletedAt = *s.CompletedAt
	}
	return rec
}

func recordToSwap(rec *storage.SwapRecord) (*Swap, error) {
	direction, err := ParseDirection(rec.Direction)
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	hashlock, err := secret.ParseHashlockHex(rec.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", rec.ID, err)
	}
	redeemScript, err := hex.DecodeString(rec.BTCRedeemScript)
	if err != nil {
		return nil, fmt.Errorf("swap %s: invalid redeem script: %w", rec.ID, err)
	}
	ethAmount, ok := new(big.Int).SetString(rec.ETHAmount, 10)
	if !ok {
		return nil, fmt.Errorf("swap %s: invalid eth amount %q", rec.ID, rec.ETHAmount)
	}

	s := &Swap{
		ID:             rec.ID,
		Direction:      direction,
		Initiator:      rec.Initiator,
		Hashlock:       hashlock,
		SecretRevealed: rec.SecretRevealed,
		BTC: BTCLeg{
			Amount:      rec.BTCAmount,
			Funded:      rec.BTCFunded,
			LockTime:    rec.BTCLockTime,
			LockAddress: rec.BTCLockAddress,
			SpendTxID:   rec.BTCSpendTxID,
		},
		ETH: ETHLeg{
			Amount:  ethAmount,
			Funded:  rec.ETHFunded,
			Timeout: time.Unix(rec.ETHTimeout, 0),
		},
		Status:     status,
		Expiration: rec.Expiration,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if len(redeemScript) > 0 {
		s.BTC.RedeemScript = redeemScript
	}
	if rec.BTCFundingTxID != "" {
		s.BTC.Funding = &bitcoin.LockUTXO{
			TxID:  rec.BTCFundingTxID,
			Vout:  rec.BTCFundingVout,
			Value: rec.BTCFundingValue,
		}
	}
	if len(rec.Secret) > 0 {
		sec, err := secret.Parse(rec.Secret)
		if err != nil {
			return nil, fmt.Errorf("swap %s: %w", rec.ID, err)
		}
		s.Secret = &sec
	}
	if rec.ETHRecipient != "" {
		s.ETH.Recipient = common.HexToAddress(rec.ETHRecipient)
	}
	if rec.ETHEscrow != "" {
		s.ETH.Escrow = common.HexToAddress(rec.ETHEscrow)
	}
	if rec.ETHDeployTx != "" {
		s.ETH.DeployTx = common.HexToHash(rec.ETHDeployTx)
	}
	if rec.ETHSpendTx != "" {
		s.ETH.SpendTx = common.HexToHash(rec.ETHSpendTx)
	}
	if !rec.CompletedAt.IsZero() {
		t := rec.CompletedAt
		s.CompletedAt = &t
	}
	return s, nil
}
