// Package storage - Swap persistence.
// Rows hold everything needed to resume a swap after a restart.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Swap persistence errors
var (
	ErrSwapNotFound = errors.New("swap not found")
	ErrInvalidSwap  = errors.New("invalid swap record")
)

// SwapRecord is the flat storage row of a swap. Conversion to and from the
// swap domain type lives with the coordinator.
type SwapRecord struct {
	ID        string
	Direction string
	Initiator bool
	Status    string
	Hashlock  string // hex

	// Secret is the raw preimage, nil if unknown. Sealed before it is written.
	Secret         []byte
	SecretRevealed bool

	// Bitcoin leg
	BTCAmount       int64
	BTCFunded       bool
	BTCLockTime     uint32
	BTCRedeemScript string // hex
	BTCLockAddress  string
	BTCFundingTxID  string
	BTCFundingVout  uint32
	BTCFundingValue uint64
	BTCSpendTxID    string

	// Ethereum leg
	ETHAmount    string // wei, decimal
	ETHFunded    bool
	ETHTimeout   int64 // unix seconds
	ETHRecipient string
	ETHEscrow    string
	ETHDeployTx  string
	ETHSpendTx   string

	Expiration  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time // zero while the swap is live
}

const swapColumns = `
	id, direction, initiator, status, hashlock, sealed_secret, secret_revealed,
	btc_amount, btc_funded, btc_locktime, btc_redeem_script, btc_lock_address,
	btc_funding_txid, btc_funding_vout, btc_funding_value, btc_spend_txid,
	eth_amount, eth_funded, eth_timeout, eth_recipient, eth_escrow, eth_deploy_tx, eth_spend_tx,
	expiration, created_at, updated_at, completed_at`

// SaveSwap saves or updates a swap record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveSwap(swap *SwapRecord) error {
	if swap == nil || swap.ID == "" || swap.Hashlock == "" {
		return ErrInvalidSwap
	}

	var sealed []byte
	if len(swap.Secret) > 0 {
		if s.sealer == nil {
			return ErrSealingDisabled
		}
		var err error
		sealed, err = s.sealer.seal(swap.Secret, []byte(swap.ID))
		if err != nil {
			return err
		}
	}

	ethAmount := swap.ETHAmount
	if ethAmount == "" {
		ethAmount = "0"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO swaps (` + swapColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			sealed_secret = COALESCE(excluded.sealed_secret, swaps.sealed_secret),
			secret_revealed = excluded.secret_revealed,
			btc_funded = excluded.btc_funded,
			btc_locktime = excluded.btc_locktime,
			btc_redeem_script = excluded.btc_redeem_script,
			btc_lock_address = excluded.btc_lock_address,
			btc_funding_txid = excluded.btc_funding_txid,
			btc_funding_vout = excluded.btc_funding_vout,
			btc_funding_value = excluded.btc_funding_value,
			btc_spend_txid = excluded.btc_spend_txid,
			eth_funded = excluded.eth_funded,
			eth_timeout = excluded.eth_timeout,
			eth_recipient = excluded.eth_recipient,
			eth_escrow = excluded.eth_escrow,
			eth_deploy_tx = excluded.eth_deploy_tx,
			eth_spend_tx = excluded.eth_spend_tx,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.Exec(query,
		swap.ID,
		swap.Direction,
		boolToInt(swap.Initiator),
		swap.Status,
		swap.Hashlock,
		sealed,
		boolToInt(swap.SecretRevealed),
		swap.BTCAmount,
		boolToInt(swap.BTCFunded),
		swap.BTCLockTime,
		nullString(swap.BTCRedeemScript),
		nullString(swap.BTCLockAddress),
		nullString(swap.BTCFundingTxID),
		swap.BTCFundingVout,
		swap.BTCFundingValue,
		nullString(swap.BTCSpendTxID),
		ethAmount,
		boolToInt(swap.ETHFunded),
		swap.ETHTimeout,
		nullString(swap.ETHRecipient),
		nullString(swap.ETHEscrow),
		nullString(swap.ETHDeployTx),
		nullString(swap.ETHSpendTx),
		swap.Expiration.Unix(),
		swap.CreatedAt.Unix(),
		swap.UpdatedAt.Unix(),
		timeToUnixOrZero(swap.CompletedAt),
	)
	return err
}

// GetSwap retrieves a swap by ID.
func (s *Storage) GetSwap(id string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE id = ?`, id)
	return s.scanSwap(row)
}

// GetSwapByHashlock retrieves the swap locked to the given hex hashlock.
func (s *Storage) GetSwapByHashlock(hashlock string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+swapColumns+` FROM swaps WHERE hashlock = ? ORDER BY created_at DESC LIMIT 1`, hashlock)
	return s.scanSwap(row)
}

// ListSwapsByStatus returns swaps whose status is one of statuses, oldest
// first. With no statuses it returns every swap.
func (s *Storage) ListSwapsByStatus(statuses ...string) ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + swapColumns + ` FROM swaps`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*SwapRecord
	for rows.Next() {
		swap, err := s.scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}

	return swaps, rows.Err()
}

// DeleteSwap removes a swap record.
func (s *Storage) DeleteSwap(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM swaps WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSwapNotFound
	}
	return nil
}

// SwapCount returns the number of live and terminal swaps.
func (s *Storage) SwapCount() (live, terminal int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('pending', 'funded') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('pending', 'funded') THEN 0 ELSE 1 END), 0)
		FROM swaps
	`).Scan(&live, &terminal)
	return live, terminal, err
}

// Helper functions

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Storage) scanSwap(row rowScanner) (*SwapRecord, error) {
	var swap SwapRecord
	var initiator, revealed, btcFunded, ethFunded int
	var sealed []byte
	var redeemScript, lockAddress, fundingTxID, spendTxID sql.NullString
	var ethRecipient, ethEscrow, ethDeployTx, ethSpendTx sql.NullString
	var expiration, createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&swap.ID,
		&swap.Direction,
		&initiator,
		&swap.Status,
		&swap.Hashlock,
		&sealed,
		&revealed,
		&swap.BTCAmount,
		&btcFunded,
		&swap.BTCLockTime,
		&redeemScript,
		&lockAddress,
		&fundingTxID,
		&swap.BTCFundingVout,
		&swap.BTCFundingValue,
		&spendTxID,
		&swap.ETHAmount,
		&ethFunded,
		&swap.ETHTimeout,
		&ethRecipient,
		&ethEscrow,
		&ethDeployTx,
		&ethSpendTx,
		&expiration,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, err
	}

	swap.Initiator = initiator == 1
	swap.SecretRevealed = revealed == 1
	swap.BTCFunded = btcFunded == 1
	swap.ETHFunded = ethFunded == 1
	swap.BTCRedeemScript = redeemScript.String
	swap.BTCLockAddress = lockAddress.String
	swap.BTCFundingTxID = fundingTxID.String
	swap.BTCSpendTxID = spendTxID.String
	swap.ETHRecipient = ethRecipient.String
	swap.ETHEscrow = ethEscrow.String
	swap.ETHDeployTx = ethDeployTx.String
	swap.ETHSpendTx = ethSpendTx.String

	swap.Expiration = time.Unix(expiration, 0)
	swap.CreatedAt = time.Unix(createdAt, 0)
	swap.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid && completedAt.Int64 > 0 {
		swap.CompletedAt = time.Unix(completedAt.Int64, 0)
	}

	if len(sealed) > 0 {
		if s.sealer == nil {
			return nil, fmt.Errorf("swap %s: %w", swap.ID, ErrSealingDisabled)
		}
		plain, err := s.sealer.open(sealed, []byte(swap.ID))
		if err != nil {
			return nil, fmt.Errorf("swap %s: %w", swap.ID, err)
		}
		swap.Secret = plain
	}

	return &swap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
