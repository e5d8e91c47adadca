// Package rpc - Type definitions for swap RPC handlers.
package rpc

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/swap"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// =============================================================================
// Swap Create Types
// =============================================================================

// SwapCreateParams is the parameters for swap_create. Amounts are decimal
// strings in whole coins ("0.01" BTC, "1.5" ETH).
type SwapCreateParams struct {
	Direction string `json:"direction"` // btc_to_eth or eth_to_btc
	BTCAmount string `json:"btc_amount"`
	ETHAmount string `json:"eth_amount"`

	// Hashlock is set when joining a swap the counterparty initiated.
	Hashlock string `json:"hashlock,omitempty"`

	BTCRecipientPubKey string `json:"btc_recipient_pubkey,omitempty"` // hex, 33 bytes
	BTCRefundPubKey    string `json:"btc_refund_pubkey,omitempty"`    // hex, 33 bytes
	ETHRecipient       string `json:"eth_recipient,omitempty"`

	// ExpirationSecs is the offset from now. Zero uses the default.
	ExpirationSecs int64 `json:"expiration_secs,omitempty"`

	// BTCLockTime and ETHTimeout (unix seconds) are the initiator's leg
	// timeouts, required when joining with a hashlock.
	BTCLockTime uint32 `json:"btc_locktime,omitempty"`
	ETHTimeout  int64  `json:"eth_timeout,omitempty"`
}

// =============================================================================
// Common Types
// =============================================================================

// SwapIDParams is the parameters for methods that take only a swap id.
type SwapIDParams struct {
	ID string `json:"id"`
}

// SwapSpendParams is the parameters for swap_claimBitcoin and
// swap_refundBitcoin.
type SwapSpendParams struct {
	ID          string `json:"id"`
	DestAddress string `json:"dest_address"`
}

// SwapListParams is the parameters for swap_list.
type SwapListParams struct {
	Status []string `json:"status,omitempty"`
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Swaps []*SwapInfo `json:"swaps"`
	Count int         `json:"count"`
}

// SwapAttachEscrowParams is the parameters for swap_attachEscrow.
type SwapAttachEscrowParams struct {
	ID     string `json:"id"`
	Escrow string `json:"escrow"`
}

// SwapTxResult is the response for chain actions.
type SwapTxResult struct {
	ID     string `json:"id"`
	TxID   string `json:"txid,omitempty"`
	Vout   uint32 `json:"vout,omitempty"`
	Escrow string `json:"escrow,omitempty"`
}

// SwapSweepResult is the response for swap_sweepExpired.
type SwapSweepResult struct {
	Expired []string `json:"expired"`
}

// SwapEventInfo is the data of a swap WebSocket event.
type SwapEventInfo struct {
	SwapID string `json:"swap_id"`
	Status string `json:"status"`
	Chain  string `json:"chain,omitempty"`
}

// =============================================================================
// Swap Info
// =============================================================================

// SwapInfo is the public view of a swap. The secret is never included.
type SwapInfo struct {
	ID             string     `json:"id"`
	Direction      string     `json:"direction"`
	Initiator      bool       `json:"initiator"`
	Status         string     `json:"status"`
	Hashlock       string     `json:"hashlock"`
	SecretRevealed bool       `json:"secret_revealed"`
	BTC            BTCLegInfo `json:"btc"`
	ETH            ETHLegInfo `json:"eth"`
	Expiration     int64      `json:"expiration"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
	CompletedAt    *int64     `json:"completed_at,omitempty"`
}

// BTCLegInfo describes the Bitcoin leg.
type BTCLegInfo struct {
	Amount       string `json:"amount"`
	AmountSats   int64  `json:"amount_sats"`
	Funded       bool   `json:"funded"`
	LockTime     uint32 `json:"locktime"`
	LockAddress  string `json:"lock_address,omitempty"`
	RedeemScript string `json:"redeem_script,omitempty"`
	FundingTxID  string `json:"funding_txid,omitempty"`
	FundingVout  uint32 `json:"funding_vout,omitempty"`
	SpendTxID    string `json:"spend_txid,omitempty"`
}

// ETHLegInfo describes the Ethereum leg.
type ETHLegInfo struct {
	Amount    string `json:"amount"`
	AmountWei string `json:"amount_wei"`
	Funded    bool   `json:"funded"`
	Timeout   int64  `json:"timeout"`
	Recipient string `json:"recipient,omitempty"`
	Escrow    string `json:"escrow,omitempty"`
	DeployTx  string `json:"deploy_tx,omitempty"`
	SpendTx   string `json:"spend_tx,omitempty"`
}

func swapToInfo(s *swap.Swap) *SwapInfo {
	info := &SwapInfo{
		ID:             s.ID,
		Direction:      string(s.Direction),
		Initiator:      s.Initiator,
		Status:         string(s.Status),
		Hashlock:       s.Hashlock.String(),
		SecretRevealed: s.SecretRevealed,
		BTC: BTCLegInfo{
			Amount:      helpers.SatsToBTC(s.BTC.Amount),
			AmountSats:  s.BTC.Amount,
			Funded:      s.BTC.Funded,
			LockTime:    s.BTC.LockTime,
			LockAddress: s.BTC.LockAddress,
			SpendTxID:   s.BTC.SpendTxID,
		},
		ETH: ETHLegInfo{
			Amount:  helpers.WeiToETH(s.ETH.Amount),
			Funded:  s.ETH.Funded,
			Timeout: s.ETH.Timeout.Unix(),
		},
		Expiration: s.Expiration.Unix(),
		CreatedAt:  s.CreatedAt.Unix(),
		UpdatedAt:  s.UpdatedAt.Unix(),
	}

	if len(s.BTC.RedeemScript) > 0 {
		info.BTC.RedeemScript = hex.EncodeToString(s.BTC.RedeemScript)
	}
	if s.BTC.Funding != nil {
		info.BTC.FundingTxID = s.BTC.Funding.TxID
		info.BTC.FundingVout = s.BTC.Funding.Vout
	}
	if s.ETH.Amount != nil {
		info.ETH.AmountWei = s.ETH.Amount.String()
	}
	if s.ETH.Recipient != (common.Address{}) {
		info.ETH.Recipient = s.ETH.Recipient.Hex()
	}
	if s.ETH.HasEscrow() {
		info.ETH.Escrow = s.ETH.Escrow.Hex()
	}
	if s.ETH.DeployTx != (common.Hash{}) {
		info.ETH.DeployTx = s.ETH.DeployTx.Hex()
	}
	if s.ETH.SpendTx != (common.Hash{}) {
		info.ETH.SpendTx = s.ETH.SpendTx.Hex()
	}
	if s.CompletedAt != nil {
		t := s.CompletedAt.Unix()
		info.CompletedAt = &t
	}
	return info
}
