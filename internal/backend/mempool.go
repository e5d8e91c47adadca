package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
)

// MempoolBackend implements Backend using the mempool.space API.
// Compatible with mempool.space and self-hosted instances.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	connected  bool
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string) *MempoolBackend {
	// Remove trailing slash
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &MempoolBackend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (m *MempoolBackend) setTimeout(d time.Duration) {
	if d > 0 {
		m.httpClient.Timeout = d
	}
}

// Type returns TypeMempool.
func (m *MempoolBackend) Type() Type {
	return TypeMempool
}

// Connect tests the connection to the API.
func (m *MempoolBackend) Connect(ctx context.Context) error {
	if _, err := m.GetBlockHeight(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Close closes the connection.
func (m *MempoolBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns true if connected.
func (m *MempoolBackend) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAddressUTXOs returns unspent outputs for an address.
func (m *MempoolBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}

	if err := m.getJSON(ctx, "address utxos", "/address/"+address+"/utxo", ErrAddressNotFound, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	// Without a tip height confirmed outputs count as one confirmation.
	currentHeight, err := m.GetBlockHeight(ctx)
	if err != nil {
		currentHeight = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations(u.Status.Confirmed, u.Status.BlockHeight, currentHeight),
			BlockHeight:   u.Status.BlockHeight,
		}
	}

	return utxos, nil
}

// GetAddressTxs returns transactions for an address, newest first.
func (m *MempoolBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	endpoint := "/address/" + address + "/txs"
	if lastSeenTxID != "" {
		endpoint += "/chain/" + lastSeenTxID
	}

	var result []mempoolTx
	if err := m.getJSON(ctx, "address txs", endpoint, ErrAddressNotFound, &result); err != nil {
		return nil, err
	}

	return convertTxs(result), nil
}

// GetTransaction returns a transaction by ID, including witnesses.
func (m *MempoolBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var result mempoolTx
	if err := m.getJSON(ctx, "transaction", "/tx/"+txID, ErrTxNotFound, &result); err != nil {
		return nil, err
	}

	tx := &convertTxs([]mempoolTx{result})[0]

	// mempool.space returns block_height but not confirmations
	if tx.Confirmed && tx.BlockHeight > 0 {
		if currentHeight, err := m.GetBlockHeight(ctx); err == nil {
			tx.Confirmations = confirmations(true, tx.BlockHeight, currentHeight)
		}
	}

	return tx, nil
}

// GetRawTransaction returns the raw transaction as hex text.
func (m *MempoolBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	body, err := m.get(ctx, "raw transaction", "/tx/"+txID+"/hex", ErrTxNotFound)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(body))), nil
}

// GetOutspend returns the spending status of output vout of txID.
func (m *MempoolBackend) GetOutspend(ctx context.Context, txID string, vout uint32) (*Outspend, error) {
	var result struct {
		Spent  bool   `json:"spent"`
		TxID   string `json:"txid"`
		Vin    uint32 `json:"vin"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
	}

	path := fmt.Sprintf("/tx/%s/outspend/%d", txID, vout)
	if err := m.getJSON(ctx, "outspend", path, ErrTxNotFound, &result); err != nil {
		return nil, err
	}

	return &Outspend{
		Spent:       result.Spent,
		TxID:        result.TxID,
		Vin:         result.Vin,
		Confirmed:   result.Status.Confirmed,
		BlockHeight: result.Status.BlockHeight,
	}, nil
}

// BroadcastTransaction broadcasts a raw transaction and returns its txid.
// A transaction rejected as non-final yields swaperr.ErrTimeoutNotReached.
func (m *MempoolBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", swaperr.ChainCall("broadcast", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusOK:
		return msg, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", swaperr.ChainCall("broadcast", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	case strings.Contains(msg, "non-final"):
		return "", fmt.Errorf("%w: %w: %s", ErrBroadcastFailed, swaperr.ErrTimeoutNotReached, msg)
	default:
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, msg)
	}
}

// GetBlockHeight returns the current block height.
func (m *MempoolBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := m.get(ctx, "block height", "/blocks/tip/height", ErrNotConnected)
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block height %q: %w", body, err)
	}
	return height, nil
}

// GetBlockHeader returns block header info. hashOrHeight may be a block
// hash or a decimal height.
func (m *MempoolBackend) GetBlockHeader(ctx context.Context, hashOrHeight string) (*BlockHeader, error) {
	hash := hashOrHeight
	if _, err := strconv.ParseUint(hashOrHeight, 10, 64); err == nil {
		body, err := m.get(ctx, "block hash", "/block-height/"+hashOrHeight, ErrTxNotFound)
		if err != nil {
			return nil, err
		}
		hash = strings.TrimSpace(string(body))
	}

	var result struct {
		ID           string `json:"id"`
		Height       int64  `json:"height"`
		Version      int32  `json:"version"`
		Timestamp    int64  `json:"timestamp"`
		MedianTime   int64  `json:"mediantime"`
		Bits         uint32 `json:"bits"`
		Nonce        uint32 `json:"nonce"`
		MerkleRoot   string `json:"merkle_root"`
		PreviousHash string `json:"previousblockhash"`
		TxCount      int64  `json:"tx_count"`
	}

	if err := m.getJSON(ctx, "block", "/block/"+hash, ErrTxNotFound, &result); err != nil {
		return nil, err
	}

	return &BlockHeader{
		Hash:         result.ID,
		Height:       result.Height,
		Version:      result.Version,
		PreviousHash: result.PreviousHash,
		MerkleRoot:   result.MerkleRoot,
		Timestamp:    result.Timestamp,
		MedianTime:   result.MedianTime,
		Bits:         result.Bits,
		Nonce:        result.Nonce,
		TxCount:      result.TxCount,
	}, nil
}

// get performs a GET request and returns the body. A 404 maps to notFound;
// transport errors, 429 and 5xx are chain call failures.
func (m *MempoolBackend) get(ctx context.Context, op, path string, notFound error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, swaperr.ChainCall(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, swaperr.ChainCall(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, notFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, swaperr.ChainCall(op, ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, swaperr.ChainCall(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return nil, fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// getJSON performs a GET request and decodes the JSON response.
func (m *MempoolBackend) getJSON(ctx context.Context, op, path string, notFound error, result interface{}) error {
	body, err := m.get(ctx, op, path, notFound)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%s: invalid response: %w", op, err)
	}
	return nil
}

func confirmations(confirmed bool, blockHeight, tipHeight int64) int64 {
	if !confirmed || blockHeight <= 0 {
		return 0
	}
	if tipHeight < blockHeight {
		return 1
	}
	return tipHeight - blockHeight + 1
}

// mempoolTx is the mempool.space transaction format.
type mempoolTx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	LockTime uint32 `json:"locktime"`
	Size     int64  `json:"size"`
	Weight   int64  `json:"weight"`
	Fee      uint64 `json:"fee"`
	Status   struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight int64  `json:"block_height"`
		BlockHash   string `json:"block_hash"`
		BlockTime   int64  `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		TxID      string           `json:"txid"`
		Vout      uint32           `json:"vout"`
		ScriptSig string           `json:"scriptsig"`
		Witness   []string         `json:"witness"`
		Sequence  uint32           `json:"sequence"`
		Prevout   *mempoolTxOutput `json:"prevout"`
	} `json:"vin"`
	Vout []mempoolTxOutput `json:"vout"`
}

type mempoolTxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address"`
	Value            uint64 `json:"value"`
}

func (o mempoolTxOutput) convert() TxOutput {
	return TxOutput{
		ScriptPubKey:     o.ScriptPubKey,
		ScriptPubKeyType: o.ScriptPubKeyType,
		ScriptPubKeyAddr: o.ScriptPubKeyAddr,
		Value:            o.Value,
	}
}

// convertTxs converts mempool format to our Transaction format.
func convertTxs(mTxs []mempoolTx) []Transaction {
	txs := make([]Transaction, len(mTxs))
	for i, mt := range mTxs {
		tx := Transaction{
			TxID:        mt.TxID,
			Version:     mt.Version,
			Size:        mt.Size,
			Weight:      mt.Weight,
			VSize:       (mt.Weight + 3) / 4,
			LockTime:    mt.LockTime,
			Fee:         mt.Fee,
			Confirmed:   mt.Status.Confirmed,
			BlockHash:   mt.Status.BlockHash,
			BlockHeight: mt.Status.BlockHeight,
			BlockTime:   mt.Status.BlockTime,
			Inputs:      make([]TxInput, len(mt.Vin)),
			Outputs:     make([]TxOutput, len(mt.Vout)),
		}

		for j, vin := range mt.Vin {
			input := TxInput{
				TxID:      vin.TxID,
				Vout:      vin.Vout,
				ScriptSig: vin.ScriptSig,
				Witness:   vin.Witness,
				Sequence:  vin.Sequence,
			}
			if vin.Prevout != nil {
				out := vin.Prevout.convert()
				input.PrevOut = &out
			}
			tx.Inputs[j] = input
		}

		for j, vout := range mt.Vout {
			tx.Outputs[j] = vout.convert()
		}

		txs[i] = tx
	}
	return txs
}

// Ensure MempoolBackend implements Backend
var _ Backend = (*MempoolBackend)(nil)
