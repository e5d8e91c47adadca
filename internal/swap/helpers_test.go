package swap

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/bitcoin"
)

var testNet = &chaincfg.RegressionNetParams

// fakeBackend serves canned chain data and records broadcasts.
type fakeBackend struct {
	mu         sync.Mutex
	utxos      map[string][]backend.UTXO
	txs        map[string][]backend.Transaction
	outspends  map[string]*backend.Outspend
	raw        map[string]string
	broadcasts []string
	err        error // returned by every read when set
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		utxos:     make(map[string][]backend.UTXO),
		txs:       make(map[string][]backend.Transaction),
		outspends: make(map[string]*backend.Outspend),
		raw:       make(map[string]string),
	}
}

func outpointKey(txID string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txID, vout)
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBackend) addTx(address string, tx backend.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[address] = append(f.txs[address], tx)
}

func (f *fakeBackend) setSpent(lock bitcoin.LockUTXO, spendTxID, rawHex string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outspends[outpointKey(lock.TxID, lock.Vout)] = &backend.Outspend{Spent: true, TxID: spendTxID, Confirmed: true}
	f.raw[spendTxID] = rawHex
}

func (f *fakeBackend) lastBroadcast() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return ""
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

func (f *fakeBackend) Type() backend.Type                { return backend.TypeMempool }
func (f *fakeBackend) Connect(ctx context.Context) error { return nil }
func (f *fakeBackend) Close() error                      { return nil }
func (f *fakeBackend) IsConnected() bool                 { return true }

func (f *fakeBackend) GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.utxos[address], nil
}

func (f *fakeBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]backend.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	txs, ok := f.txs[address]
	if !ok {
		return nil, backend.ErrAddressNotFound
	}
	return txs, nil
}

func (f *fakeBackend) GetTransaction(ctx context.Context, txID string) (*backend.Transaction, error) {
	return nil, backend.ErrTxNotFound
}

func (f *fakeBackend) GetRawTransaction(ctx context.Context, txID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.raw[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return []byte(raw), nil
}

func (f *fakeBackend) GetOutspend(ctx context.Context, txID string, vout uint32) (*backend.Outspend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if o, ok := f.outspends[outpointKey(txID, vout)]; ok {
		return o, nil
	}
	return &backend.Outspend{}, nil
}

func (f *fakeBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	tx, err := bitcoin.DeserializeTx(rawTxHex)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, rawTxHex)
	return tx.TxHash().String(), nil
}

func (f *fakeBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	return 100, nil
}

func (f *fakeBackend) GetBlockHeader(ctx context.Context, hashOrHeight string) (*backend.BlockHeader, error) {
	return &backend.BlockHeader{Height: 100}, nil
}

func newSigner(t *testing.T) *bitcoin.KeySigner {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	return bitcoin.NewKeySigner(key)
}

func addressOf(t *testing.T, s bitcoin.Signer) string {
	t.Helper()
	addr, err := bitcoin.P2WPKHAddress(s, testNet)
	if err != nil {
		t.Fatalf("P2WPKHAddress() error = %v", err)
	}
	return addr.EncodeAddress()
}
