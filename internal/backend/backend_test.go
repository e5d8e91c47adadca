package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
)

// newTestServer serves fixed bodies by path. Unknown paths return 404.
func newTestServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewMempoolBackend(t *testing.T) {
	backend := NewMempoolBackend("https://mempool.space/api/")

	if backend.Type() != TypeMempool {
		t.Errorf("Type() = %s, want mempool", backend.Type())
	}
	if backend.IsConnected() {
		t.Error("should not be connected initially")
	}
	if backend.baseURL != "https://mempool.space/api" {
		t.Errorf("baseURL = %s, trailing slash should be removed", backend.baseURL)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *Config
		network  chain.Network
		wantType Type
		wantErr  error
	}{
		{"default mainnet", nil, chain.Mainnet, TypeMempool, nil},
		{"esplora testnet", &Config{Type: TypeEsplora, TestnetURL: "https://blockstream.info/testnet/api"}, chain.Testnet, TypeEsplora, nil},
		{"unsupported", &Config{Type: "electrum", MainnetURL: "tcp://x"}, chain.Mainnet, "", ErrUnsupportedBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg, tt.network)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if b.Type() != tt.wantType {
				t.Errorf("Type() = %s, want %s", b.Type(), tt.wantType)
			}
		})
	}

	if _, err := New(&Config{Type: TypeMempool}, chain.Regtest); err == nil {
		t.Error("expected error for missing regtest URL")
	}
}

func TestConnect(t *testing.T) {
	srv := newTestServer(t, map[string]string{"GET /blocks/tip/height": "850000"})
	b := NewMempoolBackend(srv.URL)

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !b.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	b.Close()
	if b.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	bad := NewMempoolBackend(srv.URL + "/missing")
	if err := bad.Connect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestGetAddressUTXOs(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"GET /blocks/tip/height": "102",
		"GET /address/bcrt1qlock/utxo": `[
			{"txid":"aa","vout":0,"value":100000,"status":{"confirmed":true,"block_height":100}},
			{"txid":"bb","vout":1,"value":5000,"status":{"confirmed":false}}
		]`,
	})
	b := NewMempoolBackend(srv.URL)

	utxos, err := b.GetAddressUTXOs(context.Background(), "bcrt1qlock")
	if err != nil {
		t.Fatalf("GetAddressUTXOs() error = %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}
	if utxos[0].Amount != 100000 || utxos[0].Confirmations != 3 {
		t.Errorf("utxo[0] = %+v, want 100000 sats with 3 confirmations", utxos[0])
	}
	if utxos[1].Confirmations != 0 {
		t.Errorf("unconfirmed utxo has %d confirmations", utxos[1].Confirmations)
	}
}

func TestGetTransaction(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"GET /blocks/tip/height": "200",
		"GET /tx/cafe": `{
			"txid":"cafe","version":2,"locktime":0,"size":300,"weight":600,"fee":500,
			"status":{"confirmed":true,"block_height":195,"block_hash":"00ff","block_time":1700000000},
			"vin":[{"txid":"beef","vout":0,"witness":["3044","aa","01","63a8"],"sequence":4294967295,
				"prevout":{"scriptpubkey":"0020ab","scriptpubkey_type":"v0_p2wsh","value":100000}}],
			"vout":[{"scriptpubkey":"0014cd","scriptpubkey_address":"bcrt1qdest","value":99500}]
		}`,
	})
	b := NewMempoolBackend(srv.URL)

	tx, err := b.GetTransaction(context.Background(), "cafe")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if tx.Confirmations != 6 {
		t.Errorf("Confirmations = %d, want 6", tx.Confirmations)
	}
	if tx.VSize != 150 {
		t.Errorf("VSize = %d, want 150", tx.VSize)
	}
	if len(tx.Inputs) != 1 || len(tx.Inputs[0].Witness) != 4 {
		t.Fatalf("inputs = %+v", tx.Inputs)
	}
	if tx.Inputs[0].PrevOut == nil || tx.Inputs[0].PrevOut.Value != 100000 {
		t.Errorf("prevout = %+v", tx.Inputs[0].PrevOut)
	}
	if tx.Outputs[0].ScriptPubKeyAddr != "bcrt1qdest" {
		t.Errorf("output address = %s", tx.Outputs[0].ScriptPubKeyAddr)
	}

	if _, err := b.GetTransaction(context.Background(), "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("missing tx: error = %v, want ErrTxNotFound", err)
	}
}

func TestGetRawTransactionAndOutspend(t *testing.T) {
	srv := newTestServer(t, map[string]string{
		"GET /tx/cafe/hex":        "0200000001\n",
		"GET /tx/cafe/outspend/0": `{"spent":true,"txid":"f00d","vin":0,"status":{"confirmed":true,"block_height":10}}`,
		"GET /tx/cafe/outspend/1": `{"spent":false}`,
	})
	b := NewMempoolBackend(srv.URL)
	ctx := context.Background()

	raw, err := b.GetRawTransaction(ctx, "cafe")
	if err != nil {
		t.Fatalf("GetRawTransaction() error = %v", err)
	}
	if string(raw) != "0200000001" {
		t.Errorf("raw = %q", raw)
	}

	spend, err := b.GetOutspend(ctx, "cafe", 0)
	if err != nil {
		t.Fatalf("GetOutspend() error = %v", err)
	}
	if !spend.Spent || spend.TxID != "f00d" || !spend.Confirmed {
		t.Errorf("outspend = %+v", spend)
	}

	unspent, err := b.GetOutspend(ctx, "cafe", 1)
	if err != nil {
		t.Fatalf("GetOutspend() error = %v", err)
	}
	if unspent.Spent {
		t.Error("output 1 reported spent")
	}
}

func TestGetBlockHeader(t *testing.T) {
	block := `{"id":"00aa","height":100,"version":4,"timestamp":1700000600,"mediantime":1700000000,"tx_count":5}`
	srv := newTestServer(t, map[string]string{
		"GET /block-height/100": "00aa",
		"GET /block/00aa":       block,
	})
	b := NewMempoolBackend(srv.URL)

	for _, id := range []string{"100", "00aa"} {
		h, err := b.GetBlockHeader(context.Background(), id)
		if err != nil {
			t.Fatalf("GetBlockHeader(%s) error = %v", id, err)
		}
		if h.Hash != "00aa" || h.Height != 100 || h.MedianTime != 1700000000 {
			t.Errorf("GetBlockHeader(%s) = %+v", id, h)
		}
	}
}

func TestBroadcastTransaction(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantTxID  string
		wantErr   error
		retryable bool
	}{
		{"accepted", http.StatusOK, "f00d\n", "f00d", nil, false},
		{"non-final", http.StatusBadRequest, `sendrawtransaction RPC error: {"code":-26,"message":"non-final"}`, "", swaperr.ErrTimeoutNotReached, true},
		{"rejected", http.StatusBadRequest, "bad-txns-inputs-missingorspent", "", ErrBroadcastFailed, false},
		{"server error", http.StatusBadGateway, "upstream", "", swaperr.ErrChainCall, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			txid, err := NewMempoolBackend(srv.URL).BroadcastTransaction(context.Background(), "0200")
			if gotBody != "0200" {
				t.Errorf("posted body = %q", gotBody)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if swaperr.IsRetryable(err) != tt.retryable {
					t.Errorf("IsRetryable = %v, want %v", !tt.retryable, tt.retryable)
				}
				return
			}
			if err != nil {
				t.Fatalf("BroadcastTransaction() error = %v", err)
			}
			if txid != tt.wantTxID {
				t.Errorf("txid = %q, want %q", txid, tt.wantTxID)
			}
		})
	}
}

func TestRateLimitedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewMempoolBackend(srv.URL).GetBlockHeight(context.Background())
	if !errors.Is(err, ErrRateLimited) || !swaperr.IsRetryable(err) {
		t.Errorf("error = %v, want retryable ErrRateLimited", err)
	}
}

func TestConvertTxsEmpty(t *testing.T) {
	if got := convertTxs(nil); len(got) != 0 {
		t.Errorf("convertTxs(nil) = %v", got)
	}
}

func TestEsploraBackend(t *testing.T) {
	b := NewEsploraBackend("https://blockstream.info/api")
	if b.Type() != TypeEsplora {
		t.Errorf("Type() = %s, want esplora", b.Type())
	}
}
