package swap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

func newSQLCoordinator(t *testing.T, dir string) (*Coordinator, *storage.Storage) {
	t.Helper()
	db, err := storage.New(&storage.Config{DataDir: dir, Passphrase: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	mock := clock.NewMock()
	mock.Set(testStart)
	coord := NewCoordinator(&CoordinatorConfig{
		Store:   NewSQLStore(db),
		Network: chain.Regtest,
		Clock:   mock,
		Logger:  logging.Discard(),
	})
	return coord, db
}

func TestSQLStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	coord, db := newSQLCoordinator(t, dir)
	ctx := context.Background()

	p := basicParams()
	p.BTCRecipientPubKey = testPubKey(t)
	p.BTCRefundPubKey = testPubKey(t)
	created, err := coord.Create(ctx, p, time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := coord.MarkChainFunded(ctx, created.ID, ChainBitcoin, FundingRef{TxID: strings.Repeat("ab", 32), Vout: 2, Value: 100500}); err != nil {
		t.Fatalf("MarkChainFunded() error = %v", err)
	}
	escrowAddr := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	deployTx := common.HexToHash("0x" + strings.Repeat("cd", 32))
	if _, err := coord.MarkChainFunded(ctx, created.ID, ChainEthereum, FundingRef{TxID: deployTx.Hex(), Escrow: escrowAddr}); err != nil {
		t.Fatalf("MarkChainFunded() error = %v", err)
	}
	db.Close()

	// Reopen from disk.
	coord2, db2 := newSQLCoordinator(t, dir)
	defer db2.Close()

	got, err := coord2.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.Status != StatusFunded || got.Direction != DirectionBTCToETH || !got.Initiator {
		t.Errorf("identity = %s/%s/%v", got.Status, got.Direction, got.Initiator)
	}
	if got.Hashlock != created.Hashlock {
		t.Error("hashlock mismatch")
	}
	if got.Secret == nil || *got.Secret != *created.Secret {
		t.Error("secret not restored")
	}
	if string(got.BTC.RedeemScript) != string(created.BTC.RedeemScript) || got.BTC.LockAddress != created.BTC.LockAddress {
		t.Error("lock script not restored")
	}
	if got.BTC.LockTime != created.BTC.LockTime {
		t.Errorf("LockTime = %d, want %d", got.BTC.LockTime, created.BTC.LockTime)
	}
	if got.BTC.Funding == nil || got.BTC.Funding.Vout != 2 || got.BTC.Funding.Value != 100500 {
		t.Errorf("Funding = %+v", got.BTC.Funding)
	}
	if got.ETH.Amount.Cmp(oneEther()) != 0 {
		t.Errorf("ETH amount = %s", got.ETH.Amount)
	}
	if got.ETH.Escrow != escrowAddr || got.ETH.DeployTx != deployTx {
		t.Errorf("ETH leg = %+v", got.ETH)
	}
	if got.ETH.Recipient != p.ETHRecipient {
		t.Errorf("Recipient = %s", got.ETH.Recipient.Hex())
	}
	if !got.ETH.Timeout.Equal(created.ETH.Timeout) || !got.Expiration.Equal(created.Expiration) {
		t.Error("timeouts not restored")
	}
}

func TestSQLStoreTransitions(t *testing.T) {
	coord, db := newSQLCoordinator(t, t.TempDir())
	defer db.Close()
	ctx := context.Background()

	s, _ := coord.Create(ctx, basicParams(), time.Hour)
	fundBoth(t, coord, s.ID)
	done, err := coord.RecordSecretRevealed(ctx, s.ID, *s.Secret)
	if err != nil {
		t.Fatalf("RecordSecretRevealed() error = %v", err)
	}

	got, err := coord.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusCompleted || !got.SecretRevealed {
		t.Errorf("Status = %s, SecretRevealed = %v", got.Status, got.SecretRevealed)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(*done.CompletedAt) {
		t.Errorf("CompletedAt = %v", got.CompletedAt)
	}

	completed, err := coord.ListByStatus(ctx, StatusCompleted)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(completed) != 1 || completed[0].ID != s.ID {
		t.Errorf("ListByStatus(completed) = %d swaps", len(completed))
	}

	if _, err := coord.Get(ctx, "missing"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("Get(missing) error = %v, want %v", err, ErrSwapNotFound)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := &Swap{ID: "a", Status: StatusPending, ETH: ETHLeg{Amount: oneEther()}, CreatedAt: testStart}
	if err := store.SaveSwap(ctx, s); err != nil {
		t.Fatalf("SaveSwap() error = %v", err)
	}
	s.Status = StatusCompleted
	s.ETH.Amount.SetInt64(1)

	got, _ := store.GetSwap(ctx, "a")
	if got.Status != StatusPending || got.ETH.Amount.Cmp(oneEther()) != 0 {
		t.Error("store shares memory with caller")
	}

	store.SaveSwap(ctx, &Swap{ID: "b", Status: StatusFunded, CreatedAt: testStart.Add(-time.Minute)})
	all, _ := store.ListSwapsByStatus(ctx)
	if len(all) != 2 || all[0].ID != "b" {
		t.Errorf("ListSwapsByStatus() order wrong")
	}
	funded, _ := store.ListSwapsByStatus(ctx, StatusFunded)
	if len(funded) != 1 {
		t.Errorf("ListSwapsByStatus(funded) = %d", len(funded))
	}
}
