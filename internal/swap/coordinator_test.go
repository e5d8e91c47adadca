package swap

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlc/internal/bitcoin"
	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

var testStart = time.Unix(1700000000, 0)

func newTestCoordinator(t *testing.T) (*Coordinator, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testStart)
	coord := NewCoordinator(&CoordinatorConfig{
		Network: chain.Regtest,
		Clock:   mock,
		Logger:  logging.Discard(),
	})
	t.Cleanup(func() { coord.Close() })
	return coord, mock
}

func testPubKey(t *testing.T) []byte {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	return key.PubKey().SerializeCompressed()
}

func oneEther() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

func basicParams() CreateParams {
	return CreateParams{
		Direction:    DirectionBTCToETH,
		BTCAmount:    100000,
		ETHAmount:    oneEther(),
		ETHRecipient: common.HexToAddress("0x00000000000000000000000000000000000000b0"),
	}
}

func TestCreate(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	p := basicParams()
	p.BTCRecipientPubKey = testPubKey(t)
	p.BTCRefundPubKey = testPubKey(t)

	s, err := coord.Create(ctx, p, 48*time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if s.Status != StatusPending {
		t.Errorf("Status = %s, want pending", s.Status)
	}
	if !s.Initiator || s.Secret == nil {
		t.Fatal("initiator swap should hold a secret")
	}
	if !secret.Verify(*s.Secret, s.Hashlock) {
		t.Error("secret does not match hashlock")
	}
	if s.SecretRevealed {
		t.Error("SecretRevealed set at creation")
	}
	if !s.Expiration.Equal(testStart.Add(48 * time.Hour)) {
		t.Errorf("Expiration = %v", s.Expiration)
	}

	// Initiator locks BTC with the long timeout; ETH unlocks halfway.
	if got := s.BTC.Timeout(); !got.Equal(s.Expiration) {
		t.Errorf("BTC timeout = %v, want %v", got, s.Expiration)
	}
	if !s.ETH.Timeout.Equal(testStart.Add(24 * time.Hour)) {
		t.Errorf("ETH timeout = %v", s.ETH.Timeout)
	}

	if !strings.HasPrefix(s.BTC.LockAddress, "bcrt1") {
		t.Errorf("LockAddress = %s, want regtest bech32", s.BTC.LockAddress)
	}
	script, err := bitcoin.ParseScript(s.BTC.RedeemScript, chain.MustGet(chain.BTC, chain.Regtest).ChaincfgParams())
	if err != nil {
		t.Fatalf("ParseScript() error = %v", err)
	}
	if script.Hashlock != s.Hashlock || script.LockTime != s.BTC.LockTime {
		t.Error("lock script does not commit to the swap hashlock and locktime")
	}

	got, err := coord.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != s.ID || got.Status != StatusPending {
		t.Errorf("Get() = %+v", got)
	}
}

func TestCreateResponder(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	other, _ := secret.Generate()
	h := other.Hashlock()
	p := basicParams()
	p.Hashlock = &h

	s, err := coord.Create(context.Background(), p, 48*time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.Initiator || s.Secret != nil {
		t.Error("responder swap must not hold a secret")
	}
	if s.Hashlock != h {
		t.Error("hashlock not taken from params")
	}
	// The counterparty locks ETH with the long timeout.
	if !s.ETH.Timeout.Equal(s.Expiration) {
		t.Errorf("ETH timeout = %v, want %v", s.ETH.Timeout, s.Expiration)
	}
	if !s.BTC.Timeout().Equal(testStart.Add(24 * time.Hour)) {
		t.Errorf("BTC timeout = %v", s.BTC.Timeout())
	}
	if s.BTC.LockAddress != "" {
		t.Error("lock address built without pubkeys")
	}
}

func TestCreateJoinAgreedTimeouts(t *testing.T) {
	ctx := context.Background()
	alice, _ := newTestCoordinator(t)

	recipient, refund := testPubKey(t), testPubKey(t)
	p := basicParams()
	p.BTCRecipientPubKey = recipient
	p.BTCRefundPubKey = refund

	initiated, err := alice.Create(ctx, p, 48*time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// The counterparty joins later on its own clock.
	bobClock := clock.NewMock()
	bobClock.Set(testStart.Add(5 * time.Second))
	bob := NewCoordinator(&CoordinatorConfig{
		Network:          chain.Regtest,
		Clock:            bobClock,
		MinLockTimeDelta: 12 * time.Hour,
		Logger:           logging.Discard(),
	})
	defer bob.Close()

	join := basicParams()
	join.Direction = DirectionETHToBTC
	join.Hashlock = &initiated.Hashlock
	join.BTCRecipientPubKey = recipient
	join.BTCRefundPubKey = refund
	join.BTCLockTime = initiated.BTC.LockTime
	join.ETHTimeout = initiated.ETH.Timeout

	joined, err := bob.Create(ctx, join, time.Hour)
	if err != nil {
		t.Fatalf("Create(join) error = %v", err)
	}
	if joined.BTC.LockAddress != initiated.BTC.LockAddress {
		t.Errorf("lock address = %s, want %s", joined.BTC.LockAddress, initiated.BTC.LockAddress)
	}
	if joined.BTC.LockTime != initiated.BTC.LockTime || !joined.ETH.Timeout.Equal(initiated.ETH.Timeout) {
		t.Errorf("timeouts = %d/%v, want %d/%v", joined.BTC.LockTime, joined.ETH.Timeout,
			initiated.BTC.LockTime, initiated.ETH.Timeout)
	}
	if !joined.Expiration.Equal(initiated.Expiration) {
		t.Errorf("Expiration = %v, want %v", joined.Expiration, initiated.Expiration)
	}
}

func TestCreateJoinTimeoutValidation(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	other, _ := secret.Generate()
	h := other.Hashlock()

	long := uint32(testStart.Add(48 * time.Hour).Unix())
	short := testStart.Add(24 * time.Hour)

	tests := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"initiator with timeouts", func(p *CreateParams) {
			p.Hashlock = nil
			p.BTCLockTime, p.ETHTimeout = long, short
		}},
		{"only btc locktime", func(p *CreateParams) { p.BTCLockTime = long }},
		{"only eth timeout", func(p *CreateParams) { p.ETHTimeout = short }},
		{"short leg unlocks last", func(p *CreateParams) {
			p.BTCLockTime, p.ETHTimeout = uint32(short.Unix()), time.Unix(int64(long), 0)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := basicParams()
			p.Direction = DirectionETHToBTC
			p.Hashlock = &h
			tt.mutate(&p)
			if _, err := coord.Create(context.Background(), p, time.Hour); !errors.Is(err, ErrInvalidTimeouts) {
				t.Errorf("Create() error = %v, want %v", err, ErrInvalidTimeouts)
			}
		})
	}
}

func TestCreateValidation(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	tests := []struct {
		name    string
		mutate  func(*CreateParams)
		wantErr error
	}{
		{"bad direction", func(p *CreateParams) { p.Direction = "sideways" }, ErrInvalidDirection},
		{"zero btc", func(p *CreateParams) { p.BTCAmount = 0 }, ErrInvalidAmount},
		{"nil eth", func(p *CreateParams) { p.ETHAmount = nil }, ErrInvalidAmount},
		{"negative eth", func(p *CreateParams) { p.ETHAmount = big.NewInt(-1) }, ErrInvalidAmount},
		{"short pubkey", func(p *CreateParams) {
			p.BTCRecipientPubKey = []byte{0x02}
			p.BTCRefundPubKey = []byte{0x03}
		}, bitcoin.ErrInvalidPubKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := basicParams()
			tt.mutate(&p)
			if _, err := coord.Create(context.Background(), p, time.Hour); !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	all, _ := coord.ListByStatus(context.Background())
	if len(all) != 0 {
		t.Errorf("failed creates stored %d swaps", len(all))
	}
}

func TestCreateMinLockTimeDelta(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(testStart)
	coord := NewCoordinator(&CoordinatorConfig{
		Network:          chain.Regtest,
		Clock:            mock,
		MinLockTimeDelta: 12 * time.Hour,
		Logger:           logging.Discard(),
	})

	if _, err := coord.Create(context.Background(), basicParams(), 20*time.Hour); !errors.Is(err, ErrInvalidTimeouts) {
		t.Errorf("Create(20h) error = %v, want %v", err, ErrInvalidTimeouts)
	}
	if _, err := coord.Create(context.Background(), basicParams(), 24*time.Hour); err != nil {
		t.Errorf("Create(24h) error = %v", err)
	}
}

func TestCoordinatorEndToEnd(t *testing.T) {
	coord, mock := newTestCoordinator(t)
	ctx := context.Background()

	s, err := coord.Create(ctx, basicParams(), time.Hour)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s, err = coord.MarkChainFunded(ctx, s.ID, ChainBitcoin, FundingRef{TxID: strings.Repeat("ab", 32), Vout: 0, Value: 100000})
	if err != nil {
		t.Fatalf("MarkChainFunded(bitcoin) error = %v", err)
	}
	if s.Status != StatusPending {
		t.Errorf("one leg funded: Status = %s, want pending", s.Status)
	}
	if s.BTC.Funding == nil || s.BTC.Funding.Value != 100000 {
		t.Errorf("Funding = %+v", s.BTC.Funding)
	}

	escrowAddr := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	s, err = coord.MarkChainFunded(ctx, s.ID, ChainEthereum, FundingRef{Escrow: escrowAddr})
	if err != nil {
		t.Fatalf("MarkChainFunded(ethereum) error = %v", err)
	}
	if s.Status != StatusFunded {
		t.Errorf("both legs funded: Status = %s, want funded", s.Status)
	}
	if s.ETH.Escrow != escrowAddr {
		t.Errorf("Escrow = %s", s.ETH.Escrow.Hex())
	}

	sec := *s.Secret
	s, err = coord.RecordSecretRevealed(ctx, s.ID, sec)
	if err != nil {
		t.Fatalf("RecordSecretRevealed() error = %v", err)
	}
	if s.Status != StatusCompleted || !s.SecretRevealed {
		t.Errorf("Status = %s, SecretRevealed = %v", s.Status, s.SecretRevealed)
	}
	if s.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// Refund after completion fails, even past expiration.
	mock.Add(2 * time.Hour)
	if _, err := coord.RecordRefund(ctx, s.ID); !errors.Is(err, swaperr.ErrAlreadySettled) {
		t.Errorf("RecordRefund() after completion error = %v, want %v", err, swaperr.ErrAlreadySettled)
	}
	if _, err := coord.RecordExpiry(ctx, s.ID); !errors.Is(err, swaperr.ErrAlreadySettled) {
		t.Errorf("RecordExpiry() after completion error = %v", err)
	}

	got, _ := coord.Get(ctx, s.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestMarkChainFundedIdempotent(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	s, _ := coord.Create(ctx, basicParams(), time.Hour)
	ref := FundingRef{TxID: strings.Repeat("cd", 32), Vout: 1, Value: 100000}
	if _, err := coord.MarkChainFunded(ctx, s.ID, ChainBitcoin, ref); err != nil {
		t.Fatalf("MarkChainFunded() error = %v", err)
	}

	other := FundingRef{TxID: strings.Repeat("ef", 32), Vout: 0, Value: 1}
	s, err := coord.MarkChainFunded(ctx, s.ID, ChainBitcoin, other)
	if err != nil {
		t.Fatalf("MarkChainFunded() again error = %v", err)
	}
	if s.BTC.Funding.TxID != ref.TxID {
		t.Error("second funding overwrote the first")
	}

	if _, err := coord.MarkChainFunded(ctx, s.ID, "dogecoin", ref); !errors.Is(err, ErrUnknownChain) {
		t.Errorf("unknown chain error = %v", err)
	}
}

func TestRecordSecretRevealed(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	s, _ := coord.Create(ctx, basicParams(), time.Hour)
	sec := *s.Secret

	wrong, _ := secret.Generate()
	if _, err := coord.RecordSecretRevealed(ctx, s.ID, wrong); !errors.Is(err, swaperr.ErrInvalidSecret) {
		t.Fatalf("wrong secret error = %v, want %v", err, swaperr.ErrInvalidSecret)
	}
	got, _ := coord.Get(ctx, s.ID)
	if got.Status != StatusPending || got.SecretRevealed {
		t.Error("wrong secret mutated the swap")
	}

	fundBoth(t, coord, s.ID)
	first, err := coord.RecordSecretRevealed(ctx, s.ID, sec)
	if err != nil {
		t.Fatalf("RecordSecretRevealed() error = %v", err)
	}
	second, err := coord.RecordSecretRevealed(ctx, s.ID, sec)
	if err != nil {
		t.Fatalf("RecordSecretRevealed() again error = %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) || second.Status != StatusCompleted {
		t.Error("repeated secret was not a no-op")
	}

	if _, err := coord.RecordSecretRevealed(ctx, s.ID, wrong); !errors.Is(err, swaperr.ErrInvalidSecret) {
		t.Errorf("wrong secret after completion error = %v", err)
	}
}

func TestRecordSecretRevealedResponder(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	sec, _ := secret.Generate()
	h := sec.Hashlock()
	p := basicParams()
	p.Hashlock = &h
	s, _ := coord.Create(ctx, p, time.Hour)
	fundBoth(t, coord, s.ID)

	s, err := coord.RecordSecretRevealed(ctx, s.ID, sec)
	if err != nil {
		t.Fatalf("RecordSecretRevealed() error = %v", err)
	}
	if s.Secret == nil || *s.Secret != sec {
		t.Error("revealed secret not stored")
	}
	if s.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", s.Status)
	}
}

func TestRecordSecretRevealedRequiresFunding(t *testing.T) {
	tests := []struct {
		name string
		fund []Chain
	}{
		{"no legs funded", nil},
		{"bitcoin only", []Chain{ChainBitcoin}},
		{"ethereum only", []Chain{ChainEthereum}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord, _ := newTestCoordinator(t)
			ctx := context.Background()

			sec, _ := secret.Generate()
			h := sec.Hashlock()
			p := basicParams()
			p.Hashlock = &h
			s, _ := coord.Create(ctx, p, time.Hour)
			for _, ch := range tt.fund {
				ref := FundingRef{TxID: strings.Repeat("11", 32), Value: 100000}
				if ch == ChainEthereum {
					ref = FundingRef{Escrow: common.HexToAddress("0x01")}
				}
				if _, err := coord.MarkChainFunded(ctx, s.ID, ch, ref); err != nil {
					t.Fatalf("MarkChainFunded(%s) error = %v", ch, err)
				}
			}

			if _, err := coord.RecordSecretRevealed(ctx, s.ID, sec); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("RecordSecretRevealed() error = %v, want %v", err, ErrInvalidTransition)
			}
			got, _ := coord.Get(ctx, s.ID)
			if got.Status != StatusPending || got.SecretRevealed || got.Secret != nil {
				t.Errorf("swap mutated: Status = %s, SecretRevealed = %v", got.Status, got.SecretRevealed)
			}
		})
	}
}

func TestRecordRefund(t *testing.T) {
	coord, mock := newTestCoordinator(t)
	ctx := context.Background()

	s, _ := coord.Create(ctx, basicParams(), time.Hour)

	// Pending swaps expire instead.
	mock.Add(2 * time.Hour)
	if _, err := coord.RecordRefund(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("refund from pending error = %v, want %v", err, ErrInvalidTransition)
	}

	s2, _ := coord.Create(ctx, basicParams(), time.Hour)
	fundBoth(t, coord, s2.ID)

	if _, err := coord.RecordRefund(ctx, s2.ID); !errors.Is(err, swaperr.ErrTimeoutNotReached) {
		t.Fatalf("early refund error = %v, want %v", err, swaperr.ErrTimeoutNotReached)
	}
	if !swaperr.IsRetryable(swaperr.ErrTimeoutNotReached) {
		t.Error("ErrTimeoutNotReached should be retryable")
	}

	mock.Add(time.Hour + time.Second)
	refunded, err := coord.RecordRefund(ctx, s2.ID)
	if err != nil {
		t.Fatalf("RecordRefund() error = %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Errorf("Status = %s, want refunded", refunded.Status)
	}

	if _, err := coord.RecordRefund(ctx, s2.ID); !errors.Is(err, swaperr.ErrAlreadySettled) {
		t.Errorf("second refund error = %v", err)
	}
	if _, err := coord.RecordSecretRevealed(ctx, s2.ID, *refunded.Secret); !errors.Is(err, swaperr.ErrAlreadySettled) {
		t.Errorf("reveal after refund error = %v, want %v", err, swaperr.ErrAlreadySettled)
	}
}

func fundBoth(t *testing.T, coord *Coordinator, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := coord.MarkChainFunded(ctx, id, ChainBitcoin, FundingRef{TxID: strings.Repeat("11", 32), Value: 100000}); err != nil {
		t.Fatalf("MarkChainFunded(bitcoin) error = %v", err)
	}
	if _, err := coord.MarkChainFunded(ctx, id, ChainEthereum, FundingRef{Escrow: common.HexToAddress("0x01")}); err != nil {
		t.Fatalf("MarkChainFunded(ethereum) error = %v", err)
	}
}

func TestRecordExpiry(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	// Already expired at creation, never funded.
	s, err := coord.Create(ctx, basicParams(), -time.Second)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s, err = coord.RecordExpiry(ctx, s.ID)
	if err != nil {
		t.Fatalf("RecordExpiry() error = %v", err)
	}
	if s.Status != StatusExpired {
		t.Errorf("Status = %s, want expired", s.Status)
	}

	if _, err := coord.RecordExpiry(ctx, s.ID); !errors.Is(err, swaperr.ErrAlreadySettled) {
		t.Errorf("second expiry error = %v", err)
	}
	if _, err := coord.MarkChainFunded(ctx, s.ID, ChainBitcoin, FundingRef{}); !errors.Is(err, swaperr.ErrAlreadySettled) {
		t.Errorf("funding after expiry error = %v", err)
	}
}

func TestRecordExpiryRules(t *testing.T) {
	coord, mock := newTestCoordinator(t)
	ctx := context.Background()

	s, _ := coord.Create(ctx, basicParams(), time.Hour)
	if _, err := coord.RecordExpiry(ctx, s.ID); !errors.Is(err, swaperr.ErrTimeoutNotReached) {
		t.Errorf("early expiry error = %v", err)
	}

	// Exactly at expiration is not past it.
	mock.Add(time.Hour)
	if _, err := coord.RecordExpiry(ctx, s.ID); !errors.Is(err, swaperr.ErrTimeoutNotReached) {
		t.Errorf("expiry at expiration error = %v", err)
	}

	funded, _ := coord.Create(ctx, basicParams(), time.Hour)
	fundBoth(t, coord, funded.ID)
	mock.Add(2 * time.Hour)
	if _, err := coord.RecordExpiry(ctx, funded.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expiry of funded swap error = %v, want %v", err, ErrInvalidTransition)
	}
}

func TestSweepExpired(t *testing.T) {
	coord, mock := newTestCoordinator(t)
	ctx := context.Background()

	short, _ := coord.Create(ctx, basicParams(), time.Minute)
	long, _ := coord.Create(ctx, basicParams(), time.Hour)
	funded, _ := coord.Create(ctx, basicParams(), time.Minute)
	fundBoth(t, coord, funded.ID)

	mock.Add(10 * time.Minute)
	ids, err := coord.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != short.ID {
		t.Errorf("SweepExpired() = %v, want [%s]", ids, short.ID)
	}

	for id, want := range map[string]Status{
		short.ID:  StatusExpired,
		long.ID:   StatusPending,
		funded.ID: StatusFunded,
	} {
		got, _ := coord.Get(ctx, id)
		if got.Status != want {
			t.Errorf("swap %s status = %s, want %s", id, got.Status, want)
		}
	}

	expired, _ := coord.ListByStatus(ctx, StatusExpired)
	if len(expired) != 1 {
		t.Errorf("ListByStatus(expired) = %d swaps", len(expired))
	}
}

func TestCoordinatorEvents(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	eventCh := make(chan SwapEvent, 10)
	coord.OnEvent(func(event SwapEvent) {
		eventCh <- event
	})

	s, _ := coord.Create(ctx, basicParams(), time.Hour)
	fundBoth(t, coord, s.ID)
	coord.RecordSecretRevealed(ctx, s.ID, *s.Secret)

	want := map[EventType]int{
		EventSwapCreated:    1,
		EventChainFunded:    2,
		EventSwapFunded:     1,
		EventSecretRevealed: 1,
	}
	got := make(map[EventType]int)
	for i := 0; i < 5; i++ {
		select {
		case ev := <-eventCh:
			if ev.SwapID != s.ID {
				t.Errorf("event for swap %s", ev.SwapID)
			}
			got[ev.Type]++
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for events, got %v", got)
		}
	}
	for typ, n := range want {
		if got[typ] != n {
			t.Errorf("%s events = %d, want %d", typ, got[typ], n)
		}
	}
}

func TestCoordinatorEventOrder(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	const swaps = 20
	eventCh := make(chan SwapEvent, swaps*4)
	coord.OnEvent(func(event SwapEvent) {
		eventCh <- event
	})

	for i := 0; i < swaps; i++ {
		s, _ := coord.Create(ctx, basicParams(), time.Hour)
		fundBoth(t, coord, s.ID)
	}

	// The last funding emits chain_funded then swap_funded.
	seenLastFunding := make(map[string]bool)
	for i := 0; i < swaps*4; i++ {
		select {
		case ev := <-eventCh:
			switch {
			case ev.Type == EventChainFunded && ev.Chain == ChainEthereum:
				seenLastFunding[ev.SwapID] = true
			case ev.Type == EventSwapFunded && !seenLastFunding[ev.SwapID]:
				t.Fatalf("swap %s: swap_funded delivered before its chain_funded", ev.SwapID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d events", i)
		}
	}
}

func TestConcurrentSettlement(t *testing.T) {
	coord, mock := newTestCoordinator(t)
	ctx := context.Background()

	s, _ := coord.Create(ctx, basicParams(), time.Hour)
	fundBoth(t, coord, s.ID)
	mock.Add(2 * time.Hour)

	// A late claim and a refund race; exactly one terminal outcome lands.
	var wg sync.WaitGroup
	var refundErr, revealErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, refundErr = coord.RecordRefund(ctx, s.ID)
	}()
	go func() {
		defer wg.Done()
		_, revealErr = coord.RecordSecretRevealed(ctx, s.ID, *s.Secret)
	}()
	wg.Wait()

	if (refundErr == nil) == (revealErr == nil) {
		t.Fatalf("refund err = %v, reveal err = %v; want exactly one success", refundErr, revealErr)
	}
	loser := refundErr
	if loser == nil {
		loser = revealErr
	}
	if !errors.Is(loser, swaperr.ErrAlreadySettled) {
		t.Errorf("losing call error = %v, want %v", loser, swaperr.ErrAlreadySettled)
	}

	got, _ := coord.Get(ctx, s.ID)
	if got.Status != StatusCompleted && got.Status != StatusRefunded {
		t.Errorf("Status = %s", got.Status)
	}
}

func TestAttachEscrow(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	ctx := context.Background()

	s, _ := coord.Create(ctx, basicParams(), time.Hour)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000e5")

	s, err := coord.AttachEscrow(ctx, s.ID, addr)
	if err != nil {
		t.Fatalf("AttachEscrow() error = %v", err)
	}
	if s.ETH.Escrow != addr || s.ETH.Funded {
		t.Errorf("ETH leg = %+v", s.ETH)
	}
}

func TestCoordinatorClose(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	if err := coord.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := coord.Create(context.Background(), basicParams(), time.Hour); !errors.Is(err, ErrClosed) {
		t.Errorf("Create() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestGetUnknown(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	if _, err := coord.Get(context.Background(), "missing"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrSwapNotFound)
	}
	if _, err := coord.RecordExpiry(context.Background(), "missing"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("RecordExpiry() error = %v, want %v", err, ErrSwapNotFound)
	}
}
