package escrow

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klingon-exchange/klingon-htlc/internal/secret"
)

// Ledger is an in-memory account chain holding many escrows. Each call is
// applied atomically, like a transaction landing in a block.
type Ledger struct {
	mu      sync.Mutex
	clock   clock.Clock
	escrows map[common.Address]*Escrow
	nonces  map[common.Address]uint64
	events  map[common.Address][]Event
	subs    map[common.Address]map[chan Event]struct{}
	txCount uint64
}

// NewLedger creates an empty ledger whose chain time is read from clk.
func NewLedger(clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	return &Ledger{
		clock:   clk,
		escrows: make(map[common.Address]*Escrow),
		nonces:  make(map[common.Address]uint64),
		events:  make(map[common.Address][]Event),
		subs:    make(map[common.Address]map[chan Event]struct{}),
	}
}

// Clock returns the ledger's chain clock.
func (l *Ledger) Clock() clock.Clock {
	return l.clock
}

// Open deploys a new escrow funded by owner. The address is derived from
// owner and its deployment nonce the same way contract addresses are.
func (l *Ledger) Open(owner common.Address, terms Terms) (common.Address, common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := Open(l.clock, owner, terms)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}

	addr := crypto.CreateAddress(owner, l.nonces[owner])
	l.nonces[owner]++
	l.escrows[addr] = e

	return addr, l.nextTxHash(addr), nil
}

// Claim calls Claim on the escrow at addr as caller.
func (l *Ledger) Claim(caller, addr common.Address, s secret.Secret) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.escrows[addr]
	if !ok {
		return common.Hash{}, ErrUnknownEscrow
	}
	if err := e.Claim(caller, s); err != nil {
		return common.Hash{}, err
	}

	txHash := l.nextTxHash(addr)
	l.publish(Event{Type: EventSecretRevealed, Escrow: addr, Secret: s, TxHash: txHash})
	return txHash, nil
}

// Refund calls Refund on the escrow at addr as caller.
func (l *Ledger) Refund(caller, addr common.Address) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.escrows[addr]
	if !ok {
		return common.Hash{}, ErrUnknownEscrow
	}
	if err := e.Refund(caller); err != nil {
		return common.Hash{}, err
	}

	txHash := l.nextTxHash(addr)
	l.publish(Event{Type: EventRefunded, Escrow: addr, TxHash: txHash})
	return txHash, nil
}

// Read returns a copy of the escrow state at addr.
func (l *Ledger) Read(addr common.Address) (*Record, error) {
	l.mu.Lock()
	e, ok := l.escrows[addr]
	l.mu.Unlock()
	if !ok {
		return nil, ErrUnknownEscrow
	}
	rec := e.Record()
	return &rec, nil
}

// Events returns every event emitted by the escrow at addr, oldest first.
func (l *Ledger) Events(addr common.Address) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events[addr]...)
}

// Subscribe delivers the escrow's events on the returned channel, starting
// with any already emitted. The channel is closed when ctx is done.
func (l *Ledger) Subscribe(ctx context.Context, addr common.Address) (<-chan Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.escrows[addr]; !ok {
		return nil, ErrUnknownEscrow
	}

	// An escrow emits at most one event, so the buffer never fills.
	ch := make(chan Event, len(l.events[addr])+1)
	for _, ev := range l.events[addr] {
		ch <- ev
	}
	if l.subs[addr] == nil {
		l.subs[addr] = make(map[chan Event]struct{})
	}
	l.subs[addr][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[addr], ch)
		close(ch)
		l.mu.Unlock()
	}()

	return ch, nil
}

// As returns a view of the ledger that sends every call from caller.
func (l *Ledger) As(caller common.Address) *Session {
	return &Session{ledger: l, caller: caller}
}

// publish must be called with l.mu held.
func (l *Ledger) publish(ev Event) {
	l.events[ev.Escrow] = append(l.events[ev.Escrow], ev)
	for ch := range l.subs[ev.Escrow] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// nextTxHash must be called with l.mu held.
func (l *Ledger) nextTxHash(addr common.Address) common.Hash {
	l.txCount++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], l.txCount)
	return crypto.Keccak256Hash(addr.Bytes(), n[:])
}

// Session is a Ledger bound to one caller address. It has the same call
// shapes as the deployed contract client.
type Session struct {
	ledger *Ledger
	caller common.Address
}

// Address returns the caller address.
func (s *Session) Address() common.Address {
	return s.caller
}

// Deploy opens an escrow owned by the session's caller.
func (s *Session) Deploy(ctx context.Context, terms Terms) (common.Address, common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, common.Hash{}, err
	}
	return s.ledger.Open(s.caller, terms)
}

// Claim claims the escrow at addr with sec.
func (s *Session) Claim(ctx context.Context, addr common.Address, sec secret.Secret) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return s.ledger.Claim(s.caller, addr, sec)
}

// Refund refunds the escrow at addr.
func (s *Session) Refund(ctx context.Context, addr common.Address) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return s.ledger.Refund(s.caller, addr)
}

// Read returns the escrow state at addr.
func (s *Session) Read(ctx context.Context, addr common.Address) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ledger.Read(addr)
}

// WatchSecretRevealed delivers the secret once the escrow at addr is
// claimed. Refund events are filtered out.
func (s *Session) WatchSecretRevealed(ctx context.Context, addr common.Address) (<-chan Event, error) {
	all, err := s.ledger.Subscribe(ctx, addr)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 1)
	go func() {
		defer close(out)
		for ev := range all {
			if ev.Type != EventSecretRevealed {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
