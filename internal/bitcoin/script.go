// Package bitcoin builds the UTXO side of a swap: the CLTV hash time-locked
// redeem script, its P2WSH lock address, and the funding, redeem and refund
// transactions that move coins in and out of it.
package bitcoin

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/klingon-htlc/internal/secret"
)

// Script errors
var (
	ErrInvalidPubKey   = errors.New("public key must be 33 bytes compressed")
	ErrInvalidLockTime = errors.New("invalid locktime")
	ErrNotHTLCScript   = errors.New("not an HTLC script")
)

// LockTimeThreshold splits absolute locktimes into block heights (below)
// and unix timestamps (at or above).
const LockTimeThreshold = txscript.LockTimeThreshold

// HTLCScript is the immutable description of one UTXO-side lock.
type HTLCScript struct {
	// RedeemScript is the witness script revealed when spending.
	RedeemScript []byte

	// ScriptPubKey is OP_0 <sha256(RedeemScript)>.
	ScriptPubKey []byte

	// LockAddress is the P2WSH address funds are sent to.
	LockAddress string

	Hashlock        secret.Hashlock
	RecipientPubKey []byte // claims with the secret
	RefundPubKey    []byte // refunds after LockTime
	LockTime        uint32 // absolute, CLTV
}

// BuildRedeemScript returns the HTLC redeem script:
//
//	OP_IF
//	    OP_SHA256 <hashlock> OP_EQUALVERIFY <recipient_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP <refund_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// The output depends only on its inputs.
func BuildRedeemScript(hashlock secret.Hashlock, recipientPubKey, refundPubKey []byte, lockTime uint32) ([]byte, error) {
	if len(recipientPubKey) != 33 {
		return nil, fmt.Errorf("recipient: %w, got %d", ErrInvalidPubKey, len(recipientPubKey))
	}
	if len(refundPubKey) != 33 {
		return nil, fmt.Errorf("refund: %w, got %d", ErrInvalidPubKey, len(refundPubKey))
	}
	if lockTime == 0 {
		return nil, fmt.Errorf("%w: must be greater than 0", ErrInvalidLockTime)
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(hashlock[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(recipientPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(lockTime))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// BuildScript builds the redeem script and derives its P2WSH lock address
// on the given network.
func BuildScript(hashlock secret.Hashlock, recipientPubKey, refundPubKey []byte, lockTime uint32, net *chaincfg.Params) (*HTLCScript, error) {
	if net == nil {
		return nil, fmt.Errorf("network params required")
	}

	script, err := BuildRedeemScript(hashlock, recipientPubKey, refundPubKey, lockTime)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTLC script: %w", err)
	}

	addr, err := LockAddress(script, net)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build P2WSH script: %w", err)
	}

	return &HTLCScript{
		RedeemScript:    script,
		ScriptPubKey:    pkScript,
		LockAddress:     addr.EncodeAddress(),
		Hashlock:        hashlock,
		RecipientPubKey: append([]byte(nil), recipientPubKey...),
		RefundPubKey:    append([]byte(nil), refundPubKey...),
		LockTime:        lockTime,
	}, nil
}

// LockAddress derives the P2WSH address of a redeem script.
func LockAddress(redeemScript []byte, net *chaincfg.Params) (*btcutil.AddressWitnessScriptHash, error) {
	scriptHash := sha256.Sum256(redeemScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return addr, nil
}

// ParseScript recovers the HTLC parameters from a redeem script and
// re-derives the lock address on net.
func ParseScript(redeemScript []byte, net *chaincfg.Params) (*HTLCScript, error) {
	hashlock, recipient, refund, lockTime, err := parseRedeemScript(redeemScript)
	if err != nil {
		return nil, err
	}
	return BuildScript(hashlock, recipient, refund, lockTime, net)
}

// RedeemScriptHex returns the redeem script as hex.
func (h *HTLCScript) RedeemScriptHex() string {
	return hex.EncodeToString(h.RedeemScript)
}

// IsTimeLocked reports whether LockTime is a unix timestamp rather than
// a block height.
func (h *HTLCScript) IsTimeLocked() bool {
	return h.LockTime >= LockTimeThreshold
}

func parseRedeemScript(script []byte) (hashlock secret.Hashlock, recipient, refund []byte, lockTime uint32, err error) {
	tok := txscript.MakeScriptTokenizer(0, script)

	expect := func(op byte, name string) error {
		if !tok.Next() || tok.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrNotHTLCScript, name)
		}
		return nil
	}
	push := func(size int, name string) ([]byte, error) {
		if !tok.Next() || len(tok.Data()) != size {
			return nil, fmt.Errorf("%w: expected %d-byte %s", ErrNotHTLCScript, size, name)
		}
		return append([]byte(nil), tok.Data()...), nil
	}

	if err = expect(txscript.OP_IF, "OP_IF"); err != nil {
		return
	}
	if err = expect(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return
	}
	var h []byte
	if h, err = push(secret.Size, "hashlock"); err != nil {
		return
	}
	copy(hashlock[:], h)
	if err = expect(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return
	}
	if recipient, err = push(33, "recipient pubkey"); err != nil {
		return
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return
	}
	if err = expect(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return
	}

	if !tok.Next() {
		err = fmt.Errorf("%w: expected locktime", ErrNotHTLCScript)
		return
	}
	if lockTime, err = decodeLockTime(tok.Opcode(), tok.Data()); err != nil {
		return
	}

	if err = expect(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return
	}
	if err = expect(txscript.OP_DROP, "OP_DROP"); err != nil {
		return
	}
	if refund, err = push(33, "refund pubkey"); err != nil {
		return
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return
	}
	if err = expect(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return
	}
	if tok.Next() {
		err = fmt.Errorf("%w: trailing data", ErrNotHTLCScript)
		return
	}
	if tok.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrNotHTLCScript, tok.Err())
	}
	return
}

// decodeLockTime reads a positive script number of at most 5 bytes.
func decodeLockTime(op byte, data []byte) (uint32, error) {
	if txscript.IsSmallInt(op) {
		v := txscript.AsSmallInt(op)
		if v == 0 {
			return 0, fmt.Errorf("%w: zero", ErrInvalidLockTime)
		}
		return uint32(v), nil
	}
	if len(data) == 0 || len(data) > 5 {
		return 0, fmt.Errorf("%w: %d-byte push", ErrInvalidLockTime, len(data))
	}
	if data[len(data)-1]&0x80 != 0 {
		return 0, fmt.Errorf("%w: negative", ErrInvalidLockTime)
	}

	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	if v == 0 || v > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidLockTime)
	}
	return uint32(v), nil
}
