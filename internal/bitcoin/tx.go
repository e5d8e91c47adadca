package bitcoin

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/backend"
	"github.com/klingon-exchange/klingon-htlc/internal/secret"
	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
)

// Transaction errors
var (
	ErrNoInputs      = errors.New("no inputs")
	ErrInvalidTxID   = errors.New("invalid transaction ID")
	ErrWrongSigner   = errors.New("signer key does not match script")
	ErrInvalidAmount = errors.New("invalid amount")
)

// DustThreshold is the smallest output value created. Change at or below
// it is left to the miner.
const DustThreshold = 546

// Virtual size estimates.
const (
	txOverheadVBytes    = 11 // version, locktime, counts, segwit marker
	inputBaseVBytes     = 41 // outpoint, empty scriptSig, sequence
	p2wpkhInputVBytes   = 68 // base plus ~107 witness bytes
	redeemWitnessVBytes = 57 // sig, secret, selector, script
	refundWitnessVBytes = 49 // sig, empty selector, script
)

// FeePolicy decides the miner fee of a transaction. A non-zero FixedFee
// wins over FeeRate.
type FeePolicy struct {
	FeeRate  uint64 // sat/vB
	FixedFee uint64 // sats
}

// Fee returns the fee for a transaction of the given virtual size.
func (p FeePolicy) Fee(vsize int64) uint64 {
	if p.FixedFee > 0 {
		return p.FixedFee
	}
	return uint64(vsize) * p.FeeRate
}

// LockUTXO is the output of a funding transaction that pays a lock address.
type LockUTXO struct {
	TxID  string
	Vout  uint32
	Value uint64
}

// FundingParams holds the inputs to BuildFundingTx.
type FundingParams struct {
	// Inputs are P2WPKH UTXOs owned by the funder.
	Inputs []backend.UTXO

	LockAddress   string
	Amount        uint64
	ChangeAddress string
	Fee           FeePolicy
	Net           *chaincfg.Params
}

// FundingTx is an unsigned funding transaction.
type FundingTx struct {
	Tx       *wire.MsgTx
	LockVout uint32
	Fee      uint64
	Change   uint64 // zero when the remainder was absorbed into the fee
}

// LockUTXO returns the lock output once the transaction is final.
func (f *FundingTx) LockUTXO() LockUTXO {
	return LockUTXO{
		TxID:  f.Tx.TxHash().String(),
		Vout:  f.LockVout,
		Value: uint64(f.Tx.TxOut[f.LockVout].Value),
	}
}

// BuildFundingTx spends params.Inputs to the lock address and returns
// change above the dust threshold. Sum of outputs plus fee always equals
// sum of inputs.
func BuildFundingTx(params *FundingParams) (*FundingTx, error) {
	if len(params.Inputs) == 0 {
		return nil, ErrNoInputs
	}
	if params.Amount <= DustThreshold {
		return nil, fmt.Errorf("%w: lock amount %d is dust", ErrInvalidAmount, params.Amount)
	}

	lockScript, err := addressToScript(params.LockAddress, params.Net)
	if err != nil {
		return nil, fmt.Errorf("invalid lock address: %w", err)
	}
	changeScript, err := addressToScript(params.ChangeAddress, params.Net)
	if err != nil {
		return nil, fmt.Errorf("invalid change address: %w", err)
	}

	tx := wire.NewMsgTx(2)

	var total uint64
	for _, utxo := range params.Inputs {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, utxo.TxID)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // signal RBF
		tx.AddTxIn(txIn)
		total += utxo.Amount
	}

	tx.AddTxOut(wire.NewTxOut(int64(params.Amount), lockScript))

	vsize := int64(txOverheadVBytes) +
		int64(len(params.Inputs))*p2wpkhInputVBytes +
		outputVSize(lockScript)
	feeNoChange := params.Fee.Fee(vsize)
	feeWithChange := params.Fee.Fee(vsize + outputVSize(changeScript))

	if total < params.Amount+feeNoChange {
		return nil, fmt.Errorf("%w: need %d, have %d",
			swaperr.ErrInsufficientFunds, params.Amount+feeNoChange, total)
	}

	result := &FundingTx{Tx: tx, LockVout: 0}
	if total >= params.Amount+feeWithChange && total-params.Amount-feeWithChange > DustThreshold {
		result.Change = total - params.Amount - feeWithChange
		result.Fee = feeWithChange
		tx.AddTxOut(wire.NewTxOut(int64(result.Change), changeScript))
	} else {
		result.Fee = total - params.Amount
	}

	return result, nil
}

// SignFundingTx signs every P2WPKH input of a funding transaction with
// signer. inputs must be in the same order as tx.TxIn.
func SignFundingTx(tx *wire.MsgTx, inputs []backend.UTXO, signer Signer, net *chaincfg.Params) error {
	if len(inputs) != len(tx.TxIn) {
		return fmt.Errorf("have %d inputs for %d txins", len(inputs), len(tx.TxIn))
	}

	ownAddr, err := P2WPKHAddress(signer, net)
	if err != nil {
		return err
	}
	ownScript, err := txscript.PayToAddrScript(ownAddr)
	if err != nil {
		return err
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, utxo := range inputs {
		pkScript := ownScript
		if utxo.ScriptPubKey != "" {
			if pkScript, err = hex.DecodeString(utxo.ScriptPubKey); err != nil {
				return fmt.Errorf("input %d: invalid scriptpubkey: %w", i, err)
			}
		}
		if !bytes.Equal(pkScript, ownScript) {
			return fmt.Errorf("input %d: %w", i, ErrWrongSigner)
		}
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(int64(utxo.Amount), pkScript)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	pubKey := signer.PubKey().SerializeCompressed()

	for i, txIn := range tx.TxIn {
		prev := prevOuts[txIn.PreviousOutPoint]
		sigHash, err := txscript.CalcWitnessSigHash(prev.PkScript, sigHashes, txscript.SigHashAll, tx, i, prev.Value)
		if err != nil {
			return fmt.Errorf("input %d: failed to compute sighash: %w", i, err)
		}
		sig, err := signer.Sign(sigHash)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		txIn.Witness = wire.TxWitness{
			append(sig.Serialize(), byte(txscript.SigHashAll)),
			pubKey,
		}
	}
	return nil
}

// SpendParams holds what both lock spends need.
type SpendParams struct {
	Lock        LockUTXO
	Script      *HTLCScript
	DestAddress string
	Fee         FeePolicy
	Net         *chaincfg.Params
	Signer      Signer
}

// BuildRedeemTx spends the lock through the hashlock branch. The witness is
// <sig> <secret> <0x01> <redeemScript>. The secret is not re-verified here;
// a wrong secret produces a transaction the network rejects.
func BuildRedeemTx(params *SpendParams, s secret.Secret) (*wire.MsgTx, error) {
	if err := params.checkSigner(params.Script.RecipientPubKey); err != nil {
		return nil, err
	}

	tx, err := params.buildSpend(1, wire.MaxTxInSequenceNum, 0, redeemWitnessVBytes)
	if err != nil {
		return nil, err
	}

	sig, err := params.sign(tx)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = RedeemWitness(sig, s, params.Script.RedeemScript)
	return tx, nil
}

// BuildRefundTx spends the lock through the timeout branch. lockTime is
// written to the transaction and must be of the same kind as, and not
// below, the script's locktime; zero means the script's locktime. The input
// sequence is 0xFFFFFFFE so the locktime is enforced. The witness is
// <sig> <empty> <redeemScript>.
func BuildRefundTx(params *SpendParams, lockTime uint32) (*wire.MsgTx, error) {
	if err := params.checkSigner(params.Script.RefundPubKey); err != nil {
		return nil, err
	}

	scriptLock := params.Script.LockTime
	if lockTime == 0 {
		lockTime = scriptLock
	}
	if (lockTime < LockTimeThreshold) != (scriptLock < LockTimeThreshold) {
		return nil, fmt.Errorf("%w: tx locktime %d and script locktime %d differ in kind",
			ErrInvalidLockTime, lockTime, scriptLock)
	}
	if lockTime < scriptLock {
		return nil, fmt.Errorf("%w: tx locktime %d below script locktime %d",
			ErrInvalidLockTime, lockTime, scriptLock)
	}

	tx, err := params.buildSpend(2, wire.MaxTxInSequenceNum-1, lockTime, refundWitnessVBytes)
	if err != nil {
		return nil, err
	}

	sig, err := params.sign(tx)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = RefundWitness(sig, params.Script.RedeemScript)
	return tx, nil
}

// RedeemWitness returns the witness stack selecting the hashlock branch.
func RedeemWitness(sig []byte, s secret.Secret, redeemScript []byte) wire.TxWitness {
	return wire.TxWitness{sig, append([]byte(nil), s[:]...), {0x01}, redeemScript}
}

// RefundWitness returns the witness stack selecting the timeout branch.
func RefundWitness(sig []byte, redeemScript []byte) wire.TxWitness {
	return wire.TxWitness{sig, {}, redeemScript}
}

func (p *SpendParams) checkSigner(want []byte) error {
	if p.Script == nil {
		return fmt.Errorf("HTLC script required")
	}
	if p.Signer == nil {
		return fmt.Errorf("signer required")
	}
	if !bytes.Equal(p.Signer.PubKey().SerializeCompressed(), want) {
		return ErrWrongSigner
	}
	return nil
}

func (p *SpendParams) buildSpend(version int32, sequence, lockTime uint32, witnessVBytes int64) (*wire.MsgTx, error) {
	txHash, err := chainhash.NewHashFromStr(p.Lock.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, p.Lock.TxID)
	}
	destScript, err := addressToScript(p.DestAddress, p.Net)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}

	tx := wire.NewMsgTx(version)
	tx.LockTime = lockTime

	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, p.Lock.Vout), nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)

	vsize := int64(txOverheadVBytes+inputBaseVBytes) + witnessVBytes + outputVSize(destScript)
	fee := p.Fee.Fee(vsize)
	if p.Lock.Value <= fee || p.Lock.Value-fee <= DustThreshold {
		return nil, fmt.Errorf("%w: lock value %d cannot cover fee %d",
			swaperr.ErrInsufficientFunds, p.Lock.Value, fee)
	}
	tx.AddTxOut(wire.NewTxOut(int64(p.Lock.Value-fee), destScript))

	return tx, nil
}

func (p *SpendParams) sign(tx *wire.MsgTx) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(p.Script.ScriptPubKey, int64(p.Lock.Value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	sigHash, err := txscript.CalcWitnessSigHash(
		p.Script.RedeemScript,
		sigHashes,
		txscript.SigHashAll,
		tx,
		0,
		int64(p.Lock.Value),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig, err := p.Signer.Sign(sigHash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// SelectInputs picks UTXOs largest first until they cover amount plus the
// fee of a funding transaction with change.
func SelectInputs(utxos []backend.UTXO, amount uint64, fee FeePolicy) ([]backend.UTXO, error) {
	if len(utxos) == 0 {
		return nil, ErrNoInputs
	}

	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	// lock output (43) plus P2WPKH change (31)
	base := int64(txOverheadVBytes + 43 + 31)

	var (
		selected []backend.UTXO
		total    uint64
		need     uint64
	)
	for _, utxo := range sorted {
		selected = append(selected, utxo)
		total += utxo.Amount
		need = amount + fee.Fee(base+int64(len(selected))*p2wpkhInputVBytes)
		if total >= need {
			return selected, nil
		}
	}
	return nil, fmt.Errorf("%w: need %d, have %d", swaperr.ErrInsufficientFunds, need, total)
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx deserializes a transaction from hex.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(string(bytes.TrimSpace([]byte(hexStr))))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}

func outputVSize(pkScript []byte) int64 {
	return int64(8 + wire.VarIntSerializeSize(uint64(len(pkScript))) + len(pkScript))
}

// addressToScript decodes address on net and returns its scriptPubKey.
func addressToScript(address string, net *chaincfg.Params) ([]byte, error) {
	if net == nil {
		return nil, fmt.Errorf("network params required")
	}
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("address %s is not for network %s", address, net.Name)
	}
	return txscript.PayToAddrScript(addr)
}
