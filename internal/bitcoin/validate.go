package bitcoin

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// CheckFinal reports whether tx could be mined in a block at height with the
// given median time past, applying consensus locktime rules.
func CheckFinal(tx *wire.MsgTx, height int32, medianTime time.Time) bool {
	return blockchain.IsFinalizedTransaction(btcutil.NewTx(tx), height, medianTime)
}

// VerifySpend runs the script engine over input idx of tx, which spends an
// output of the given value locked by prevScript.
func VerifySpend(tx *wire.MsgTx, idx int, prevScript []byte, value uint64) error {
	if idx < 0 || idx >= len(tx.TxIn) {
		return fmt.Errorf("input %d out of range", idx)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(prevScript, int64(value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	vm, err := txscript.NewEngine(
		prevScript,
		tx,
		idx,
		txscript.StandardVerifyFlags,
		nil,
		sigHashes,
		int64(value),
		fetcher,
	)
	if err != nil {
		return fmt.Errorf("failed to create script engine: %w", err)
	}
	if err := vm.Execute(); err != nil {
		return fmt.Errorf("script execution failed: %w", err)
	}
	return nil
}
