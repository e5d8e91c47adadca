package bitcoin

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-htlc/internal/secret"
)

// ExtractSecretFromSpend returns the first 32-byte item found in any input's
// witness or scriptSig pushes. Signatures and pubkeys never have that length,
// so for a lock spend through the hashlock branch this is the secret.
func ExtractSecretFromSpend(tx *wire.MsgTx) (secret.Secret, bool) {
	for _, item := range candidateItems(tx) {
		if len(item) == secret.Size {
			var s secret.Secret
			copy(s[:], item)
			return s, true
		}
	}
	return secret.Secret{}, false
}

// ExtractSecretMatching returns the first 32-byte item that hashes to
// hashlock. Unrelated inputs of the same transaction are skipped.
func ExtractSecretMatching(tx *wire.MsgTx, hashlock secret.Hashlock) (secret.Secret, bool) {
	for _, item := range candidateItems(tx) {
		if len(item) != secret.Size {
			continue
		}
		if s, err := secret.VerifyBytes(item, hashlock); err == nil {
			return s, true
		}
	}
	return secret.Secret{}, false
}

func candidateItems(tx *wire.MsgTx) [][]byte {
	if tx == nil {
		return nil
	}
	var items [][]byte
	for _, txIn := range tx.TxIn {
		items = append(items, txIn.Witness...)
		if len(txIn.SignatureScript) > 0 {
			if pushes, err := txscript.PushedData(txIn.SignatureScript); err == nil {
				items = append(items, pushes...)
			}
		}
	}
	return items
}
