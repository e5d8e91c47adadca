package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Signer produces ECDSA signatures over sighash digests. Keys stay with the
// signer; transaction builders only see the public key and signatures.
type Signer interface {
	PubKey() *btcec.PublicKey
	Sign(digest []byte) (*btcecdsa.Signature, error)
}

// KeySigner is a Signer over an in-memory private key.
type KeySigner struct {
	key *btcec.PrivateKey
}

// NewKeySigner wraps a private key.
func NewKeySigner(key *btcec.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// KeySignerFromWIF decodes a WIF-encoded private key for the given network.
func KeySignerFromWIF(wif string, net *chaincfg.Params) (*KeySigner, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("invalid WIF: %w", err)
	}
	if net != nil && !decoded.IsForNet(net) {
		return nil, fmt.Errorf("WIF key is not for network %s", net.Name)
	}
	return NewKeySigner(decoded.PrivKey), nil
}

// PubKey returns the public key.
func (s *KeySigner) PubKey() *btcec.PublicKey {
	return s.key.PubKey()
}

// Sign signs a 32-byte digest with RFC6979 deterministic nonces.
func (s *KeySigner) Sign(digest []byte) (*btcecdsa.Signature, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return btcecdsa.Sign(s.key, digest), nil
}

// P2WPKHAddress returns the native segwit address of the signer's key.
func P2WPKHAddress(s Signer, net *chaincfg.Params) (*btcutil.AddressWitnessPubKeyHash, error) {
	hash := btcutil.Hash160(s.PubKey().SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(hash, net)
}
