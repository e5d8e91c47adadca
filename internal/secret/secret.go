// Package secret generates swap secrets and checks them against hashlocks.
//
// A hashlock is always SHA-256 over the raw 32 secret bytes. The same
// function is used by the Bitcoin script (OP_SHA256), the escrow contract
// (sha256) and the coordinator, so a secret revealed on one chain is
// accepted on the other.
package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// Size is the length of both secrets and hashlocks.
const Size = 32

// Secret is the preimage that unlocks both legs of a swap.
type Secret [Size]byte

// Hashlock is SHA-256(Secret).
type Hashlock [Size]byte

// Generate returns a fresh random secret.
func Generate() (Secret, error) {
	var s Secret
	b, err := helpers.GenerateSecureRandom(Size)
	if err != nil {
		return s, fmt.Errorf("failed to generate secret: %w", err)
	}
	copy(s[:], b)
	helpers.SecureClear(b)
	return s, nil
}

// HashlockOf returns the hashlock committing to s.
func HashlockOf(s Secret) Hashlock {
	return sha256.Sum256(s[:])
}

// Hashlock returns the hashlock committing to s.
func (s Secret) Hashlock() Hashlock {
	return HashlockOf(s)
}

// Verify reports whether s hashes to h. The comparison is constant time.
func Verify(s Secret, h Hashlock) bool {
	got := HashlockOf(s)
	return helpers.ConstantTimeCompare(got[:], h[:])
}

// VerifyBytes parses b as a secret and checks it against h.
// Both a wrong length and a wrong preimage yield ErrInvalidSecret.
func VerifyBytes(b []byte, h Hashlock) (Secret, error) {
	s, err := Parse(b)
	if err != nil {
		return Secret{}, err
	}
	if !Verify(s, h) {
		return Secret{}, fmt.Errorf("%w: does not match hashlock %s", swaperr.ErrInvalidSecret, h)
	}
	return s, nil
}

// Parse converts raw bytes into a Secret. Anything other than 32 bytes
// is rejected before hashing.
func Parse(b []byte) (Secret, error) {
	var s Secret
	if len(b) != Size {
		return s, fmt.Errorf("%w: length %d, want %d", swaperr.ErrInvalidSecret, len(b), Size)
	}
	copy(s[:], b)
	return s, nil
}

// ParseHex decodes a hex secret with or without 0x prefix.
func ParseHex(s string) (Secret, error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return Secret{}, fmt.Errorf("%w: %v", swaperr.ErrInvalidSecret, err)
	}
	return Parse(b)
}

// Hex returns the secret as lowercase hex. Only call this when the
// secret is meant to be disclosed or persisted.
func (s Secret) Hex() string {
	return hex.EncodeToString(s[:])
}

// String keeps secrets out of logs and %v formatting.
func (s Secret) String() string {
	return "secret(redacted)"
}

// IsZero reports whether the secret is unset.
func (s Secret) IsZero() bool {
	return helpers.IsZeroBytes(s[:])
}

// ParseHashlock converts raw bytes into a Hashlock.
func ParseHashlock(b []byte) (Hashlock, error) {
	var h Hashlock
	if len(b) != Size {
		return h, fmt.Errorf("hashlock must be %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHashlockHex decodes a hex hashlock with or without 0x prefix.
func ParseHashlockHex(s string) (Hashlock, error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return Hashlock{}, fmt.Errorf("invalid hashlock hex: %w", err)
	}
	return ParseHashlock(b)
}

// String returns the hashlock as lowercase hex.
func (h Hashlock) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hashlock is unset.
func (h Hashlock) IsZero() bool {
	return helpers.IsZeroBytes(h[:])
}
