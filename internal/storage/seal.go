package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// Sealing errors
var (
	ErrSealingDisabled = errors.New("secret sealing requires a passphrase")
	ErrWrongPassphrase = errors.New("wrong storage passphrase")
	ErrUnsealFailed    = errors.New("failed to unseal secret")
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32        // Salt length
)

const (
	settingSealSalt  = "seal_salt"
	settingSealCheck = "seal_check"

	sealCheckPlaintext = "htlcswap-seal-v1"
)

// sealer encrypts swap secrets with AES-256-GCM under a key derived once
// from the passphrase with Argon2id. The salt lives in the settings table.
type sealer struct {
	aead cipher.AEAD
}

// openSealer derives the sealing key and checks it against the value
// sealed when the database was first opened with a passphrase.
func (s *Storage) openSealer(passphrase string) (*sealer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saltHex, ok, err := s.getSettingUnlocked(settingSealSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to read seal salt: %w", err)
	}

	var salt []byte
	if ok {
		salt, err = hex.DecodeString(saltHex)
		if err != nil || len(salt) != argon2SaltLen {
			return nil, fmt.Errorf("corrupt seal salt in settings")
		}
	} else {
		salt, err = helpers.GenerateSecureRandom(argon2SaltLen)
		if err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	sl, err := newSealer(passphrase, salt)
	if err != nil {
		return nil, err
	}

	if !ok {
		check, err := sl.seal([]byte(sealCheckPlaintext), []byte(settingSealCheck))
		if err != nil {
			return nil, err
		}
		if err := s.setSettingUnlocked(settingSealSalt, hex.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("failed to store seal salt: %w", err)
		}
		if err := s.setSettingUnlocked(settingSealCheck, hex.EncodeToString(check)); err != nil {
			return nil, fmt.Errorf("failed to store seal check: %w", err)
		}
		return sl, nil
	}

	checkHex, _, err := s.getSettingUnlocked(settingSealCheck)
	if err != nil {
		return nil, fmt.Errorf("failed to read seal check: %w", err)
	}
	check, err := hex.DecodeString(checkHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt seal check in settings")
	}
	plain, err := sl.open(check, []byte(settingSealCheck))
	if err != nil || string(plain) != sealCheckPlaintext {
		return nil, ErrWrongPassphrase
	}

	return sl, nil
}

func newSealer(passphrase string, salt []byte) (*sealer, error) {
	key := argon2.IDKey(
		[]byte(passphrase),
		salt,
		argon2Time,
		argon2Memory,
		argon2Parallelism,
		argon2KeyLen,
	)
	defer helpers.SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &sealer{aead: gcm}, nil
}

// seal returns nonce || ciphertext. aad binds the ciphertext to its row.
func (sl *sealer) seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, sl.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return sl.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (sl *sealer) open(sealed, aad []byte) ([]byte, error) {
	n := sl.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrUnsealFailed
	}
	plain, err := sl.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plain, nil
}
