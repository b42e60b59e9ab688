package cryptoutil

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// SaltLen is the length, in bytes, of every KDF salt this package generates
// (128 bits — enough headroom over the 96-bit minimum the reference
// password-manager package enforces for its own Argon2id salts).
const SaltLen = 16

// Argon2Params captures the Argon2id tuning knobs. Defaults are calibrated
// to run comfortably above 100ms on a modern server core, per the vault's
// normative requirement.
type Argon2Params struct {
	Name        string `json:"name"`
	MemoryKB    uint32 `json:"memoryKB"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"keyLen"`
}

// DefaultArgon2Params returns the vault's standard KDF parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Name:        "argon2id",
		MemoryKB:    64 * 1024,
		Time:        3,
		Parallelism: 2,
		KeyLen:      KeyLen,
	}
}

// DeriveKey runs Argon2id over password and salt with the given parameters,
// returning a KeyLen-byte key suitable for use as an AEAD key.
func DeriveKey(password, salt []byte, p Argon2Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("cryptoutil: password is required")
	}
	if len(salt) == 0 {
		return nil, errors.New("cryptoutil: salt is required")
	}
	if p.KeyLen == 0 || p.MemoryKB == 0 || p.Time == 0 || p.Parallelism == 0 {
		return nil, errors.New("cryptoutil: incomplete argon2 parameters")
	}
	key := argon2.IDKey(password, salt, p.Time, p.MemoryKB, p.Parallelism, p.KeyLen)
	if uint32(len(key)) != p.KeyLen {
		return nil, fmt.Errorf("cryptoutil: derived key has unexpected length %d", len(key))
	}
	return key, nil
}
