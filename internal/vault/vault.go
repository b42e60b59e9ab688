// Package vault implements the per-user encrypted secret bundle: master-
// passphrase unlock, recovery-phrase unlock, and the ephemeral unlock-token
// table that gates withSecrets access.
//
// Lifecycle and zeroing conventions are grounded on the reference
// implementation's Create/Unseal/RecoverFromSeed/Seal shape; the on-disk
// wrapper layout is grounded on its VaultHeader shape, extended from one
// wrapper to the two independent wrappers this spec requires.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/websoft9/sshgateway/internal/cryptoutil"
	"github.com/websoft9/sshgateway/internal/mnemonic"
	"github.com/websoft9/sshgateway/internal/store"
)

var (
	ErrAlreadyExists   = errors.New("vault: already initialized for this user")
	ErrNotInitialized  = errors.New("vault: not initialized for this user")
	ErrInvalidPassword = errors.New("vault: invalid passphrase")
	ErrSessionExpired  = errors.New("vault: session expired")
	ErrCorrupted       = errors.New("vault: stored vault is corrupted")
)

// Secret is one credential bundle held in a user's vault, keyed by an
// opaque secretId the caller assigns.
type Secret struct {
	Password   *string `json:"password,omitempty"`
	PrivateKey *string `json:"privateKey,omitempty"`
	Passphrase *string `json:"passphrase,omitempty"`
}

// wrapper is one AEAD-wrapped copy of the master key.
type wrapper struct {
	Salt       []byte                  `json:"salt"`
	Nonce      []byte                  `json:"nonce"`
	Ciphertext []byte                  `json:"ciphertext"`
	KDF        cryptoutil.Argon2Params `json:"kdf"`
}

// storedVault is the on-disk (Store-persisted) representation, matching the
// Data Model's "Stored Vault" shape exactly.
type storedVault struct {
	Version           int       `json:"version"`
	UserID            string    `json:"userId"`
	PassphraseWrapper wrapper   `json:"passphraseWrapper"`
	RecoveryWrapper   wrapper   `json:"recoveryWrapper"`
	SecretsNonce      []byte    `json:"secretsNonce"`
	EncryptedSecrets  []byte    `json:"encryptedSecrets"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

const currentVersion = 1

// Vault manages every user's stored vault plus the process-wide unlock
// token table. One Vault instance is shared across the whole process.
type Vault struct {
	st     store.Store
	idleTTL time.Duration
	params cryptoutil.Argon2Params

	tokens tokenTable
}

// New constructs a Vault backed by st. idleTTL is the sliding idle window
// for unlock tokens (the spec's default is 30 minutes). params tunes the
// Argon2id work factor for new wrappers; a zero value falls back to
// cryptoutil.DefaultArgon2Params().
func New(st store.Store, idleTTL time.Duration, params ...cryptoutil.Argon2Params) *Vault {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	p := cryptoutil.DefaultArgon2Params()
	if len(params) > 0 && params[0].Time > 0 {
		p = params[0]
	}
	return &Vault{
		st:      st,
		idleTTL: idleTTL,
		params:  p,
		tokens:  newTokenTable(),
	}
}

// Status reports whether a vault exists for userID and whether at least one
// non-expired unlock token for it is currently live.
func (v *Vault) Status(ctx context.Context, userID string) (initialized, unlocked bool, err error) {
	var sv storedVault
	ok, err := v.st.GetJSON(ctx, store.VaultKey(userID), &sv)
	if err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return ok, v.tokens.hasLive(userID, v.idleTTL), nil
}

// Init creates a brand-new vault for userID. If recoveryPhrase is empty, a
// fresh one is generated. The returned recovery phrase is returned exactly
// once and is not retrievable afterward — the caller must be told this.
func (v *Vault) Init(ctx context.Context, userID, passphrase, recoveryPhrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("vault: passphrase is required")
	}

	var existing storedVault
	exists, err := v.st.GetJSON(ctx, store.VaultKey(userID), &existing)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if exists {
		return "", ErrAlreadyExists
	}

	if recoveryPhrase == "" {
		recoveryPhrase, err = mnemonic.Generate()
		if err != nil {
			return "", fmt.Errorf("vault: generate recovery phrase: %w", err)
		}
	}

	masterKey, err := cryptoutil.NewSalt(cryptoutil.KeyLen)
	if err != nil {
		return "", fmt.Errorf("vault: generate master key: %w", err)
	}
	defer cryptoutil.Zero(masterKey)

	passWrap, err := v.wrap(masterKey, []byte(passphrase))
	if err != nil {
		return "", fmt.Errorf("vault: wrap under passphrase: %w", err)
	}
	recWrap, err := v.wrap(masterKey, []byte(recoveryPhrase))
	if err != nil {
		return "", fmt.Errorf("vault: wrap under recovery phrase: %w", err)
	}

	secretsNonce, encSecrets, err := cryptoutil.Seal(masterKey, emptySecretsJSON(), nil)
	if err != nil {
		return "", fmt.Errorf("vault: seal empty secrets: %w", err)
	}

	now := time.Now().UTC()
	sv := storedVault{
		Version:           currentVersion,
		UserID:            userID,
		PassphraseWrapper: passWrap,
		RecoveryWrapper:   recWrap,
		SecretsNonce:      secretsNonce,
		EncryptedSecrets:  encSecrets,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := v.st.PutJSON(ctx, store.VaultKey(userID), sv); err != nil {
		return "", fmt.Errorf("vault: persist: %w", err)
	}

	return recoveryPhrase, nil
}

// Unlock derives the wrapping key from passphrase and the stored
// passphrase wrapper's salt, attempts to decrypt it, and on success
// registers a new unlock token. Any failure — wrong passphrase, tampered
// wrapper — surfaces as ErrInvalidPassword, except a genuinely missing
// vault which is reported distinctly as
// ErrNotInitialized (a user error, not a credential error, so it does not
// need to be timing-indistinguishable from a wrong passphrase).
func (v *Vault) Unlock(ctx context.Context, userID, passphrase string) (token string, ttl time.Duration, err error) {
	sv, err := v.load(ctx, userID)
	if err != nil {
		return "", 0, err
	}

	masterKey, err := v.unwrap(sv.PassphraseWrapper, []byte(passphrase))
	if err != nil {
		return "", 0, ErrInvalidPassword
	}
	defer cryptoutil.Zero(masterKey)

	tok := v.tokens.register(userID, masterKey)
	return tok, v.idleTTL, nil
}

// Recover unlocks via the recovery phrase and, on success, rewrites both
// wrappers: the passphrase wrapper under newPassphrase and the recovery
// wrapper under nextRecoveryPhrase (freshly generated if empty). The master
// key itself — and therefore the encrypted secrets blob — is left
// untouched; only the wrappers rotate.
func (v *Vault) Recover(ctx context.Context, userID, recoveryPhrase, newPassphrase, nextRecoveryPhrase string) (token, newRecoveryPhrase string, err error) {
	if newPassphrase == "" {
		return "", "", errors.New("vault: new passphrase is required")
	}

	sv, err := v.load(ctx, userID)
	if err != nil {
		return "", "", err
	}

	masterKey, err := v.unwrap(sv.RecoveryWrapper, []byte(recoveryPhrase))
	if err != nil {
		return "", "", ErrInvalidPassword
	}
	defer cryptoutil.Zero(masterKey)

	if nextRecoveryPhrase == "" {
		nextRecoveryPhrase, err = mnemonic.Generate()
		if err != nil {
			return "", "", fmt.Errorf("vault: generate recovery phrase: %w", err)
		}
	}

	passWrap, err := v.wrap(masterKey, []byte(newPassphrase))
	if err != nil {
		return "", "", fmt.Errorf("vault: rewrap under new passphrase: %w", err)
	}
	recWrap, err := v.wrap(masterKey, []byte(nextRecoveryPhrase))
	if err != nil {
		return "", "", fmt.Errorf("vault: rewrap under next recovery phrase: %w", err)
	}

	sv.PassphraseWrapper = passWrap
	sv.RecoveryWrapper = recWrap
	sv.UpdatedAt = time.Now().UTC()
	if err := v.st.PutJSON(ctx, store.VaultKey(userID), sv); err != nil {
		return "", "", fmt.Errorf("vault: persist: %w", err)
	}

	tok := v.tokens.register(userID, masterKey)
	return tok, nextRecoveryPhrase, nil
}

// Lock removes token and best-effort zeroes its in-memory master key.
func (v *Vault) Lock(token string) {
	v.tokens.remove(token)
}

// Handle exposes the decrypted secrets map to WithSecrets callbacks and
// tracks whether the callback mutated it.
type Handle struct {
	secrets map[string]Secret
	dirty   bool
}

// Get returns the secret stored under id, if any.
func (h *Handle) Get(id string) (Secret, bool) {
	s, ok := h.secrets[id]
	return s, ok
}

// Set stores s under id, marking the handle dirty.
func (h *Handle) Set(id string, s Secret) {
	h.secrets[id] = s
	h.dirty = true
}

// Delete removes id, marking the handle dirty if it was present.
func (h *Handle) Delete(id string) {
	if _, ok := h.secrets[id]; ok {
		delete(h.secrets, id)
		h.dirty = true
	}
}

// All returns a copy of every secret in the handle.
func (h *Handle) All() map[string]Secret {
	out := make(map[string]Secret, len(h.secrets))
	for k, v := range h.secrets {
		out[k] = v
	}
	return out
}

// WithSecrets authorizes token against userID, decrypts the secrets blob,
// invokes f, and — if f mutated the handle — re-encrypts with a fresh nonce
// and persists before returning. Plaintext secrets never escape this
// function's stack beyond what f itself does with them.
func (v *Vault) WithSecrets(ctx context.Context, token, userID string, f func(*Handle) error) error {
	masterKey, ok := v.tokens.touch(token, userID, v.idleTTL)
	if !ok {
		return ErrSessionExpired
	}
	defer cryptoutil.Zero(masterKey)

	sv, err := v.load(ctx, userID)
	if err != nil {
		return err
	}

	plaintext, err := cryptoutil.Open(masterKey, sv.SecretsNonce, sv.EncryptedSecrets, nil)
	if err != nil {
		return fmt.Errorf("%w: secrets blob does not match master key", ErrCorrupted)
	}

	secrets, err := decodeSecrets(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	handle := &Handle{secrets: secrets}
	if err := f(handle); err != nil {
		return err
	}

	if !handle.dirty {
		return nil
	}

	encoded, err := encodeSecrets(handle.secrets)
	if err != nil {
		return err
	}
	nonce, ciphertext, err := cryptoutil.Seal(masterKey, encoded, nil)
	if err != nil {
		return fmt.Errorf("vault: seal secrets: %w", err)
	}
	sv.SecretsNonce = nonce
	sv.EncryptedSecrets = ciphertext
	sv.UpdatedAt = time.Now().UTC()
	if err := v.st.PutJSON(ctx, store.VaultKey(userID), sv); err != nil {
		return fmt.Errorf("vault: persist: %w", err)
	}
	return nil
}

// SweepIdle drops every unlock token whose idle window has elapsed. This is
// an ambient-stack addition (see the housekeeping worker) layered on top of
// the kernel's own lazy per-access expiry check — it only bounds the token
// table's worst-case size under long idle periods, it is not required for
// correctness.
func (v *Vault) SweepIdle() int {
	return v.tokens.sweep(v.idleTTL)
}

func (v *Vault) load(ctx context.Context, userID string) (storedVault, error) {
	var sv storedVault
	ok, err := v.st.GetJSON(ctx, store.VaultKey(userID), &sv)
	if err != nil {
		return storedVault{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if !ok {
		return storedVault{}, ErrNotInitialized
	}
	return sv, nil
}

func (v *Vault) wrap(masterKey, secret []byte) (wrapper, error) {
	salt, err := cryptoutil.NewSalt(cryptoutil.SaltLen)
	if err != nil {
		return wrapper{}, err
	}
	key, err := cryptoutil.DeriveKey(secret, salt, v.params)
	if err != nil {
		return wrapper{}, err
	}
	defer cryptoutil.Zero(key)
	nonce, ciphertext, err := cryptoutil.Seal(key, masterKey, nil)
	if err != nil {
		return wrapper{}, err
	}
	return wrapper{Salt: salt, Nonce: nonce, Ciphertext: ciphertext, KDF: v.params}, nil
}

func (v *Vault) unwrap(w wrapper, secret []byte) ([]byte, error) {
	key, err := cryptoutil.DeriveKey(secret, w.Salt, w.KDF)
	if err != nil {
		return nil, err
	}
	defer cryptoutil.Zero(key)
	return cryptoutil.Open(key, w.Nonce, w.Ciphertext, nil)
}
