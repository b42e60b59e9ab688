package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"io"
	"sync"
	"time"

	"github.com/websoft9/sshgateway/internal/cryptoutil"
)

// tokenEncoding is standard base32 without padding, so every token is safe
// to embed in a header value with no escaping.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func generateToken() string {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("vault: failed to read random bytes: " + err.Error())
	}
	return tokenEncoding.EncodeToString(b)
}

type tokenEntry struct {
	userID         string
	masterKey      []byte
	lastAccessedAt time.Time
}

// tokenTable is the process-wide unlock-token registry (spec §5: "the vault
// token table is process-wide; token lookup refreshes the idle timestamp
// under exclusive access").
type tokenTable struct {
	mu      sync.Mutex
	entries map[string]*tokenEntry
}

func newTokenTable() tokenTable {
	return tokenTable{entries: make(map[string]*tokenEntry)}
}

// register stores a fresh token bound to a private copy of masterKey.
func (t *tokenTable) register(userID string, masterKey []byte) string {
	owned := make([]byte, len(masterKey))
	copy(owned, masterKey)

	token := generateToken()
	t.mu.Lock()
	t.entries[token] = &tokenEntry{
		userID:         userID,
		masterKey:      owned,
		lastAccessedAt: time.Now(),
	}
	t.mu.Unlock()
	return token
}

// touch returns a copy of the master key for token if it belongs to userID
// and has not exceeded idleTTL since its last use, refreshing its idle
// timer in that case. The caller owns the returned slice and must zero it.
func (t *tokenTable) touch(token, userID string, idleTTL time.Duration) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[token]
	if !ok {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(entry.userID), []byte(userID)) != 1 {
		return nil, false
	}
	if time.Since(entry.lastAccessedAt) > idleTTL {
		delete(t.entries, token)
		cryptoutil.Zero(entry.masterKey)
		return nil, false
	}
	entry.lastAccessedAt = time.Now()

	out := make([]byte, len(entry.masterKey))
	copy(out, entry.masterKey)
	return out, true
}

// hasLive reports whether userID has at least one non-expired token.
func (t *tokenTable) hasLive(userID string, idleTTL time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, entry := range t.entries {
		if entry.userID == userID && now.Sub(entry.lastAccessedAt) <= idleTTL {
			return true
		}
	}
	return false
}

// remove deletes token, zeroing its master key.
func (t *tokenTable) remove(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[token]; ok {
		cryptoutil.Zero(entry.masterKey)
		delete(t.entries, token)
	}
}

// sweep removes every token whose idle window has elapsed and returns how
// many were removed.
func (t *tokenTable) sweep(idleTTL time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, entry := range t.entries {
		if now.Sub(entry.lastAccessedAt) > idleTTL {
			cryptoutil.Zero(entry.masterKey)
			delete(t.entries, token)
			removed++
		}
	}
	return removed
}
