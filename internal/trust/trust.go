// Package trust implements the gateway's host-key trust-on-first-use store:
// a per-user map of host to SSH host-key fingerprint, consulted during the
// SSH handshake and persisted only after a full connection succeeds.
package trust

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/websoft9/sshgateway/internal/store"
)

// ErrMismatch is returned when a host presents a fingerprint that differs
// from the one already on record for it.
var ErrMismatch = errors.New("trust: SSH host key mismatch detected")

// Verifier is bound to one user and one host, and is handed to
// ssh.ClientConfig.HostKeyCallback during a single session build.
type Verifier struct {
	store    *Store
	userID   string
	host     string
	observed string // set by verify when the host was not already known
}

// HostKeyCallback returns the golang.org/x/crypto/ssh.HostKeyCallback for
// this verifier. It never mutates the known-hosts map itself — Persist does
// that, after the caller has confirmed the full connection (including
// authentication) succeeded.
func (v *Verifier) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return v.verify(key)
	}
}

func (v *Verifier) verify(key ssh.PublicKey) error {
	fp := ssh.FingerprintSHA256(key)

	v.store.mu.Lock()
	known, ok := v.store.hosts[v.userID][v.host]
	v.store.mu.Unlock()

	if !ok {
		v.observed = fp
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(known), []byte(fp)) != 1 {
		return ErrMismatch
	}
	return nil
}

// Store is the per-process known-hosts cache, backed by store.Store for
// durability. Hosts are loaded lazily per user and cached in memory; writes
// go through to the backing Store immediately.
type Store struct {
	backing store.Store

	mu    sync.Mutex
	hosts map[string]map[string]string // userID -> host -> fingerprint
}

// New returns a trust store backed by st.
func New(st store.Store) *Store {
	return &Store{backing: st, hosts: make(map[string]map[string]string)}
}

// NewVerifier prepares a host-key verifier for one connection attempt to
// host on behalf of userID. The user's known-hosts map is loaded from the
// backing store if it has not been cached yet.
func (s *Store) NewVerifier(ctx context.Context, userID, host string) (*Verifier, error) {
	if err := s.ensureLoaded(ctx, userID); err != nil {
		return nil, err
	}
	return &Verifier{store: s, userID: userID, host: host}, nil
}

func (s *Store) ensureLoaded(ctx context.Context, userID string) error {
	s.mu.Lock()
	_, cached := s.hosts[userID]
	s.mu.Unlock()
	if cached {
		return nil
	}

	var known map[string]string
	found, err := s.backing.GetJSON(ctx, store.KnownHostsKey(userID), &known)
	if err != nil {
		return fmt.Errorf("trust: load known hosts: %w", err)
	}
	if !found || known == nil {
		known = make(map[string]string)
	}

	s.mu.Lock()
	if _, ok := s.hosts[userID]; !ok {
		s.hosts[userID] = known
	}
	s.mu.Unlock()
	return nil
}

// Persist records the fingerprint observed by v, iff it was newly observed
// (the host had no prior record). It is a no-op when the host key matched an
// existing record. Callers invoke this only after the full SSH connection —
// transport and authentication — has succeeded.
func (s *Store) Persist(ctx context.Context, v *Verifier) error {
	if v.observed == "" {
		return nil
	}

	s.mu.Lock()
	if s.hosts[v.userID] == nil {
		s.hosts[v.userID] = make(map[string]string)
	}
	s.hosts[v.userID][v.host] = v.observed
	snapshot := make(map[string]string, len(s.hosts[v.userID]))
	for h, fp := range s.hosts[v.userID] {
		snapshot[h] = fp
	}
	s.mu.Unlock()

	if err := s.backing.PutJSON(ctx, store.KnownHostsKey(v.userID), snapshot); err != nil {
		return fmt.Errorf("trust: persist known hosts: %w", err)
	}
	return nil
}

// Fingerprint returns "SHA256:"+base64(sha256(key)) in the same form used
// throughout the known-hosts map, for callers that need to display it
// without going through a full handshake (e.g. audit logging).
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// Known returns the fingerprint on record for host under userID, if any.
func (s *Store) Known(ctx context.Context, userID, host string) (fingerprint string, ok bool, err error) {
	if err := s.ensureLoaded(ctx, userID); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.hosts[userID][host]
	return fp, ok, nil
}
