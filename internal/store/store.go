// Package store defines the abstract persistence contract the gateway
// kernel depends on. The kernel never reads or writes files, database rows,
// or object-store keys directly — every durable fact it needs flows through
// this interface, so the kernel's own tests can run against an in-memory
// implementation with no external services.
package store

import (
	"context"
	"fmt"
	"net/url"
)

// Store is a key/value JSON blob store plus an append-only JSON-Lines log,
// keyed by opaque string paths. Implementations are responsible for their
// own concurrency: concurrent PutJSON/AppendJSONLine calls against the same
// key must not corrupt either the blob or the log.
type Store interface {
	// GetJSON decodes the value stored at key into out, returning
	// (true, nil) on a hit. On a miss it returns (false, nil) — never an
	// error solely because the key is absent.
	GetJSON(ctx context.Context, key string, out any) (bool, error)

	// PutJSON replaces the entire value stored at key.
	PutJSON(ctx context.Context, key string, value any) error

	// AppendJSONLine appends one JSON-encoded line to the log at key.
	// Implementations may satisfy this with read-modify-write as long as
	// the result is atomic under their own concurrency contract — the
	// gateway never assumes append is lock-free.
	AppendJSONLine(ctx context.Context, key string, value any) error
}

// UserKey builds the canonical per-user key shape the gateway uses for a
// given leaf file name, URL-encoding the user identifier so it is always
// safe to embed in a path.
func UserKey(userID, leaf string) string {
	return fmt.Sprintf("users/%s/%s", url.PathEscape(userID), leaf)
}

// VaultKey is the canonical key for a user's stored vault.
func VaultKey(userID string) string { return UserKey(userID, "vault.json") }

// HostsKey is the canonical key for a user's saved-host list.
func HostsKey(userID string) string { return UserKey(userID, "ssh-hosts.json") }

// KnownHostsKey is the canonical key for a user's known-hosts fingerprint map.
func KnownHostsKey(userID string) string { return UserKey(userID, "known-hosts.json") }

// AuditKey is the canonical key for a day's audit log partition.
// day must already be formatted as "YYYY-MM-DD".
func AuditKey(day string) string { return fmt.Sprintf("audit/%s.jsonl", day) }
