// Package gateway implements the session kernel: it owns SSH transport,
// interactive shells, forwarders, lazy SFTP handles, and the WebSocket bus
// attached to each live session.
package gateway

import (
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	gosftp "github.com/pkg/sftp"
)

// SavedHost is a user's saved connection target, as persisted under
// store.HostsKey.
type SavedHost struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	SecretID  string    `json:"secretId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateInput is the union of sources createSession accepts: a raw ssh
// command, a saved-host reference, explicit overrides, and credential
// material. Later sources win over earlier ones per the build algorithm's
// precedence rule.
type CreateInput struct {
	RawCommand string
	HostID     string

	Host     string
	Port     int
	Username string

	SecretID   string
	Password   string
	PrivateKey string
	Passphrase string
	VaultToken string

	Cols, Rows int
}

// credential is the tagged variant the build algorithm resolves to before
// it ever contacts the transport.
type credential struct {
	password   string
	privateKey string
	passphrase string
}

func (c credential) empty() bool {
	return c.password == "" && c.privateKey == ""
}

// LocalForwardSpec is a parsed `-L` request: bind a loopback listener and
// dial targetHost:targetPort over direct-tcpip per accepted connection.
type LocalForwardSpec struct {
	BindHost   string
	BindPort   int
	TargetHost string
	TargetPort int
}

// RemoteForwardSpec is a parsed `-R` request.
type RemoteForwardSpec struct {
	BindHost   string
	BindPort   int
	TargetHost string
	TargetPort int
}

// DynamicForwardSpec is a parsed `-D` request: a SOCKS5 listener whose
// destinations are dialed over direct-tcpip per request.
type DynamicForwardSpec struct {
	BindHost string
	BindPort int
}

// localForward is the live handle for one bound -L listener.
type localForward struct {
	spec LocalForwardSpec
	ln   interface{ Close() error }
}

// dynamicForward is the live handle for one -D SOCKS5 listener.
type dynamicForward struct {
	spec DynamicForwardSpec
	ln   interface{ Close() error }
}

// Session is the gateway's transient, in-memory unit of work: one SSH
// transport, one interactive shell, its forwarders, and its attached
// WebSocket set.
type Session struct {
	ID        string
	UserID    string
	Host      string
	Port      int
	Username  string
	CreatedAt time.Time

	mu        sync.Mutex
	connected bool

	client *ssh.Client
	shell  *ssh.Session
	stdin  interface{ Write([]byte) (int, error) }

	localForwards   []*localForward
	remoteForwards  []RemoteForwardSpec // recorded -R mappings, matched by the session's forwarded-tcpip dispatcher
	dynamicForwards []*dynamicForward

	sockets map[string]Socket

	sftpMu    sync.Mutex
	sftpGroup singleflight.Group
	sftpConn  *gosftp.Client
}

// Connected reports whether the session's transport is still live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
