package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/websoft9/sshgateway/internal/audit"
	"github.com/websoft9/sshgateway/internal/sshcmd"
	"github.com/websoft9/sshgateway/internal/store"
	"github.com/websoft9/sshgateway/internal/trust"
	"github.com/websoft9/sshgateway/internal/vault"
)

const (
	fallbackShellCols = 120
	fallbackShellRows = 40
	sshDialTimeout    = 10 * time.Second
)

// Gateway is the session kernel. One Gateway serves every user in the
// process; Session is the per-connection unit it hands out.
type Gateway struct {
	Store     store.Store
	Vault     *vault.Vault
	Trust     *trust.Store
	AllowList *AllowList
	Audit     *audit.Logger

	defaultShellCols int
	defaultShellRows int

	registry *registry
}

// New builds a Gateway. AllowList, Trust, Audit, and Vault must already be
// constructed against the same Store. shellCols/shellRows seed the PTY size
// a session opens with when the client omits one; zero falls back to 120x40.
func New(st store.Store, v *vault.Vault, tr *trust.Store, allow *AllowList, al *audit.Logger, shellCols, shellRows int) *Gateway {
	if shellCols <= 0 {
		shellCols = fallbackShellCols
	}
	if shellRows <= 0 {
		shellRows = fallbackShellRows
	}
	return &Gateway{
		Store:            st,
		Vault:            v,
		Trust:            tr,
		AllowList:        allow,
		Audit:            al,
		defaultShellCols: shellCols,
		defaultShellRows: shellRows,
		registry:         newRegistry(),
	}
}

// Get returns the session registered under id.
func (g *Gateway) Get(id string) (*Session, bool) {
	return g.registry.get(id)
}

// ListSessions is a trivial projection over the registry for userID.
func (g *Gateway) ListSessions(userID string) []*Session {
	return g.registry.listByUser(userID)
}

// CreateSession implements the build algorithm: resolve destination and
// credentials, enforce the allow-list, open transport under TOFU, open the
// interactive shell, install forwarders, and wire lifecycle callbacks. Any
// failure after this point leaves no partial state registered.
func (g *Gateway) CreateSession(ctx context.Context, userID string, in CreateInput) (*Session, error) {
	var parsed sshcmd.Command
	if in.RawCommand != "" {
		p, err := sshcmd.Parse(in.RawCommand)
		if err != nil && !errors.Is(err, sshcmd.ErrNotAnSSHCommand) {
			return nil, fmt.Errorf("gateway: parse command: %w", err)
		}
		if err == nil {
			parsed = p
		}
	}

	host, port, username, err := resolveDestination(ctx, g.Store, userID, in, parsed)
	if err != nil {
		return nil, err
	}

	if !g.AllowList.Allowed(host) {
		return nil, errors.New("host is not in the allow-list")
	}

	cred, err := resolveCredential(ctx, g.Vault, userID, in)
	if err != nil {
		return nil, err
	}
	if cred.empty() && parsed.IdentityFile != "" {
		key, err := os.ReadFile(parsed.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("gateway: read identity file: %w", err)
		}
		cred.privateKey = string(key)
		cred.passphrase = in.Passphrase
	}
	if cred.empty() {
		return nil, errors.New("no credential available for session")
	}

	authMethod, err := authMethodFromCredential(cred)
	if err != nil {
		return nil, fmt.Errorf("gateway: credential: %w", err)
	}

	verifier, err := g.Trust.NewVerifier(ctx, userID, host)
	if err != nil {
		return nil, fmt.Errorf("gateway: load trust store: %w", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: verifier.HostKeyCallback(),
		Timeout:         sshDialTimeout,
	}

	client, err := dialSSH(ctx, net.JoinHostPort(host, fmt.Sprintf("%d", port)), clientCfg)
	if err != nil {
		if errors.Is(err, trust.ErrMismatch) {
			return nil, errors.New("SSH host key mismatch detected")
		}
		return nil, fmt.Errorf("gateway: dial %s: %w", host, err)
	}

	if err := g.Trust.Persist(ctx, verifier); err != nil {
		client.Close()
		return nil, err
	}

	cols, rows := in.Cols, in.Rows
	if cols == 0 {
		cols = g.defaultShellCols
	}
	if rows == 0 {
		rows = g.defaultShellRows
	}

	shell, stdin, stdout, err := openShell(client, cols, rows)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gateway: open shell: %w", err)
	}

	sess := &Session{
		ID:        newSessionID(),
		UserID:    userID,
		Host:      host,
		Port:      port,
		Username:  username,
		CreatedAt: time.Now(),
		connected: true,
		client:    client,
		shell:     shell,
		stdin:     stdin,
		sockets:   make(map[string]Socket),
	}
	g.registry.register(sess)
	g.installRemoteForwardDispatcher(sess)

	if err := g.installForwards(sess, parsed); err != nil {
		g.teardown(ctx, sess)
		return nil, err
	}

	g.wireShell(sess, stdout)
	g.wireTransport(ctx, sess)

	if err := g.Audit.Connect(ctx, userID, sess.ID, host, port); err != nil {
		g.teardown(ctx, sess)
		return nil, err
	}

	return sess, nil
}

// CloseSession tears down the named session. It is idempotent: a second
// call on an already-closed or unknown id returns nil without error.
func (g *Gateway) CloseSession(ctx context.Context, userID, sessionID string) error {
	sess, ok := g.registry.get(sessionID)
	if !ok || sess.UserID != userID {
		return nil
	}

	sess.mu.Lock()
	if !sess.connected {
		sess.mu.Unlock()
		return nil
	}
	sess.connected = false
	sess.mu.Unlock()

	sess.broadcast(Frame{"type": "closed"})
	sess.closeSockets()

	for _, lf := range sess.localForwards {
		_ = lf.ln.Close()
	}
	for _, df := range sess.dynamicForwards {
		_ = df.ln.Close()
	}
	g.cancelRemoteForwards(sess)

	sess.sftpMu.Lock()
	if sess.sftpConn != nil {
		_ = sess.sftpConn.Close()
		sess.sftpConn = nil
	}
	sess.sftpMu.Unlock()

	if sess.shell != nil {
		_ = sess.shell.Close()
	}
	if sess.client != nil {
		_ = sess.client.Close()
	}

	g.registry.remove(sess.ID)

	return g.Audit.Disconnect(ctx, userID, sess.ID, sess.Host, sess.Port)
}

// teardown runs CloseSession's steps for a session that failed mid-build,
// without requiring it to still be registered by the time of the call.
func (g *Gateway) teardown(ctx context.Context, sess *Session) {
	g.registry.register(sess) // CloseSession requires the session to be found
	_ = g.CloseSession(ctx, sess.UserID, sess.ID)
}

// wireShell starts the goroutine that reads shell output and broadcasts it,
// and detects shell close.
func (g *Gateway) wireShell(sess *Session, stdout interface{ Read([]byte) (int, error) }) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				sess.broadcast(Frame{"type": "output", "data": string(buf[:n])})
			}
			if err != nil {
				sess.broadcast(Frame{"type": "closed"})
				return
			}
		}
	}()
}

// wireTransport watches the underlying SSH connection and runs the
// idempotent close path once it drops.
func (g *Gateway) wireTransport(ctx context.Context, sess *Session) {
	go func() {
		_ = sess.client.Wait()
		if sess.Connected() {
			sess.broadcast(Frame{"type": "error", "message": "SSH transport closed"})
			_ = g.CloseSession(context.Background(), sess.UserID, sess.ID)
		}
	}()
}

// ResizeSession resizes the session's PTY.
func (g *Gateway) ResizeSession(sessionID string, cols, rows int) error {
	sess, ok := g.registry.get(sessionID)
	if !ok {
		return errors.New("session not found")
	}
	sess.mu.Lock()
	shell := sess.shell
	sess.mu.Unlock()
	if shell == nil {
		return errors.New("session not found")
	}
	return shell.WindowChange(rows, cols)
}

// OnWebsocketMessage dispatches one control-plane frame per §4.4. A payload
// that fails JSON parse is written verbatim to the shell.
func (g *Gateway) OnWebsocketMessage(sess *Session, raw []byte) error {
	msg, ok := parseControlFrame(raw)
	if !ok {
		sess.mu.Lock()
		stdin := sess.stdin
		sess.mu.Unlock()
		if stdin == nil {
			return nil
		}
		_, err := stdin.Write(raw)
		return err
	}

	switch msg.Type {
	case "input":
		sess.mu.Lock()
		stdin := sess.stdin
		sess.mu.Unlock()
		if stdin == nil {
			return nil
		}
		_, err := stdin.Write([]byte(msg.Data))
		return err
	case "resize":
		return g.ResizeSession(sess.ID, msg.Cols, msg.Rows)
	}
	return nil
}
