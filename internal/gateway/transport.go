package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/websoft9/sshgateway/internal/sshcmd"
	"github.com/websoft9/sshgateway/internal/store"
	"github.com/websoft9/sshgateway/internal/vault"
)

// resolveDestination applies the precedence rule: explicit input fields win
// over a saved-host lookup, which wins over the parsed command. Port
// defaults to 22.
func resolveDestination(ctx context.Context, st store.Store, userID string, in CreateInput, parsed sshcmd.Command) (host string, port int, username string, err error) {
	if in.HostID != "" {
		var hosts map[string]SavedHost
		found, err := st.GetJSON(ctx, store.HostsKey(userID), &hosts)
		if err != nil {
			return "", 0, "", fmt.Errorf("gateway: load saved hosts: %w", err)
		}
		if found {
			if saved, ok := hosts[in.HostID]; ok {
				host, port, username = saved.Host, saved.Port, saved.Username
			}
		}
	}

	if parsed.Host != "" {
		if host == "" {
			host = parsed.Host
		}
		if username == "" {
			username = parsed.User
		}
		if port == 0 {
			port = parsed.Port
		}
	}

	if in.Host != "" {
		host = in.Host
	}
	if in.Username != "" {
		username = in.Username
	}
	if in.Port != 0 {
		port = in.Port
	}

	if port == 0 {
		port = 22
	}
	if host == "" || username == "" {
		return "", 0, "", fmt.Errorf("host and username are required")
	}
	return host, port, username, nil
}

// resolveCredential merges the vault-resolved secret (if any) with explicit
// overrides on in, with explicit fields winning.
func resolveCredential(ctx context.Context, v *vault.Vault, userID string, in CreateInput) (credential, error) {
	var cred credential

	if in.SecretID != "" {
		if in.VaultToken == "" {
			return credential{}, fmt.Errorf("gateway: secretId requires vaultToken")
		}
		err := v.WithSecrets(ctx, in.VaultToken, userID, func(h *vault.Handle) error {
			secret, ok := h.Get(in.SecretID)
			if !ok {
				return fmt.Errorf("gateway: unknown secretId %q", in.SecretID)
			}
			if secret.Password != nil {
				cred.password = *secret.Password
			}
			if secret.PrivateKey != nil {
				cred.privateKey = *secret.PrivateKey
			}
			if secret.Passphrase != nil {
				cred.passphrase = *secret.Passphrase
			}
			return nil
		})
		if err != nil {
			return credential{}, err
		}
	}

	if in.Password != "" {
		cred.password = in.Password
		cred.privateKey = ""
	}
	if in.PrivateKey != "" {
		cred.privateKey = in.PrivateKey
		cred.password = ""
	}
	if in.Passphrase != "" {
		cred.passphrase = in.Passphrase
	}
	return cred, nil
}

func authMethodFromCredential(cred credential) (ssh.AuthMethod, error) {
	if cred.privateKey != "" {
		var signer ssh.Signer
		var err error
		if cred.passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cred.privateKey), []byte(cred.passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.privateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if cred.password != "" {
		return ssh.Password(cred.password), nil
	}
	return nil, fmt.Errorf("no usable credential")
}

// dialSSH dials addr, honoring ctx cancellation during the handshake.
func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, cfg)
		ch <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

// openShell requests a PTY and starts the login shell.
func openShell(client *ssh.Client, cols, rows int) (*ssh.Session, io.WriteCloser, io.Reader, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("start shell: %w", err)
	}
	return sess, stdin, stdout, nil
}

// controlFrame is a client->server session-bus message (§6).
type controlFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func parseControlFrame(raw []byte) (controlFrame, bool) {
	var f controlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return controlFrame{}, false
	}
	if f.Type == "" {
		return controlFrame{}, false
	}
	return f, true
}

// normalizeLoopback validates a forwarder bind host against the loopback
// rule and returns its canonical "127.0.0.1" form.
func normalizeLoopback(host string) (string, bool) {
	switch strings.ToLower(host) {
	case "", "127.0.0.1", "localhost", "::1":
		return "127.0.0.1", true
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		return "127.0.0.1", true
	}
	return "", false
}

const dialTimeout = 10 * time.Second
