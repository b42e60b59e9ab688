package gateway

import (
	"fmt"

	gosftp "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHClient exposes the session's underlying transport so collaborating
// services (exec, SFTP) can open their own channels over it without the
// kernel mediating every call.
func (s *Session) SSHClient() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// SFTPClient returns the session's lazily-initialized SFTP subsystem,
// demand-opening it on first use. Concurrent callers during initialization
// share the same in-flight attempt (singleflight); a failed attempt clears
// so the next caller retries. If the client's stream has since closed, the
// stale handle is dropped and a fresh one opened transparently.
func (s *Session) SFTPClient() (*gosftp.Client, error) {
	s.sftpMu.Lock()
	if s.sftpConn != nil {
		if _, err := s.sftpConn.Getwd(); err == nil {
			conn := s.sftpConn
			s.sftpMu.Unlock()
			return conn, nil
		}
		_ = s.sftpConn.Close()
		s.sftpConn = nil
	}
	s.sftpMu.Unlock()

	v, err, _ := s.sftpGroup.Do(s.ID, func() (any, error) {
		client := s.SSHClient()
		if client == nil {
			return nil, fmt.Errorf("gateway: session %s has no transport", s.ID)
		}
		c, err := gosftp.NewClient(client)
		if err != nil {
			return nil, fmt.Errorf("gateway: open sftp subsystem: %w", err)
		}

		s.sftpMu.Lock()
		s.sftpConn = c
		s.sftpMu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gosftp.Client), nil
}
