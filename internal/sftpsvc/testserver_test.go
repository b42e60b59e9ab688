package sftpsvc

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// fakeSFTPServer is a minimal SSH server that only answers the "sftp"
// subsystem request, backed by pkg/sftp's in-memory request handler so
// tests exercise real wire-protocol round trips without touching disk.
type fakeSFTPServer struct {
	addr string
}

func newFakeSFTPServer(t *testing.T) *fakeSFTPServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleFakeSFTPConn(conn, cfg)
		}
	}()

	return &fakeSFTPServer{addr: ln.Addr().String()}
}

func handleFakeSFTPConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go handleFakeSFTPSession(ch, requests)
	}
}

func handleFakeSFTPSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		if req.Type != "subsystem" || string(req.Payload[4:]) != "sftp" {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		server := sftp.NewRequestServer(ch, sftp.InMemHandler())
		go func() {
			defer ch.Close()
			server.Serve()
		}()
	}
}

// dialFakeSFTP opens an SSH connection to addr and returns a live
// *sftp.Client over its "sftp" subsystem channel.
func dialFakeSFTP(t *testing.T, addr string) *sftp.Client {
	t.Helper()

	clientCfg := &ssh.ClientConfig{
		User:            "test",
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	conn, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	client, err := sftp.NewClient(conn)
	if err != nil {
		t.Fatalf("new sftp client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// fakeSession is the minimal sftpSession implementation: a fixed client.
type fakeSession struct {
	client *sftp.Client
}

func (s *fakeSession) SFTPClient() (*sftp.Client, error) {
	return s.client, nil
}
