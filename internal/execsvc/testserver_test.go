package execsvc

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

// fakeExecServer answers "session" channels, honoring "pty-req", "shell",
// and "exec" requests with a tiny built-in command set (echo, fail, block,
// cat-stdin) sufficient to exercise execsvc without a real remote host.
type fakeExecServer struct {
	addr string
}

func newFakeExecServer(t *testing.T) *fakeExecServer {
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
			go handleFakeExecConn(conn, cfg)
		}
	}()

	return &fakeExecServer{addr: ln.Addr().String()}
}

func handleFakeExecConn(conn net.Conn, cfg *ssh.ServerConfig) {
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
		go handleFakeExecSession(ch, requests)
	}
}

type execRequestMsg struct {
	Command string
}

func handleFakeExecSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
		case "exec":
			var msg execRequestMsg
			ssh.Unmarshal(req.Payload, &msg)
			req.Reply(true, nil)
			runFakeCommand(ch, msg.Command)
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// runFakeCommand implements just enough of a handful of commands to drive
// execsvc's three call shapes, then sends an exit-status request.
func runFakeCommand(ch ssh.Channel, cmd string) {
	status := uint32(0)
	switch {
	case strings.HasPrefix(cmd, "echo "):
		io.WriteString(ch, strings.TrimPrefix(cmd, "echo ")+"\n")
	case cmd == "fail":
		io.WriteString(ch.Stderr(), "boom\n")
		status = 7
	case cmd == "block":
		select {} // never returns; exercised only against a short timeout/abort
	case cmd == "cat-stdin":
		io.Copy(ch, ch)
	default:
		io.WriteString(ch.Stderr(), "unknown command\n")
		status = 127
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, status)
	ch.SendRequest("exit-status", false, payload)
}
