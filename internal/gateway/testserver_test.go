package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// fakeSSHServer is a minimal SSH server for exercising the gateway against a
// real transport: password auth, a "session" channel that accepts "shell"
// and "pty-req" requests without doing anything with them, a "direct-tcpip"
// channel that dials the requested target and pipes, and a "tcpip-forward"/
// "cancel-tcpip-forward" global-request responder paired with a helper to
// open "forwarded-tcpip" channels back at the client — enough to drive
// createSession and both the local- and remote-forward paths end to end.
type fakeSSHServer struct {
	ln      net.Listener
	signer  ssh.Signer
	wantPW  string
	stopped chan struct{}

	connMu sync.Mutex
	conn   *ssh.ServerConn
	connCh chan *ssh.ServerConn
}

func newFakeSSHServer(t *testing.T, password string) *fakeSSHServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeSSHServer{ln: ln, signer: signer, wantPW: password, stopped: make(chan struct{}), connCh: make(chan *ssh.ServerConn, 1)}
	go s.serve()
	t.Cleanup(func() { s.ln.Close() })
	return s
}

func (s *fakeSSHServer) addr() string { return s.ln.Addr().String() }

func (s *fakeSSHServer) serve() {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == s.wantPW {
				return nil, nil
			}
			return nil, errAuthFailed
		},
	}
	cfg.AddHostKey(s.signer)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, cfg)
	}
}

func (s *fakeSSHServer) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sc.Close()

	s.connMu.Lock()
	s.conn = sc
	s.connMu.Unlock()
	select {
	case s.connCh <- sc:
	default:
	}

	go s.handleGlobalRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(newCh)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newCh)
		default:
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *fakeSSHServer) handleSession(newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	for req := range reqs {
		if req.WantReply {
			req.Reply(true, nil)
		}
	}
}

// handleGlobalRequests answers "tcpip-forward"/"cancel-tcpip-forward" the
// way a real sshd would (a bare accept, no actual bind bookkeeping needed
// for these tests) and discards everything else.
func (s *fakeSSHServer) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Name {
		case "tcpip-forward", "cancel-tcpip-forward":
			if req.WantReply {
				req.Reply(true, ssh.Marshal(&struct{ Port uint32 }{0}))
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// waitForConn blocks until a client has completed the handshake, returning
// the server-side connection so a test can drive channels on it directly.
func (s *fakeSSHServer) waitForConn(t *testing.T) *ssh.ServerConn {
	t.Helper()
	select {
	case sc := <-s.connCh:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server connection")
		return nil
	}
}

// openForwardedTCPIP simulates the peer delivering an inbound forwarded
// connection for (addr,port), as the gateway's remote-forward dispatcher
// would receive it.
func (s *fakeSSHServer) openForwardedTCPIP(addr string, port uint32) (ssh.Channel, error) {
	s.connMu.Lock()
	sc := s.conn
	s.connMu.Unlock()
	payload := forwardedTCPIPPayload{Addr: addr, Port: port, OriginAddr: "127.0.0.1", OriginPort: 0}
	ch, reqs, err := sc.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

type directTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func (s *fakeSSHServer) handleDirectTCPIP(newCh ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(payload.Addr, strconv.Itoa(int(payload.Port))))
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() { pipe(ch, target); done <- struct{}{} }()
	go func() { pipe(target, ch); done <- struct{}{} }()
	<-done
	<-done
	ch.Close()
	target.Close()
}

func pipe(dst interface{ Write([]byte) (int, error) }, src interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

var errAuthFailed = &authError{"authentication failed"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }
