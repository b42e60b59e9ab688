package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/websoft9/sshgateway/internal/audit"
	"github.com/websoft9/sshgateway/internal/store"
	"github.com/websoft9/sshgateway/internal/trust"
	"github.com/websoft9/sshgateway/internal/vault"
)

func newTestGateway(t *testing.T, allow []string) (*Gateway, store.Store) {
	t.Helper()
	st := store.NewMemory()
	v := vault.New(st, time.Minute)
	tr := trust.New(st)
	al := audit.New(st)
	return New(st, v, tr, NewAllowList(allow), al, 0, 0), st
}

func splitPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", portStr, err)
	}
	return port
}

func TestCreateSession_HappyPathAndIdempotentClose(t *testing.T) {
	ctx := context.Background()
	srv := newFakeSSHServer(t, "pw")
	g, st := newTestGateway(t, []string{"127.0.0.1"})

	sess, err := g.CreateSession(ctx, "u1", CreateInput{
		Host: "127.0.0.1", Port: splitPort(t, srv.addr()), Username: "u", Password: "pw",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !sess.Connected() {
		t.Fatal("new session should be connected")
	}

	if err := g.CloseSession(ctx, "u1", sess.ID); err != nil {
		t.Fatalf("first CloseSession: %v", err)
	}
	if err := g.CloseSession(ctx, "u1", sess.ID); err != nil {
		t.Fatalf("second CloseSession (idempotent) returned error: %v", err)
	}

	var lines [][]byte
	if m, ok := st.(*store.Memory); ok {
		day := time.Now().UTC().Format("2006-01-02")
		lines = m.Lines(store.AuditKey(day))
	}
	connectCount, disconnectCount := 0, 0
	for _, l := range lines {
		s := string(l)
		if contains(s, `"event":"connect"`) {
			connectCount++
		}
		if contains(s, `"event":"disconnect"`) {
			disconnectCount++
		}
	}
	if connectCount != 1 {
		t.Fatalf("connect events = %d, want 1", connectCount)
	}
	if disconnectCount != 1 {
		t.Fatalf("disconnect events = %d, want 1 (idempotent close must not double-write)", disconnectCount)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestCreateSession_AllowListRejection(t *testing.T) {
	ctx := context.Background()
	srv := newFakeSSHServer(t, "pw")
	g, _ := newTestGateway(t, []string{"10.0.0.9"}) // 127.0.0.1 not allowed

	_, err := g.CreateSession(ctx, "u1", CreateInput{
		Host: "127.0.0.1", Port: splitPort(t, srv.addr()), Username: "u", Password: "pw",
	})
	if err == nil || err.Error() != "host is not in the allow-list" {
		t.Fatalf("CreateSession = %v, want allow-list rejection", err)
	}
}

func TestCreateSession_TOFUMismatch(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGateway(t, []string{"127.0.0.1"})

	srvA := newFakeSSHServer(t, "pw")
	sessA, err := g.CreateSession(ctx, "u1", CreateInput{
		Host: "127.0.0.1", Port: splitPort(t, srvA.addr()), Username: "u", Password: "pw",
	})
	if err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	_ = g.CloseSession(ctx, "u1", sessA.ID)

	var before map[string]string
	st.GetJSON(ctx, store.KnownHostsKey("u1"), &before)
	if before["127.0.0.1"] == "" {
		t.Fatal("fingerprint not persisted after first successful connect")
	}

	srvB := newFakeSSHServer(t, "pw") // distinct host key
	_, err = g.CreateSession(ctx, "u1", CreateInput{
		Host: "127.0.0.1", Port: splitPort(t, srvB.addr()), Username: "u", Password: "pw",
	})
	if err == nil || err.Error() != "SSH host key mismatch detected" {
		t.Fatalf("second CreateSession = %v, want host key mismatch", err)
	}

	var after map[string]string
	st.GetJSON(ctx, store.KnownHostsKey("u1"), &after)
	if after["127.0.0.1"] != before["127.0.0.1"] {
		t.Fatal("known-hosts mutated by a failed handshake")
	}
}

func TestNormalizeLoopback(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantOK  bool
	}{
		{"", "127.0.0.1", true},
		{"127.0.0.1", "127.0.0.1", true},
		{"localhost", "127.0.0.1", true},
		{"::1", "127.0.0.1", true},
		{"10.0.0.5", "", false},
		{"0.0.0.0", "", false},
	}
	for _, c := range cases {
		got, ok := normalizeLoopback(c.in)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("normalizeLoopback(%q) = (%q,%v), want (%q,%v)", c.in, got, ok, c.want, c.wantOK)
		}
	}
}

type fakeSocket struct {
	received [][]byte
	failAt   int
	calls    int
	closed   bool
}

func (f *fakeSocket) Send(frame []byte) error {
	f.calls++
	if f.failAt != 0 && f.calls == f.failAt {
		return errors.New("send failed")
	}
	f.received = append(f.received, frame)
	return nil
}
func (f *fakeSocket) Close() error { f.closed = true; return nil }

func TestBroadcastFanOut(t *testing.T) {
	sess := &Session{ID: "s1", sockets: make(map[string]Socket)}
	good1, good2 := &fakeSocket{}, &fakeSocket{}
	bad := &fakeSocket{failAt: 2} // call 1 is the ready frame sent on attach

	sess.AttachWebsocket("a", good1)
	sess.AttachWebsocket("b", good2)
	sess.AttachWebsocket("c", bad)

	sess.broadcast(Frame{"type": "output", "data": "hi"})

	if len(good1.received) != 2 || len(good2.received) != 2 {
		t.Fatalf("good sockets should each receive the ready frame and the broadcast frame: %d %d", len(good1.received), len(good2.received))
	}
	if !bad.closed {
		t.Fatal("socket whose Send failed should be closed")
	}
	sess.mu.Lock()
	_, stillPresent := sess.sockets["c"]
	sess.mu.Unlock()
	if stillPresent {
		t.Fatal("failed socket should be removed from the socket set")
	}

	sess.broadcast(Frame{"type": "output", "data": "again"})
	if len(good1.received) != 3 || len(good2.received) != 3 {
		t.Fatal("remaining sockets unaffected by a prior failure elsewhere")
	}
}

func TestLocalForward_ScenarioC(t *testing.T) {
	ctx := context.Background()
	srv := newFakeSSHServer(t, "pw")
	g, _ := newTestGateway(t, []string{"127.0.0.1"})

	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echoLn.Close()
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()

	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve local bind port: %v", err)
	}
	localPort := localLn.Addr().(*net.TCPAddr).Port
	localLn.Close()

	echoPort := echoLn.Addr().(*net.TCPAddr).Port
	cmd := "ssh u@127.0.0.1 -L 127.0.0.1:" + strconv.Itoa(localPort) + ":127.0.0.1:" + strconv.Itoa(echoPort)

	sess, err := g.CreateSession(ctx, "u1", CreateInput{
		RawCommand: cmd, Host: "127.0.0.1", Port: splitPort(t, srv.addr()), Username: "u", Password: "pw",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer g.CloseSession(ctx, "u1", sess.ID)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(localPort))
	if err != nil {
		t.Fatalf("dial local forward bind: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello-through-tunnel")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("echoed bytes = %q, want %q", buf, msg)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// TestRemoteForward_DispatchesMatchingMapping drives a real -R mapping end
// to end: the fake server delivers an inbound "forwarded-tcpip" channel the
// way a real sshd would on receiving a connection against the bound port,
// and the gateway's dispatcher must match it against the recorded mapping
// and pipe it to the configured local target. Exercised once with the
// literal bind address and once with a different loopback alias, per the
// spec's "bindHost of a loopback alias matches any loopback literal in
// destIP" rule.
func TestRemoteForward_DispatchesMatchingMapping(t *testing.T) {
	ctx := context.Background()
	srv := newFakeSSHServer(t, "pw")
	g, _ := newTestGateway(t, []string{"127.0.0.1"})

	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echoLn.Close()
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	echoPort := echoLn.Addr().(*net.TCPAddr).Port

	bindLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve bind port: %v", err)
	}
	bindPort := bindLn.Addr().(*net.TCPAddr).Port
	bindLn.Close()

	cmd := "ssh u@127.0.0.1 -R 127.0.0.1:" + strconv.Itoa(bindPort) + ":127.0.0.1:" + strconv.Itoa(echoPort)
	sess, err := g.CreateSession(ctx, "u1", CreateInput{
		RawCommand: cmd, Host: "127.0.0.1", Port: splitPort(t, srv.addr()), Username: "u", Password: "pw",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer g.CloseSession(ctx, "u1", sess.ID)

	srv.waitForConn(t)

	for _, destAddr := range []string{"127.0.0.1", "localhost"} {
		ch, err := srv.openForwardedTCPIP(destAddr, uint32(bindPort))
		if err != nil {
			t.Fatalf("openForwardedTCPIP(%q): %v", destAddr, err)
		}

		msg := []byte("hello-through-reverse-tunnel")
		if _, err := ch.Write(msg); err != nil {
			t.Fatalf("write: %v", err)
		}

		buf := make([]byte, len(msg))
		done := make(chan error, 1)
		go func() {
			_, err := io.ReadFull(ch, buf)
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("read echo: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for echo")
		}
		if string(buf) != string(msg) {
			t.Fatalf("echoed bytes = %q, want %q", buf, msg)
		}
		ch.Close()
	}
}

// TestRemoteForward_RejectsUnmatchedChannel confirms the dispatcher rejects
// a forwarded-tcpip channel-open that matches no recorded -R mapping,
// rather than the stock ssh.Client.Listen behavior of routing by whatever
// was last bound.
func TestRemoteForward_RejectsUnmatchedChannel(t *testing.T) {
	ctx := context.Background()
	srv := newFakeSSHServer(t, "pw")
	g, _ := newTestGateway(t, []string{"127.0.0.1"})

	sess, err := g.CreateSession(ctx, "u1", CreateInput{
		Host: "127.0.0.1", Port: splitPort(t, srv.addr()), Username: "u", Password: "pw",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer g.CloseSession(ctx, "u1", sess.ID)

	srv.waitForConn(t)

	if _, err := srv.openForwardedTCPIP("127.0.0.1", 59999); err == nil {
		t.Fatal("openForwardedTCPIP: expected rejection for unmatched mapping, got nil error")
	}
}
