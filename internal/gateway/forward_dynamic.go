package gateway

import (
	"context"
	"fmt"
	"net"

	socks5 "github.com/armon/go-socks5"
)

// installDynamicForward starts an unauthenticated SOCKS5 server on the
// session's loopback bind; every accepted request is dialed over the
// session's SSH transport as a direct-tcpip channel.
func (g *Gateway) installDynamicForward(sess *Session, spec DynamicForwardSpec) error {
	bindHost, ok := normalizeLoopback(spec.BindHost)
	if !ok {
		return fmt.Errorf("bind host %q is not loopback", spec.BindHost)
	}
	spec.BindHost = bindHost

	conf := &socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return sess.client.Dial(network, addr)
		},
	}
	server, err := socks5.New(conf)
	if err != nil {
		return fmt.Errorf("socks5: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindHost, spec.BindPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	sess.mu.Lock()
	sess.dynamicForwards = append(sess.dynamicForwards, &dynamicForward{spec: spec, ln: ln})
	sess.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil {
			// Serve returns when ln is closed during teardown; any other
			// error is reported but does not end the session.
			sess.broadcast(Frame{"type": "error", "message": fmt.Sprintf("socks5 server: %v", err)})
		}
	}()

	sess.broadcast(Frame{
		"type": "forward",
		"mode": "D",
		"bind": fmt.Sprintf("%s:%d", spec.BindHost, spec.BindPort),
	})
	return nil
}
