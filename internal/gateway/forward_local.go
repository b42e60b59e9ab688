package gateway

import (
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/time/rate"

	"github.com/websoft9/sshgateway/internal/sshcmd"
)

// forwardAcceptRateLimit bounds how fast a single -L listener accepts new
// connections, so a misbehaving local client can't spin up unbounded
// concurrent direct-tcpip channels against the remote host.
const forwardAcceptRateLimit = 50 // connections/sec, burst 50

// installForwards binds every parsed -L/-R/-D forward in order. On any
// failure the caller tears the whole session down — forwarder bind failures
// are session-build errors, not mid-session ones.
func (g *Gateway) installForwards(sess *Session, cmd sshcmd.Command) error {
	for _, lf := range cmd.LocalForwards {
		if err := g.installLocalForward(sess, LocalForwardSpec(lf)); err != nil {
			return fmt.Errorf("gateway: local forward %d:%s:%d: %w", lf.BindPort, lf.TargetHost, lf.TargetPort, err)
		}
	}
	for _, rf := range cmd.RemoteForwards {
		if err := g.installRemoteForward(sess, RemoteForwardSpec(rf)); err != nil {
			return fmt.Errorf("gateway: remote forward %d:%s:%d: %w", rf.BindPort, rf.TargetHost, rf.TargetPort, err)
		}
	}
	for _, df := range cmd.DynamicForwards {
		if err := g.installDynamicForward(sess, DynamicForwardSpec(df)); err != nil {
			return fmt.Errorf("gateway: dynamic forward %d: %w", df.BindPort, err)
		}
	}
	return nil
}

func (g *Gateway) installLocalForward(sess *Session, spec LocalForwardSpec) error {
	bindHost, ok := normalizeLoopback(spec.BindHost)
	if !ok {
		return fmt.Errorf("bind host %q is not loopback", spec.BindHost)
	}
	spec.BindHost = bindHost

	ln, err := net.Listen("tcp", net.JoinHostPort(bindHost, fmt.Sprintf("%d", spec.BindPort)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	sess.mu.Lock()
	sess.localForwards = append(sess.localForwards, &localForward{spec: spec, ln: ln})
	sess.mu.Unlock()

	go g.acceptLocalForward(sess, ln, spec)

	sess.broadcast(Frame{
		"type":   "forward",
		"mode":   "L",
		"bind":   fmt.Sprintf("%s:%d", spec.BindHost, spec.BindPort),
		"target": fmt.Sprintf("%s:%d", spec.TargetHost, spec.TargetPort),
	})
	return nil
}

func (g *Gateway) acceptLocalForward(sess *Session, ln net.Listener, spec LocalForwardSpec) {
	limiter := rate.NewLimiter(rate.Limit(forwardAcceptRateLimit), forwardAcceptRateLimit)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed during teardown
		}
		if err := limiter.Wait(context.Background()); err != nil {
			conn.Close()
			continue
		}
		go g.pipeLocalForward(sess, conn, spec)
	}
}

func (g *Gateway) pipeLocalForward(sess *Session, conn net.Conn, spec LocalForwardSpec) {
	defer conn.Close()

	target := net.JoinHostPort(spec.TargetHost, fmt.Sprintf("%d", spec.TargetPort))
	channel, err := sess.client.Dial("tcp", target)
	if err != nil {
		sess.broadcast(Frame{"type": "error", "message": fmt.Sprintf("local forward dial %s: %v", target, err)})
		return
	}
	defer channel.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(channel, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, channel); done <- struct{}{} }()
	<-done
}
