package gateway

import (
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
)

// forwardedTCPIPPayload mirrors the wire format of an inbound
// "forwarded-tcpip" channel-open request (RFC 4254 §7.2): the address and
// port the peer connected to, then the address and port it connected from.
// golang.org/x/crypto/ssh keeps the equivalent struct unexported, so it is
// redeclared here purely as a target for ssh.Unmarshal.
type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// tcpipForwardRequest mirrors the "tcpip-forward"/"cancel-tcpip-forward"
// global request payload (RFC 4254 §7.1).
type tcpipForwardRequest struct {
	Addr string
	Port uint32
}

// installRemoteForwardDispatcher registers the single "forwarded-tcpip"
// channel handler for sess's lifetime. It runs once per Session at
// session-start regardless of how many (or how few) -R flags the command
// carries: every inbound forwarded channel for the session's transport
// funnels through here and is matched against whatever mappings
// installRemoteForward has recorded by the time it arrives.
func (g *Gateway) installRemoteForwardDispatcher(sess *Session) {
	chans := sess.client.HandleChannelOpen("forwarded-tcpip")
	go func() {
		for newChan := range chans {
			go g.dispatchRemoteForward(sess, newChan)
		}
	}()
}

// dispatchRemoteForward matches one inbound forwarded-tcpip channel-open
// against sess's recorded -R mappings by (destPort, destIP), accepts and
// pipes on a match, and rejects otherwise.
func (g *Gateway) dispatchRemoteForward(sess *Session, newChan ssh.NewChannel) {
	var payload forwardedTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
		return
	}

	spec, ok := sess.matchRemoteForward(payload.Addr, int(payload.Port))
	if !ok {
		newChan.Reject(ssh.Prohibited, "no matching remote forward")
		return
	}

	channel, requests, err := newChan.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(requests)

	target := net.JoinHostPort(spec.TargetHost, strconv.Itoa(spec.TargetPort))
	local, err := net.Dial("tcp", target)
	if err != nil {
		sess.broadcast(Frame{"type": "error", "message": fmt.Sprintf("remote forward dial %s: %v", target, err)})
		channel.Close()
		return
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(local, channel); done <- struct{}{} }()
	go func() { io.Copy(channel, local); done <- struct{}{} }()
	go func() {
		<-done
		<-done
		channel.Close()
		local.Close()
	}()
}

// installRemoteForward sends the "tcpip-forward" global request for spec
// and records the (bindHost,bindPort)->(targetHost,targetPort) mapping the
// session's dispatcher matches inbound channels against.
func (g *Gateway) installRemoteForward(sess *Session, spec RemoteForwardSpec) error {
	bindHost, ok := normalizeLoopback(spec.BindHost)
	if !ok {
		return fmt.Errorf("bind host %q is not loopback", spec.BindHost)
	}
	spec.BindHost = bindHost

	accepted, _, err := sess.client.SendRequest("tcpip-forward", true, ssh.Marshal(&tcpipForwardRequest{
		Addr: bindHost,
		Port: uint32(spec.BindPort),
	}))
	if err != nil {
		return fmt.Errorf("tcpip-forward: %w", err)
	}
	if !accepted {
		return fmt.Errorf("tcpip-forward: remote refused bind %s:%d", bindHost, spec.BindPort)
	}

	sess.mu.Lock()
	sess.remoteForwards = append(sess.remoteForwards, spec)
	sess.mu.Unlock()

	sess.broadcast(Frame{
		"type":   "forward",
		"mode":   "R",
		"bind":   fmt.Sprintf("%s:%d", spec.BindHost, spec.BindPort),
		"target": fmt.Sprintf("%s:%d", spec.TargetHost, spec.TargetPort),
	})
	return nil
}

// cancelRemoteForwards sends "cancel-tcpip-forward" for every mapping
// recorded on sess, best-effort, during teardown.
func (g *Gateway) cancelRemoteForwards(sess *Session) {
	sess.mu.Lock()
	mappings := append([]RemoteForwardSpec(nil), sess.remoteForwards...)
	sess.mu.Unlock()

	for _, spec := range mappings {
		_, _, _ = sess.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&tcpipForwardRequest{
			Addr: spec.BindHost,
			Port: uint32(spec.BindPort),
		}))
	}
}

// matchRemoteForward finds the recorded -R mapping whose bind port equals
// destPort and whose bindHost matches destIP, treating a bindHost that is a
// loopback alias as matching any loopback literal in destIP (bindHost is
// always normalized to "127.0.0.1" at install time, so this reduces to: the
// inbound destination is itself some loopback spelling).
func (s *Session) matchRemoteForward(destIP string, destPort int) (RemoteForwardSpec, bool) {
	destLoopback, destIsLoopback := normalizeLoopback(destIP)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range s.remoteForwards {
		if spec.BindPort != destPort {
			continue
		}
		if spec.BindHost == destIP {
			return spec, true
		}
		if destIsLoopback && spec.BindHost == destLoopback {
			return spec, true
		}
	}
	return RemoteForwardSpec{}, false
}
