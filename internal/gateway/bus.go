package gateway

import "encoding/json"

// Socket is the gateway's view of one attached WebSocket: a single-writer
// sink for outbound frames. Implementations must serialize their own writes;
// the bus never calls Send concurrently for the same Socket.
type Socket interface {
	Send(frame []byte) error
	Close() error
}

// Frame is the single-line JSON shape every session-bus message follows.
type Frame map[string]any

func encodeFrame(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// Frame values are always gateway-controlled primitives; a marshal
		// failure here would be a programming error, not a runtime one.
		panic("gateway: frame marshal: " + err.Error())
	}
	return b
}

// AttachWebsocket registers sock under id and sends it a ready frame.
// Re-attaching an id already in use replaces the prior socket without
// closing it — callers are expected to pass a fresh id per attach.
func (s *Session) AttachWebsocket(id string, sock Socket) {
	s.mu.Lock()
	if s.sockets == nil {
		s.sockets = make(map[string]Socket)
	}
	s.sockets[id] = sock
	s.mu.Unlock()

	_ = sock.Send(encodeFrame(Frame{"type": "ready", "sessionId": s.ID}))
}

// DetachWebsocket removes id from the socket set. Detaching an unknown id
// is a no-op.
func (s *Session) DetachWebsocket(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, id)
}

// broadcast sends frame to every attached socket. A socket whose Send fails
// is closed and dropped; the rest still receive the frame. Ordering per
// socket matches call order since broadcast never overlaps itself for a
// given Session (all call sites hold no lock across it but are invoked from
// single-writer goroutines — the shell reader, the dispatcher, teardown).
func (s *Session) broadcast(f Frame) {
	frame := encodeFrame(f)

	s.mu.Lock()
	targets := make(map[string]Socket, len(s.sockets))
	for id, sock := range s.sockets {
		targets[id] = sock
	}
	s.mu.Unlock()

	for id, sock := range targets {
		if err := sock.Send(frame); err != nil {
			_ = sock.Close()
			s.mu.Lock()
			delete(s.sockets, id)
			s.mu.Unlock()
		}
	}
}

func (s *Session) closeSockets() {
	s.mu.Lock()
	targets := s.sockets
	s.sockets = make(map[string]Socket)
	s.mu.Unlock()

	for _, sock := range targets {
		_ = sock.Close()
	}
}
